package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/board"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/domain"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/pkg/retry"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/pkg/telemetry"
)

// DefaultCoalesceWindow is how long a burst of changes is gathered before
// one refresh.
const DefaultCoalesceWindow = 250 * time.Millisecond

// Update is a classified board at a known change sequence.
type Update struct {
	ProjectID   string      `json:"project_id"`
	Seq         int64       `json:"seq"`
	Board       board.Board `json:"board"`
	RefreshedAt time.Time   `json:"refreshed_at"`
}

// StaleReadError is returned when a fetch reflects an older sequence than
// the change that triggered it.
type StaleReadError struct {
	ProjectID string
	Got       int64
	Want      int64
}

func (e *StaleReadError) Error() string {
	return fmt.Sprintf("stale task set for project %s: seq %d, want at least %d", e.ProjectID, e.Got, e.Want)
}

// Coordinator keeps one project's board current for one viewing session.
// Construct it per session, call Run, read Updates, and cancel the context
// to tear it down.
type Coordinator struct {
	projectID  string
	source     Source
	fetcher    Fetcher
	mostUrgent int
	window     time.Duration
	logger     *slog.Logger
	retry      retry.Config

	updates chan Update
	tasks   map[string]*domain.Task
	seq     int64
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoalesceWindow overrides DefaultCoalesceWindow.
func WithCoalesceWindow(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.window = d }
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithRefetchRetry overrides the retry policy for full refetches.
func WithRefetchRetry(cfg retry.Config) CoordinatorOption {
	return func(c *Coordinator) { c.retry = cfg }
}

// NewCoordinator returns a Coordinator for projectID. mostUrgent is the
// priority ID classified as critical.
func NewCoordinator(projectID string, source Source, fetcher Fetcher, mostUrgent int, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		projectID:  projectID,
		source:     source,
		fetcher:    fetcher,
		mostUrgent: mostUrgent,
		window:     DefaultCoalesceWindow,
		logger:     slog.Default(),
		retry:      retry.Config{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond},
		updates:    make(chan Update, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Updates delivers boards. Only the latest undelivered board is kept. The
// channel is closed when Run returns.
func (c *Coordinator) Updates() <-chan Update { return c.updates }

// Run subscribes, emits the initial board and then one board per burst of
// changes until ctx is cancelled or the source closes.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.updates)

	events, unsubscribe := c.source.Subscribe(c.projectID)
	defer unsubscribe()

	// Subscribe first so nothing committed after the fetch is missed.
	if err := c.refetch(ctx, Latest); err != nil {
		return err
	}
	c.emit()

	var (
		pending []domain.Change
		timer   *time.Timer
		timerC  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !ev.Resync && ev.Seq <= c.seq {
				telemetry.FeedDuplicatesTotal.Inc()
				continue
			}
			pending = append(pending, ev)
			if timerC != nil {
				telemetry.FeedEventsCoalescedTotal.Inc()
				continue
			}
			timer = time.NewTimer(c.window)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			batch := pending
			pending = nil
			if err := c.refresh(ctx, batch); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Warn("board refresh failed, waiting for next change",
					slog.String("project_id", c.projectID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// refresh applies one coalesced batch. Contiguous, complete changes merge
// incrementally; anything else falls back to a refetch at least as fresh as
// the newest change in the batch.
func (c *Coordinator) refresh(ctx context.Context, batch []domain.Change) error {
	ctx, span := otel.Tracer("feed").Start(ctx, "feed.refresh")
	defer span.End()

	sort.SliceStable(batch, func(i, j int) bool { return batch[i].Seq < batch[j].Seq })

	var (
		target      = c.seq
		incremental = true
		next        = c.seq + 1
		applicable  []domain.Change
	)
	for _, ev := range batch {
		if ev.Seq > target {
			target = ev.Seq
		}
		if ev.Resync {
			incremental = false
			continue
		}
		if ev.Seq < next {
			telemetry.FeedDuplicatesTotal.Inc()
			continue
		}
		if ev.Seq != next {
			incremental = false
			continue
		}
		applicable = append(applicable, ev)
		next++
	}
	span.SetAttributes(
		attribute.String("project.id", c.projectID),
		attribute.Int("batch.size", len(batch)),
		attribute.Int64("seq.target", target),
	)

	if incremental {
		if len(applicable) == 0 {
			return nil
		}
		for _, ev := range applicable {
			for _, t := range ev.Upserted {
				c.tasks[t.ID] = t
			}
			for _, id := range ev.Deleted {
				delete(c.tasks, id)
			}
			c.seq = ev.Seq
		}
		telemetry.FeedRefreshesTotal.WithLabelValues("incremental").Inc()
		span.SetAttributes(attribute.String("mode", "incremental"))
		c.emit()
		return nil
	}

	c.logger.Debug("change sequence not contiguous, refetching",
		slog.String("project_id", c.projectID),
		slog.Int64("have", c.seq),
		slog.Int64("want", target),
	)
	if err := c.refetch(ctx, target); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refetch failed")
		return err
	}
	telemetry.FeedRefreshesTotal.WithLabelValues("refetch").Inc()
	span.SetAttributes(attribute.String("mode", "refetch"))
	c.emit()
	return nil
}

// refetch replaces the task set with a read reflecting at least minSeq.
func (c *Coordinator) refetch(ctx context.Context, minSeq int64) error {
	return retry.Do(ctx, c.retry, func() error {
		tasks, seq, err := c.fetcher.Fetch(ctx, c.projectID, minSeq)
		if err != nil {
			return err
		}
		if seq < minSeq {
			return &StaleReadError{ProjectID: c.projectID, Got: seq, Want: minSeq}
		}
		c.tasks = make(map[string]*domain.Task, len(tasks))
		for _, t := range tasks {
			c.tasks[t.ID] = t
		}
		c.seq = seq
		return nil
	})
}

// emit classifies the current task set and replaces any undelivered board.
func (c *Coordinator) emit() {
	tasks := make([]*domain.Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		tasks = append(tasks, t)
	}
	u := Update{
		ProjectID:   c.projectID,
		Seq:         c.seq,
		Board:       board.ClassifyAndSort(tasks, c.mostUrgent),
		RefreshedAt: time.Now(),
	}
	select {
	case c.updates <- u:
		return
	default:
	}
	select {
	case <-c.updates:
	default:
	}
	c.updates <- u
}
