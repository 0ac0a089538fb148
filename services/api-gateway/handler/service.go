package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/board"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/capacity"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/domain"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/feed"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/queue"
	redisstore "github.com/akashpixels/clientbridge-tasksphere-sub000/internal/redis"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/store"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/pkg/retry"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/pkg/telemetry"
)

// Scheduler is the slice of *queue.Allocator the transports call.
type Scheduler interface {
	Allocate(ctx context.Context, req queue.Request) (*queue.Allocation, error)
	Preview(ctx context.Context, req queue.Request) (*queue.Allocation, error)
	Transition(ctx context.Context, req queue.TransitionRequest) (*domain.Task, error)
	Remove(ctx context.Context, taskID string) error
	Snapshot(ctx context.Context, projectID string) (*capacity.Snapshot, error)
}

// Deps are shared by the REST and gRPC handlers.
type Deps struct {
	Scheduler Scheduler
	Store     store.Store
	// Limiter bounds previews per project. Nil disables limiting.
	Limiter redisstore.RateLimiter
	Source  feed.Source
	Fetcher feed.Fetcher
	// Coalesce is the board stream coalescing window. Zero uses the default.
	Coalesce time.Duration
	// Retry is applied to mutations that fail with lock contention.
	Retry  retry.Config
	Logger *slog.Logger
}

// DefaultRetry retries contended mutations twice.
var DefaultRetry = retry.Config{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: 500 * time.Millisecond}

// QueueResponse is a project's occupancy.
type QueueResponse struct {
	ProjectID   string         `json:"project_id"`
	ActiveCount int            `json:"active_count"`
	Active      []*domain.Task `json:"active"`
	Queue       []*domain.Task `json:"queue"`
	Renumbered  int            `json:"renumbered"`
}

// contention returns the retry policy for mutations: only contention is
// retried.
func (d Deps) contention(op string) retry.Config {
	cfg := d.Retry
	if cfg.MaxAttempts == 0 {
		cfg = DefaultRetry
	}
	cfg.ShouldRetry = queue.IsContended
	cfg.OnRetry = func(attempt int, err error) {
		d.Logger.Debug("retrying contended mutation",
			slog.String("operation", op),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	return cfg
}

func (d Deps) allocate(ctx context.Context, req queue.Request) (*queue.Allocation, error) {
	return retry.Value(ctx, d.contention("allocate"), func() (*queue.Allocation, error) {
		return d.Scheduler.Allocate(ctx, req)
	})
}

func (d Deps) transition(ctx context.Context, req queue.TransitionRequest) (*domain.Task, error) {
	return retry.Value(ctx, d.contention("transition"), func() (*domain.Task, error) {
		return d.Scheduler.Transition(ctx, req)
	})
}

func (d Deps) remove(ctx context.Context, taskID string) error {
	return retry.Do(ctx, d.contention("remove"), func() error {
		return d.Scheduler.Remove(ctx, taskID)
	})
}

func (d Deps) queue(ctx context.Context, projectID string) (*QueueResponse, error) {
	snap, err := d.Scheduler.Snapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &QueueResponse{
		ProjectID:   projectID,
		ActiveCount: snap.ActiveCount(),
		Active:      nonNil(snap.Active),
		Queue:       nonNil(snap.Queue),
		Renumbered:  len(snap.Renumbered),
	}, nil
}

// errRateLimited is returned by preview when the project's budget is spent.
var errRateLimited = errors.New("preview rate limit exceeded")

func (d Deps) preview(ctx context.Context, req queue.Request) (*queue.Allocation, error) {
	if d.Limiter != nil {
		ok, err := d.Limiter.Allow(ctx, req.ProjectID)
		switch {
		case err != nil:
			d.Logger.Warn("preview rate limiter unavailable",
				slog.String("project_id", req.ProjectID),
				slog.String("error", err.Error()),
			)
		case !ok:
			telemetry.PreviewRateLimitedTotal.Inc()
			return nil, errRateLimited
		}
	}
	return d.Scheduler.Preview(ctx, req)
}

func (d Deps) board(ctx context.Context, projectID string) (*feed.Update, error) {
	mostUrgent, err := d.mostUrgent(ctx)
	if err != nil {
		return nil, err
	}
	tasks, seq, err := d.Store.ProjectTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &feed.Update{
		ProjectID:   projectID,
		Seq:         seq,
		Board:       board.ClassifyAndSort(tasks, mostUrgent),
		RefreshedAt: time.Now().UTC(),
	}, nil
}

// streamBoard runs one Coordinator for the viewing session and passes each
// board to send until ctx ends or send fails.
func (d Deps) streamBoard(ctx context.Context, projectID string, send func(feed.Update) error) error {
	if _, err := d.Store.Project(ctx, projectID); err != nil {
		return err
	}
	mostUrgent, err := d.mostUrgent(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := []feed.CoordinatorOption{feed.WithCoordinatorLogger(d.Logger)}
	if d.Coalesce > 0 {
		opts = append(opts, feed.WithCoalesceWindow(d.Coalesce))
	}
	coord := feed.NewCoordinator(projectID, d.Source, d.Fetcher, mostUrgent, opts...)

	runErr := make(chan error, 1)
	go func() { runErr <- coord.Run(ctx) }()

	for u := range coord.Updates() {
		if err := send(u); err != nil {
			cancel()
			<-runErr
			return err
		}
	}
	return <-runErr
}

func (d Deps) mostUrgent(ctx context.Context) (int, error) {
	cat, err := d.Store.Catalog(ctx)
	if err != nil {
		return 0, err
	}
	return cat.MostUrgentPriority(), nil
}

// failure is the transport-neutral view of an error.
type failure struct {
	httpStatus int
	grpcCode   codes.Code
	message    string
	retryAfter time.Duration
}

func classify(err error) failure {
	var (
		contended *domain.SchedulingContendedError
		invalidD  *domain.InvalidDurationInputError
		invalidC  *domain.InvalidCapacityError
		unknown   *domain.UnknownReferenceError
		cannot    *domain.CannotScheduleError
		noProject *domain.ProjectNotFoundError
		noTask    *domain.TaskNotFoundError
	)
	switch {
	case errors.Is(err, errRateLimited):
		return failure{http.StatusTooManyRequests, codes.ResourceExhausted, err.Error(), time.Second}
	case errors.As(err, &contended):
		return failure{http.StatusConflict, codes.Aborted, err.Error(), time.Second}
	case errors.As(err, &invalidD), errors.As(err, &invalidC), errors.As(err, &unknown):
		return failure{http.StatusBadRequest, codes.InvalidArgument, err.Error(), 0}
	case errors.As(err, &noProject), errors.As(err, &noTask):
		return failure{http.StatusNotFound, codes.NotFound, err.Error(), 0}
	case errors.As(err, &cannot):
		return failure{http.StatusUnprocessableEntity, codes.FailedPrecondition, err.Error(), 0}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return failure{http.StatusServiceUnavailable, codes.Canceled, "request cancelled", 0}
	}
	return failure{http.StatusInternalServerError, codes.Internal, "internal error", 0}
}

func retryAfterHeader(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func nonNil(ts []*domain.Task) []*domain.Task {
	if ts == nil {
		return []*domain.Task{}
	}
	return ts
}

func validateRequest(req queue.Request) error {
	if req.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if req.TaskTypeID == 0 || req.PriorityID == 0 || req.ComplexityID == 0 {
		return fmt.Errorf("task_type_id, priority_id and complexity_id are required")
	}
	return nil
}
