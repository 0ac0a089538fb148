// Package queue is the scheduling core. It assigns queue positions and
// projected start and end instants to a project's tasks under a per-project
// lock, and re-evaluates the queue whenever a slot frees.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/calendar"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/capacity"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/domain"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/estimator"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/lock"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/store"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/pkg/telemetry"
)

// DefaultQueueJumpThreshold marks only the most urgent priority ID as queue-jumping.
const DefaultQueueJumpThreshold = 1

// Notifier receives every committed Change. Publish is called after commit;
// a failure is logged and does not undo the mutation.
type Notifier interface {
	Publish(ctx context.Context, c domain.Change) error
}

// Request describes a task to allocate.
type Request struct {
	ProjectID    string `json:"project_id"`
	Title        string `json:"title,omitempty"`
	TaskTypeID   int    `json:"task_type_id"`
	PriorityID   int    `json:"priority_id"`
	ComplexityID int    `json:"complexity_id"`
	CreatedBy    string `json:"created_by,omitempty"`
}

// Allocation is the outcome of Allocate or Preview.
type Allocation struct {
	Task          *domain.Task      `json:"task"`
	QueuePosition *int              `json:"queue_position"`
	EstStart      time.Time         `json:"est_start"`
	EstEnd        time.Time         `json:"est_end"`
	InitialStatus domain.TaskStatus `json:"initial_status"`
	// Seq is the project's change sequence after commit. Zero for previews.
	Seq int64 `json:"seq,omitempty"`
}

// ReconcileResult summarises a Reconcile run.
type ReconcileResult struct {
	ProjectID string `json:"project_id"`
	Promoted  int    `json:"promoted"`
	Updated   int    `json:"updated"`
	Seq       int64  `json:"seq,omitempty"`
}

// Allocator runs scheduling operations. It is safe for concurrent use.
type Allocator struct {
	store         store.Store
	locker        lock.Locker
	tracker       *capacity.Tracker
	notifier      Notifier
	logger        *slog.Logger
	now           func() time.Time
	newID         func() string
	jumpThreshold int
	tracer        trace.Tracer
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(a *Allocator) { a.now = now } }

// WithQueueJumpThreshold sets the largest priority ID that may jump the queue.
// Zero disables queue jumping.
func WithQueueJumpThreshold(id int) Option { return func(a *Allocator) { a.jumpThreshold = id } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(a *Allocator) { a.logger = l } }

// WithNotifier sets the receiver of committed changes.
func WithNotifier(n Notifier) Option { return func(a *Allocator) { a.notifier = n } }

// WithIDGenerator overrides uuid.NewString for new task IDs.
func WithIDGenerator(f func() string) Option { return func(a *Allocator) { a.newID = f } }

// NewAllocator returns an Allocator over s, serialising each project through locker.
func NewAllocator(s store.Store, locker lock.Locker, opts ...Option) *Allocator {
	a := &Allocator{
		store:         s,
		locker:        locker,
		notifier:      nopNotifier{},
		logger:        slog.Default(),
		now:           time.Now,
		newID:         uuid.NewString,
		jumpThreshold: DefaultQueueJumpThreshold,
		tracer:        otel.Tracer("allocator"),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.tracker = capacity.NewTracker(a.logger)
	return a
}

// Allocate creates a task and places it: into a free slot after its priority
// delay, or into the queue. The read, placement and insert commit atomically
// under the project lock; a cancelled ctx rolls everything back.
func (a *Allocator) Allocate(ctx context.Context, req Request) (*Allocation, error) {
	ctx, span := a.tracer.Start(ctx, "allocator.allocate", trace.WithAttributes(requestAttrs(req)...))
	defer span.End()
	defer observe("allocate", time.Now())

	logger := a.logger.With(
		slog.String("project_id", req.ProjectID),
		slog.Int("priority_id", req.PriorityID),
		slog.Int("complexity_id", req.ComplexityID),
		slog.Int("task_type_id", req.TaskTypeID),
	)

	alloc, err := a.allocate(ctx, req)
	if err != nil {
		outcome := outcomeOf(err)
		telemetry.AllocationsTotal.WithLabelValues(outcome).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		if outcome == "error" {
			logger.Error("allocation failed", slog.String("error", err.Error()))
		} else {
			logger.Warn("allocation rejected", slog.String("outcome", outcome), slog.String("error", err.Error()))
		}
		return nil, err
	}

	outcome := "queued"
	if alloc.QueuePosition == nil {
		outcome = "active"
	}
	telemetry.AllocationsTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.String("task.id", alloc.Task.ID), attribute.String("outcome", outcome))
	logger.Info("task allocated",
		slog.String("task_id", alloc.Task.ID),
		slog.String("status_type", string(alloc.InitialStatus.Type)),
		slog.Any("queue_position", alloc.QueuePosition),
		slog.Time("est_start", alloc.EstStart),
		slog.Time("est_end", alloc.EstEnd),
	)
	return alloc, nil
}

func (a *Allocator) allocate(ctx context.Context, req Request) (*Allocation, error) {
	cat, err := a.store.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := estimator.ForIDs(cat, req.TaskTypeID, req.ComplexityID, req.PriorityID); err != nil {
		return nil, inProjectErr(err, req.ProjectID)
	}
	p, err := a.store.Project(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if p.MaxConcurrentTasks <= 0 {
		return nil, &domain.InvalidCapacityError{ProjectID: p.ID, MaxConcurrentTasks: p.MaxConcurrentTasks}
	}

	var alloc *Allocation
	err = a.inProject(ctx, req.ProjectID, domain.ReasonAllocate, cat, func(ctx context.Context, tx store.Tx, pl *plan, ch *domain.Change) error {
		var err error
		alloc, err = a.place(pl, req)
		if err != nil {
			return err
		}
		if err := tx.InsertTask(ctx, alloc.Task); err != nil {
			return err
		}
		ch.Upserted = append(ch.Upserted, alloc.Task)
		return nil
	}, func(ch *domain.Change) {
		alloc.Seq = ch.Seq
	})
	if err != nil {
		return nil, err
	}
	return alloc, nil
}

// place settles the plan, then adds a new task for req to it.
func (a *Allocator) place(pl *plan, req Request) (*Allocation, error) {
	if pl.project.MaxConcurrentTasks <= 0 {
		return nil, &domain.InvalidCapacityError{ProjectID: pl.project.ID, MaxConcurrentTasks: pl.project.MaxConcurrentTasks}
	}
	if err := pl.settle(); err != nil {
		return nil, err
	}

	t := &domain.Task{
		ID:           a.newID(),
		ProjectID:    pl.project.ID,
		Title:        req.Title,
		TaskTypeID:   req.TaskTypeID,
		PriorityID:   req.PriorityID,
		ComplexityID: req.ComplexityID,
		CreatedBy:    req.CreatedBy,
		CreatedAt:    pl.now,
		UpdatedAt:    pl.now,
	}
	pl.add(t)

	var status domain.TaskStatus
	var err error
	if len(pl.active) < pl.project.MaxConcurrentTasks {
		if status, err = pl.cat.DefaultStatus(domain.StatusTypeActive); err != nil {
			return nil, err
		}
		if err := pl.activate(t, status); err != nil {
			return nil, err
		}
	} else {
		if status, err = pl.cat.DefaultStatus(domain.StatusTypeScheduled); err != nil {
			return nil, err
		}
		idx := len(pl.queue)
		if a.jumpThreshold > 0 && t.PriorityID <= a.jumpThreshold {
			idx = pl.jumpIndex(t.PriorityID)
		}
		pl.enqueue(t, idx, status)
		pl.renumber()
		if err := pl.projectSchedule(); err != nil {
			return nil, err
		}
	}

	return &Allocation{
		Task:          t,
		QueuePosition: t.QueuePosition,
		EstStart:      *t.EstStart,
		EstEnd:        *t.EstEnd,
		InitialStatus: status,
	}, nil
}

// Preview computes what Allocate would return right now without taking the
// lock or writing anything. The result may be stale by the time the task is
// submitted; Allocate recomputes it.
func (a *Allocator) Preview(ctx context.Context, req Request) (*Allocation, error) {
	ctx, span := a.tracer.Start(ctx, "allocator.preview", trace.WithAttributes(requestAttrs(req)...))
	defer span.End()
	defer observe("preview", time.Now())

	cat, err := a.store.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := estimator.ForIDs(cat, req.TaskTypeID, req.ComplexityID, req.PriorityID); err != nil {
		return nil, inProjectErr(err, req.ProjectID)
	}
	p, err := a.store.Project(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	tasks, _, err := a.store.ProjectTasks(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	pl, err := a.planFor(p, cat, capacity.Build(p.ID, tasks))
	if err != nil {
		return nil, err
	}
	alloc, err := a.place(pl, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return alloc, nil
}

// TransitionRequest moves a task to another status.
type TransitionRequest struct {
	TaskID   string `json:"task_id"`
	StatusID int    `json:"status_id"`
	Actor    string `json:"actor,omitempty"`
}

// Transition applies a manual status change and re-evaluates the project:
//   - into active: leaves the queue and records actual_start; a task resumed
//     from a pause finishes after its remaining work.
//   - into completed: records actual_end and frees the slot.
//   - into specialcase from active: pauses, keeping the remaining work.
//   - into scheduled: joins the tail of the queue.
func (a *Allocator) Transition(ctx context.Context, req TransitionRequest) (*domain.Task, error) {
	ctx, span := a.tracer.Start(ctx, "allocator.transition", trace.WithAttributes(
		attribute.String("task.id", req.TaskID),
		attribute.Int("status.id", req.StatusID),
	))
	defer span.End()
	defer observe("transition", time.Now())

	cat, err := a.store.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	to, err := cat.Status(req.StatusID)
	if err != nil {
		return nil, err
	}
	current, err := a.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	logger := a.logger.With(
		slog.String("project_id", current.ProjectID),
		slog.String("task_id", req.TaskID),
		slog.String("actor", req.Actor),
	)

	var out *domain.Task
	err = a.inProject(ctx, current.ProjectID, domain.ReasonTransition, cat, func(ctx context.Context, tx store.Tx, pl *plan, ch *domain.Change) error {
		t, ok := pl.task(req.TaskID)
		if !ok {
			return &domain.TaskNotFoundError{TaskID: req.TaskID}
		}
		from := t.StatusType
		if err := a.apply(pl, t, to, logger); err != nil {
			return err
		}
		t.UpdatedAt = pl.now
		if err := pl.settle(); err != nil {
			return err
		}
		out = t
		logger.Info("task transitioned",
			slog.String("from", string(from)),
			slog.String("to", string(to.Type)),
			slog.Int("promoted", pl.promoted),
		)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		return nil, err
	}
	return out.Clone(), nil
}

func (a *Allocator) apply(pl *plan, t *domain.Task, to domain.TaskStatus, logger *slog.Logger) error {
	from := t.StatusType
	now := pl.now

	switch to.Type {
	case domain.StatusTypeActive:
		if from != domain.StatusTypeActive {
			if len(pl.active) >= pl.project.MaxConcurrentTasks {
				logger.Warn("manual start exceeds capacity",
					slog.Int("active", len(pl.active)),
					slog.Int("max_concurrent_tasks", pl.project.MaxConcurrentTasks),
				)
			}
			work, err := a.remainingOrFull(pl, t)
			if err != nil {
				return err
			}
			start, err := pl.cal.NextWorkingInstant(now)
			if err != nil {
				return pl.cannotSchedule(t, err)
			}
			end, err := pl.cal.AddWorkingDuration(start, work)
			if err != nil {
				return pl.cannotSchedule(t, err)
			}
			if t.ActualStart == nil {
				t.ActualStart = &now
			}
			if from == domain.StatusTypeCompleted {
				t.ActualEnd = nil
			}
			t.RemainingWork = nil
			if t.EstStart == nil || from == domain.StatusTypeScheduled {
				t.EstStart = &start
			}
			t.EstEnd = &end
			pl.detach(t)
			pl.active = append(pl.active, t)
		}
		t.QueuePosition = nil

	case domain.StatusTypeCompleted:
		if t.ActualEnd == nil || from != domain.StatusTypeCompleted {
			t.ActualEnd = &now
		}
		t.QueuePosition = nil
		t.RemainingWork = nil
		pl.detach(t)

	case domain.StatusTypeSpecialCase:
		if from == domain.StatusTypeActive && t.EstEnd != nil {
			// Work left excludes any start delay not yet elapsed.
			since := now
			if t.EstStart != nil && t.EstStart.After(since) {
				since = *t.EstStart
			}
			left := pl.cal.WorkingBetween(since, *t.EstEnd)
			t.RemainingWork = &left
		}
		t.QueuePosition = nil
		pl.detach(t)

	case domain.StatusTypeScheduled:
		if from != domain.StatusTypeScheduled {
			pl.enqueue(t, len(pl.queue), to)
			t.ActualEnd = nil
			t.RemainingWork = nil
		}
	}

	t.StatusID, t.StatusType = to.ID, to.Type
	return nil
}

// remainingOrFull returns the paused remaining work, or the full estimate.
func (a *Allocator) remainingOrFull(pl *plan, t *domain.Task) (time.Duration, error) {
	if t.StatusType == domain.StatusTypeSpecialCase && t.RemainingWork != nil {
		return *t.RemainingWork, nil
	}
	est, err := pl.estimate(t)
	if err != nil {
		return 0, err
	}
	return est.Work, nil
}

// Remove deletes a task administratively and closes the gap it leaves.
func (a *Allocator) Remove(ctx context.Context, taskID string) error {
	ctx, span := a.tracer.Start(ctx, "allocator.remove", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()
	defer observe("remove", time.Now())

	cat, err := a.store.Catalog(ctx)
	if err != nil {
		return err
	}
	current, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	err = a.inProject(ctx, current.ProjectID, domain.ReasonRemove, cat, func(ctx context.Context, tx store.Tx, pl *plan, ch *domain.Change) error {
		t, ok := pl.task(taskID)
		if !ok {
			return &domain.TaskNotFoundError{TaskID: taskID}
		}
		if err := tx.DeleteTask(ctx, taskID); err != nil {
			return err
		}
		pl.forget(t)
		ch.Deleted = append(ch.Deleted, taskID)
		return pl.settle()
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	a.logger.Info("task removed", slog.String("project_id", current.ProjectID), slog.String("task_id", taskID))
	return nil
}

// Reconcile re-evaluates a project without a triggering mutation: it repairs
// queue positions, fills free slots and refreshes projections.
func (a *Allocator) Reconcile(ctx context.Context, projectID string) (*ReconcileResult, error) {
	ctx, span := a.tracer.Start(ctx, "allocator.reconcile", trace.WithAttributes(attribute.String("project.id", projectID)))
	defer span.End()
	defer observe("reconcile", time.Now())

	cat, err := a.store.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	res := &ReconcileResult{ProjectID: projectID}
	err = a.inProject(ctx, projectID, domain.ReasonReconcile, cat, func(_ context.Context, _ store.Tx, pl *plan, ch *domain.Change) error {
		if err := pl.settle(); err != nil {
			return err
		}
		res.Promoted = pl.promoted
		return nil
	}, func(ch *domain.Change) {
		res.Updated = len(ch.Upserted)
		res.Seq = ch.Seq
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return res, nil
}

// Snapshot returns the project's capacity snapshot. Reading it may renumber
// the queue, so it runs under the project lock.
func (a *Allocator) Snapshot(ctx context.Context, projectID string) (*capacity.Snapshot, error) {
	var snap *capacity.Snapshot
	release, err := a.acquire(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer release()

	var ch *domain.Change
	err = a.store.WithProjectTx(ctx, projectID, func(ctx context.Context, tx store.Tx) error {
		var err error
		if snap, err = a.tracker.Snapshot(ctx, tx); err != nil {
			return err
		}
		if len(snap.Renumbered) == 0 {
			return nil
		}
		seq, err := tx.BumpSeq(ctx)
		if err != nil {
			return err
		}
		ch = &domain.Change{
			ProjectID:  projectID,
			Seq:        seq,
			Reason:     domain.ReasonRenumber,
			Upserted:   cloneAll(snap.Renumbered),
			OccurredAt: a.now(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ch != nil {
		a.publish(ctx, *ch)
	}
	return snap, nil
}

// inProject runs fn inside the project lock and transaction with a settled
// plan of the project's tasks. Tasks fn changes are written back, the
// change sequence is bumped once and the Change is published after commit.
// Nothing is written or published if the plan ends up unchanged.
func (a *Allocator) inProject(
	ctx context.Context,
	projectID, reason string,
	cat *domain.Catalog,
	fn func(ctx context.Context, tx store.Tx, pl *plan, ch *domain.Change) error,
	after ...func(ch *domain.Change),
) error {
	release, err := a.acquire(ctx, projectID)
	if err != nil {
		return err
	}
	defer release()

	var ch domain.Change
	err = a.store.WithProjectTx(ctx, projectID, func(ctx context.Context, tx store.Tx) error {
		ch = domain.Change{ProjectID: projectID, Reason: reason}

		p, err := tx.Project(ctx)
		if err != nil {
			return err
		}
		if p.MaxConcurrentTasks <= 0 {
			return &domain.InvalidCapacityError{ProjectID: p.ID, MaxConcurrentTasks: p.MaxConcurrentTasks}
		}
		snap, err := a.tracker.Snapshot(ctx, tx)
		if err != nil {
			return err
		}
		pl, err := a.planFor(p, cat, snap)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx, pl, &ch); err != nil {
			return err
		}

		changed := pl.diff()
		for _, t := range changed {
			t.UpdatedAt = pl.now
			if err := tx.UpdateTask(ctx, t); err != nil {
				return err
			}
		}
		if pl.promoted > 0 {
			telemetry.PromotionsTotal.Add(float64(pl.promoted))
		}
		ch.Upserted = mergeUpserts(ch.Upserted, snap.Renumbered, changed)
		if len(ch.Upserted) == 0 && len(ch.Deleted) == 0 {
			return nil
		}
		if ch.Seq, err = tx.BumpSeq(ctx); err != nil {
			return err
		}
		ch.OccurredAt = pl.now
		return nil
	})
	if err != nil {
		return err
	}
	for _, f := range after {
		f(&ch)
	}
	if ch.Seq > 0 {
		a.publish(ctx, ch)
	}
	return nil
}

func (a *Allocator) planFor(p *domain.Project, cat *domain.Catalog, snap *capacity.Snapshot) (*plan, error) {
	cal, err := calendar.New(p.Calendar)
	if err != nil {
		return nil, err
	}
	return newPlan(p, cal, cat, a.now().In(cal.Location()), snap), nil
}

func (a *Allocator) acquire(ctx context.Context, projectID string) (func(), error) {
	started := time.Now()
	release, err := a.locker.Acquire(ctx, projectID)
	telemetry.LockWaitSeconds.Observe(time.Since(started).Seconds())
	if err != nil {
		var contended *domain.SchedulingContendedError
		if errors.As(err, &contended) {
			telemetry.ContentionTotal.Inc()
			a.logger.Warn("project lock contended",
				slog.String("project_id", projectID),
				slog.Duration("waited", contended.Waited),
			)
		}
		return nil, err
	}
	return release, nil
}

func (a *Allocator) publish(ctx context.Context, ch domain.Change) {
	ch.Upserted = cloneAll(ch.Upserted)
	if err := a.notifier.Publish(context.WithoutCancel(ctx), ch); err != nil {
		a.logger.Error("publish change failed",
			slog.String("project_id", ch.ProjectID),
			slog.Int64("seq", ch.Seq),
			slog.String("error", err.Error()),
		)
	}
}

// IsContended reports whether err is a retryable lock timeout.
func IsContended(err error) bool {
	var contended *domain.SchedulingContendedError
	return errors.As(err, &contended)
}

func outcomeOf(err error) string {
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
	case errors.As(err, &contended):
		return "contended"
	case errors.As(err, &invalidD), errors.As(err, &invalidC), errors.As(err, &unknown):
		return "invalid"
	case errors.As(err, &cannot):
		return "cannot_schedule"
	case errors.As(err, &noProject), errors.As(err, &noTask):
		return "not_found"
	}
	return "error"
}

func observe(op string, started time.Time) {
	telemetry.AllocationDurationSeconds.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func requestAttrs(req Request) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("project.id", req.ProjectID),
		attribute.Int("priority.id", req.PriorityID),
		attribute.Int("complexity.id", req.ComplexityID),
		attribute.Int("task_type.id", req.TaskTypeID),
	}
}

// mergeUpserts concatenates task lists keeping the last entry per ID.
func mergeUpserts(lists ...[]*domain.Task) []*domain.Task {
	byID := make(map[string]*domain.Task)
	for _, list := range lists {
		for _, t := range list {
			byID[t.ID] = t
		}
	}
	out := make([]*domain.Task, 0, len(byID))
	for _, t := range byID {
		out = append(out, t)
	}
	sortByID(out)
	return out
}

func sortByID(ts []*domain.Task) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
}

func cloneAll(ts []*domain.Task) []*domain.Task {
	out := make([]*domain.Task, len(ts))
	for i, t := range ts {
		out[i] = t.Clone()
	}
	return out
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, domain.Change) error { return nil }
