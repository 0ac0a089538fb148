// Package scheduler periodically re-evaluates every project's queue. Only the
// instance holding the leader lease reconciles.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/queue"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/pkg/telemetry"
)

const (
	// DefaultSchedule reconciles every five minutes.
	DefaultSchedule = "*/5 * * * *"
	// DefaultLeaseTTL is how long leadership survives without renewal.
	DefaultLeaseTTL = 30 * time.Second
)

// Leader is a renewable leadership lease.
type Leader interface {
	AcquireOrRenew(ctx context.Context) (bool, error)
	Resign(ctx context.Context) error
}

// Reconciler re-evaluates one project.
type Reconciler interface {
	Reconcile(ctx context.Context, projectID string) (*queue.ReconcileResult, error)
}

// ProjectLister enumerates the projects to reconcile.
type ProjectLister interface {
	ProjectIDs(ctx context.Context) ([]string, error)
}

// Summary counts the outcomes of one reconcile pass.
type Summary struct {
	Projects  int
	Promoted  int
	Updated   int
	Contended int
	Failed    int
}

// Scheduler runs Reconcile for every project on a cron schedule.
type Scheduler struct {
	leader     Leader
	reconciler Reconciler
	projects   ProjectLister
	schedule   cron.Schedule
	renewEvery time.Duration
	timeout    time.Duration
	now        func() time.Time
	logger     *slog.Logger

	leading bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRenewInterval sets how often the lease is renewed. It should be well
// under the lease TTL.
func WithRenewInterval(d time.Duration) Option { return func(s *Scheduler) { s.renewEvery = d } }

// WithProjectTimeout bounds each project's reconcile. Zero means no bound.
func WithProjectTimeout(d time.Duration) Option { return func(s *Scheduler) { s.timeout = d } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// NewScheduler parses spec as a standard five-field cron expression or a
// descriptor such as "@every 1m".
func NewScheduler(leader Leader, reconciler Reconciler, projects ProjectLister, spec string, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse reconcile schedule %q: %w", spec, err)
	}
	s := &Scheduler{
		leader:     leader,
		reconciler: reconciler,
		projects:   projects,
		schedule:   schedule,
		renewEvery: DefaultLeaseTTL / 3,
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.renewEvery <= 0 {
		s.renewEvery = DefaultLeaseTTL / 3
	}
	return s, nil
}

// Run renews the lease and reconciles on schedule until ctx is cancelled.
// A pass runs immediately whenever this instance becomes leader.
func (s *Scheduler) Run(ctx context.Context) {
	renew := time.NewTicker(s.renewEvery)
	defer renew.Stop()

	next := s.schedule.Next(s.now())
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	s.renew(ctx)

	for {
		select {
		case <-ctx.Done():
			if s.leading {
				resignCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
				if err := s.leader.Resign(resignCtx); err != nil {
					s.logger.Warn("resign leadership", slog.String("error", err.Error()))
				}
				cancel()
			}
			return

		case <-renew.C:
			s.renew(ctx)

		case <-timer.C:
			if s.leading {
				s.RunOnce(ctx)
			}
			next = s.schedule.Next(s.now())
			timer.Reset(time.Until(next))
		}
	}
}

func (s *Scheduler) renew(ctx context.Context) {
	ok, err := s.leader.AcquireOrRenew(ctx)
	if err != nil {
		s.logger.Error("leader election", slog.String("error", err.Error()))
		ok = false
	}
	was := s.leading
	s.leading = ok
	switch {
	case ok && !was:
		s.logger.Info("acquired reconcile leadership")
		s.RunOnce(ctx)
	case !ok && was:
		s.logger.Warn("lost reconcile leadership")
	}
}

// RunOnce reconciles every project once. A project that fails or is
// contended is logged and skipped; the next pass retries it.
func (s *Scheduler) RunOnce(ctx context.Context) Summary {
	var sum Summary
	ids, err := s.projects.ProjectIDs(ctx)
	if err != nil {
		s.logger.Error("list projects", slog.String("error", err.Error()))
		telemetry.ReconcileRunsTotal.WithLabelValues("error").Inc()
		return sum
	}

	started := s.now()
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		sum.Projects++
		logger := s.logger.With(slog.String("project_id", id))

		res, err := s.reconcile(ctx, id)
		switch {
		case queue.IsContended(err):
			sum.Contended++
			telemetry.ReconcileRunsTotal.WithLabelValues("contended").Inc()
			logger.Warn("reconcile skipped, project busy", slog.String("error", err.Error()))
		case err != nil:
			sum.Failed++
			telemetry.ReconcileRunsTotal.WithLabelValues("error").Inc()
			logger.Error("reconcile failed", slog.String("error", err.Error()))
		default:
			sum.Promoted += res.Promoted
			sum.Updated += res.Updated
			telemetry.ReconcileRunsTotal.WithLabelValues("ok").Inc()
			if res.Updated > 0 {
				logger.Info("project reconciled",
					slog.Int("promoted", res.Promoted),
					slog.Int("updated", res.Updated),
					slog.Int64("seq", res.Seq),
				)
			}
		}
	}

	s.logger.Info("reconcile pass complete",
		slog.Int("projects", sum.Projects),
		slog.Int("promoted", sum.Promoted),
		slog.Int("updated", sum.Updated),
		slog.Int("contended", sum.Contended),
		slog.Int("failed", sum.Failed),
		slog.Duration("took", s.now().Sub(started)),
	)
	return sum
}

func (s *Scheduler) reconcile(ctx context.Context, projectID string) (*queue.ReconcileResult, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.reconciler.Reconcile(ctx, projectID)
}
