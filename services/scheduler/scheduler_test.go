package scheduler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/domain"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/lock"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/memstore"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/queue"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/seed"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/services/scheduler"
)

// ── mocks ─────────────────────────────────────────────────────────────────────

type fakeLeader struct {
	leading  atomic.Bool
	renewals atomic.Int32
	resigned atomic.Bool
}

func (l *fakeLeader) AcquireOrRenew(context.Context) (bool, error) {
	l.renewals.Add(1)
	return l.leading.Load(), nil
}

func (l *fakeLeader) Resign(context.Context) error {
	l.resigned.Store(true)
	return nil
}

type fakeReconciler struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (r *fakeReconciler) Reconcile(_ context.Context, projectID string) (*queue.ReconcileResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, projectID)
	if err := r.errs[projectID]; err != nil {
		return nil, err
	}
	return &queue.ReconcileResult{ProjectID: projectID, Promoted: 1, Updated: 2}, nil
}

func (r *fakeReconciler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type staticProjects []string

func (p staticProjects) ProjectIDs(context.Context) ([]string, error) { return p, nil }

func discard() *slog.Logger { return slog.New(slog.NewJSONHandler(io.Discard, nil)) }

// ── tests ─────────────────────────────────────────────────────────────────────

func TestNewScheduler_RejectsBadSpec(t *testing.T) {
	_, err := scheduler.NewScheduler(&fakeLeader{}, &fakeReconciler{}, staticProjects{}, "every tuesday", discard())
	assert.Error(t, err)
}

func TestRunOnce_CountsOutcomes(t *testing.T) {
	rec := &fakeReconciler{errs: map[string]error{
		"busy":   &domain.SchedulingContendedError{ProjectID: "busy", Waited: time.Second},
		"broken": errors.New("boom"),
	}}
	s, err := scheduler.NewScheduler(&fakeLeader{}, rec, staticProjects{"a", "busy", "broken", "b"}, scheduler.DefaultSchedule, discard())
	require.NoError(t, err)

	sum := s.RunOnce(context.Background())
	assert.Equal(t, scheduler.Summary{Projects: 4, Promoted: 2, Updated: 4, Contended: 1, Failed: 1}, sum)
	assert.Equal(t, []string{"a", "busy", "broken", "b"}, rec.calls, "one failure must not stop the pass")
}

type slowReconciler struct{}

func (slowReconciler) Reconcile(ctx context.Context, _ string) (*queue.ReconcileResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunOnce_ProjectTimeout(t *testing.T) {
	s, err := scheduler.NewScheduler(&fakeLeader{}, slowReconciler{}, staticProjects{"a", "b"}, scheduler.DefaultSchedule, discard(),
		scheduler.WithProjectTimeout(10*time.Millisecond))
	require.NoError(t, err)

	sum := s.RunOnce(context.Background())
	assert.Equal(t, 2, sum.Projects, "a timed out project must not end the pass")
	assert.Equal(t, 2, sum.Failed)
}

func TestRun_FollowerDoesNotReconcile(t *testing.T) {
	leader := &fakeLeader{}
	rec := &fakeReconciler{}
	s, err := scheduler.NewScheduler(leader, rec, staticProjects{"a"}, "@every 1h", discard(),
		scheduler.WithRenewInterval(5*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.Greater(t, leader.renewals.Load(), int32(1))
	assert.Zero(t, rec.count())
	assert.False(t, leader.resigned.Load())
}

func TestRun_LeaderReconcilesOnElectionAndResigns(t *testing.T) {
	leader := &fakeLeader{}
	leader.leading.Store(true)
	rec := &fakeReconciler{}
	s, err := scheduler.NewScheduler(leader, rec, staticProjects{"a", "b"}, "@every 1h", discard(),
		scheduler.WithRenewInterval(5*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 2, rec.count(), "renewals while leading must not trigger extra passes")
	assert.True(t, leader.resigned.Load())
}

func TestRunOnce_RepairsProjects(t *testing.T) {
	f, err := seed.Default()
	require.NoError(t, err)
	st := memstore.New(f.Catalog(), f.Projects...)

	created := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	pos := func(n int) *int { return &n }
	require.NoError(t, st.PutTasks(
		&domain.Task{ID: "q1", ProjectID: "demo", TaskTypeID: 1, PriorityID: 3, ComplexityID: 2, StatusID: 1, QueuePosition: pos(2), CreatedAt: created},
		&domain.Task{ID: "q2", ProjectID: "demo", TaskTypeID: 1, PriorityID: 3, ComplexityID: 2, StatusID: 1, QueuePosition: pos(5), CreatedAt: created.Add(time.Minute)},
		&domain.Task{ID: "q3", ProjectID: "demo", TaskTypeID: 1, PriorityID: 3, ComplexityID: 2, StatusID: 1, QueuePosition: pos(9), CreatedAt: created.Add(2 * time.Minute)},
	))

	alloc := queue.NewAllocator(st, lock.NewLocal(time.Second),
		queue.WithClock(func() time.Time { return time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC) }),
		queue.WithLogger(discard()),
	)
	s, err := scheduler.NewScheduler(&fakeLeader{}, alloc, st, scheduler.DefaultSchedule, discard())
	require.NoError(t, err)

	sum := s.RunOnce(context.Background())
	assert.Equal(t, 1, sum.Projects)
	assert.Equal(t, 2, sum.Promoted, "two free slots fill from the queue head")

	q3, err := st.GetTask(context.Background(), "q3")
	require.NoError(t, err)
	require.NotNil(t, q3.QueuePosition)
	assert.Equal(t, 1, *q3.QueuePosition)

	// A second pass has nothing to do.
	sum = s.RunOnce(context.Background())
	assert.Zero(t, sum.Updated)
}
