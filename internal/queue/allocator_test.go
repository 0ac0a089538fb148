package queue_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/domain"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/lock"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/memstore"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/queue"
)

// ── fixtures ──────────────────────────────────────────────────────────────────

const (
	critical = 1
	high     = 2
	normal   = 3

	standard = 2
	broken   = 3

	design = 1
	huge   = 2

	statusQueued = 1
	statusActive = 2
	statusDone   = 3
	statusHold   = 4
)

func testCatalog() *domain.Catalog {
	return domain.NewCatalog(
		[]domain.PriorityLevel{
			{ID: critical, Name: "Critical"},
			{ID: high, Name: "High", StartDelay: 15 * time.Minute},
			{ID: normal, Name: "Normal", StartDelay: 30 * time.Minute},
		},
		[]domain.ComplexityLevel{
			{ID: 1, Name: "Simple", Multiplier: 0.5},
			{ID: standard, Name: "Standard", Multiplier: 1},
			{ID: broken, Name: "Unrated", Multiplier: 0},
		},
		[]domain.TaskType{
			{ID: design, Category: "design", DefaultDuration: 4 * time.Hour},
			{ID: huge, Category: "migration", DefaultDuration: 10000 * time.Hour},
		},
		[]domain.TaskStatus{
			{ID: statusQueued, Name: "Queued", Type: domain.StatusTypeScheduled},
			{ID: statusActive, Name: "In progress", Type: domain.StatusTypeActive},
			{ID: statusDone, Name: "Done", Type: domain.StatusTypeCompleted},
			{ID: statusHold, Name: "On hold", Type: domain.StatusTypeSpecialCase},
		},
	)
}

func officeProject(id string, capacity int) domain.Project {
	return domain.Project{
		ID:                 id,
		MaxConcurrentTasks: capacity,
		Calendar: domain.WorkingCalendar{
			Timezone: "UTC",
			Workdays: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
			DayStart: "09:00",
			DayEnd:   "17:00",
		},
	}
}

// 2026-03-02 is a Monday.
func at(day, hour, minute int) time.Time {
	return time.Date(2026, 3, day, hour, minute, 0, 0, time.UTC)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// ── mocks ─────────────────────────────────────────────────────────────────────

type recordingNotifier struct {
	mu      sync.Mutex
	changes []domain.Change
}

func (n *recordingNotifier) Publish(_ context.Context, c domain.Change) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, c)
	return nil
}

func (n *recordingNotifier) seqs() []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]int64, len(n.changes))
	for i, c := range n.changes {
		out[i] = c.Seq
	}
	return out
}

type harness struct {
	store    *memstore.Store
	locker   *lock.Local
	clock    *clock
	notifier *recordingNotifier
	alloc    *queue.Allocator
}

func newHarness(t *testing.T, projects ...domain.Project) *harness {
	t.Helper()
	h := &harness{
		store:    memstore.New(testCatalog(), projects...),
		locker:   lock.NewLocal(5 * time.Second),
		clock:    &clock{t: at(2, 9, 0)},
		notifier: &recordingNotifier{},
	}
	h.alloc = queue.NewAllocator(h.store, h.locker,
		queue.WithClock(h.clock.Now),
		queue.WithNotifier(h.notifier),
		queue.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return h
}

func (h *harness) allocate(t *testing.T, projectID string, priority int) *queue.Allocation {
	t.Helper()
	a, err := h.alloc.Allocate(context.Background(), queue.Request{
		ProjectID: projectID, TaskTypeID: design, PriorityID: priority, ComplexityID: standard,
	})
	require.NoError(t, err)
	return a
}

func (h *harness) task(t *testing.T, id string) *domain.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func assertTime(t *testing.T, want time.Time, got *time.Time, msg string) {
	t.Helper()
	require.NotNil(t, got, msg)
	assert.True(t, want.Equal(*got), "%s: got %s, want %s", msg, got, want)
}

// queuePositions returns task ID → position for every scheduled task.
func queuePositions(t *testing.T, h *harness, projectID string) map[string]int {
	t.Helper()
	tasks, _, err := h.store.ProjectTasks(context.Background(), projectID)
	require.NoError(t, err)
	out := make(map[string]int)
	for _, task := range tasks {
		if task.StatusType == domain.StatusTypeScheduled {
			require.NotNil(t, task.QueuePosition, "scheduled task %s without position", task.ID)
			out[task.ID] = *task.QueuePosition
		} else {
			assert.Nil(t, task.QueuePosition, "%s task %s keeps a position", task.StatusType, task.ID)
		}
	}
	return out
}

func assertContiguous(t *testing.T, positions map[string]int) {
	t.Helper()
	got := make([]int, 0, len(positions))
	for _, p := range positions {
		got = append(got, p)
	}
	sort.Ints(got)
	for i, p := range got {
		assert.Equal(t, i+1, p, "positions %v are not 1..n", got)
	}
}

// ── scenarios ─────────────────────────────────────────────────────────────────

func TestAllocate_FirstTaskStartsAfterDelay(t *testing.T) {
	h := newHarness(t, officeProject("p-1", 1))

	a := h.allocate(t, "p-1", normal)

	assert.Equal(t, domain.StatusTypeActive, a.InitialStatus.Type)
	assert.Nil(t, a.QueuePosition)
	assert.True(t, a.EstStart.Equal(at(2, 9, 30)), "est_start %s", a.EstStart)
	assert.True(t, a.EstEnd.Equal(at(2, 13, 30)), "est_end %s", a.EstEnd)
	assert.Equal(t, int64(1), a.Seq)

	stored := h.task(t, a.Task.ID)
	assert.Equal(t, statusActive, stored.StatusID)
	assertTime(t, at(2, 13, 30), stored.EstEnd, "stored est_end")
}

func TestAllocate_SecondTaskQueuesBehindFirst(t *testing.T) {
	h := newHarness(t, officeProject("p-1", 1))

	first := h.allocate(t, "p-1", normal)
	second := h.allocate(t, "p-1", normal)

	assert.Equal(t, domain.StatusTypeScheduled, second.InitialStatus.Type)
	require.NotNil(t, second.QueuePosition)
	assert.Equal(t, 1, *second.QueuePosition)
	// First ends 13:30, plus the 30m delay, then 3h Monday and 1h Tuesday.
	assert.True(t, second.EstStart.Equal(first.EstEnd.Add(30*time.Minute)), "est_start %s", second.EstStart)
	assert.True(t, second.EstEnd.Equal(at(3, 10, 0)), "est_end %s", second.EstEnd)
}

func TestAllocate_CriticalJumpsQueue(t *testing.T) {
	h := newHarness(t, officeProject("p-1", 1))

	h.allocate(t, "p-1", normal)
	n1 := h.allocate(t, "p-1", normal)
	n2 := h.allocate(t, "p-1", normal)
	crit := h.allocate(t, "p-1", critical)

	require.NotNil(t, crit.QueuePosition)
	assert.Equal(t, 1, *crit.QueuePosition)

	positions := queuePositions(t, h, "p-1")
	assert.Equal(t, map[string]int{crit.Task.ID: 1, n1.Task.ID: 2, n2.Task.ID: 3}, positions)

	// Projections cascade behind the inserted task.
	storedN1 := h.task(t, n1.Task.ID)
	require.NotNil(t, storedN1.EstStart)
	assert.False(t, storedN1.EstStart.Before(crit.EstEnd), "n1 must start after the critical task ends")
}

func TestAllocate_SameTierJumpersKeepArrivalOrder(t *testing.T) {
	h := newHarness(t, officeProject("p-1", 1))

	h.allocate(t, "p-1", normal)
	n1 := h.allocate(t, "p-1", normal)
	c1 := h.allocate(t, "p-1", critical)
	c2 := h.allocate(t, "p-1", critical)
	hi := h.allocate(t, "p-1", high)

	assert.Equal(t, map[string]int{
		c1.Task.ID: 1, c2.Task.ID: 2, n1.Task.ID: 3, hi.Task.ID: 4,
	}, queuePositions(t, h, "p-1"), "high is above the jump threshold and appends")
}

func TestTransition_CompletePromotesHead(t *testing.T) {
	h := newHarness(t, officeProject("p-1", 1))

	first := h.allocate(t, "p-1", normal)
	n1 := h.allocate(t, "p-1", normal)
	n2 := h.allocate(t, "p-1", normal)
	n3 := h.allocate(t, "p-1", normal)

	h.clock.Set(at(2, 12, 0))
	done, err := h.alloc.Transition(context.Background(), queue.TransitionRequest{TaskID: first.Task.ID, StatusID: statusDone})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTypeCompleted, done.StatusType)
	assertTime(t, at(2, 12, 0), done.ActualEnd, "actual_end")

	head := h.task(t, n1.Task.ID)
	assert.Equal(t, domain.StatusTypeActive, head.StatusType)
	assert.Nil(t, head.QueuePosition)
	assertTime(t, at(2, 12, 30), head.EstStart, "promoted est_start")

	assert.Equal(t, map[string]int{n2.Task.ID: 1, n3.Task.ID: 2}, queuePositions(t, h, "p-1"))
}

// ── failure semantics ─────────────────────────────────────────────────────────

func TestAllocate_InvalidCapacity(t *testing.T) {
	h := newHarness(t, officeProject("p-0", 0))

	_, err := h.alloc.Allocate(context.Background(), queue.Request{
		ProjectID: "p-0", TaskTypeID: design, PriorityID: normal, ComplexityID: standard,
	})
	var invalid *domain.InvalidCapacityError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "p-0", invalid.ProjectID)
}

func TestAllocate_InvalidDurationInputFailsBeforeLock(t *testing.T) {
	h := newHarness(t, officeProject("p-1", 1))
	release, err := h.locker.Acquire(context.Background(), "p-1")
	require.NoError(t, err)
	defer release()

	_, err = h.alloc.Allocate(context.Background(), queue.Request{
		ProjectID: "p-1", TaskTypeID: 99, PriorityID: normal, ComplexityID: standard,
	})
	var unknown *domain.UnknownReferenceError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "task_type", unknown.Kind)
}

func TestAllocate_InvalidDurationInputNamesProject(t *testing.T) {
	h := newHarness(t, officeProject("p-1", 1))
	req := queue.Request{ProjectID: "p-1", TaskTypeID: design, PriorityID: normal, ComplexityID: broken}

	_, err := h.alloc.Allocate(context.Background(), req)
	var invalid *domain.InvalidDurationInputError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "p-1", invalid.ProjectID)
	assert.Equal(t, broken, invalid.ComplexityID)
	assert.Contains(t, err.Error(), "project p-1")

	_, err = h.alloc.Preview(context.Background(), req)
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "p-1", invalid.ProjectID)

	tasks, _, err := h.store.ProjectTasks(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestAllocate_CalendarExhaustedCannotSchedule(t *testing.T) {
	h := newHarness(t, officeProject("p-1", 1))

	_, err := h.alloc.Allocate(context.Background(), queue.Request{
		ProjectID: "p-1", TaskTypeID: huge, PriorityID: normal, ComplexityID: standard,
	})
	var cannot *domain.CannotScheduleError
	require.ErrorAs(t, err, &cannot)
	assert.Equal(t, huge, cannot.TaskTypeID)
	var exhausted *domain.CalendarExhaustedError
	assert.ErrorAs(t, err, &exhausted)

	tasks, _, err := h.store.ProjectTasks(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Empty(t, tasks, "a failed allocation must not persist anything")
}

func TestAllocate_ContendedLock(t *testing.T) {
	h := newHarness(t, officeProject("p-1", 1))
	locker := lock.NewLocal(20 * time.Millisecond)
	h.alloc = queue.NewAllocator(h.store, locker, queue.WithClock(h.clock.Now))

	release, err := locker.Acquire(context.Background(), "p-1")
	require.NoError(t, err)
	defer release()

	_, err = h.alloc.Allocate(context.Background(), queue.Request{
		ProjectID: "p-1", TaskTypeID: design, PriorityID: normal, ComplexityID: standard,
	})
	require.True(t, queue.IsContended(err), "expected contention, got %v", err)

	// Other projects are unaffected.
	h.store.PutProject(officeProject("p-2", 1))
	_, err = h.alloc.Allocate(context.Background(), queue.Request{
		ProjectID: "p-2", TaskTypeID: design, PriorityID: normal, ComplexityID: standard,
	})
	require.NoError(t, err)
}

func TestAllocate_CancelledMidTransactionRollsBack(t *testing.T) {
	h := newHarness(t, officeProject("p-1", 1))
	h.allocate(t, "p-1", normal)

	ctx, cancel := context.WithCancel(context.Background())
	alloc := queue.NewAllocator(h.store, h.locker,
		queue.WithClock(h.clock.Now),
		queue.WithIDGenerator(func() string {
			cancel()
			return "cancelled-task"
		}),
	)

	_, err := alloc.Allocate(ctx, queue.Request{
		ProjectID: "p-1", TaskTypeID: design, PriorityID: normal, ComplexityID: standard,
	})
	require.ErrorIs(t, err, context.Canceled)

	_, err = h.store.GetTask(context.Background(), "cancelled-task")
	var notFound *domain.TaskNotFoundError
	assert.ErrorAs(t, err, &notFound)
	assert.Empty(t, queuePositions(t, h, "p-1"), "no orphaned queue position")
}

// ── concurrency ───────────────────────────────────────────────────────────────

func TestAllocate_ConcurrentCallersGetDistinctContiguousPositions(t *testing.T) {
	h := newHarness(t, officeProject("p-1", 1))
	const n = 24

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.alloc.Allocate(context.Background(), queue.Request{
				ProjectID: "p-1", Title: fmt.Sprintf("task %d", i),
				TaskTypeID: design, PriorityID: normal, ComplexityID: standard,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	positions := queuePositions(t, h, "p-1")
	assert.Len(t, positions, n-1)
	assertContiguous(t, positions)

	seqs := h.notifier.seqs()
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, s := range seqs {
		assert.Equal(t, int64(i+1), s)
	}
}

// ── transitions ───────────────────────────────────────────────────────────────

func TestTransition_HoldAndResumeKeepsRemainingWork(t *testing.T) {
	h := newHarness(t, officeProject("p-1", 1))
	first := h.allocate(t, "p-1", normal) // 09:30 → 13:30
	second := h.allocate(t, "p-1", normal)

	h.clock.Set(at(2, 11, 30))
	held, err := h.alloc.Transition(context.Background(), queue.TransitionRequest{TaskID: first.Task.ID, StatusID: statusHold})
	require.NoError(t, err)
	require.NotNil(t, held.RemainingWork)
	assert.Equal(t, 2*time.Hour, *held.RemainingWork)
	assert.Equal(t, domain.StatusTypeActive, h.task(t, second.Task.ID).StatusType, "hold frees the slot")

	h.clock.Set(at(3, 9, 0))
	resumed, err := h.alloc.Transition(context.Background(), queue.TransitionRequest{TaskID: first.Task.ID, StatusID: statusActive})
	require.NoError(t, err)
	assert.Nil(t, resumed.RemainingWork)
	assertTime(t, at(3, 11, 0), resumed.EstEnd, "resumed est_end")
	assertTime(t, at(3, 9, 0), resumed.ActualStart, "actual_start")
}

func TestTransition_HoldBeforeStartKeepsFullWork(t *testing.T) {
	h := newHarness(t, officeProject("p-1", 1))
	first := h.allocate(t, "p-1", normal) // 09:30 → 13:30

	h.clock.Set(at(2, 9, 10))
	held, err := h.alloc.Transition(context.Background(), queue.TransitionRequest{TaskID: first.Task.ID, StatusID: statusHold})
	require.NoError(t, err)
	require.NotNil(t, held.RemainingWork)
	assert.Equal(t, 4*time.Hour, *held.RemainingWork, "pending start delay is not work")

	h.clock.Set(at(3, 9, 0))
	resumed, err := h.alloc.Transition(context.Background(), queue.TransitionRequest{TaskID: first.Task.ID, StatusID: statusActive})
	require.NoError(t, err)
	assertTime(t, at(3, 13, 0), resumed.EstEnd, "resumed est_end")
}

func TestTransition_BackToScheduledJoinsTail(t *testing.T) {
	h := newHarness(t, officeProject("p-1", 1))
	first := h.allocate(t, "p-1", normal)
	n1 := h.allocate(t, "p-1", normal)

	_, err := h.alloc.Transition(context.Background(), queue.TransitionRequest{TaskID: first.Task.ID, StatusID: statusQueued})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusTypeActive, h.task(t, n1.Task.ID).StatusType)
	assert.Equal(t, map[string]int{first.Task.ID: 1}, queuePositions(t, h, "p-1"))
}

func TestTransition_UnknownStatus(t *testing.T) {
	h := newHarness(t, officeProject("p-1", 1))
	first := h.allocate(t, "p-1", normal)

	_, err := h.alloc.Transition(context.Background(), queue.TransitionRequest{TaskID: first.Task.ID, StatusID: 42})
	var unknown *domain.UnknownReferenceError
	assert.ErrorAs(t, err, &unknown)
}

func TestRemove_ClosesGap(t *testing.T) {
	h := newHarness(t, officeProject("p-1", 1))
	first := h.allocate(t, "p-1", normal)
	n1 := h.allocate(t, "p-1", normal)
	n2 := h.allocate(t, "p-1", normal)
	n3 := h.allocate(t, "p-1", normal)

	require.NoError(t, h.alloc.Remove(context.Background(), n1.Task.ID))
	assert.Equal(t, map[string]int{n2.Task.ID: 1, n3.Task.ID: 2}, queuePositions(t, h, "p-1"))

	require.NoError(t, h.alloc.Remove(context.Background(), first.Task.ID))
	assert.Equal(t, domain.StatusTypeActive, h.task(t, n2.Task.ID).StatusType)
	assert.Equal(t, map[string]int{n3.Task.ID: 1}, queuePositions(t, h, "p-1"))

	last := h.notifier.changes[len(h.notifier.changes)-1]
	assert.Equal(t, []string{first.Task.ID}, last.Deleted)
	assert.Equal(t, domain.ReasonRemove, last.Reason)
}

func TestReconcile_RepairsExternalDamage(t *testing.T) {
	h := newHarness(t, officeProject("p-1", 2))
	pos := func(n int) *int { return &n }
	require.NoError(t, h.store.PutTasks(
		&domain.Task{ID: "a", ProjectID: "p-1", TaskTypeID: design, PriorityID: normal, ComplexityID: standard,
			StatusID: statusQueued, QueuePosition: pos(3), CreatedAt: at(2, 8, 0)},
		&domain.Task{ID: "b", ProjectID: "p-1", TaskTypeID: design, PriorityID: normal, ComplexityID: standard,
			StatusID: statusQueued, QueuePosition: pos(7), CreatedAt: at(2, 8, 1)},
		&domain.Task{ID: "c", ProjectID: "p-1", TaskTypeID: design, PriorityID: normal, ComplexityID: standard,
			StatusID: statusQueued, QueuePosition: pos(7), CreatedAt: at(2, 8, 2)},
	))

	res, err := h.alloc.Reconcile(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Promoted, "two free slots take the two queue heads")
	assert.Equal(t, 3, res.Updated)
	assert.Equal(t, map[string]int{"c": 1}, queuePositions(t, h, "p-1"))

	again, err := h.alloc.Reconcile(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Zero(t, again.Updated, "a settled project reconciles to a no-op")
	assert.Zero(t, again.Seq)
}

// ── preview ───────────────────────────────────────────────────────────────────

func TestPreview_MatchesAllocateWithoutWriting(t *testing.T) {
	h := newHarness(t, officeProject("p-1", 1))
	h.allocate(t, "p-1", normal)
	h.allocate(t, "p-1", normal)

	req := queue.Request{ProjectID: "p-1", TaskTypeID: design, PriorityID: critical, ComplexityID: standard}
	preview, err := h.alloc.Preview(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, preview.Seq)

	before := queuePositions(t, h, "p-1")
	committed, err := h.alloc.Allocate(context.Background(), req)
	require.NoError(t, err)

	require.NotNil(t, preview.QueuePosition)
	assert.Equal(t, *preview.QueuePosition, *committed.QueuePosition)
	assert.True(t, preview.EstStart.Equal(committed.EstStart))
	assert.True(t, preview.EstEnd.Equal(committed.EstEnd))
	assert.Len(t, before, 1, "preview must not have written a task")
}

func TestSnapshot_RenumbersAndPublishes(t *testing.T) {
	h := newHarness(t, officeProject("p-1", 1))
	pos := 4
	require.NoError(t, h.store.PutTasks(&domain.Task{
		ID: "gap", ProjectID: "p-1", TaskTypeID: design, PriorityID: normal, ComplexityID: standard,
		StatusID: statusQueued, QueuePosition: &pos,
	}))

	snap, err := h.alloc.Snapshot(context.Background(), "p-1")
	require.NoError(t, err)
	require.Len(t, snap.Queue, 1)
	assert.Equal(t, 1, *snap.Queue[0].QueuePosition)
	require.NotNil(t, snap.Violation)

	require.Len(t, h.notifier.changes, 1)
	assert.Equal(t, domain.ReasonRenumber, h.notifier.changes[0].Reason)
}
