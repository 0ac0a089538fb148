package queue

import (
	"container/heap"
	"errors"
	"time"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/calendar"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/capacity"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/domain"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/estimator"
)

// plan is an in-memory working copy of one project's schedule. Every
// mutation goes through it; diff reports what must be written back.
type plan struct {
	project *domain.Project
	cal     *calendar.Calendar
	cat     *domain.Catalog
	now     time.Time

	active []*domain.Task
	queue  []*domain.Task
	tasks  map[string]*domain.Task
	before map[string]*domain.Task

	promoted int
}

func newPlan(p *domain.Project, cal *calendar.Calendar, cat *domain.Catalog, now time.Time, snap *capacity.Snapshot) *plan {
	pl := &plan{
		project: p,
		cal:     cal,
		cat:     cat,
		now:     now,
		active:  append([]*domain.Task(nil), snap.Active...),
		queue:   append([]*domain.Task(nil), snap.Queue...),
		tasks:   make(map[string]*domain.Task, len(snap.All)),
		before:  make(map[string]*domain.Task, len(snap.All)),
	}
	for _, t := range snap.All {
		pl.tasks[t.ID] = t
	}
	for id, t := range pl.tasks {
		pl.before[id] = t.Clone()
	}
	return pl
}

// task returns the working copy of id.
func (pl *plan) task(id string) (*domain.Task, bool) {
	t, ok := pl.tasks[id]
	return t, ok
}

// detach removes t from the active and queue lists.
func (pl *plan) detach(t *domain.Task) {
	pl.active = without(pl.active, t.ID)
	pl.queue = without(pl.queue, t.ID)
}

// forget drops t from the plan entirely; it will not be diffed.
func (pl *plan) forget(t *domain.Task) {
	pl.detach(t)
	delete(pl.tasks, t.ID)
	delete(pl.before, t.ID)
}

// add registers a task that does not exist in storage yet.
func (pl *plan) add(t *domain.Task) {
	pl.tasks[t.ID] = t
}

// estimate returns t's delay and work.
func (pl *plan) estimate(t *domain.Task) (estimator.Estimate, error) {
	est, err := estimator.ForTask(pl.cat, t)
	if err != nil {
		return est, inProjectErr(err, t.ProjectID)
	}
	return est, nil
}

// inProjectErr stamps projectID on estimator errors that carry one.
func inProjectErr(err error, projectID string) error {
	var invalid *domain.InvalidDurationInputError
	if errors.As(err, &invalid) && invalid.ProjectID == "" {
		invalid.ProjectID = projectID
	}
	return err
}

// activate moves t into a slot starting now plus its priority delay.
func (pl *plan) activate(t *domain.Task, status domain.TaskStatus) error {
	est, err := pl.estimate(t)
	if err != nil {
		return err
	}
	start, err := pl.cal.AddWorkingDuration(pl.now, est.Delay)
	if err != nil {
		return pl.cannotSchedule(t, err)
	}
	end, err := pl.cal.AddWorkingDuration(start, est.Work)
	if err != nil {
		return pl.cannotSchedule(t, err)
	}
	t.StatusID, t.StatusType = status.ID, status.Type
	t.QueuePosition = nil
	t.EstStart, t.EstEnd = &start, &end
	pl.detach(t)
	pl.active = append(pl.active, t)
	return nil
}

// promote offers free slots to the head of the queue.
func (pl *plan) promote() error {
	if len(pl.queue) == 0 || len(pl.active) >= pl.project.MaxConcurrentTasks {
		return nil
	}
	status, err := pl.cat.DefaultStatus(domain.StatusTypeActive)
	if err != nil {
		return err
	}
	for len(pl.queue) > 0 && len(pl.active) < pl.project.MaxConcurrentTasks {
		if err := pl.activate(pl.queue[0], status); err != nil {
			return err
		}
		pl.promoted++
	}
	return nil
}

// enqueue inserts t at index i of the queue, or at the tail when i is out of range.
func (pl *plan) enqueue(t *domain.Task, i int, status domain.TaskStatus) {
	pl.detach(t)
	t.StatusID, t.StatusType = status.ID, status.Type
	if i < 0 || i > len(pl.queue) {
		i = len(pl.queue)
	}
	pl.queue = append(pl.queue, nil)
	copy(pl.queue[i+1:], pl.queue[i:])
	pl.queue[i] = t
}

// jumpIndex returns where a task of priorityID enters the queue: behind the
// last queued task of equal or more urgent priority, so same-tier jumpers
// keep their arrival order.
func (pl *plan) jumpIndex(priorityID int) int {
	idx := 0
	for i, q := range pl.queue {
		if q.PriorityID <= priorityID {
			idx = i + 1
		}
	}
	return idx
}

func (pl *plan) renumber() {
	for i, t := range pl.queue {
		if t.QueuePosition == nil || *t.QueuePosition != i+1 {
			p := i + 1
			t.QueuePosition = &p
		}
	}
}

// projectSchedule recomputes est_start and est_end of every queued task by letting
// each, in queue order, take the slot that frees first.
func (pl *plan) projectSchedule() error {
	slots := &slotHeap{}
	for _, t := range pl.active {
		free := pl.now
		if t.EstEnd != nil && t.EstEnd.After(free) {
			free = *t.EstEnd
		}
		heap.Push(slots, free)
	}

	for _, t := range pl.queue {
		free := pl.now
		for slots.Len() >= pl.project.MaxConcurrentTasks {
			free = heap.Pop(slots).(time.Time)
		}
		est, err := pl.estimate(t)
		if err != nil {
			return err
		}
		if free.Before(pl.now) {
			free = pl.now
		}
		start, err := pl.cal.AddWorkingDuration(free, est.Delay)
		if err != nil {
			return pl.cannotSchedule(t, err)
		}
		end, err := pl.cal.AddWorkingDuration(start, est.Work)
		if err != nil {
			return pl.cannotSchedule(t, err)
		}
		t.EstStart, t.EstEnd = &start, &end
		heap.Push(slots, end)
	}
	return nil
}

// settle renumbers the queue, fills free slots and refreshes projections.
func (pl *plan) settle() error {
	if err := pl.promote(); err != nil {
		return err
	}
	pl.renumber()
	return pl.projectSchedule()
}

// diff returns the tasks whose scheduling fields differ from the loaded
// state. Tasks added to the plan are not included.
func (pl *plan) diff() []*domain.Task {
	var out []*domain.Task
	for id, t := range pl.tasks {
		b, ok := pl.before[id]
		if !ok {
			continue
		}
		if !sameSchedule(b, t) {
			out = append(out, t)
		}
	}
	sortByID(out)
	return out
}

func (pl *plan) cannotSchedule(t *domain.Task, err error) error {
	return &domain.CannotScheduleError{
		ProjectID:    pl.project.ID,
		PriorityID:   t.PriorityID,
		ComplexityID: t.ComplexityID,
		TaskTypeID:   t.TaskTypeID,
		Err:          err,
	}
}

func sameSchedule(a, b *domain.Task) bool {
	return a.StatusID == b.StatusID &&
		equalInt(a.QueuePosition, b.QueuePosition) &&
		equalTime(a.EstStart, b.EstStart) &&
		equalTime(a.EstEnd, b.EstEnd) &&
		equalTime(a.ActualStart, b.ActualStart) &&
		equalTime(a.ActualEnd, b.ActualEnd) &&
		equalDuration(a.RemainingWork, b.RemainingWork)
}

func equalInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func equalDuration(a, b *time.Duration) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func without(list []*domain.Task, id string) []*domain.Task {
	for i, t := range list {
		if t.ID == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// slotHeap is a min-heap of instants at which a slot becomes free.
type slotHeap []time.Time

func (h slotHeap) Len() int           { return len(h) }
func (h slotHeap) Less(i, j int) bool { return h[i].Before(h[j]) }
func (h slotHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *slotHeap) Push(x any)        { *h = append(*h, x.(time.Time)) }
func (h *slotHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
