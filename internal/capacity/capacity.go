// Package capacity derives a project's occupancy from its live task set and
// keeps persisted queue positions contiguous.
package capacity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/domain"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/store"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/pkg/telemetry"
)

// Snapshot is the derived, never stored, occupancy of a project.
type Snapshot struct {
	ProjectID string
	// All holds every task of the project, in the order read.
	All []*domain.Task
	// Active holds the tasks occupying a slot, earliest projected end first.
	Active []*domain.Task
	// Queue holds scheduled tasks in queue order. After Build their
	// QueuePosition values are exactly 1..len(Queue).
	Queue []*domain.Task
	// Renumbered lists the queued tasks whose position Build changed.
	Renumbered []*domain.Task
	// Violation is non-nil when the stored positions were not contiguous.
	Violation *domain.QueueIntegrityViolationError
}

// ActiveCount returns the number of occupied slots.
func (s *Snapshot) ActiveCount() int { return len(s.Active) }

// Build partitions tasks by status type and orders the queue by stored
// position. Tasks without a position and duplicates of a position go behind
// their peers in creation order. Positions are rewritten in place on the
// given tasks; callers that must not mutate should pass clones.
func Build(projectID string, tasks []*domain.Task) *Snapshot {
	s := &Snapshot{ProjectID: projectID, All: tasks}
	for _, t := range tasks {
		switch t.StatusType {
		case domain.StatusTypeActive:
			s.Active = append(s.Active, t)
		case domain.StatusTypeScheduled:
			s.Queue = append(s.Queue, t)
		}
	}

	sort.SliceStable(s.Active, func(i, j int) bool { return endBefore(s.Active[i], s.Active[j]) })

	sort.SliceStable(s.Queue, func(i, j int) bool {
		a, b := s.Queue[i], s.Queue[j]
		if (a.QueuePosition == nil) != (b.QueuePosition == nil) {
			return a.QueuePosition != nil
		}
		if a.QueuePosition != nil && *a.QueuePosition != *b.QueuePosition {
			return *a.QueuePosition < *b.QueuePosition
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	v := &domain.QueueIntegrityViolationError{ProjectID: projectID}
	seen := make(map[int]bool, len(s.Queue))
	for i, t := range s.Queue {
		want := i + 1
		switch {
		case t.QueuePosition == nil:
			v.Missing++
		case seen[*t.QueuePosition]:
			v.Duplicates++
		case *t.QueuePosition != want:
			v.Gaps++
		}
		if t.QueuePosition != nil {
			seen[*t.QueuePosition] = true
		}
		if t.QueuePosition == nil || *t.QueuePosition != want {
			p := want
			t.QueuePosition = &p
			s.Renumbered = append(s.Renumbered, t)
		}
	}
	if len(s.Renumbered) > 0 {
		s.Violation = v
	}
	return s
}

// Tracker reads snapshots inside a project transaction and persists repairs.
type Tracker struct {
	logger *slog.Logger
}

// NewTracker returns a Tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{logger: logger}
}

// Snapshot reads the project's tasks through tx and returns the occupancy.
// A non-contiguous queue is renumbered through tx as a side effect, so the
// caller must hold the project's lock.
func (t *Tracker) Snapshot(ctx context.Context, tx store.Tx) (*Snapshot, error) {
	p, err := tx.Project(ctx)
	if err != nil {
		return nil, err
	}
	tasks, err := tx.Tasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("capacity snapshot: %w", err)
	}

	s := Build(p.ID, tasks)
	if s.Violation == nil {
		return s, nil
	}

	for _, task := range s.Renumbered {
		if err := tx.UpdateTask(ctx, task); err != nil {
			return nil, fmt.Errorf("renumber task %s: %w", task.ID, err)
		}
	}
	t.logger.Warn("queue positions renumbered",
		slog.String("project_id", p.ID),
		slog.Int("renumbered", len(s.Renumbered)),
		slog.String("error", s.Violation.Error()),
	)
	recordViolation(s.Violation)
	return s, nil
}

func recordViolation(v *domain.QueueIntegrityViolationError) {
	if v.Gaps > 0 {
		telemetry.QueueRenumberTotal.WithLabelValues("gap").Inc()
	}
	if v.Duplicates > 0 {
		telemetry.QueueRenumberTotal.WithLabelValues("duplicate").Inc()
	}
	if v.Missing > 0 {
		telemetry.QueueRenumberTotal.WithLabelValues("missing").Inc()
	}
}

// endBefore orders by projected end, unknown ends last, then by ID.
func endBefore(a, b *domain.Task) bool {
	switch {
	case a.EstEnd == nil && b.EstEnd == nil:
		return a.ID < b.ID
	case a.EstEnd == nil:
		return false
	case b.EstEnd == nil:
		return true
	case !a.EstEnd.Equal(*b.EstEnd):
		return a.EstEnd.Before(*b.EstEnd)
	}
	return a.ID < b.ID
}
