package domain

import (
	"fmt"
	"time"
)

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// ProjectNotFoundError is returned when a project ID does not exist.
type ProjectNotFoundError struct {
	ProjectID string
}

func (e *ProjectNotFoundError) Error() string {
	return fmt.Sprintf("project not found: %s", e.ProjectID)
}

// UnknownReferenceError is returned when a priority, complexity, task type or
// status ID is not present in the reference catalog.
type UnknownReferenceError struct {
	Kind string
	ID   int
}

func (e *UnknownReferenceError) Error() string {
	return fmt.Sprintf("unknown %s reference %d", e.Kind, e.ID)
}

// InvalidDurationInputError is returned when a task type has no usable base
// duration or a multiplier would produce a zero or negative work duration.
type InvalidDurationInputError struct {
	// ProjectID is empty when the inputs were checked outside a project.
	ProjectID    string
	Field        string
	Value        string
	TaskTypeID   int
	ComplexityID int
	PriorityID   int
}

func (e *InvalidDurationInputError) Error() string {
	msg := fmt.Sprintf("invalid duration input %s=%s (task_type=%d complexity=%d priority=%d)",
		e.Field, e.Value, e.TaskTypeID, e.ComplexityID, e.PriorityID)
	if e.ProjectID != "" {
		msg = "project " + e.ProjectID + ": " + msg
	}
	return msg
}

// InvalidCapacityError is returned when a project's concurrency cap is not positive.
type InvalidCapacityError struct {
	ProjectID          string
	MaxConcurrentTasks int
}

func (e *InvalidCapacityError) Error() string {
	return fmt.Sprintf("project %s has invalid max_concurrent_tasks %d", e.ProjectID, e.MaxConcurrentTasks)
}

// CalendarExhaustedError is returned when no working time is found within the
// lookahead window.
type CalendarExhaustedError struct {
	Start     time.Time
	Remaining time.Duration
	Lookahead time.Duration
}

func (e *CalendarExhaustedError) Error() string {
	return fmt.Sprintf("calendar exhausted: %s of working time left after %s lookahead from %s",
		e.Remaining, e.Lookahead, e.Start.Format(time.RFC3339))
}

// CannotScheduleError wraps a calendar failure with the allocation request context.
type CannotScheduleError struct {
	ProjectID    string
	PriorityID   int
	ComplexityID int
	TaskTypeID   int
	Err          error
}

func (e *CannotScheduleError) Error() string {
	return fmt.Sprintf("cannot schedule task in project %s (priority=%d complexity=%d task_type=%d): %v",
		e.ProjectID, e.PriorityID, e.ComplexityID, e.TaskTypeID, e.Err)
}

func (e *CannotScheduleError) Unwrap() error { return e.Err }

// SchedulingContendedError is returned when the per-project lock could not be
// acquired in time. Callers may retry with backoff.
type SchedulingContendedError struct {
	ProjectID string
	Waited    time.Duration
}

func (e *SchedulingContendedError) Error() string {
	return fmt.Sprintf("scheduling contended for project %s after %s", e.ProjectID, e.Waited)
}

// Retryable marks the error as safe to retry.
func (e *SchedulingContendedError) Retryable() bool { return true }

// QueueIntegrityViolationError describes gaps or duplicates found in persisted
// queue positions. It is logged and repaired, not returned to callers.
type QueueIntegrityViolationError struct {
	ProjectID  string
	Gaps       int
	Duplicates int
	Missing    int
}

func (e *QueueIntegrityViolationError) Error() string {
	return fmt.Sprintf("queue integrity violation in project %s: gaps=%d duplicates=%d missing=%d",
		e.ProjectID, e.Gaps, e.Duplicates, e.Missing)
}
