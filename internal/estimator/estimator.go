// Package estimator derives a task's start delay and working duration from
// its reference data.
package estimator

import (
	"strconv"
	"time"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/domain"
)

// Estimate is the result of Compute.
type Estimate struct {
	// Delay is the priority's minimum wait before work may begin. It is never
	// scaled by multipliers.
	Delay time.Duration
	// Work is the expected effort in working time.
	Work time.Duration
}

// Compute returns Work = DefaultDuration × complexity multiplier × priority
// duration multiplier (an unset priority multiplier counts as 1) and Delay =
// priority start delay. Zero or missing inputs fail with
// InvalidDurationInputError instead of producing a zero-length task.
func Compute(tt domain.TaskType, c domain.ComplexityLevel, p domain.PriorityLevel) (Estimate, error) {
	invalid := func(field, value string) error {
		return &domain.InvalidDurationInputError{
			Field:        field,
			Value:        value,
			TaskTypeID:   tt.ID,
			ComplexityID: c.ID,
			PriorityID:   p.ID,
		}
	}

	if tt.DefaultDuration <= 0 {
		return Estimate{}, invalid("task_type.default_duration", tt.DefaultDuration.String())
	}
	if c.Multiplier <= 0 {
		return Estimate{}, invalid("complexity.multiplier", formatFloat(c.Multiplier))
	}
	if p.DurationMultiplier < 0 {
		return Estimate{}, invalid("priority.duration_multiplier", formatFloat(p.DurationMultiplier))
	}
	if p.StartDelay < 0 {
		return Estimate{}, invalid("priority.start_delay", p.StartDelay.String())
	}

	pm := p.DurationMultiplier
	if pm == 0 {
		pm = 1
	}
	work := time.Duration(float64(tt.DefaultDuration) * c.Multiplier * pm).Round(time.Second)
	if work <= 0 {
		return Estimate{}, invalid("work_duration", work.String())
	}
	return Estimate{Delay: p.StartDelay, Work: work}, nil
}

// ForTask looks up the task's references in cat and calls Compute.
func ForTask(cat *domain.Catalog, t *domain.Task) (Estimate, error) {
	return ForIDs(cat, t.TaskTypeID, t.ComplexityID, t.PriorityID)
}

// ForIDs looks up reference rows by ID and calls Compute.
func ForIDs(cat *domain.Catalog, taskTypeID, complexityID, priorityID int) (Estimate, error) {
	tt, err := cat.TaskType(taskTypeID)
	if err != nil {
		return Estimate{}, err
	}
	c, err := cat.Complexity(complexityID)
	if err != nil {
		return Estimate{}, err
	}
	p, err := cat.Priority(priorityID)
	if err != nil {
		return Estimate{}, err
	}
	return Compute(tt, c, p)
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }
