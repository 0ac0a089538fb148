package domain

import "time"

// StatusType is the scheduling category of a TaskStatus. It is the only status
// attribute the engine reads; names and colours are presentation.
type StatusType string

const (
	StatusTypeScheduled   StatusType = "scheduled"
	StatusTypeActive      StatusType = "active"
	StatusTypeCompleted   StatusType = "completed"
	StatusTypeSpecialCase StatusType = "specialcase"
)

// Valid reports whether s is one of the four known status types.
func (s StatusType) Valid() bool {
	switch s {
	case StatusTypeScheduled, StatusTypeActive, StatusTypeCompleted, StatusTypeSpecialCase:
		return true
	}
	return false
}

// OccupiesSlot returns true if a task in this status type counts against the
// project's capacity cap.
func (s StatusType) OccupiesSlot() bool { return s == StatusTypeActive }

// Task is a unit of project work whose start and finish the engine schedules.
type Task struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	Title        string `json:"title,omitempty"`
	TaskTypeID   int    `json:"task_type_id"`
	PriorityID   int    `json:"priority_id"`
	ComplexityID int    `json:"complexity_id"`
	StatusID     int    `json:"status_id"`
	// StatusType is denormalised from the status catalog when the task is read.
	StatusType StatusType `json:"status_type"`

	QueuePosition *int       `json:"queue_position,omitempty"`
	EstStart      *time.Time `json:"est_start,omitempty"`
	EstEnd        *time.Time `json:"est_end,omitempty"`
	ActualStart   *time.Time `json:"actual_start,omitempty"`
	ActualEnd     *time.Time `json:"actual_end,omitempty"`
	// RemainingWork holds the working time left when an active task was paused.
	RemainingWork *time.Duration `json:"remaining_work,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.QueuePosition = cloneInt(t.QueuePosition)
	c.EstStart = cloneTime(t.EstStart)
	c.EstEnd = cloneTime(t.EstEnd)
	c.ActualStart = cloneTime(t.ActualStart)
	c.ActualEnd = cloneTime(t.ActualEnd)
	if t.RemainingWork != nil {
		d := *t.RemainingWork
		c.RemainingWork = &d
	}
	return &c
}

// PriorityLevel is immutable reference data. Lower ID means more urgent.
type PriorityLevel struct {
	ID         int           `json:"id" yaml:"id"`
	Name       string        `json:"name" yaml:"name"`
	StartDelay time.Duration `json:"start_delay" yaml:"start_delay"`
	// DurationMultiplier scales work on top of complexity. Zero means 1.
	DurationMultiplier float64 `json:"duration_multiplier" yaml:"duration_multiplier"`
}

// ComplexityLevel is immutable reference data.
type ComplexityLevel struct {
	ID         int     `json:"id" yaml:"id"`
	Name       string  `json:"name" yaml:"name"`
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
}

// TaskType is immutable reference data.
type TaskType struct {
	ID              int           `json:"id" yaml:"id"`
	Category        string        `json:"category" yaml:"category"`
	DefaultDuration time.Duration `json:"default_duration" yaml:"default_duration"`
}

// TaskStatus is immutable reference data.
type TaskStatus struct {
	ID    int        `json:"id" yaml:"id"`
	Name  string     `json:"name" yaml:"name"`
	Type  StatusType `json:"type" yaml:"type"`
	Color string     `json:"color,omitempty" yaml:"color,omitempty"`
}

// WorkingCalendar describes business days, daily hours and holidays.
// Times of day are "HH:MM"; holidays are "YYYY-MM-DD" in Timezone.
type WorkingCalendar struct {
	Timezone string         `json:"timezone" yaml:"timezone"`
	Workdays []time.Weekday `json:"workdays" yaml:"workdays"`
	DayStart string         `json:"day_start" yaml:"day_start"`
	DayEnd   string         `json:"day_end" yaml:"day_end"`
	Holidays []string       `json:"holidays,omitempty" yaml:"holidays,omitempty"`
}

// Project is owned externally; the engine reads its capacity and calendar.
type Project struct {
	ID                 string          `json:"id" yaml:"id"`
	Name               string          `json:"name" yaml:"name"`
	MaxConcurrentTasks int             `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	Calendar           WorkingCalendar `json:"calendar" yaml:"calendar"`
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
