// Package seed loads reference data and projects from YAML.
package seed

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/calendar"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/domain"
)

//go:embed default.yaml
var defaultYAML []byte

// File is the decoded seed document.
type File struct {
	Priorities   []domain.PriorityLevel   `yaml:"priorities"`
	Complexities []domain.ComplexityLevel `yaml:"complexities"`
	TaskTypes    []domain.TaskType        `yaml:"task_types"`
	Statuses     []domain.TaskStatus      `yaml:"statuses"`
	Projects     []domain.Project         `yaml:"projects"`
}

// Load reads and validates the seed file at path. An empty path returns Default.
func Load(path string) (*File, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

// Default returns the built-in seed.
func Default() (*File, error) { return Parse(defaultYAML) }

// Parse decodes and validates a seed document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Catalog indexes the reference data.
func (f *File) Catalog() *domain.Catalog {
	return domain.NewCatalog(f.Priorities, f.Complexities, f.TaskTypes, f.Statuses)
}

// Validate checks what the engine relies on: at least one priority, a
// default status for the scheduled, active and completed types, positive
// durations and multipliers, and compilable project calendars.
func (f *File) Validate() error {
	if len(f.Priorities) == 0 {
		return fmt.Errorf("seed: no priorities")
	}
	for _, p := range f.Priorities {
		if p.StartDelay < 0 || p.DurationMultiplier < 0 {
			return fmt.Errorf("seed: priority %d has negative start_delay or duration_multiplier", p.ID)
		}
	}
	for _, c := range f.Complexities {
		if c.Multiplier <= 0 {
			return fmt.Errorf("seed: complexity %d multiplier must be positive", c.ID)
		}
	}
	for _, t := range f.TaskTypes {
		if t.DefaultDuration <= 0 {
			return fmt.Errorf("seed: task type %d default_duration must be positive", t.ID)
		}
	}
	for _, s := range f.Statuses {
		if !s.Type.Valid() {
			return fmt.Errorf("seed: status %d has unknown type %q", s.ID, s.Type)
		}
	}
	cat := f.Catalog()
	for _, st := range []domain.StatusType{domain.StatusTypeScheduled, domain.StatusTypeActive, domain.StatusTypeCompleted} {
		if _, err := cat.DefaultStatus(st); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}
	for _, p := range f.Projects {
		if p.ID == "" {
			return fmt.Errorf("seed: project without id")
		}
		if p.MaxConcurrentTasks <= 0 {
			return &domain.InvalidCapacityError{ProjectID: p.ID, MaxConcurrentTasks: p.MaxConcurrentTasks}
		}
		if _, err := calendar.New(p.Calendar); err != nil {
			return fmt.Errorf("seed: project %s: %w", p.ID, err)
		}
	}
	return nil
}
