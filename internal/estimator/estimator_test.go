package estimator_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/domain"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/estimator"
)

var (
	design   = domain.TaskType{ID: 1, Category: "design", DefaultDuration: 4 * time.Hour}
	standard = domain.ComplexityLevel{ID: 2, Name: "Standard", Multiplier: 1}
	complex  = domain.ComplexityLevel{ID: 3, Name: "Complex", Multiplier: 1.5}
	normal   = domain.PriorityLevel{ID: 3, Name: "Normal", StartDelay: 30 * time.Minute}
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name      string
		tt        domain.TaskType
		c         domain.ComplexityLevel
		p         domain.PriorityLevel
		wantWork  time.Duration
		wantDelay time.Duration
	}{
		{"standard normal", design, standard, normal, 4 * time.Hour, 30 * time.Minute},
		{"complexity scales work", design, complex, normal, 6 * time.Hour, 30 * time.Minute},
		{"priority multiplier stacks", design, complex,
			domain.PriorityLevel{ID: 1, DurationMultiplier: 0.5}, 3 * time.Hour, 0},
		{"delay is never scaled", design, complex,
			domain.PriorityLevel{ID: 4, StartDelay: time.Hour, DurationMultiplier: 2}, 12 * time.Hour, time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := estimator.Compute(tt.tt, tt.c, tt.p)
			require.NoError(t, err)
			assert.Equal(t, tt.wantWork, got.Work)
			assert.Equal(t, tt.wantDelay, got.Delay)
		})
	}
}

func TestCompute_InvalidInput(t *testing.T) {
	tests := []struct {
		name  string
		tt    domain.TaskType
		c     domain.ComplexityLevel
		p     domain.PriorityLevel
		field string
	}{
		{"missing default duration", domain.TaskType{ID: 9}, standard, normal, "task_type.default_duration"},
		{"zero complexity multiplier", design, domain.ComplexityLevel{ID: 7}, normal, "complexity.multiplier"},
		{"negative priority multiplier", design, standard, domain.PriorityLevel{ID: 2, DurationMultiplier: -1}, "priority.duration_multiplier"},
		{"negative delay", design, standard, domain.PriorityLevel{ID: 2, StartDelay: -time.Minute}, "priority.start_delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := estimator.Compute(tt.tt, tt.c, tt.p)
			var invalid *domain.InvalidDurationInputError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.field, invalid.Field)
			assert.Equal(t, tt.tt.ID, invalid.TaskTypeID)
		})
	}
}

func TestForIDs_UnknownReference(t *testing.T) {
	cat := domain.NewCatalog(
		[]domain.PriorityLevel{normal},
		[]domain.ComplexityLevel{standard},
		[]domain.TaskType{design},
		nil,
	)

	got, err := estimator.ForIDs(cat, design.ID, standard.ID, normal.ID)
	require.NoError(t, err)
	assert.Equal(t, 4*time.Hour, got.Work)

	_, err = estimator.ForIDs(cat, design.ID, 99, normal.ID)
	var unknown *domain.UnknownReferenceError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "complexity", unknown.Kind)
}
