package capacity_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/capacity"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/domain"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/memstore"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/store"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func queued(id string, pos *int, createdOffset time.Duration) *domain.Task {
	return &domain.Task{
		ID: id, ProjectID: "p-1", StatusID: 1, StatusType: domain.StatusTypeScheduled,
		QueuePosition: pos, CreatedAt: base.Add(createdOffset),
	}
}

func active(id string, end time.Time) *domain.Task {
	return &domain.Task{
		ID: id, ProjectID: "p-1", StatusID: 2, StatusType: domain.StatusTypeActive,
		EstEnd: &end, CreatedAt: base,
	}
}

func pos(n int) *int { return &n }

func positions(s *capacity.Snapshot) map[string]int {
	out := make(map[string]int, len(s.Queue))
	for _, t := range s.Queue {
		out[t.ID] = *t.QueuePosition
	}
	return out
}

func TestBuild_Contiguous(t *testing.T) {
	s := capacity.Build("p-1", []*domain.Task{
		queued("b", pos(2), 0),
		active("x", base.Add(2*time.Hour)),
		queued("a", pos(1), time.Minute),
		{ID: "done", StatusType: domain.StatusTypeCompleted},
	})

	assert.Nil(t, s.Violation)
	assert.Empty(t, s.Renumbered)
	assert.Equal(t, 1, s.ActiveCount())
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, positions(s))
	assert.Equal(t, "a", s.Queue[0].ID)
}

func TestBuild_RepairsGapsDuplicatesAndMissing(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*domain.Task
		want  []string
		check func(t *testing.T, v *domain.QueueIntegrityViolationError)
	}{
		{
			name:  "gap after external delete",
			tasks: []*domain.Task{queued("a", pos(1), 0), queued("c", pos(3), 0), queued("d", pos(4), 0)},
			want:  []string{"a", "c", "d"},
			check: func(t *testing.T, v *domain.QueueIntegrityViolationError) { assert.Equal(t, 2, v.Gaps) },
		},
		{
			name:  "duplicate position keeps creation order",
			tasks: []*domain.Task{queued("late", pos(1), time.Hour), queued("early", pos(1), 0)},
			want:  []string{"early", "late"},
			check: func(t *testing.T, v *domain.QueueIntegrityViolationError) { assert.Equal(t, 1, v.Duplicates) },
		},
		{
			name:  "missing position goes last",
			tasks: []*domain.Task{queued("nopos", nil, 0), queued("a", pos(1), time.Hour)},
			want:  []string{"a", "nopos"},
			check: func(t *testing.T, v *domain.QueueIntegrityViolationError) { assert.Equal(t, 1, v.Missing) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := capacity.Build("p-1", tt.tasks)
			require.NotNil(t, s.Violation)
			tt.check(t, s.Violation)

			got := make([]string, len(s.Queue))
			for i, task := range s.Queue {
				got[i] = task.ID
				assert.Equal(t, i+1, *task.QueuePosition)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuild_ActiveOrderedByEnd(t *testing.T) {
	s := capacity.Build("p-1", []*domain.Task{
		active("late", base.Add(3*time.Hour)),
		{ID: "unknown", StatusType: domain.StatusTypeActive},
		active("soon", base.Add(time.Hour)),
	})
	require.Len(t, s.Active, 3)
	assert.Equal(t, "soon", s.Active[0].ID)
	assert.Equal(t, "late", s.Active[1].ID)
	assert.Equal(t, "unknown", s.Active[2].ID)
}

func TestTracker_PersistsRenumbering(t *testing.T) {
	cat := domain.NewCatalog(nil, nil, nil, []domain.TaskStatus{
		{ID: 1, Type: domain.StatusTypeScheduled},
		{ID: 2, Type: domain.StatusTypeActive},
	})
	ms := memstore.New(cat, domain.Project{ID: "p-1", MaxConcurrentTasks: 1})
	require.NoError(t, ms.PutTasks(queued("a", pos(2), 0), queued("b", pos(5), time.Minute)))

	tracker := capacity.NewTracker(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	err := ms.WithProjectTx(ctx, "p-1", func(ctx context.Context, tx store.Tx) error {
		s, err := tracker.Snapshot(ctx, tx)
		require.NoError(t, err)
		assert.Len(t, s.Renumbered, 2)
		return nil
	})
	require.NoError(t, err)

	a, err := ms.GetTask(ctx, "a")
	require.NoError(t, err)
	b, err := ms.GetTask(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, *a.QueuePosition)
	assert.Equal(t, 2, *b.QueuePosition)
}
