package board_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/board"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/domain"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func ts(h int) *time.Time {
	t := base.Add(time.Duration(h) * time.Hour)
	return &t
}

func ids(tasks []*domain.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		task domain.Task
		want board.Group
	}{
		{"most urgent wins over status", domain.Task{PriorityID: 1, StatusType: domain.StatusTypeCompleted}, board.GroupCritical},
		{"active", domain.Task{PriorityID: 3, StatusType: domain.StatusTypeActive}, board.GroupActive},
		{"scheduled", domain.Task{PriorityID: 3, StatusType: domain.StatusTypeScheduled}, board.GroupScheduled},
		{"completed", domain.Task{PriorityID: 3, StatusType: domain.StatusTypeCompleted}, board.GroupCompleted},
		{"specialcase", domain.Task{PriorityID: 3, StatusType: domain.StatusTypeSpecialCase}, board.GroupSpecial},
		{"unknown status type", domain.Task{PriorityID: 3}, board.GroupSpecial},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, board.Classify(&tt.task, 1))
		})
	}
}

func TestClassifyAndSort_AllGroupsPresent(t *testing.T) {
	b := board.ClassifyAndSort(nil, 1)
	for _, g := range board.Groups {
		got, ok := b[g]
		assert.True(t, ok, "group %s missing", g)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	}
}

func TestClassifyAndSort_ScheduledOrdering(t *testing.T) {
	tasks := []*domain.Task{
		{ID: "no-start", PriorityID: 2, StatusType: domain.StatusTypeScheduled, CreatedAt: base},
		{ID: "late", PriorityID: 2, StatusType: domain.StatusTypeScheduled, EstStart: ts(5), CreatedAt: base},
		{ID: "tie-p3", PriorityID: 3, StatusType: domain.StatusTypeScheduled, EstStart: ts(1), CreatedAt: base},
		{ID: "tie-p2-new", PriorityID: 2, StatusType: domain.StatusTypeScheduled, EstStart: ts(1), CreatedAt: base.Add(time.Minute)},
		{ID: "tie-p2-old", PriorityID: 2, StatusType: domain.StatusTypeScheduled, EstStart: ts(1), CreatedAt: base},
		{ID: "tie-p2-old-b", PriorityID: 2, StatusType: domain.StatusTypeScheduled, EstStart: ts(1), CreatedAt: base},
	}
	b := board.ClassifyAndSort(tasks, 1)
	assert.Equal(t, []string{"tie-p2-old", "tie-p2-old-b", "tie-p2-new", "tie-p3", "late", "no-start"}, ids(b[board.GroupScheduled]))
}

func TestClassifyAndSort_CompletedOrdering(t *testing.T) {
	tasks := []*domain.Task{
		{ID: "actual-only", PriorityID: 2, StatusType: domain.StatusTypeCompleted, ActualEnd: ts(4)},
		{ID: "est-early", PriorityID: 2, StatusType: domain.StatusTypeCompleted, EstEnd: ts(1), ActualEnd: ts(9)},
		{ID: "est-late", PriorityID: 2, StatusType: domain.StatusTypeCompleted, EstEnd: ts(6)},
		{ID: "nothing", PriorityID: 2, StatusType: domain.StatusTypeCompleted},
	}
	b := board.ClassifyAndSort(tasks, 1)
	assert.Equal(t, []string{"est-late", "actual-only", "est-early", "nothing"}, ids(b[board.GroupCompleted]))
}

func TestClassifyAndSort_SpecialNewestFirst(t *testing.T) {
	tasks := []*domain.Task{
		{ID: "old", PriorityID: 2, StatusType: domain.StatusTypeSpecialCase, CreatedAt: base},
		{ID: "new", PriorityID: 2, StatusType: domain.StatusTypeSpecialCase, CreatedAt: base.Add(time.Hour)},
	}
	b := board.ClassifyAndSort(tasks, 1)
	assert.Equal(t, []string{"new", "old"}, ids(b[board.GroupSpecial]))
}

func TestClassifyAndSort_DoesNotReorderInput(t *testing.T) {
	tasks := []*domain.Task{
		{ID: "b", PriorityID: 2, StatusType: domain.StatusTypeActive, EstStart: ts(2)},
		{ID: "a", PriorityID: 2, StatusType: domain.StatusTypeActive, EstStart: ts(1)},
	}
	b := board.ClassifyAndSort(tasks, 1)
	require.Equal(t, []string{"a", "b"}, ids(b[board.GroupActive]))
	assert.Equal(t, []string{"b", "a"}, ids(tasks))
}

func BenchmarkClassifyAndSort(b *testing.B) {
	types := []domain.StatusType{
		domain.StatusTypeScheduled, domain.StatusTypeActive, domain.StatusTypeCompleted, domain.StatusTypeSpecialCase,
	}
	tasks := make([]*domain.Task, 2000)
	for i := range tasks {
		tasks[i] = &domain.Task{
			ID:         fmt.Sprintf("t-%04d", i),
			PriorityID: i%4 + 1,
			StatusType: types[i%len(types)],
			EstStart:   ts(i % 97),
			CreatedAt:  base.Add(time.Duration(i%13) * time.Minute),
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = board.ClassifyAndSort(tasks, 1)
	}
}
