// Package board partitions a project's tasks into display groups and orders
// each group deterministically.
package board

import (
	"sort"
	"time"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/domain"
)

// Group is a display bucket.
type Group string

const (
	GroupCritical  Group = "critical"
	GroupActive    Group = "active"
	GroupScheduled Group = "scheduled"
	GroupCompleted Group = "completed"
	GroupSpecial   Group = "special"
)

// Groups lists every group in display order.
var Groups = []Group{GroupCritical, GroupActive, GroupScheduled, GroupCompleted, GroupSpecial}

// Board is the result of ClassifyAndSort. Every group key is present.
type Board map[Group][]*domain.Task

// Len returns the number of tasks across all groups.
func (b Board) Len() int {
	n := 0
	for _, ts := range b {
		n += len(ts)
	}
	return n
}

// Classify returns the group of t. A task of the most urgent priority is
// critical regardless of status; otherwise its status type decides.
func Classify(t *domain.Task, mostUrgent int) Group {
	if t.PriorityID == mostUrgent {
		return GroupCritical
	}
	switch t.StatusType {
	case domain.StatusTypeActive:
		return GroupActive
	case domain.StatusTypeScheduled:
		return GroupScheduled
	case domain.StatusTypeCompleted:
		return GroupCompleted
	}
	return GroupSpecial
}

// ClassifyAndSort partitions tasks into the five groups and sorts each one.
// The input slice is not modified. The order within a group is total: it
// does not depend on the order of tasks.
func ClassifyAndSort(tasks []*domain.Task, mostUrgent int) Board {
	b := make(Board, len(Groups))
	for _, g := range Groups {
		b[g] = []*domain.Task{}
	}
	for _, t := range tasks {
		g := Classify(t, mostUrgent)
		b[g] = append(b[g], t)
	}
	for g, ts := range b {
		sort.Slice(ts, lessFor(g, ts))
	}
	return b
}

func lessFor(g Group, ts []*domain.Task) func(i, j int) bool {
	switch g {
	case GroupCompleted:
		return func(i, j int) bool { return completedLess(ts[i], ts[j]) }
	case GroupSpecial:
		return func(i, j int) bool { return specialLess(ts[i], ts[j]) }
	}
	return func(i, j int) bool { return plannedLess(ts[i], ts[j]) }
}

// plannedLess: est_start ascending with unknown starts last, then priority,
// then created_at, then ID.
func plannedLess(a, b *domain.Task) bool {
	if c := compareNilLast(a.EstStart, b.EstStart); c != 0 {
		return c < 0
	}
	if a.PriorityID != b.PriorityID {
		return a.PriorityID < b.PriorityID
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// completedLess: est_end, falling back to actual_end, descending with
// unknown last, then ID.
func completedLess(a, b *domain.Task) bool {
	ka, kb := completedKey(a), completedKey(b)
	switch {
	case ka != nil && kb != nil && !ka.Equal(*kb):
		return ka.After(*kb)
	case ka != nil && kb == nil:
		return true
	case ka == nil && kb != nil:
		return false
	}
	return a.ID < b.ID
}

func completedKey(t *domain.Task) *time.Time {
	if t.EstEnd != nil {
		return t.EstEnd
	}
	return t.ActualEnd
}

// specialLess: created_at descending, then ID.
func specialLess(a, b *domain.Task) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

// compareNilLast orders ascending with nil after every instant.
func compareNilLast(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case a.Before(*b):
		return -1
	case a.After(*b):
		return 1
	}
	return 0
}
