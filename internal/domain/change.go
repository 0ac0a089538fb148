package domain

import "time"

// Change describes one committed project mutation. Every transaction that
// writes a project's tasks produces exactly one Change carrying the project's
// new change sequence.
type Change struct {
	ProjectID string `json:"project_id"`
	Seq       int64  `json:"seq"`
	// Reason names the operation that committed the change.
	Reason string `json:"reason"`
	// Upserted holds the created and updated tasks, full rows.
	Upserted []*Task `json:"upserted,omitempty"`
	// Deleted holds the IDs of removed tasks.
	Deleted []string `json:"deleted,omitempty"`
	// Resync asks consumers to discard incremental state and refetch.
	Resync     bool      `json:"resync,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Change reasons.
const (
	ReasonAllocate   = "allocate"
	ReasonTransition = "transition"
	ReasonRemove     = "remove"
	ReasonReconcile  = "reconcile"
	ReasonRenumber   = "renumber"
)
