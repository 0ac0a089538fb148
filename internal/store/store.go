// Package store defines the persistence contract the scheduling engine runs
// against. Implementations live in internal/postgres and internal/memstore.
package store

import (
	"context"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/domain"
)

// Store reads reference data and project task sets and runs project-scoped
// transactions.
type Store interface {
	// WithProjectTx runs fn inside one transaction scoped to projectID. If fn
	// returns an error or ctx is cancelled before commit, every write made
	// through the Tx is discarded.
	WithProjectTx(ctx context.Context, projectID string, fn func(ctx context.Context, tx Tx) error) error

	// ProjectTasks returns every task of the project together with the
	// project's change sequence at the moment of the read.
	ProjectTasks(ctx context.Context, projectID string) ([]*domain.Task, int64, error)
	// ChangeSeq returns the project's committed change sequence.
	ChangeSeq(ctx context.Context, projectID string) (int64, error)
	Project(ctx context.Context, projectID string) (*domain.Project, error)
	ProjectIDs(ctx context.Context) ([]string, error)
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	Catalog(ctx context.Context) (*domain.Catalog, error)

	Ping(ctx context.Context) error
}

// Tx is the write side of a project transaction. Every task it returns
// belongs to the transaction's project.
type Tx interface {
	Project(ctx context.Context) (*domain.Project, error)
	Tasks(ctx context.Context) ([]*domain.Task, error)
	InsertTask(ctx context.Context, t *domain.Task) error
	UpdateTask(ctx context.Context, t *domain.Task) error
	DeleteTask(ctx context.Context, taskID string) error
	// BumpSeq increments and returns the project's change sequence.
	BumpSeq(ctx context.Context) (int64, error)
}
