// Package postgres implements store.Store on PostgreSQL with pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/domain"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/store"
)

// lockNotAvailable is SQLSTATE 55P03, raised when lock_timeout expires.
const lockNotAvailable = "55P03"

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Store is a store.Store backed by a pgx pool. Project transactions take a
// transaction-scoped advisory lock on the project, so they serialize across
// every process sharing the database.
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration

	mu      sync.Mutex
	catalog *domain.Catalog
}

var _ store.Store = (*Store)(nil)

// NewStore wraps pool. lockTimeout bounds the advisory lock wait; zero waits
// until ctx is done.
func NewStore(pool *pgxpool.Pool, lockTimeout time.Duration) *Store {
	return &Store{pool: pool, lockTimeout: lockTimeout}
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) WithProjectTx(ctx context.Context, projectID string, fn func(context.Context, store.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin project tx: %w", err)
	}
	defer tx.Rollback(context.Background()) //nolint:errcheck

	started := time.Now()
	if s.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("set lock_timeout: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, projectID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable {
			return &domain.SchedulingContendedError{ProjectID: projectID, Waited: time.Since(started)}
		}
		return fmt.Errorf("advisory lock for project %s: %w", projectID, err)
	}

	p, err := scanProject(tx.QueryRow(ctx, selectProject+` WHERE id = $1`, projectID), projectID)
	if err != nil {
		return err
	}

	if err := fn(ctx, &pgTx{tx: tx, project: p}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit project tx: %w", err)
	}
	return nil
}

func (s *Store) ProjectTasks(ctx context.Context, projectID string) ([]*domain.Task, int64, error) {
	// One snapshot for both reads so the tasks match the sequence.
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback(context.Background()) //nolint:errcheck

	var seq int64
	if err := tx.QueryRow(ctx, `SELECT change_seq FROM projects WHERE id = $1`, projectID).Scan(&seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, &domain.ProjectNotFoundError{ProjectID: projectID}
		}
		return nil, 0, fmt.Errorf("read change_seq for %s: %w", projectID, err)
	}
	tasks, err := queryTasks(ctx, tx, projectID)
	if err != nil {
		return nil, 0, err
	}
	return tasks, seq, nil
}

func (s *Store) ChangeSeq(ctx context.Context, projectID string) (int64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, `SELECT change_seq FROM projects WHERE id = $1`, projectID).Scan(&seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &domain.ProjectNotFoundError{ProjectID: projectID}
		}
		return 0, fmt.Errorf("read change_seq for %s: %w", projectID, err)
	}
	return seq, nil
}

func (s *Store) Project(ctx context.Context, projectID string) (*domain.Project, error) {
	return scanProject(s.pool.QueryRow(ctx, selectProject+` WHERE id = $1`, projectID), projectID)
}

func (s *Store) ProjectIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM projects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan project ids: %w", err)
	}
	return ids, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, selectTask+` WHERE t.id = $1`, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return t, nil
}

// Catalog loads the reference tables once; they are immutable while the
// process runs. Seed invalidates the cached copy.
func (s *Store) Catalog(ctx context.Context) (*domain.Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.catalog != nil {
		return s.catalog, nil
	}
	cat, err := loadCatalog(ctx, s.pool)
	if err != nil {
		return nil, err
	}
	s.catalog = cat
	return cat, nil
}

func (s *Store) invalidateCatalog() {
	s.mu.Lock()
	s.catalog = nil
	s.mu.Unlock()
}

type pgTx struct {
	tx      pgx.Tx
	project *domain.Project
}

func (t *pgTx) Project(context.Context) (*domain.Project, error) {
	p := *t.project
	return &p, nil
}

func (t *pgTx) Tasks(ctx context.Context) ([]*domain.Task, error) {
	return queryTasks(ctx, t.tx, t.project.ID)
}

func (t *pgTx) InsertTask(ctx context.Context, task *domain.Task) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO tasks
			(id, project_id, title, task_type_id, priority_id, complexity_id, status_id,
			 queue_position, est_start, est_end, actual_start, actual_end, remaining_work_seconds,
			 created_by, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		task.ID, task.ProjectID, task.Title, task.TaskTypeID, task.PriorityID, task.ComplexityID, task.StatusID,
		task.QueuePosition, task.EstStart, task.EstEnd, task.ActualStart, task.ActualEnd, seconds(task.RemainingWork),
		task.CreatedBy, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	return nil
}

func (t *pgTx) UpdateTask(ctx context.Context, task *domain.Task) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE tasks
		SET status_id = $1, queue_position = $2, est_start = $3, est_end = $4,
		    actual_start = $5, actual_end = $6, remaining_work_seconds = $7, updated_at = $8
		WHERE id = $9 AND project_id = $10
	`,
		task.StatusID, task.QueuePosition, task.EstStart, task.EstEnd,
		task.ActualStart, task.ActualEnd, seconds(task.RemainingWork), task.UpdatedAt,
		task.ID, t.project.ID,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.TaskNotFoundError{TaskID: task.ID}
	}
	return nil
}

func (t *pgTx) DeleteTask(ctx context.Context, taskID string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM tasks WHERE id = $1 AND project_id = $2`, taskID, t.project.ID)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.TaskNotFoundError{TaskID: taskID}
	}
	return nil
}

func (t *pgTx) BumpSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := t.tx.QueryRow(ctx,
		`UPDATE projects SET change_seq = change_seq + 1 WHERE id = $1 RETURNING change_seq`,
		t.project.ID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("bump change_seq for %s: %w", t.project.ID, err)
	}
	return seq, nil
}

const selectProject = `
	SELECT id, name, max_concurrent_tasks, timezone, workdays, day_start, day_end, holidays
	FROM projects`

func scanProject(row pgx.Row, projectID string) (*domain.Project, error) {
	var (
		p        domain.Project
		workdays []int16
	)
	err := row.Scan(&p.ID, &p.Name, &p.MaxConcurrentTasks,
		&p.Calendar.Timezone, &workdays, &p.Calendar.DayStart, &p.Calendar.DayEnd, &p.Calendar.Holidays)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.ProjectNotFoundError{ProjectID: projectID}
		}
		return nil, fmt.Errorf("scan project: %w", err)
	}
	p.Calendar.Workdays = make([]time.Weekday, len(workdays))
	for i, d := range workdays {
		p.Calendar.Workdays[i] = time.Weekday(d)
	}
	return &p, nil
}

const selectTask = `
	SELECT t.id, t.project_id, t.title, t.task_type_id, t.priority_id, t.complexity_id,
	       t.status_id, s.type, t.queue_position, t.est_start, t.est_end,
	       t.actual_start, t.actual_end, t.remaining_work_seconds,
	       t.created_by, t.created_at, t.updated_at
	FROM tasks t
	JOIN task_statuses s ON s.id = t.status_id`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryTasks(ctx context.Context, q querier, projectID string) ([]*domain.Task, error) {
	rows, err := q.Query(ctx, selectTask+` WHERE t.project_id = $1 ORDER BY t.created_at, t.id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query tasks for %s: %w", projectID, err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var (
		t         domain.Task
		statusTyp string
		remaining *int64
	)
	err := row.Scan(
		&t.ID, &t.ProjectID, &t.Title, &t.TaskTypeID, &t.PriorityID, &t.ComplexityID,
		&t.StatusID, &statusTyp, &t.QueuePosition, &t.EstStart, &t.EstEnd,
		&t.ActualStart, &t.ActualEnd, &remaining,
		&t.CreatedBy, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.StatusType = domain.StatusType(statusTyp)
	if remaining != nil {
		d := time.Duration(*remaining) * time.Second
		t.RemainingWork = &d
	}
	return &t, nil
}

func seconds(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	s := int64(d.Round(time.Second) / time.Second)
	return &s
}
