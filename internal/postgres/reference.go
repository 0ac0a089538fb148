package postgres

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/domain"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/postgres/migrations"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/seed"
)

// Migrate applies every embedded migration in lexical order. The files are
// idempotent, so re-running is safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	files, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)
	for _, f := range files {
		sql, err := migrations.FS.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
		logger.Info("applied migration", "file", f)
	}
	return nil
}

// Seed upserts the reference tables and projects of f in one transaction.
// Existing change sequences and tasks are left alone.
func (s *Store) Seed(ctx context.Context, f *seed.File) error {
	defer s.invalidateCatalog()
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, p := range f.Priorities {
			batch.Queue(`
				INSERT INTO priority_levels (id, name, start_delay_seconds, duration_multiplier)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (id) DO UPDATE
				SET name = EXCLUDED.name, start_delay_seconds = EXCLUDED.start_delay_seconds,
				    duration_multiplier = EXCLUDED.duration_multiplier`,
				p.ID, p.Name, int64(p.StartDelay/time.Second), p.DurationMultiplier)
		}
		for _, c := range f.Complexities {
			batch.Queue(`
				INSERT INTO complexity_levels (id, name, multiplier) VALUES ($1, $2, $3)
				ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, multiplier = EXCLUDED.multiplier`,
				c.ID, c.Name, c.Multiplier)
		}
		for _, t := range f.TaskTypes {
			batch.Queue(`
				INSERT INTO task_types (id, category, default_duration_seconds) VALUES ($1, $2, $3)
				ON CONFLICT (id) DO UPDATE
				SET category = EXCLUDED.category, default_duration_seconds = EXCLUDED.default_duration_seconds`,
				t.ID, t.Category, int64(t.DefaultDuration/time.Second))
		}
		for _, st := range f.Statuses {
			batch.Queue(`
				INSERT INTO task_statuses (id, name, type, color) VALUES ($1, $2, $3, $4)
				ON CONFLICT (id) DO UPDATE
				SET name = EXCLUDED.name, type = EXCLUDED.type, color = EXCLUDED.color`,
				st.ID, st.Name, string(st.Type), st.Color)
		}
		for _, p := range f.Projects {
			workdays := make([]int16, len(p.Calendar.Workdays))
			for i, d := range p.Calendar.Workdays {
				workdays[i] = int16(d)
			}
			holidays := p.Calendar.Holidays
			if holidays == nil {
				holidays = []string{}
			}
			batch.Queue(`
				INSERT INTO projects (id, name, max_concurrent_tasks, timezone, workdays, day_start, day_end, holidays)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (id) DO UPDATE
				SET name = EXCLUDED.name, max_concurrent_tasks = EXCLUDED.max_concurrent_tasks,
				    timezone = EXCLUDED.timezone, workdays = EXCLUDED.workdays,
				    day_start = EXCLUDED.day_start, day_end = EXCLUDED.day_end, holidays = EXCLUDED.holidays`,
				p.ID, p.Name, p.MaxConcurrentTasks, p.Calendar.Timezone, workdays,
				p.Calendar.DayStart, p.Calendar.DayEnd, holidays)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("seed reference data: %w", err)
		}
		return nil
	})
}

func loadCatalog(ctx context.Context, pool *pgxpool.Pool) (*domain.Catalog, error) {
	priorities, err := collect(ctx, pool,
		`SELECT id, name, start_delay_seconds, duration_multiplier FROM priority_levels`,
		func(row pgx.CollectableRow) (domain.PriorityLevel, error) {
			var (
				p     domain.PriorityLevel
				delay int64
			)
			err := row.Scan(&p.ID, &p.Name, &delay, &p.DurationMultiplier)
			p.StartDelay = time.Duration(delay) * time.Second
			return p, err
		})
	if err != nil {
		return nil, err
	}
	complexities, err := collect(ctx, pool,
		`SELECT id, name, multiplier FROM complexity_levels`,
		func(row pgx.CollectableRow) (domain.ComplexityLevel, error) {
			var c domain.ComplexityLevel
			err := row.Scan(&c.ID, &c.Name, &c.Multiplier)
			return c, err
		})
	if err != nil {
		return nil, err
	}
	taskTypes, err := collect(ctx, pool,
		`SELECT id, category, default_duration_seconds FROM task_types`,
		func(row pgx.CollectableRow) (domain.TaskType, error) {
			var (
				t   domain.TaskType
				sec int64
			)
			err := row.Scan(&t.ID, &t.Category, &sec)
			t.DefaultDuration = time.Duration(sec) * time.Second
			return t, err
		})
	if err != nil {
		return nil, err
	}
	statuses, err := collect(ctx, pool,
		`SELECT id, name, type, color FROM task_statuses`,
		func(row pgx.CollectableRow) (domain.TaskStatus, error) {
			var (
				s  domain.TaskStatus
				st string
			)
			err := row.Scan(&s.ID, &s.Name, &st, &s.Color)
			s.Type = domain.StatusType(st)
			return s, err
		})
	if err != nil {
		return nil, err
	}
	return domain.NewCatalog(priorities, complexities, taskTypes, statuses), nil
}

func collect[T any](ctx context.Context, pool *pgxpool.Pool, sql string, fn pgx.RowToFunc[T]) ([]T, error) {
	rows, err := pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	out, err := pgx.CollectRows(rows, fn)
	if err != nil {
		return nil, fmt.Errorf("scan catalog: %w", err)
	}
	return out, nil
}
