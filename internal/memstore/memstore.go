// Package memstore is an in-memory store.Store for local runs and tests.
// Transactions stage their writes and commit atomically, but they do not
// serialize against each other: callers must hold the project lock.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/domain"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/store"
)

// Store keeps reference data, projects and tasks in maps.
type Store struct {
	catalog *domain.Catalog

	mu       sync.RWMutex
	projects map[string]domain.Project
	tasks    map[string]*domain.Task
	seq      map[string]int64
}

var _ store.Store = (*Store)(nil)

// New returns a Store holding the given reference data and projects.
func New(cat *domain.Catalog, projects ...domain.Project) *Store {
	s := &Store{
		catalog:  cat,
		projects: make(map[string]domain.Project, len(projects)),
		tasks:    make(map[string]*domain.Task),
		seq:      make(map[string]int64, len(projects)),
	}
	for _, p := range projects {
		s.projects[p.ID] = p
	}
	return s
}

// PutProject adds or replaces a project.
func (s *Store) PutProject(p domain.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
}

// PutTasks stores tasks as-is, bypassing the engine. The status type is
// resolved from the catalog.
func (s *Store) PutTasks(tasks ...*domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		c := t.Clone()
		if err := s.resolveStatus(c); err != nil {
			return err
		}
		s.tasks[c.ID] = c
	}
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Catalog(context.Context) (*domain.Catalog, error) { return s.catalog, nil }

func (s *Store) Project(_ context.Context, projectID string) (*domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, &domain.ProjectNotFoundError{ProjectID: projectID}
	}
	return &p, nil
}

func (s *Store) ProjectIDs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.projects))
	for id := range s.projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) GetTask(_ context.Context, taskID string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	return t.Clone(), nil
}

func (s *Store) ProjectTasks(_ context.Context, projectID string) ([]*domain.Task, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.projects[projectID]; !ok {
		return nil, 0, &domain.ProjectNotFoundError{ProjectID: projectID}
	}
	return s.projectTasksLocked(projectID), s.seq[projectID], nil
}

func (s *Store) ChangeSeq(_ context.Context, projectID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.projects[projectID]; !ok {
		return 0, &domain.ProjectNotFoundError{ProjectID: projectID}
	}
	return s.seq[projectID], nil
}

func (s *Store) projectTasksLocked(projectID string) []*domain.Task {
	var out []*domain.Task
	for _, t := range s.tasks {
		if t.ProjectID == projectID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) WithProjectTx(ctx context.Context, projectID string, fn func(context.Context, store.Tx) error) error {
	s.mu.RLock()
	p, ok := s.projects[projectID]
	if !ok {
		s.mu.RUnlock()
		return &domain.ProjectNotFoundError{ProjectID: projectID}
	}
	tx := &tx{
		store:   s,
		project: p,
		staged:  make(map[string]*domain.Task),
		deleted: make(map[string]bool),
	}
	for _, t := range s.projectTasksLocked(projectID) {
		tx.staged[t.ID] = t
	}
	tx.seq = s.seq[projectID]
	s.mu.RUnlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range tx.deleted {
		delete(s.tasks, id)
	}
	for id := range tx.dirty {
		s.tasks[id] = tx.staged[id]
	}
	s.seq[projectID] = tx.seq
	return nil
}

func (s *Store) resolveStatus(t *domain.Task) error {
	st, err := s.catalog.Status(t.StatusID)
	if err != nil {
		return err
	}
	t.StatusType = st.Type
	return nil
}

type tx struct {
	store   *Store
	project domain.Project
	staged  map[string]*domain.Task
	dirty   map[string]bool
	deleted map[string]bool
	seq     int64
}

func (t *tx) Project(context.Context) (*domain.Project, error) {
	p := t.project
	return &p, nil
}

func (t *tx) Tasks(context.Context) ([]*domain.Task, error) {
	out := make([]*domain.Task, 0, len(t.staged))
	for _, task := range t.staged {
		out = append(out, task.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tx) InsertTask(_ context.Context, task *domain.Task) error {
	if task.ProjectID != t.project.ID {
		return &domain.ProjectNotFoundError{ProjectID: task.ProjectID}
	}
	return t.put(task)
}

func (t *tx) UpdateTask(_ context.Context, task *domain.Task) error {
	if _, ok := t.staged[task.ID]; !ok {
		return &domain.TaskNotFoundError{TaskID: task.ID}
	}
	return t.put(task)
}

func (t *tx) put(task *domain.Task) error {
	c := task.Clone()
	if err := t.store.resolveStatus(c); err != nil {
		return err
	}
	if t.dirty == nil {
		t.dirty = make(map[string]bool)
	}
	t.staged[c.ID] = c
	t.dirty[c.ID] = true
	delete(t.deleted, c.ID)
	return nil
}

func (t *tx) DeleteTask(_ context.Context, taskID string) error {
	if _, ok := t.staged[taskID]; !ok {
		return &domain.TaskNotFoundError{TaskID: taskID}
	}
	delete(t.staged, taskID)
	delete(t.dirty, taskID)
	t.deleted[taskID] = true
	return nil
}

func (t *tx) BumpSeq(context.Context) (int64, error) {
	t.seq++
	return t.seq, nil
}
