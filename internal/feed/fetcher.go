package feed

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/domain"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/store"
)

// Latest asks a Fetcher for the project's current task set. Coordinators use
// it for the first read of a session.
const Latest int64 = -1

// DefaultSharedFetchTimeout bounds a read shared by concurrent callers.
const DefaultSharedFetchTimeout = 10 * time.Second

// Fetcher returns a project's full task set and the change sequence it
// reflects. minSeq is a freshness hint: implementations that cache may serve
// a copy at least that fresh, or the current one when minSeq is Latest.
// Returned tasks must not be modified.
type Fetcher interface {
	Fetch(ctx context.Context, projectID string, minSeq int64) ([]*domain.Task, int64, error)
}

// SeqReader reports a project's committed change sequence without reading
// its tasks.
type SeqReader interface {
	ChangeSeq(ctx context.Context, projectID string) (int64, error)
}

// StoreFetcher reads straight from the store.
type StoreFetcher struct {
	Store store.Store
}

func (f StoreFetcher) Fetch(ctx context.Context, projectID string, _ int64) ([]*domain.Task, int64, error) {
	return f.Store.ProjectTasks(ctx, projectID)
}

func (f StoreFetcher) ChangeSeq(ctx context.Context, projectID string) (int64, error) {
	return f.Store.ChangeSeq(ctx, projectID)
}

// Cache stores task sets by project.
type Cache interface {
	Get(ctx context.Context, projectID string) ([]*domain.Task, int64, bool, error)
	Set(ctx context.Context, projectID string, tasks []*domain.Task, seq int64) error
}

// CachedFetcher serves fresh-enough task sets from a Cache and collapses
// concurrent misses for one project into a single read. A Latest request is
// resolved against next's SeqReader when it has one, otherwise it skips the
// cache.
type CachedFetcher struct {
	next          Fetcher
	cache         Cache
	logger        *slog.Logger
	group         singleflight.Group
	sharedTimeout time.Duration
}

// NewCachedFetcher wraps next with cache.
func NewCachedFetcher(next Fetcher, cache Cache, logger *slog.Logger) *CachedFetcher {
	return &CachedFetcher{next: next, cache: cache, logger: logger, sharedTimeout: DefaultSharedFetchTimeout}
}

type fetched struct {
	tasks []*domain.Task
	seq   int64
}

func (f *CachedFetcher) Fetch(ctx context.Context, projectID string, minSeq int64) ([]*domain.Task, int64, error) {
	useCache := true
	if minSeq == Latest {
		minSeq, useCache = f.head(ctx, projectID)
	}

	if useCache {
		tasks, seq, ok, err := f.cache.Get(ctx, projectID)
		if err != nil {
			f.logger.Warn("task set cache read failed", slog.String("project_id", projectID), slog.String("error", err.Error()))
		}
		if ok && seq >= minSeq {
			return tasks, seq, nil
		}
	}

	key := projectID + "@" + strconv.FormatInt(minSeq, 10)
	ch := f.group.DoChan(key, func() (any, error) {
		// Shared by every waiter, so it must outlive the caller that started it.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.sharedTimeout)
		defer cancel()
		tasks, seq, err := f.next.Fetch(sctx, projectID, minSeq)
		if err != nil {
			return nil, err
		}
		if err := f.cache.Set(sctx, projectID, tasks, seq); err != nil {
			f.logger.Warn("task set cache write failed", slog.String("project_id", projectID), slog.String("error", err.Error()))
		}
		return fetched{tasks: tasks, seq: seq}, nil
	})
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, 0, res.Err
		}
		r := res.Val.(fetched)
		return r.tasks, r.seq, nil
	}
}

// head returns the committed sequence to treat as the freshness floor for a
// Latest request, and whether the cache may answer it.
func (f *CachedFetcher) head(ctx context.Context, projectID string) (int64, bool) {
	sr, ok := f.next.(SeqReader)
	if !ok {
		return Latest, false
	}
	seq, err := sr.ChangeSeq(ctx, projectID)
	if err != nil {
		f.logger.Warn("change sequence read failed, bypassing cache",
			slog.String("project_id", projectID), slog.String("error", err.Error()))
		return Latest, false
	}
	return seq, true
}
