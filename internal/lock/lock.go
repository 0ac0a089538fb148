// Package lock provides per-key mutual exclusion with a bounded wait.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/domain"
)

// Locker serializes work per key. Acquire blocks until the key is free, the
// wait timeout elapses (SchedulingContendedError) or ctx is done. The returned
// release func must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Local is an in-process Locker. Different keys never contend.
type Local struct {
	timeout time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocal returns a Local that waits at most timeout per Acquire.
func NewLocal(timeout time.Duration) *Local {
	return &Local{timeout: timeout, slots: make(map[string]*slot)}
}

func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	started := time.Now()
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.unref(key, s)
			})
		}, nil
	case <-timer.C:
		l.unref(key, s)
		return nil, &domain.SchedulingContendedError{ProjectID: key, Waited: time.Since(started)}
	case <-ctx.Done():
		l.unref(key, s)
		return nil, ctx.Err()
	}
}

// unref drops the slot once nobody holds or waits for it.
func (l *Local) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
