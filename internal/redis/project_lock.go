package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/domain"
)

const lockPollInterval = 10 * time.Millisecond

func projectLockKey(projectID string) string { return "lock:project:" + projectID }

// ProjectLock is a lock.Locker shared by every process using the same Redis.
// Each holder owns a random token; release only deletes its own token, and
// the TTL frees the key if a holder dies.
type ProjectLock struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// NewProjectLock returns a ProjectLock. ttl must exceed the longest critical
// section; timeout bounds how long Acquire waits.
func NewProjectLock(client *redis.Client, ttl, timeout time.Duration, logger *slog.Logger) *ProjectLock {
	return &ProjectLock{client: client, ttl: ttl, timeout: timeout, logger: logger}
}

func (l *ProjectLock) Acquire(ctx context.Context, projectID string) (func(), error) {
	key := projectLockKey(projectID)
	token := uuid.NewString()
	started := time.Now()
	deadline := started.Add(l.timeout)

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("redis lock %s: %w", projectID, err)
		}
		if ok {
			return l.releaser(key, token), nil
		}
		if !time.Now().Before(deadline) {
			return nil, &domain.SchedulingContendedError{ProjectID: projectID, Waited: time.Since(started)}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *ProjectLock) releaser(key, token string) func() {
	return func() {
		// Release even if the caller's context was cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := compareAndDelete.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.logger.Error("redis lock release", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
}
