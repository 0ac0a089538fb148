package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/domain"
)

const taskSetTTL = 10 * time.Minute

func taskSetKey(projectID string) string { return "taskset:" + projectID }

type taskSetEntry struct {
	Seq   int64          `json:"seq"`
	Tasks []*domain.Task `json:"tasks"`
}

// TaskSetCache keeps the latest known task set per project. Writes never
// replace an entry with an older change sequence.
type TaskSetCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTaskSetCache returns a TaskSetCache. A zero ttl uses 10 minutes.
func NewTaskSetCache(client *redis.Client, ttl time.Duration) *TaskSetCache {
	if ttl <= 0 {
		ttl = taskSetTTL
	}
	return &TaskSetCache{client: client, ttl: ttl}
}

// setIfNewer stores ARGV[2] when KEYS[1] is absent or holds a lower seq.
var setIfNewer = redis.NewScript(`
	local cur = redis.call("get", KEYS[1])
	if cur then
		local ok, decoded = pcall(cjson.decode, cur)
		if ok and decoded["seq"] and tonumber(decoded["seq"]) >= tonumber(ARGV[1]) then
			return 0
		end
	end
	redis.call("set", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
`)

func (c *TaskSetCache) Get(ctx context.Context, projectID string) ([]*domain.Task, int64, bool, error) {
	data, err := c.client.Get(ctx, taskSetKey(projectID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, false, nil
		}
		return nil, 0, false, fmt.Errorf("redis get task set for %s: %w", projectID, err)
	}
	var e taskSetEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, 0, false, fmt.Errorf("unmarshal task set: %w", err)
	}
	return e.Tasks, e.Seq, true, nil
}

func (c *TaskSetCache) Set(ctx context.Context, projectID string, tasks []*domain.Task, seq int64) error {
	data, err := json.Marshal(taskSetEntry{Seq: seq, Tasks: tasks})
	if err != nil {
		return fmt.Errorf("marshal task set: %w", err)
	}
	err = setIfNewer.Run(ctx, c.client, []string{taskSetKey(projectID)}, seq, data, c.ttl.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis set task set for %s: %w", projectID, err)
	}
	return nil
}
