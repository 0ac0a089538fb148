package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeaderLease elects one holder of key among instances. The lease expires
// after ttl unless renewed.
type LeaderLease struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
}

// NewLeaderLease returns a lease on key for instanceID.
func NewLeaderLease(client *redis.Client, key, instanceID string, ttl time.Duration) *LeaderLease {
	return &LeaderLease{client: client, key: key, instanceID: instanceID, ttl: ttl}
}

// AcquireOrRenew returns true if this instance holds the lease after the call.
func (l *LeaderLease) AcquireOrRenew(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	// Already set: renew only if we own it.
	n, err := compareAndExpire.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return n == 1, nil
}

// Resign gives up the lease if held.
func (l *LeaderLease) Resign(ctx context.Context) error {
	err := compareAndDelete.Run(ctx, l.client, []string{l.key}, l.instanceID).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
