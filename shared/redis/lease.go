package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Lease is a single-holder lock kept alive by periodic Acquire calls.
// Only the holder of the lease runs singleton sweeps.
type Lease struct {
	client goredis.Cmdable
	key    string
	holder string
	ttl    time.Duration
}

// NewLease creates a lease on key for holder
func NewLease(client goredis.Cmdable, key, holder string, ttl time.Duration) *Lease {
	return &Lease{client: client, key: key, holder: holder, ttl: ttl}
}

// Acquire takes the lease or extends it when already held. It reports
// whether this holder owns the lease after the call.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.holder, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if ok {
		return true, nil
	}

	current, err := l.client.Get(ctx, l.key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read lease holder: %w", err)
	}
	if current != l.holder {
		return false, nil
	}

	if err := l.client.Expire(ctx, l.key, l.ttl).Err(); err != nil {
		return false, fmt.Errorf("failed to extend lease: %w", err)
	}
	return true, nil
}

// Release drops the lease if this holder owns it
func (l *Lease) Release(ctx context.Context) error {
	current, err := l.client.Get(ctx, l.key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		return fmt.Errorf("failed to read lease holder: %w", err)
	}
	if current != l.holder {
		return nil
	}
	return l.client.Del(ctx, l.key).Err()
}
