package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// IdempotencyRedisKey builds redis keys for request idempotency.
func IdempotencyRedisKey(module, key string) string {
	return fmt.Sprintf("stockcount:idem:%s:%s", module, key)
}

// JobLockKey builds redis keys for singleton background jobs.
func JobLockKey(job string) string {
	return fmt.Sprintf("stockcount:job:%s:lock", job)
}

// RedisLock is a best-effort exclusive lock using SET NX with a TTL.
type RedisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	owner  string
}

// NewRedisLock constructs a lock for key.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) (*RedisLock, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLock{client: client, key: key, ttl: ttl}, nil
}

// Acquire tries to own the lock for the configured TTL.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock: setnx: %w", err)
	}
	if ok {
		l.owner = owner
	}
	return ok, nil
}

// Release frees the lock only while this instance still owns it.
func (l *RedisLock) Release(ctx context.Context) error {
	if l.owner == "" {
		return nil
	}
	value, err := l.client.Get(ctx, l.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			l.owner = ""
			return nil
		}
		return fmt.Errorf("lock: read owner: %w", err)
	}
	if value == l.owner {
		if err := l.client.Del(ctx, l.key).Err(); err != nil {
			return fmt.Errorf("lock: delete: %w", err)
		}
	}
	l.owner = ""
	return nil
}
