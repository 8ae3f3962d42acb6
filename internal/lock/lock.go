package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var (
	ErrNotAcquired   = errors.New("lock_not_acquired")
	ErrNotConfigured = errors.New("lock_not_configured")
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// OrderLocker serializes read-decide-commit cycles for a single order.
type OrderLocker interface {
	WithOrderLock(ctx context.Context, orderID int64, fn func(ctx context.Context) error) error
}

// Noop runs fn directly; the order repository's version check provides atomicity.
type Noop struct{}

func (Noop) WithOrderLock(ctx context.Context, _ int64, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// RedisLocker is a SET NX advisory lock with token-checked release.
type RedisLocker struct {
	client *redis.Client
	script *redis.Script
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

func NewRedisLocker(client *redis.Client, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisLocker{
		client: client,
		script: redis.NewScript(releaseScript),
		ttl:    ttl,
		wait:   wait,
		poll:   25 * time.Millisecond,
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, ErrNotConfigured
	}
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}

func (l *RedisLocker) WithOrderLock(ctx context.Context, orderID int64, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("storefront:order-lock:%d", orderID)
	deadline := time.Now().Add(l.wait)

	for {
		token, ok, err := l.TryLock(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			defer func() {
				_ = l.Release(context.WithoutCancel(ctx), key, token)
			}()
			return fn(ctx)
		}
		if time.Now().After(deadline) {
			return ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.poll):
		}
	}
}
