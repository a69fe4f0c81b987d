package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrBusy is returned when the lock is still held by someone else when ctx ends.
	ErrBusy = errors.New("lock: busy")

	errNoCallback = errors.New("lock: callback not provided")
)

// Guard runs fn while holding an exclusive lock on key.
type Guard interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// compareAndDelete drops the lock only if this holder still owns it.
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a Redis lease lock shared by every replica serving a till. The lease expires
// after ttl even if the holder dies; release only removes the holder's own lease.
type Locker struct {
	R            *redis.Client
	RetryBackoff time.Duration
	Prefix       string
}

func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errNoCallback
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	key = l.Prefix + "lock:" + key
	token := uuid.NewString()

	ticker := time.NewTicker(retry)
	defer ticker.Stop()
	for {
		ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %s: %w", ErrBusy, key, ctx.Err())
			}
			return fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrBusy, key, ctx.Err())
		case <-ticker.C:
		}
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = compareAndDelete.Run(releaseCtx, l.R, []string{key}, token).Err()
	}()
	return fn(ctx)
}

// Local serialises callers within one process when no Redis is configured. Waiting
// callers give up when their context ends. The ttl is ignored.
type Local struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func (l *Local) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slots == nil {
		l.slots = make(map[string]chan struct{})
	}
	s, ok := l.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[key] = s
	}
	return s
}

func (l *Local) WithLock(ctx context.Context, key string, _ time.Duration, fn func(context.Context) error) error {
	if fn == nil {
		return errNoCallback
	}
	s := l.slot(key)
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ErrBusy, key, ctx.Err())
	}
	defer func() { <-s }()
	return fn(ctx)
}
