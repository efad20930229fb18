package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var ErrLockNotAcquired = errors.New("slot lock not acquired")

// Locker guards a critical section per booking slot.
type Locker interface {
	WithSlotLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// SlotKey names the lock for one doctor at one instant.
func SlotKey(doctorID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("lock:slot:%s:%d", doctorID, at.Unix())
}

const retryInterval = 25 * time.Millisecond

// SlotLocker holds a per-slot key in Redis. A contender retries for up to
// wait before giving up, so a racing booking usually sees the winner's row
// instead of a bare lock failure. If Redis itself is unreachable the section
// runs unlocked and the caller's storage constraint decides.
type SlotLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	log    zerolog.Logger
}

func NewSlotLocker(client *redis.Client, ttl, wait time.Duration, log zerolog.Logger) *SlotLocker {
	return &SlotLocker{client: client, ttl: ttl, wait: wait, log: log.With().Str("component", "slot_lock").Logger()}
}

func (l *SlotLocker) WithSlotLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token := uuid.NewString()
	err := l.acquire(ctx, key, token)
	var unavailable *unavailableError
	switch {
	case errors.As(err, &unavailable):
		l.log.Warn().Err(unavailable.err).Str("key", key).Msg("redis unavailable, running without slot lock")
		return fn(ctx)
	case err != nil:
		return err
	}
	defer func() {
		if err := l.release(context.WithoutCancel(ctx), key, token); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("slot lock release failed, key expires with its ttl")
		}
	}()

	lockCtx, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()
	return fn(lockCtx)
}

// unavailableError marks a transport failure talking to Redis, as opposed to
// the lock being held elsewhere.
type unavailableError struct{ err error }

func (e *unavailableError) Error() string { return "redis unavailable: " + e.err.Error() }
func (e *unavailableError) Unwrap() error { return e.err }

func (l *SlotLocker) acquire(ctx context.Context, key, token string) error {
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return &unavailableError{err: err}
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrLockNotAcquired
		}

		t := time.NewTimer(retryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// release deletes the key only if this holder still owns it.
func (l *SlotLocker) release(ctx context.Context, key, token string) error {
	if err := unlockScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release slot lock: %w", err)
	}
	return nil
}

// NoopLocker runs fn directly. Used when Redis is not configured; the
// appointments_doctor_slot_active index still rejects double bookings.
type NoopLocker struct{}

func (NoopLocker) WithSlotLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
