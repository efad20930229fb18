package redisclient

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotKey(t *testing.T) {
	id := uuid.MustParse("7f1c3c9e-0d1a-4e49-9d8e-1c1c2b9b5a10")
	at := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, "lock:slot:7f1c3c9e-0d1a-4e49-9d8e-1c1c2b9b5a10:1893488400", SlotKey(id, at))

	// same instant in another zone maps to the same key
	assert.Equal(t, SlotKey(id, at), SlotKey(id, at.In(time.FixedZone("X", 3600))))
}

func TestNoopLocker(t *testing.T) {
	sentinel := errors.New("boom")
	err := NoopLocker{}.WithSlotLock(context.Background(), "k", func(context.Context) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
}

func TestOptions(t *testing.T) {
	assert.False(t, Options{}.Enabled())
	assert.True(t, Options{Addr: "localhost:6379"}.Enabled())

	opts, err := Options{URL: "redis://bob:pw@cache:6380/2", Addr: "ignored:1"}.clientOptions()
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "bob", opts.Username)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 10, opts.PoolSize)

	_, err = Options{URL: "http://nope"}.clientOptions()
	assert.Error(t, err)
}

// unreachableClient returns a client for a port nothing listens on.
func unreachableClient(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestSlotLocker_RedisDownRunsUnlocked(t *testing.T) {
	locker := NewSlotLocker(unreachableClient(t), time.Second, 0, zerolog.Nop())

	ran := false
	err := locker.WithSlotLock(context.Background(), "lock:slot:x:1", func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	sentinel := errors.New("insert failed")
	err = locker.WithSlotLock(context.Background(), "lock:slot:x:1", func(context.Context) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
	assert.NotErrorIs(t, err, ErrLockNotAcquired)
}

func TestSlotLocker_CancelledContextIsNotAnOutage(t *testing.T) {
	locker := NewSlotLocker(unreachableClient(t), time.Second, 0, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := locker.WithSlotLock(ctx, "lock:slot:x:2", func(context.Context) error {
		t.Fatal("must not run with a cancelled context")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func testClient(t *testing.T) *SlotLocker {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb, err := Connect(context.Background(), Options{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return NewSlotLocker(rdb, 2*time.Second, 0, zerolog.Nop())
}

func TestSlotLocker_Exclusive(t *testing.T) {
	locker := testClient(t)
	ctx := context.Background()
	key := "lock:slot:test:" + uuid.NewString()

	err := locker.WithSlotLock(ctx, key, func(ctx context.Context) error {
		inner := locker.WithSlotLock(ctx, key, func(context.Context) error { return nil })
		assert.ErrorIs(t, inner, ErrLockNotAcquired)
		return nil
	})
	require.NoError(t, err)

	// released after the first holder returns
	err = locker.WithSlotLock(ctx, key, func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestSlotLocker_WaitSerializes(t *testing.T) {
	locker := testClient(t)
	locker.wait = 2 * time.Second
	key := "lock:slot:test:" + uuid.NewString()

	var inside, maxInside, ran int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithSlotLock(context.Background(), key, func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				atomic.AddInt32(&ran, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 5, ran)
	assert.EqualValues(t, 1, maxInside)
}
