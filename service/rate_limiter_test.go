package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/layer-3/siwe-auth/adapters/store"
	"github.com/layer-3/siwe-auth/core"
	"github.com/layer-3/siwe-auth/ports"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type limiterBackend struct {
	store   ports.Store
	advance func(time.Duration)
}

func limiterBackends(t *testing.T) map[string]limiterBackend {
	t.Helper()

	clock := &testClock{now: time.Now()}
	mem := store.NewMemoryStore(store.WithClock(clock.Now), store.WithSweepInterval(0))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]limiterBackend{
		"memory": {store: mem, advance: clock.Advance},
		"redis":  {store: store.NewRedisStore(client), advance: mr.FastForward},
	}
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	for name, backend := range limiterBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			limiter, err := NewRateLimiter(backend.store, DefaultRateLimit, DefaultRateLimitWindow, zap.NewNop())
			require.NoError(t, err)

			for i := 0; i < DefaultRateLimit; i++ {
				require.NoError(t, limiter.Limit(ctx, "10.0.0.1"), "request %d", i+1)
			}

			err = limiter.Limit(ctx, "10.0.0.1")
			assert.True(t, errors.Is(err, core.ErrRateLimitExceeded))

			assert.NoError(t, limiter.Limit(ctx, "10.0.0.2"), "clients are counted separately")

			backend.advance(61 * time.Second)
			assert.NoError(t, limiter.Limit(ctx, "10.0.0.1"), "a new window admits again")

			count, err := backend.store.Get(ctx, "ratelimiter:10.0.0.1")
			require.NoError(t, err)
			assert.Equal(t, "1", count)
		})
	}
}

func TestRateLimiter_WindowIsNotSliding(t *testing.T) {
	clock := &testClock{now: time.Now()}
	mem := store.NewMemoryStore(store.WithClock(clock.Now), store.WithSweepInterval(0))
	limiter, err := NewRateLimiter(mem, 2, time.Minute, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, limiter.Limit(ctx, "c"))
	clock.Advance(50 * time.Second)
	require.NoError(t, limiter.Limit(ctx, "c"))
	assert.ErrorIs(t, limiter.Limit(ctx, "c"), core.ErrRateLimitExceeded)

	// The window started with the first request, not the last one.
	clock.Advance(11 * time.Second)
	assert.NoError(t, limiter.Limit(ctx, "c"))
}

// expiringStore ends the window right after the limiter has read the counter.
type expiringStore struct {
	ports.Store
	advance func(time.Duration)
	once    sync.Once
}

func (s *expiringStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.Store.Get(ctx, key)
	s.once.Do(func() { s.advance(DefaultRateLimitWindow + time.Second) })
	return v, err
}

func TestRateLimiter_WindowEndsBeforeIncrement(t *testing.T) {
	for name, backend := range limiterBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := &expiringStore{Store: backend.store, advance: backend.advance}
			limiter, err := NewRateLimiter(st, DefaultRateLimit, DefaultRateLimitWindow, zap.NewNop())
			require.NoError(t, err)

			require.NoError(t, limiter.Limit(ctx, "10.0.0.9"))
			require.NoError(t, limiter.Limit(ctx, "10.0.0.9"))

			count, err := backend.store.Get(ctx, "ratelimiter:10.0.0.9")
			require.NoError(t, err)
			assert.Equal(t, "1", count)

			// The recreated counter still expires with its window.
			backend.advance(DefaultRateLimitWindow + time.Second)
			exists, err := backend.store.Exists(ctx, "ratelimiter:10.0.0.9")
			require.NoError(t, err)
			assert.False(t, exists)

			for i := 0; i < DefaultRateLimit; i++ {
				require.NoError(t, limiter.Limit(ctx, "10.0.0.9"), "request %d", i+1)
			}
			assert.ErrorIs(t, limiter.Limit(ctx, "10.0.0.9"), core.ErrRateLimitExceeded)

			backend.advance(DefaultRateLimitWindow + time.Second)
			assert.NoError(t, limiter.Limit(ctx, "10.0.0.9"))
		})
	}
}

func TestRateLimiter_ConcurrentRequestsAdmitAtLeastLimit(t *testing.T) {
	mem := store.NewMemoryStore(store.WithSweepInterval(0))
	limiter, err := NewRateLimiter(mem, DefaultRateLimit, DefaultRateLimitWindow, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	// Open the window first so every later request goes through the atomic increment.
	require.NoError(t, limiter.Limit(ctx, "burst"))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted = 1
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Limit(ctx, "burst") == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Reads and increments interleave, so overshoot is possible but the
	// window never admits fewer than its limit.
	assert.GreaterOrEqual(t, admitted, DefaultRateLimit)
}

func TestRateLimiter_StoreUnavailable(t *testing.T) {
	limiter, err := NewRateLimiter(unavailableStore{}, DefaultRateLimit, DefaultRateLimitWindow, zap.NewNop())
	require.NoError(t, err)

	err = limiter.Limit(context.Background(), "c")
	assert.True(t, errors.Is(err, core.ErrStoreUnavailable))
	assert.False(t, errors.Is(err, core.ErrRateLimitExceeded))
}

func TestNewRateLimiter_Validates(t *testing.T) {
	_, err := NewRateLimiter(unavailableStore{}, 0, time.Minute, zap.NewNop())
	assert.Error(t, err)
	_, err = NewRateLimiter(unavailableStore{}, 10, 0, zap.NewNop())
	assert.Error(t, err)
}
