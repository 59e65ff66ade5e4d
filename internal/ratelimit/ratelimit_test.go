package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newRedisLimiter(t *testing.T, rate Rate, c *clock) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l, err := NewRedis(client, rate, "test")
	require.NoError(t, err)
	l.now = c.Now
	return l
}

func newMemoryLimiter(t *testing.T, rate Rate, c *clock) *Memory {
	t.Helper()
	l, err := NewMemory(rate)
	require.NoError(t, err)
	l.now = c.Now
	return l
}

func TestSlidingWindow(t *testing.T) {
	rate := Rate{Limit: 2, Window: 10 * time.Second}

	backends := map[string]func(*testing.T, *clock) Limiter{
		"memory": func(t *testing.T, c *clock) Limiter { return newMemoryLimiter(t, rate, c) },
		"redis":  func(t *testing.T, c *clock) Limiter { return newRedisLimiter(t, rate, c) },
	}

	for name, build := range backends {
		t.Run(name, func(t *testing.T) {
			c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
			l := build(t, c)
			ctx := context.Background()
			key := Key(uuid.New(), "/api/v1/assist")

			d, err := l.Allow(ctx, key)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, 1, d.Remaining)

			c.Advance(4 * time.Second)
			d, err = l.Allow(ctx, key)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, 0, d.Remaining)

			c.Advance(1 * time.Second)
			d, err = l.Allow(ctx, key)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, 5*time.Second, d.RetryAfter)

			// The first call leaves the window; the second is still inside it.
			c.Advance(5*time.Second + time.Millisecond)
			d, err = l.Allow(ctx, key)
			require.NoError(t, err)
			assert.True(t, d.Allowed)

			d, err = l.Allow(ctx, key)
			require.NoError(t, err)
			assert.False(t, d.Allowed)

			other, err := l.Allow(ctx, Key(uuid.New(), "/api/v1/assist"))
			require.NoError(t, err)
			assert.True(t, other.Allowed, "keys must not share a window")
		})
	}
}

func TestRedis_ConcurrentCallers(t *testing.T) {
	c := &clock{t: time.Now()}
	l := newRedisLimiter(t, Rate{Limit: 5, Window: time.Minute}, c)
	key := Key(uuid.New(), "scan")

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(context.Background(), key)
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), allowed.Load())
}

func TestMemory_EvictsIdleKeys(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	l := newMemoryLimiter(t, Rate{Limit: 3, Window: time.Minute}, c)

	for i := 0; i < 50; i++ {
		_, err := l.Allow(ctx, Key(uuid.New(), "/api/v1/assist"))
		require.NoError(t, err)
	}
	assert.Len(t, l.calls, 50)

	c.Advance(2 * time.Minute)
	active := Key(uuid.New(), "/api/v1/assist")
	d, err := l.Allow(ctx, active)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	assert.Len(t, l.calls, 1, "idle keys must be dropped once their window passes")
	assert.Contains(t, l.calls, active)
}

func TestRate_Validate(t *testing.T) {
	_, err := NewMemory(Rate{Limit: 0, Window: time.Second})
	assert.Error(t, err)

	_, err = NewMemory(Rate{Limit: 1})
	assert.Error(t, err)
}
