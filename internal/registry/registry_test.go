package registry

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"traffic-prism/internal/client"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// backends returns every registry implementation available to this run.
// The Redis backend needs TEST_REDIS_URL.
func backends(t *testing.T) map[string]Registry {
	t.Helper()
	out := map[string]Registry{"memory": NewMemory(4, time.Hour)}

	if url := os.Getenv("TEST_REDIS_URL"); url != "" {
		opts, err := redis.ParseURL(url)
		require.NoError(t, err)
		rc := &client.RedisClient{Client: redis.NewClient(opts)}
		t.Cleanup(func() { _ = rc.Client.Close() })
		prefix := "test:" + uuid.NewString() + ":"
		out["redis"] = NewRedis(rc, prefix, time.Hour, time.Hour)
	}
	return out
}

func TestRegistry_TouchAndGet(t *testing.T) {
	for name, reg := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := reg.Touch(ctx, "s1", "shop.example", t0)
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = reg.Touch(ctx, "s1", "", t0.Add(time.Minute))
			require.NoError(t, err)
			require.True(t, ok)

			e, err := reg.Get(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "shop.example", e.Hostname)
			assert.True(t, e.LastSeen.Equal(t0.Add(time.Minute)))
			assert.Equal(t, StateTracked, e.State)

			_, err = reg.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRegistry_RefreshNeverMovesBackwards(t *testing.T) {
	for name, reg := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = reg.Touch(ctx, "s1", "shop.example", t0.Add(time.Minute))
			_, _ = reg.Touch(ctx, "s1", "shop.example", t0)

			e, err := reg.Get(ctx, "s1")
			require.NoError(t, err)
			assert.True(t, e.LastSeen.Equal(t0.Add(time.Minute)))
		})
	}
}

func TestRegistry_RemoveIsFinal(t *testing.T) {
	for name, reg := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = reg.Touch(ctx, "s1", "shop.example", t0)

			removed, err := reg.Remove(ctx, "s1")
			require.NoError(t, err)
			assert.True(t, removed)

			ok, err := reg.Touch(ctx, "s1", "shop.example", t0.Add(time.Second))
			require.NoError(t, err)
			assert.False(t, ok, "terminated session must not be resurrected")

			_, err = reg.Get(ctx, "s1")
			assert.ErrorIs(t, err, ErrNotFound)

			removed, err = reg.Remove(ctx, "s1")
			require.NoError(t, err)
			assert.False(t, removed)
		})
	}
}

func TestRegistry_SetState(t *testing.T) {
	for name, reg := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = reg.Touch(ctx, "s1", "shop.example", t0)

			require.NoError(t, reg.SetState(ctx, "s1", StateCaptchaPending))
			e, err := reg.Get(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, StateCaptchaPending, e.State)

			assert.ErrorIs(t, reg.SetState(ctx, "nope", StateCaptchaPending), ErrNotFound)
		})
	}
}

func TestRegistry_ExpireAndList(t *testing.T) {
	for name, reg := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = reg.Touch(ctx, "old", "shop.example", t0)
			_, _ = reg.Touch(ctx, "fresh", "shop.example", t0.Add(20*time.Minute))

			expired, err := reg.Expire(ctx, t0.Add(5*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, []string{"old"}, expired)

			entries, err := reg.List(ctx)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, "fresh", entries[0].SessionID)

			n, err := reg.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			// expiry is not termination
			ok, err := reg.Touch(ctx, "old", "shop.example", t0.Add(30*time.Minute))
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestMemory_ConcurrentTouchAndRemove(t *testing.T) {
	reg := NewMemory(8, 0)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, _ = reg.Touch(ctx, fmt.Sprintf("s%d", i), "shop.example", t0)
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("s%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = reg.Remove(ctx, id)
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, _ = reg.Touch(ctx, id, "shop.example", t0.Add(time.Duration(j)*time.Second))
			}
		}()
	}
	wg.Wait()

	n, err := reg.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "every removed session stays removed")
}

func TestMemory_TombstonesAgeOut(t *testing.T) {
	reg := NewMemory(1, time.Hour)
	now := t0
	reg.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = reg.Touch(ctx, "s1", "shop.example", t0)
	_, _ = reg.Remove(ctx, "s1")

	now = t0.Add(2 * time.Hour)
	_, err := reg.Expire(ctx, now)
	require.NoError(t, err)

	ok, err := reg.Touch(ctx, "s1", "shop.example", now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestShardIndex_Stable(t *testing.T) {
	for _, id := range []string{"a", "session-123", uuid.NewString()} {
		i := ShardIndex(id, 16)
		assert.GreaterOrEqual(t, i, 0)
		assert.Less(t, i, 16)
		assert.Equal(t, i, ShardIndex(id, 16))
	}
}

func TestSweeper_Sweep(t *testing.T) {
	reg := NewMemory(2, 0)
	ctx := context.Background()
	_, _ = reg.Touch(ctx, "idle", "shop.example", t0)
	_, _ = reg.Touch(ctx, "active", "shop.example", t0.Add(14*time.Minute))

	sw := NewSweeper(reg, 15*time.Minute, time.Minute, zap.NewNop())
	sw.now = func() time.Time { return t0.Add(16 * time.Minute) }

	assert.Equal(t, []string{"idle"}, sw.Sweep(ctx))
	_, err := reg.Get(ctx, "active")
	assert.NoError(t, err)
}
