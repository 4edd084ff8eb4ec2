package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestMemoryCacheExpiry(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	mc := NewMemoryCache(WithMemoryClock(clk.now))
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "symbols", []string{"AAPL", "MSFT"}, time.Minute))

	var got []string
	require.NoError(t, mc.Get(ctx, "symbols", &got))
	assert.Equal(t, []string{"AAPL", "MSFT"}, got)

	clk.t = clk.t.Add(time.Minute)
	assert.ErrorIs(t, mc.Get(ctx, "symbols", &got), ErrCacheMiss)
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	mc := NewMemoryCache(WithMemoryMaxSize(2), WithMemoryClock(clk.now))
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "a", 1, 0))
	clk.t = clk.t.Add(time.Second)
	require.NoError(t, mc.Set(ctx, "b", 2, 0))
	clk.t = clk.t.Add(time.Second)

	var v int
	require.NoError(t, mc.Get(ctx, "a", &v))
	clk.t = clk.t.Add(time.Second)
	require.NoError(t, mc.Set(ctx, "c", 3, 0))

	assert.Equal(t, 2, mc.Len())
	assert.ErrorIs(t, mc.Get(ctx, "b", &v), ErrCacheMiss)
	require.NoError(t, mc.Get(ctx, "a", &v))
	assert.Equal(t, 1, v)
}

func TestMemoryCacheLock(t *testing.T) {
	mc := NewMemoryCache()
	ctx := context.Background()

	ok, err := mc.TryLock(ctx, "cycle", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = mc.TryLock(ctx, "cycle", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mc.Unlock(ctx, "cycle"))
	ok, err = mc.TryLock(ctx, "cycle", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisAndLayeredCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rc := NewRedisCacheFromClient(client, "test")
	lc := NewLayeredCache(rc, time.Minute)
	ctx := context.Background()

	require.NoError(t, lc.Set(ctx, "tf:AAPL", []string{"1h", "1d"}, time.Hour))
	assert.True(t, mr.Exists("test:tf:AAPL"))

	var got []string
	require.NoError(t, rc.Get(ctx, "tf:AAPL", &got))
	assert.Equal(t, []string{"1h", "1d"}, got)

	require.NoError(t, lc.Delete(ctx, "tf:AAPL"))
	assert.ErrorIs(t, lc.Get(ctx, "tf:AAPL", &got), ErrCacheMiss)

	ok, err := lc.TryLock(ctx, "lock", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = rc.TryLock(ctx, "lock", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetOrLoad(t *testing.T) {
	mc := NewMemoryCache()
	ctx := context.Background()
	calls := 0
	load := func(context.Context) ([]string, error) {
		calls++
		return []string{"AAPL"}, nil
	}

	for i := 0; i < 3; i++ {
		v, err := GetOrLoad(ctx, mc, "symbols", time.Minute, load)
		require.NoError(t, err)
		assert.Equal(t, []string{"AAPL"}, v)
	}
	assert.Equal(t, 1, calls)

	_, err := GetOrLoad(ctx, mc, "other", time.Minute, func(context.Context) (int, error) {
		return 0, errors.New("db down")
	})
	assert.Error(t, err)
	assert.Equal(t, "symbols:x", GenerateKey("symbols", "x"))
}
