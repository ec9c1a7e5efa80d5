package cache

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-labs/sluice/internal/adapter/kv"
	"github.com/kestrel-labs/sluice/internal/config"
)

func newTestCache(t *testing.T, l1Size int) (*TwoTierCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	kvClient := kv.NewClient(&config.KVConfig{
		Host:             mr.Host(),
		Port:             port,
		MinConnections:   1,
		MaxConnections:   4,
		DialTimeout:      time.Second,
		OperationTimeout: time.Second,
		BatchSize:        10,
		BatchTimeout:     5 * time.Millisecond,
	}, slog.Default())
	t.Cleanup(func() { _ = kvClient.Close() })

	c, err := NewTwoTierCache(&config.CacheConfig{
		L1MaxSize: l1Size,
		L2TTL:     time.Hour,
	}, kvClient, slog.Default())
	require.NoError(t, err)
	return c, mr
}

func TestSetThenGet(t *testing.T) {
	c, _ := newTestCache(t, 10)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", "Hello world!", time.Hour))

	val, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, "Hello world!", val)
	assert.Equal(t, int64(1), c.Stats().L1Hits)
}

func TestL2WarmsL1(t *testing.T) {
	c, _ := newTestCache(t, 10)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "warm", "value", time.Hour))
	// evict from L1 only, leaving L2 intact
	c.l1.Remove("warm")

	val, ok := c.Get(ctx, "warm")
	require.True(t, ok)
	assert.Equal(t, "value", val)
	assert.Equal(t, int64(1), c.Stats().L2Hits)

	// the second read must be served from L1
	_, ok = c.Get(ctx, "warm")
	require.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().L1Hits)
}

func TestMiss(t *testing.T) {
	c, _ := newTestCache(t, 10)

	_, ok := c.Get(context.Background(), "nothing")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestL1EvictionIsLRU(t *testing.T) {
	c, mr := newTestCache(t, 3)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", "1", time.Hour))
	require.NoError(t, c.Set(ctx, "b", "2", time.Hour))
	require.NoError(t, c.Set(ctx, "c", "3", time.Hour))

	// touch "a" so "b" becomes least recently used
	_, ok := c.Get(ctx, "a")
	require.True(t, ok)

	// drop L2 so L1 state is observable through Get
	mr.FlushAll()

	require.NoError(t, c.Set(ctx, "d", "4", time.Hour))
	mr.FlushAll()

	_, aOK := c.Get(ctx, "a")
	_, bOK := c.Get(ctx, "b")
	_, dOK := c.Get(ctx, "d")
	assert.True(t, aOK, "recently read key must survive eviction")
	assert.False(t, bOK, "least recently used key must be evicted at capacity+1")
	assert.True(t, dOK)
}

func TestBatchGetPartitionsTiers(t *testing.T) {
	c, _ := newTestCache(t, 10)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "l1key", "one", time.Hour))
	require.NoError(t, c.Set(ctx, "l2key", "two", time.Hour))
	c.l1.Remove("l2key")

	got := c.BatchGet(ctx, []string{"l1key", "l2key", "ghost"})
	assert.Equal(t, map[string]string{"l1key": "one", "l2key": "two"}, got)

	// l2key must now be warm in L1
	_, inL1 := c.l1.Peek("l2key")
	assert.True(t, inL1)
}

func TestCorruptedL2PayloadDeleted(t *testing.T) {
	c, mr := newTestCache(t, 10)
	ctx := context.Background()

	require.NoError(t, mr.Set("bad", "{not json"))

	_, ok := c.Get(ctx, "bad")
	assert.False(t, ok)
	// the poisoned key must be gone from L2
	assert.False(t, mr.Exists("bad"))
}

func TestL2FailureDegradesToL1(t *testing.T) {
	c, mr := newTestCache(t, 10)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Hour))
	mr.Close()

	// L1 still serves
	val, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", val)

	// writes log but do not error (l2_required is off)
	assert.NoError(t, c.Set(ctx, "k2", "v2", time.Hour))
	val, ok = c.Get(ctx, "k2")
	require.True(t, ok)
	assert.Equal(t, "v2", val)
	assert.Greater(t, c.Stats().L2Errors, int64(0))
}

func TestGetOrCompute(t *testing.T) {
	c, _ := newTestCache(t, 10)
	ctx := context.Background()

	calls := 0
	producer := func(context.Context) (string, error) {
		calls++
		return "computed", nil
	}

	val, err := c.GetOrCompute(ctx, "gc", time.Hour, producer)
	require.NoError(t, err)
	assert.Equal(t, "computed", val)

	val, err = c.GetOrCompute(ctx, "gc", time.Hour, producer)
	require.NoError(t, err)
	assert.Equal(t, "computed", val)
	assert.Equal(t, 1, calls, "producer must run once")

	wantErr := errors.New("producer exploded")
	_, err = c.GetOrCompute(ctx, "gc2", time.Hour, func(context.Context) (string, error) {
		return "", wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	_, ok := c.Get(ctx, "gc2")
	assert.False(t, ok, "failed compute must not be cached")
}

func TestDelete(t *testing.T) {
	c, mr := newTestCache(t, 10)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "gone", "soon", time.Hour))
	require.NoError(t, c.Delete(ctx, "gone"))

	_, ok := c.Get(ctx, "gone")
	assert.False(t, ok)
	assert.False(t, mr.Exists("gone"))
}

func TestL2TTLApplied(t *testing.T) {
	c, mr := newTestCache(t, 10)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "ttl", "v", time.Minute))
	ttl := mr.TTL("ttl")
	assert.Equal(t, time.Minute, ttl)
}
