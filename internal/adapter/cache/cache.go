package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kestrel-labs/sluice/internal/adapter/kv"
	"github.com/kestrel-labs/sluice/internal/config"
	"github.com/kestrel-labs/sluice/internal/core/ports"
)

// entry is the L2 wire form. The envelope lets us detect corrupted payloads
// and carry the write time for observability.
type entry struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TwoTierCache layers a bounded in-process LRU (L1) over the shared KV store
// (L2). Reads warm L1 from L2; writes go through both tiers. L2 failures
// degrade the call to L1-only and are logged, never surfaced to the caller
// unless l2Required is set.
type TwoTierCache struct {
	l1         *lru.Cache[string, string]
	kvClient   *kv.Client
	logger     *slog.Logger
	l2TTL      time.Duration
	l2Required bool

	l1Hits   atomic.Int64
	l2Hits   atomic.Int64
	misses   atomic.Int64
	l2Errors atomic.Int64
}

var _ ports.CacheStore = (*TwoTierCache)(nil)

func NewTwoTierCache(cfg *config.CacheConfig, kvClient *kv.Client, logger *slog.Logger) (*TwoTierCache, error) {
	l1, err := lru.New[string, string](cfg.L1MaxSize)
	if err != nil {
		return nil, err
	}
	return &TwoTierCache{
		l1:         l1,
		kvClient:   kvClient,
		logger:     logger,
		l2TTL:      cfg.L2TTL,
		l2Required: cfg.L2Required,
	}, nil
}

// Get probes L1 first, then L2. An L2 hit is warmed into L1 before returning.
func (c *TwoTierCache) Get(ctx context.Context, key string) (string, bool) {
	if val, ok := c.l1.Get(key); ok {
		c.l1Hits.Add(1)
		return val, true
	}

	raw, err := c.kvClient.Batch().Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.l2Errors.Add(1)
			c.logger.Warn("l2 cache read failed, degrading to l1 only", "key", key, "error", err)
		}
		c.misses.Add(1)
		return "", false
	}

	content, ok := c.decode(ctx, key, raw)
	if !ok {
		c.misses.Add(1)
		return "", false
	}

	c.l1.Add(key, content)
	c.l2Hits.Add(1)
	return content, true
}

// Set writes through both tiers. L1 may evict one entry; the L2 write is
// best-effort unless l2Required is configured.
func (c *TwoTierCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.l1.Add(key, value)

	if ttl <= 0 {
		ttl = c.l2TTL
	}
	raw, err := json.Marshal(entry{Content: value, CreatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	if err := c.kvClient.Raw().Set(ctx, key, raw, ttl).Err(); err != nil {
		c.l2Errors.Add(1)
		c.logger.Warn("l2 cache write failed", "key", key, "error", err)
		if c.l2Required {
			return err
		}
	}
	return nil
}

// GetOrCompute performs read-through with the supplied producer. The producer
// result is stored before being returned; producer errors pass through
// unstored.
func (c *TwoTierCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (string, error)) (string, error) {
	if val, ok := c.Get(ctx, key); ok {
		return val, nil
	}
	val, err := fn(ctx)
	if err != nil {
		return "", err
	}
	if err := c.Set(ctx, key, val, ttl); err != nil {
		return val, err
	}
	return val, nil
}

// BatchGet partitions keys into L1 hits and misses, then fetches all misses
// from L2 in one pipelined round trip. L2 hits are warmed into L1. Missing
// keys are absent from the result map.
func (c *TwoTierCache) BatchGet(ctx context.Context, keys []string) map[string]string {
	result := make(map[string]string, len(keys))
	var l2Keys []string

	for _, key := range keys {
		if val, ok := c.l1.Get(key); ok {
			c.l1Hits.Add(1)
			result[key] = val
		} else {
			l2Keys = append(l2Keys, key)
		}
	}

	if len(l2Keys) == 0 {
		return result
	}

	pipe := c.kvClient.Raw().Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(l2Keys))
	for _, key := range l2Keys {
		cmds[key] = pipe.Get(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		c.l2Errors.Add(1)
		c.logger.Warn("l2 cache batch read failed", "keys", len(l2Keys), "error", err)
	}

	for key, cmd := range cmds {
		raw, err := cmd.Result()
		if err != nil {
			c.misses.Add(1)
			continue
		}
		if content, ok := c.decode(ctx, key, raw); ok {
			c.l1.Add(key, content)
			c.l2Hits.Add(1)
			result[key] = content
		} else {
			c.misses.Add(1)
		}
	}
	return result
}

// Delete removes the key from both tiers.
func (c *TwoTierCache) Delete(ctx context.Context, key string) error {
	c.l1.Remove(key)
	if err := c.kvClient.Raw().Del(ctx, key).Err(); err != nil {
		c.l2Errors.Add(1)
		return err
	}
	return nil
}

// decode unwraps an L2 payload. A corrupted payload is treated as a miss and
// the key is dropped from L2 so it cannot poison future reads.
func (c *TwoTierCache) decode(ctx context.Context, key, raw string) (string, bool) {
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		c.logger.Warn("corrupted l2 cache payload, deleting key", "key", key, "error", err)
		_ = c.kvClient.Raw().Del(ctx, key).Err()
		return "", false
	}
	return e.Content, true
}

func (c *TwoTierCache) Stats() ports.CacheStats {
	return ports.CacheStats{
		L1Hits:   c.l1Hits.Load(),
		L2Hits:   c.l2Hits.Load(),
		Misses:   c.misses.Load(),
		L2Errors: c.l2Errors.Load(),
		L1Size:   c.l1.Len(),
	}
}
