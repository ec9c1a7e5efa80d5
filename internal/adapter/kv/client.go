package kv

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kestrel-labs/sluice/internal/config"
)

// Client wraps the pooled KV connection shared by every distributed concern:
// L2 cache, circuit breaker state, admission counters, the stream bus and the
// per-request result channels. It is created once at startup and closed once
// at shutdown.
type Client struct {
	rdb      *redis.Client
	batcher  *Batcher
	logger   *slog.Logger
	healthy  atomic.Bool
	stopPing chan struct{}
}

func NewClient(cfg *config.KVConfig, logger *slog.Logger) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.GetAddress(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		MinIdleConns: cfg.MinConnections,
		PoolSize:     cfg.MaxConnections,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.OperationTimeout,
		WriteTimeout: cfg.OperationTimeout,
	})

	c := &Client{
		rdb:      rdb,
		logger:   logger,
		stopPing: make(chan struct{}),
	}
	c.healthy.Store(true)
	c.batcher = NewBatcher(rdb, cfg.BatchSize, cfg.BatchTimeout, logger)

	if cfg.HealthCheckInterval > 0 {
		go c.healthCheckLoop(cfg.HealthCheckInterval, cfg.OperationTimeout)
	}

	return c
}

// Raw exposes the underlying client for adapters that need direct command
// access (streams, pub/sub, pipelines).
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

// Batch exposes the auto-batching pipeliner.
func (c *Client) Batch() *Batcher {
	return c.batcher
}

// Healthy reports the result of the most recent health check ping.
func (c *Client) Healthy() bool {
	return c.healthy.Load()
}

func (c *Client) healthCheckLoop(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopPing:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			err := c.rdb.Ping(ctx).Err()
			cancel()

			wasHealthy := c.healthy.Swap(err == nil)
			if err != nil && wasHealthy {
				c.logger.Warn("kv store unreachable, degrading distributed coordination", "error", err)
			} else if err == nil && !wasHealthy {
				c.logger.Info("kv store reachable again")
			}
		}
	}
}

// Publish sends a message on a pub/sub channel.
func (c *Client) Publish(ctx context.Context, channel, message string) error {
	return c.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe opens a subscription on the given channel. The caller owns the
// returned subscription and must Close it.
func (c *Client) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channel)
}

func (c *Client) Close() error {
	close(c.stopPing)
	c.batcher.Close()
	return c.rdb.Close()
}
