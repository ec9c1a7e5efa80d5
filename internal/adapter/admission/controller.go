package admission

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/kestrel-labs/sluice/internal/adapter/kv"
	"github.com/kestrel-labs/sluice/internal/config"
	"github.com/kestrel-labs/sluice/internal/core/constants"
	"github.com/kestrel-labs/sluice/internal/core/domain"
	"github.com/kestrel-labs/sluice/internal/core/ports"
)

// Controller implements slot-based admission over the shared KV store: a
// global counter, a per-user counter and a set of live thread ids, all moved
// together inside one critical section per acquire/release.
//
// When the KV store is unreachable the controller degrades to local-process
// counters: correctness is kept for this process, cross-instance coordination
// is lost until the store returns. Degraded state is visible in Stats.
type Controller struct {
	kvClient   *kv.Client
	logger     *slog.Logger
	maxTotal   int64
	maxPerUser int64

	// the critical section covers both the KV read-check-update sequence and
	// the local fallback counters, so a plain map suffices here
	mu           sync.Mutex
	degraded     bool
	localTotal   int64
	localPerUser map[string]int64
	localThreads map[string]string // thread id -> user id
}

var _ ports.AdmissionController = (*Controller)(nil)

func NewController(cfg *config.PoolConfig, kvClient *kv.Client, logger *slog.Logger) *Controller {
	return &Controller{
		kvClient:     kvClient,
		logger:       logger,
		maxTotal:     int64(cfg.MaxConcurrentConnections),
		maxPerUser:   int64(cfg.MaxConnectionsPerUser),
		localPerUser: make(map[string]int64),
		localThreads: make(map[string]string),
	}
}

// Acquire takes one slot for the (user, thread) pair. Denials are verdicts,
// not errors: the pipeline turns them into queue-failover.
func (c *Controller) Acquire(ctx context.Context, userID, threadID string) (domain.AdmissionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, err := c.acquireDistributed(ctx, userID, threadID)
	if err == nil {
		return result, nil
	}

	if !c.degraded {
		c.logger.Warn("admission falling back to local counters", "error", err)
		c.degraded = true
	}
	return c.acquireLocal(userID, threadID), nil
}

func (c *Controller) acquireDistributed(ctx context.Context, userID, threadID string) (domain.AdmissionResult, error) {
	rdb := c.kvClient.Raw()
	userKey := constants.KeyPoolUserPrefix + userID

	total, err := readCounter(ctx, rdb, constants.KeyPoolTotal)
	if err != nil {
		return domain.AdmissionExhausted, err
	}
	if total >= c.maxTotal {
		return domain.AdmissionExhausted, nil
	}

	perUser, err := readCounter(ctx, rdb, userKey)
	if err != nil {
		return domain.AdmissionExhausted, err
	}
	if perUser >= c.maxPerUser {
		return domain.AdmissionUserLimit, nil
	}

	pipe := rdb.Pipeline()
	pipe.Incr(ctx, constants.KeyPoolTotal)
	pipe.Incr(ctx, userKey)
	pipe.SAdd(ctx, constants.KeyPoolConnections, threadID)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.AdmissionExhausted, err
	}
	return domain.AdmissionGranted, nil
}

func (c *Controller) acquireLocal(userID, threadID string) domain.AdmissionResult {
	if c.localTotal >= c.maxTotal {
		return domain.AdmissionExhausted
	}
	if c.localPerUser[userID] >= c.maxPerUser {
		return domain.AdmissionUserLimit
	}
	c.localTotal++
	c.localPerUser[userID]++
	c.localThreads[threadID] = userID
	return domain.AdmissionGranted
}

// Release gives the slot back. Counters that would go negative clamp at zero
// and log; a symptom of a double release or lost state, not a reason to fail
// the caller.
func (c *Controller) Release(ctx context.Context, userID, threadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.degraded {
		c.releaseLocal(userID, threadID)
		// opportunistically try the KV store again; recovery flips us back
		if err := c.releaseDistributed(ctx, userID, threadID); err == nil {
			c.degraded = false
		}
		return nil
	}

	if err := c.releaseDistributed(ctx, userID, threadID); err != nil {
		c.logger.Warn("admission release falling back to local counters", "error", err)
		c.degraded = true
		c.releaseLocal(userID, threadID)
	}
	return nil
}

func (c *Controller) releaseDistributed(ctx context.Context, userID, threadID string) error {
	rdb := c.kvClient.Raw()
	userKey := constants.KeyPoolUserPrefix + userID

	total, err := rdb.Decr(ctx, constants.KeyPoolTotal).Result()
	if err != nil {
		return err
	}
	if total < 0 {
		c.logger.Warn("pool total decremented past zero, clamping", "total", total)
		_ = rdb.Set(ctx, constants.KeyPoolTotal, "0", 0).Err()
	}

	perUser, err := rdb.Decr(ctx, userKey).Result()
	if err != nil {
		return err
	}
	if perUser <= 0 {
		if perUser < 0 {
			c.logger.Warn("per-user count decremented past zero, clamping", "user", userID, "count", perUser)
		}
		_ = rdb.Del(ctx, userKey).Err()
	}

	return rdb.SRem(ctx, constants.KeyPoolConnections, threadID).Err()
}

func (c *Controller) releaseLocal(userID, threadID string) {
	if c.localTotal > 0 {
		c.localTotal--
	} else {
		c.logger.Warn("local pool total decremented past zero, clamping")
	}
	if n := c.localPerUser[userID]; n > 1 {
		c.localPerUser[userID] = n - 1
	} else {
		delete(c.localPerUser, userID)
	}
	delete(c.localThreads, threadID)
}

// Stats snapshots utilisation for the health endpoint and load shedder.
func (c *Controller) Stats(ctx context.Context) domain.PoolStats {
	c.mu.Lock()
	degraded := c.degraded
	localTotal := c.localTotal
	localUsers := len(c.localPerUser)
	c.mu.Unlock()

	stats := domain.PoolStats{
		Capacity:   c.maxTotal,
		PerUserMax: c.maxPerUser,
		Degraded:   degraded,
	}

	if degraded {
		stats.Total = localTotal
		stats.ActiveUsers = localUsers
	} else {
		rdb := c.kvClient.Raw()
		if total, err := readCounter(ctx, rdb, constants.KeyPoolTotal); err == nil {
			stats.Total = total
		}
		if n, err := rdb.SCard(ctx, constants.KeyPoolConnections).Result(); err == nil && n > 0 {
			// live thread count approximates active users no worse than a
			// keyspace scan and avoids KEYS on the hot path
			stats.ActiveUsers = int(n)
		}
	}

	if stats.Capacity > 0 {
		stats.Utilisation = float64(stats.Total) / float64(stats.Capacity)
	}
	stats.Health = healthFor(stats.Utilisation)
	return stats
}

func healthFor(utilisation float64) domain.PoolHealth {
	switch {
	case utilisation >= 1.0:
		return domain.PoolExhausted
	case utilisation >= constants.PoolCriticalThreshold:
		return domain.PoolCritical
	case utilisation >= constants.PoolDegradedThreshold:
		return domain.PoolDegraded
	default:
		return domain.PoolHealthy
	}
}

func readCounter(ctx context.Context, rdb *redis.Client, key string) (int64, error) {
	val, err := rdb.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return val, nil
}
