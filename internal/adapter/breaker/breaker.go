package breaker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kestrel-labs/sluice/internal/adapter/kv"
	"github.com/kestrel-labs/sluice/internal/config"
	"github.com/kestrel-labs/sluice/internal/core/constants"
	"github.com/kestrel-labs/sluice/internal/core/domain"
)

// DistributedBreaker keeps per-upstream circuit state in the shared KV store
// so every instance sees the same view of provider health. Three keys per
// upstream: state, failures, last_failure_time (unix nanos).
//
// HALF_OPEN is virtual: once the recovery timeout has elapsed the next
// admission check lets a single probe through without changing the stored
// state; the probe's outcome decides whether the circuit closes or stays open
// for another recovery period.
type DistributedBreaker struct {
	kvClient         *kv.Client
	logger           *slog.Logger
	failureThreshold int64
	recoveryTimeout  time.Duration
	probeStagger     float64
}

func NewDistributedBreaker(cfg *config.BreakerConfig, kvClient *kv.Client, logger *slog.Logger) *DistributedBreaker {
	return &DistributedBreaker{
		kvClient:         kvClient,
		logger:           logger,
		failureThreshold: int64(cfg.FailureThreshold),
		recoveryTimeout:  cfg.RecoveryTimeout,
		probeStagger:     cfg.ProbeStagger,
	}
}

func (b *DistributedBreaker) stateKey(name string) string {
	return constants.KeyPrefixCircuit + name + ":" + constants.CircuitSuffixState
}

func (b *DistributedBreaker) failuresKey(name string) string {
	return constants.KeyPrefixCircuit + name + ":" + constants.CircuitSuffixFailures
}

func (b *DistributedBreaker) lastFailureKey(name string) string {
	return constants.KeyPrefixCircuit + name + ":" + constants.CircuitSuffixLastFailure
}

// ShouldAllowRequest reports whether a call to the named upstream may
// proceed. Fails open when the KV store is unreachable so a KV outage cannot
// take the whole gateway down with it.
func (b *DistributedBreaker) ShouldAllowRequest(ctx context.Context, name string) bool {
	state, err := b.kvClient.Raw().Get(ctx, b.stateKey(name)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			b.logger.Warn("circuit state unreadable, failing open", "upstream", name, "error", err)
		}
		return true
	}

	if domain.CircuitState(state) != domain.CircuitOpen {
		return true
	}

	lastFailure, err := b.lastFailureTime(ctx, name)
	if err != nil {
		b.logger.Warn("circuit last_failure_time unreadable, failing open", "upstream", name, "error", err)
		return true
	}

	// a randomised stagger on the probe window blunts the thundering herd
	// when many instances notice recovery at once
	window := b.recoveryTimeout
	if b.probeStagger > 0 {
		window += time.Duration(rand.Float64() * b.probeStagger * float64(b.recoveryTimeout))
	}
	return time.Since(lastFailure) > window
}

// RecordSuccess closes the circuit and resets the failure count. Called after
// a successful request, including a successful half-open probe.
func (b *DistributedBreaker) RecordSuccess(ctx context.Context, name string) {
	pipe := b.kvClient.Raw().Pipeline()
	pipe.Set(ctx, b.stateKey(name), string(domain.CircuitClosed), 0)
	pipe.Set(ctx, b.failuresKey(name), "0", 0)
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Warn("failed to record circuit success", "upstream", name, "error", err)
	}
}

// RecordFailure bumps the failure counter and opens the circuit once the
// threshold is reached. A failure while already OPEN is a failed probe: the
// recovery clock restarts but the counter does not grow the window.
func (b *DistributedBreaker) RecordFailure(ctx context.Context, name string) {
	rdb := b.kvClient.Raw()
	now := strconv.FormatInt(time.Now().UnixNano(), 10)

	state, err := rdb.Get(ctx, b.stateKey(name)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		b.logger.Warn("failed to read circuit state while recording failure", "upstream", name, "error", err)
		return
	}

	if domain.CircuitState(state) == domain.CircuitOpen {
		// failed probe: stay open for another recovery window
		if err := rdb.Set(ctx, b.lastFailureKey(name), now, 0).Err(); err != nil {
			b.logger.Warn("failed to restart circuit recovery clock", "upstream", name, "error", err)
		}
		return
	}

	failures, err := rdb.Incr(ctx, b.failuresKey(name)).Result()
	if err != nil {
		b.logger.Warn("failed to record circuit failure", "upstream", name, "error", err)
		return
	}

	if failures >= b.failureThreshold {
		pipe := rdb.Pipeline()
		pipe.Set(ctx, b.stateKey(name), string(domain.CircuitOpen), 0)
		pipe.Set(ctx, b.lastFailureKey(name), now, 0)
		if _, err := pipe.Exec(ctx); err != nil {
			b.logger.Warn("failed to open circuit", "upstream", name, "error", err)
			return
		}
		b.logger.Warn("circuit opened", "upstream", name, "failures", failures)
	}
}

// Record returns the stored view of one upstream's circuit for the admin
// endpoint. Unset keys read as a closed, never-failed circuit.
func (b *DistributedBreaker) Record(ctx context.Context, name string) (domain.CircuitBreakerRecord, error) {
	rdb := b.kvClient.Raw()
	vals, err := rdb.MGet(ctx, b.stateKey(name), b.failuresKey(name), b.lastFailureKey(name)).Result()
	if err != nil {
		return domain.CircuitBreakerRecord{}, err
	}

	rec := domain.CircuitBreakerRecord{Name: name, State: domain.CircuitClosed}
	if s, ok := vals[0].(string); ok && s != "" {
		rec.State = domain.CircuitState(s)
	}
	if f, ok := vals[1].(string); ok {
		rec.Failures, _ = strconv.ParseInt(f, 10, 64)
	}
	if lf, ok := vals[2].(string); ok {
		if nanos, perr := strconv.ParseInt(lf, 10, 64); perr == nil {
			rec.LastFailure = time.Unix(0, nanos)
		}
	}

	// surface the virtual half-open window to operators
	if rec.State == domain.CircuitOpen && !rec.LastFailure.IsZero() &&
		time.Since(rec.LastFailure) > b.recoveryTimeout {
		rec.State = domain.CircuitHalfOpen
	}
	return rec, nil
}

func (b *DistributedBreaker) lastFailureTime(ctx context.Context, name string) (time.Time, error) {
	raw, err := b.kvClient.Raw().Get(ctx, b.lastFailureKey(name)).Result()
	if err != nil {
		return time.Time{}, err
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, nanos), nil
}
