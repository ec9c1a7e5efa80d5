package breaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kestrel-labs/sluice/internal/config"
	"github.com/kestrel-labs/sluice/internal/core/domain"
	"github.com/kestrel-labs/sluice/internal/util"
)

// Resilient wraps calls to an upstream with the circuit breaker and
// exponential-backoff retries. Retries are attempted only for network-level
// and timeout failures; provider 4xx responses and open circuits fail
// immediately. This is the single retry layer in the gateway.
type Resilient struct {
	breaker    *DistributedBreaker
	logger     *slog.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	jitter     float64
}

func NewResilient(cfg *config.RetryConfig, b *DistributedBreaker, logger *slog.Logger) *Resilient {
	return &Resilient{
		breaker:    b,
		logger:     logger,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		jitter:     cfg.Jitter,
	}
}

// Execute runs fn against the named upstream. The circuit is consulted once
// up front; success and final failure are recorded exactly once.
func (r *Resilient) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	if !r.breaker.ShouldAllowRequest(ctx, name) {
		return domain.ErrCircuitOpen
	}

	// state writes use a detached context: the caller hanging up must not
	// stop the shared circuit record from being updated
	var lastErr error
	for attempt := 1; attempt <= r.maxRetries+1; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			r.breaker.RecordSuccess(context.WithoutCancel(ctx), name)
			return nil
		}

		if !domain.IsRetryable(lastErr) || attempt > r.maxRetries {
			break
		}

		delay := util.CalculateExponentialBackoff(attempt, r.baseDelay, r.maxDelay, r.jitter)
		r.logger.Debug("retrying upstream call",
			"upstream", name, "attempt", attempt, "delay", delay, "error", lastErr)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			if !errors.Is(ctx.Err(), context.Canceled) {
				r.breaker.RecordFailure(context.WithoutCancel(ctx), name)
			}
			return ctx.Err()
		}
	}

	// the client giving up says nothing about the upstream's health
	if errors.Is(lastErr, context.Canceled) {
		return lastErr
	}
	r.breaker.RecordFailure(context.WithoutCancel(ctx), name)
	return lastErr
}
