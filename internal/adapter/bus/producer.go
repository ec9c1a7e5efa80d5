package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrel-labs/sluice/internal/config"
	"github.com/kestrel-labs/sluice/internal/core/domain"
	"github.com/kestrel-labs/sluice/internal/core/ports"
	"github.com/kestrel-labs/sluice/internal/util"
)

// Producer wraps a MessageBus with backpressure and optional load shedding.
// Past the soft watermark (threshold x max depth) it backs off and re-checks;
// at the hard cap after retries the enqueue is rejected with ErrQueueFull so
// the caller can surface SERVICE_OVERLOADED instead of growing the queue
// without bound.
type Producer struct {
	bus     ports.MessageBus
	logger  *slog.Logger
	shedder *tokenBucket

	maxDepth   int64
	softLimit  int64
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewProducer(cfg *config.QueueConfig, bus ports.MessageBus, logger *slog.Logger) *Producer {
	p := &Producer{
		bus:        bus,
		logger:     logger,
		maxDepth:   cfg.MaxDepth,
		softLimit:  int64(float64(cfg.MaxDepth) * cfg.BackpressureThreshold),
		maxRetries: cfg.BackpressureMaxRetries,
		baseDelay:  cfg.BackpressureBaseDelay,
		maxDelay:   cfg.BackpressureMaxDelay,
	}
	if cfg.ShedRatePerSecond > 0 {
		p.shedder = newTokenBucket(cfg.ShedRatePerSecond)
	}
	return p
}

// Publish enqueues one payload, waiting out transient backpressure. A Depth
// probe failure is not fatal: the enqueue proceeds rather than dropping work
// because the depth was unreadable.
func (p *Producer) Publish(ctx context.Context, payload []byte) (string, error) {
	if p.shedder != nil && !p.shedder.allow() {
		return "", domain.ErrQueueFull
	}

	for attempt := 0; ; attempt++ {
		depth, err := p.bus.Depth(ctx)
		if err != nil {
			p.logger.Warn("queue depth unavailable, producing anyway", "error", err)
			break
		}
		if depth < p.softLimit {
			break
		}
		if attempt >= p.maxRetries {
			if depth >= p.maxDepth {
				return "", domain.ErrQueueFull
			}
			// soft watermark held through all retries but the hard cap has
			// room, let the message through
			break
		}

		delay := util.CalculateExponentialBackoff(attempt+1, p.baseDelay, p.maxDelay, 0.2)
		p.logger.Debug("queue backpressure, backing off",
			"depth", depth, "soft_limit", p.softLimit, "attempt", attempt+1, "delay", delay)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}

	return p.bus.Produce(ctx, payload)
}

// tokenBucket is a minimal refill-on-demand limiter for load shedding. One
// bucket per producer; capacity equals one second of tokens.
type tokenBucket struct {
	mu     sync.Mutex
	tokens float64
	rate   float64
	last   time.Time
}

func newTokenBucket(perSecond int) *tokenBucket {
	return &tokenBucket{
		tokens: float64(perSecond),
		rate:   float64(perSecond),
		last:   time.Now(),
	}
}

func (t *tokenBucket) allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.tokens += now.Sub(t.last).Seconds() * t.rate
	if t.tokens > t.rate {
		t.tokens = t.rate
	}
	t.last = now

	if t.tokens < 1 {
		return false
	}
	t.tokens--
	return true
}
