package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-labs/sluice/internal/config"
	"github.com/kestrel-labs/sluice/internal/core/constants"
	"github.com/kestrel-labs/sluice/internal/util"
)

// RateLimiter enforces per-IP token buckets at the HTTP edge. This runs in
// front of the admission controller and answers a different question: the
// pool counts concurrent streams, this counts request arrival rate. Premium
// users (X-Premium-User header) draw from a larger bucket.
type RateLimiter struct {
	logger *slog.Logger

	perIPRequestsPerMinute   int
	premiumRequestsPerMinute int
	healthRequestsPerMinute  int
	burstSize                int
	trustProxyHeaders        bool
	trustedCIDRs             []*net.IPNet

	ipBuckets     sync.Map
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

type ipBucket struct {
	tokens     int64
	lastRefill int64
	lastAccess int64
}

type rateLimitResult struct {
	resetTime  time.Time
	allowed    bool
	retryAfter int
	limit      int
	remaining  int
}

func NewRateLimiter(limits config.ServerRateLimits, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		logger:                   logger,
		perIPRequestsPerMinute:   limits.PerIPRequestsPerMinute,
		premiumRequestsPerMinute: limits.PremiumRequestsPerMinute,
		healthRequestsPerMinute:  limits.HealthRequestsPerMinute,
		burstSize:                limits.BurstSize,
		trustProxyHeaders:        limits.TrustProxyHeaders,
		trustedCIDRs:             limits.TrustedProxyCIDRsParsed,
		stopCleanup:              make(chan struct{}),
	}

	if limits.CleanupInterval > 0 {
		rl.cleanupTicker = time.NewTicker(limits.CleanupInterval)
		go rl.cleanupRoutine(limits.CleanupInterval)
	}

	return rl
}

func (rl *RateLimiter) Stop() {
	if rl.cleanupTicker != nil {
		rl.cleanupTicker.Stop()
	}
	close(rl.stopCleanup)
}

// Middleware wraps a handler with the appropriate bucket for the endpoint
// class.
func (rl *RateLimiter) Middleware(isHealthEndpoint bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := util.GetClientIP(r, rl.trustProxyHeaders, rl.trustedCIDRs)

			var limit int
			bucketSuffix := ""
			switch {
			case isHealthEndpoint:
				limit = rl.healthRequestsPerMinute
				bucketSuffix = ":health"
			case r.Header.Get(constants.HeaderPremiumUser) != "" && rl.premiumRequestsPerMinute > 0:
				limit = rl.premiumRequestsPerMinute
				bucketSuffix = ":premium"
			default:
				limit = rl.perIPRequestsPerMinute
			}

			result := rl.checkIPLimit(clientIP+bucketSuffix, limit)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.resetTime.Unix(), 10))

			if !result.allowed {
				w.Header().Set("Retry-After", strconv.Itoa(result.retryAfter))

				rl.logger.Warn("rate limit exceeded",
					"client_ip", clientIP,
					"method", r.Method,
					"path", r.URL.Path,
					"limit", result.limit,
					"retry_after", result.retryAfter)

				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) checkIPLimit(bucketKey string, limit int) rateLimitResult {
	now := time.Now()
	nowNano := now.UnixNano()

	if limit <= 0 {
		return rateLimitResult{
			allowed:   true,
			limit:     limit,
			remaining: limit,
			resetTime: now.Add(time.Minute),
		}
	}

	initialTokens := int64(min(limit, rl.burstSize))
	value, _ := rl.ipBuckets.LoadOrStore(bucketKey, &ipBucket{
		tokens:     initialTokens,
		lastRefill: nowNano,
		lastAccess: nowNano,
	})
	bucket := value.(*ipBucket)

	atomic.StoreInt64(&bucket.lastAccess, nowNano)
	rl.refillIPTokens(bucket, limit, nowNano)

	for {
		tokens := atomic.LoadInt64(&bucket.tokens)
		if tokens <= 0 {
			tokensPerSecond := float64(limit) / 60.0
			retryAfter := int(1.0 / tokensPerSecond)
			if retryAfter < 1 {
				retryAfter = 1
			}
			return rateLimitResult{
				allowed:    false,
				retryAfter: retryAfter,
				limit:      limit,
				remaining:  0,
				resetTime:  now.Add(time.Minute),
			}
		}
		if atomic.CompareAndSwapInt64(&bucket.tokens, tokens, tokens-1) {
			return rateLimitResult{
				allowed:   true,
				limit:     limit,
				remaining: int(tokens - 1),
				resetTime: now.Add(time.Minute),
			}
		}
		// CAS failed, retry
	}
}

func (rl *RateLimiter) refillIPTokens(bucket *ipBucket, limit int, nowNano int64) {
	lastRefill := atomic.LoadInt64(&bucket.lastRefill)
	elapsed := nowNano - lastRefill

	if elapsed < 1e9 {
		return
	}
	if !atomic.CompareAndSwapInt64(&bucket.lastRefill, lastRefill, nowNano) {
		return
	}

	tokensToAdd := elapsed * int64(limit) / (60 * 1e9)
	if tokensToAdd <= 0 {
		return
	}
	maxTokens := int64(min(limit, rl.burstSize))
	for {
		current := atomic.LoadInt64(&bucket.tokens)
		next := current + tokensToAdd
		if next > maxTokens {
			next = maxTokens
		}
		if atomic.CompareAndSwapInt64(&bucket.tokens, current, next) {
			return
		}
	}
}

func (rl *RateLimiter) cleanupRoutine(interval time.Duration) {
	staleAfter := 10 * interval
	for {
		select {
		case <-rl.stopCleanup:
			return
		case <-rl.cleanupTicker.C:
			cutoff := time.Now().Add(-staleAfter).UnixNano()
			rl.ipBuckets.Range(func(key, value any) bool {
				bucket := value.(*ipBucket)
				if atomic.LoadInt64(&bucket.lastAccess) < cutoff {
					rl.ipBuckets.Delete(key)
				}
				return true
			})
		}
	}
}
