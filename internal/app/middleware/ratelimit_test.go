package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-labs/sluice/internal/config"
	"github.com/kestrel-labs/sluice/internal/core/constants"
)

func newLimiter(t *testing.T, limits config.ServerRateLimits) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(limits, slog.Default())
	t.Cleanup(rl.Stop)
	return rl
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func hit(h http.Handler, ip string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/stream", nil)
	req.RemoteAddr = ip + ":12345"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterExhaustsPerIPBucket(t *testing.T) {
	rl := newLimiter(t, config.ServerRateLimits{
		PerIPRequestsPerMinute: 60,
		BurstSize:              3,
	})
	h := rl.Middleware(false)(okHandler())

	for i := 0; i < 3; i++ {
		rec := hit(h, "10.0.0.1", nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d should pass", i)
	}

	rec := hit(h, "10.0.0.1", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get(constants.HeaderRateLimitLimit))
	assert.Equal(t, "0", rec.Header().Get(constants.HeaderRateLimitRemain))

	retryAfter, err := strconv.Atoi(rec.Header().Get(constants.HeaderRetryAfter))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 1)
}

func TestRateLimiterBucketsAreSeparatePerIP(t *testing.T) {
	rl := newLimiter(t, config.ServerRateLimits{
		PerIPRequestsPerMinute: 60,
		BurstSize:              1,
	})
	h := rl.Middleware(false)(okHandler())

	require.Equal(t, http.StatusOK, hit(h, "10.0.0.1", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(h, "10.0.0.1", nil).Code)

	// a different client is unaffected
	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.2", nil).Code)
}

func TestRateLimiterPremiumTier(t *testing.T) {
	rl := newLimiter(t, config.ServerRateLimits{
		PerIPRequestsPerMinute:   60,
		PremiumRequestsPerMinute: 600,
		BurstSize:                2,
	})
	h := rl.Middleware(false)(okHandler())
	premium := map[string]string{constants.HeaderPremiumUser: "1"}

	// drain the standard bucket
	hit(h, "10.0.0.1", nil)
	hit(h, "10.0.0.1", nil)
	require.Equal(t, http.StatusTooManyRequests, hit(h, "10.0.0.1", nil).Code)

	// the premium header draws from its own bucket at the higher limit
	rec := hit(h, "10.0.0.1", premium)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "600", rec.Header().Get(constants.HeaderRateLimitLimit))
}

func TestRateLimiterHealthBucketIsSeparate(t *testing.T) {
	rl := newLimiter(t, config.ServerRateLimits{
		PerIPRequestsPerMinute:  60,
		HealthRequestsPerMinute: 600,
		BurstSize:               1,
	})
	stream := rl.Middleware(false)(okHandler())
	health := rl.Middleware(true)(okHandler())

	require.Equal(t, http.StatusOK, hit(stream, "10.0.0.1", nil).Code)
	require.Equal(t, http.StatusTooManyRequests, hit(stream, "10.0.0.1", nil).Code)

	// a saturated stream bucket must not starve readiness probes
	assert.Equal(t, http.StatusOK, hit(health, "10.0.0.1", nil).Code)
}

func TestRateLimiterZeroLimitDisables(t *testing.T) {
	rl := newLimiter(t, config.ServerRateLimits{
		PerIPRequestsPerMinute: 0,
		BurstSize:              1,
	})
	h := rl.Middleware(false)(okHandler())

	for i := 0; i < 20; i++ {
		require.Equal(t, http.StatusOK, hit(h, "10.0.0.1", nil).Code)
	}
}

func TestRateLimiterIgnoresForwardedForByDefault(t *testing.T) {
	rl := newLimiter(t, config.ServerRateLimits{
		PerIPRequestsPerMinute: 60,
		BurstSize:              1,
	})
	h := rl.Middleware(false)(okHandler())
	spoof := map[string]string{"X-Forwarded-For": "203.0.113.9"}

	require.Equal(t, http.StatusOK, hit(h, "10.0.0.1", spoof).Code)

	// same socket, different spoofed header: still the same bucket
	spoof["X-Forwarded-For"] = "203.0.113.10"
	assert.Equal(t, http.StatusTooManyRequests, hit(h, "10.0.0.1", spoof).Code)
}
