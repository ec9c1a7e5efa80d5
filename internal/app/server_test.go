package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-labs/sluice/internal/config"
	"github.com/kestrel-labs/sluice/internal/core/constants"
	"github.com/kestrel-labs/sluice/internal/core/domain"
)

func testConfig(t *testing.T, mr *miniredis.Miniredis) *config.Config {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.KV.Host = mr.Host()
	cfg.KV.Port = port
	cfg.KV.HealthCheckInterval = 0
	cfg.Server.Port = 0
	cfg.Flags.UseFakeLLM = true
	cfg.Streaming.HeartbeatInterval = time.Hour
	cfg.Server.RequestLogging = false
	cfg.Server.RateLimits.PerIPRequestsPerMinute = 10000
	cfg.Server.RateLimits.BurstSize = 10000
	cfg.Server.RateLimits.CleanupInterval = 0
	return cfg
}

func newTestApp(t *testing.T) (*Application, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	a, err := New(testConfig(t, mr), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return a, mr
}

func doStream(t *testing.T, a *Application, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/stream", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.server.http.Handler.ServeHTTP(rec, req)
	return rec
}

func parseSSE(t *testing.T, raw string) []domain.SSEEvent {
	t.Helper()
	var events []domain.SSEEvent
	for _, frame := range strings.Split(raw, "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" || frame == "data: [DONE]" {
			continue
		}
		ev, err := domain.ParseSSEEvent(frame + "\n")
		require.NoError(t, err, "frame: %q", frame)
		events = append(events, ev)
	}
	return events
}

func TestStreamEndpoint(t *testing.T) {
	a, _ := newTestApp(t)

	rec := doStream(t, a, `{"query":"hello there world"}`, map[string]string{
		constants.HeaderUserID: "alice",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, constants.ContentTypeEventStream, rec.Header().Get(constants.HeaderContentType))
	assert.Equal(t, "no-cache", rec.Header().Get(constants.HeaderCacheControl))
	assert.Equal(t, "no", rec.Header().Get(constants.HeaderAccelBuffering))
	assert.NotEmpty(t, rec.Header().Get(constants.HeaderThreadID))

	body := rec.Body.String()
	assert.True(t, strings.HasSuffix(body, domain.SSEDoneFrame), "stream must end with the [DONE] trailer")

	events := parseSSE(t, body)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.SSEEventStatus, events[0].Type)
	assert.Equal(t, domain.SSEEventComplete, events[len(events)-1].Type)
}

func TestStreamEchoesClientThreadID(t *testing.T) {
	a, _ := newTestApp(t)

	rec := doStream(t, a, `{"query":"hi"}`, map[string]string{
		constants.HeaderThreadID: "client-thread-7",
	})

	assert.Equal(t, "client-thread-7", rec.Header().Get(constants.HeaderThreadID))
}

func TestStreamSecondRequestCached(t *testing.T) {
	a, _ := newTestApp(t)

	doStream(t, a, `{"query":"cache me"}`, nil)
	rec := doStream(t, a, `{"query":"cache me"}`, nil)

	events := parseSSE(t, rec.Body.String())
	var sawCachedStatus bool
	for _, ev := range events {
		if ev.Type == domain.SSEEventStatus && ev.Data == "cached" {
			sawCachedStatus = true
		}
	}
	assert.True(t, sawCachedStatus)

	complete := events[len(events)-1]
	require.Equal(t, domain.SSEEventComplete, complete.Type)
	assert.Equal(t, true, complete.Data.(map[string]any)["cached"])
}

func TestStreamRejectsBadRequests(t *testing.T) {
	a, _ := newTestApp(t)

	tests := []struct {
		name string
		body string
		want domain.ErrorCode
	}{
		{"not json", "not json at all", domain.ErrCodeInvalidInput},
		{"empty query", `{"query":""}`, domain.ErrCodeInvalidInput},
		{"unknown provider", `{"query":"hi","provider":"nope"}`, domain.ErrCodeInvalidModel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doStream(t, a, tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, constants.ContentTypeJSON, rec.Header().Get(constants.HeaderContentType))

			var got jsonError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, string(tt.want), got.Error)
		})
	}
}

func TestHealthEndpoints(t *testing.T) {
	a, _ := newTestApp(t)
	h := a.server.http.Handler

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/health/detailed"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestReadinessFailsWhenKVDown(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	// fast pings so the probe notices the outage within the test
	cfg.KV.HealthCheckInterval = 10 * time.Millisecond

	a, err := New(cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})

	mr.Close()

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		a.server.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		return rec.Code == http.StatusServiceUnavailable
	}, 2*time.Second, 20*time.Millisecond)
}

func TestVersionEndpoint(t *testing.T) {
	a, _ := newTestApp(t)

	rec := httptest.NewRecorder()
	a.server.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var info map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "sluice", info["name"])
}

func TestMetricsEndpoint(t *testing.T) {
	a, _ := newTestApp(t)

	doStream(t, a, `{"query":"count me"}`, nil)

	// canonical admin path and the stock scrape path serve the same registry
	for _, path := range []string{"/admin/metrics", "/metrics"} {
		rec := httptest.NewRecorder()
		a.server.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)

		raw, _ := io.ReadAll(rec.Body)
		assert.Contains(t, string(raw), "sluice_requests_total", path)
	}
}

func TestAdminCircuitBreakers(t *testing.T) {
	a, _ := newTestApp(t)

	rec := httptest.NewRecorder()
	a.server.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/circuit-breakers", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Contains(t, out, "fake")
}

func TestAdminConfigFlagsRoundTrip(t *testing.T) {
	a, _ := newTestApp(t)
	h := a.server.http.Handler

	update := httptest.NewRecorder()
	h.ServeHTTP(update, httptest.NewRequest(http.MethodPost, "/admin/config",
		strings.NewReader(`{"use_fake_llm":true,"enable_caching":false}`)))
	require.Equal(t, http.StatusOK, update.Code)

	assert.False(t, a.Flags().EnableCaching)
	assert.True(t, a.Flags().UseFakeLLM)

	get := httptest.NewRecorder()
	h.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/admin/config", nil))
	require.Equal(t, http.StatusOK, get.Code)
	assert.Contains(t, get.Body.String(), `"enable_caching":false`)
}

func TestAdminConfigPartialUpdateKeepsOtherFlags(t *testing.T) {
	a, _ := newTestApp(t)
	require.True(t, a.Flags().UseFakeLLM)
	require.True(t, a.Flags().EnableCaching)

	rec := httptest.NewRecorder()
	a.server.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/config",
		strings.NewReader(`{"enable_caching":false}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.False(t, a.Flags().EnableCaching)
	assert.True(t, a.Flags().UseFakeLLM, "flags absent from the body must keep their values")
}

func TestAdminConfigRejectsUnknownFields(t *testing.T) {
	a, _ := newTestApp(t)
	before := a.Flags()

	rec := httptest.NewRecorder()
	a.server.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/config",
		strings.NewReader(`{"queue_type":"log"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, before, a.Flags(), "a rejected update must not change anything")
}

func TestUserIdentityFallsBackToClientIP(t *testing.T) {
	a, _ := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/stream", nil)
	req.RemoteAddr = "203.0.113.7:9999"
	assert.Equal(t, "203.0.113.7", a.server.userIdentity(req))

	req.Header.Set(constants.HeaderUserID, "alice")
	assert.Equal(t, "alice", a.server.userIdentity(req))
}

func TestAdminExecutionStats(t *testing.T) {
	a, _ := newTestApp(t)

	rec := httptest.NewRecorder()
	a.server.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/execution-stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestApplyFlagsIsAtomic(t *testing.T) {
	a, _ := newTestApp(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			a.ApplyFlags(config.FeatureFlags{EnableCaching: i%2 == 0})
		}
	}()
	for i := 0; i < 100; i++ {
		_ = a.Flags()
	}
	<-done
}

func TestGracefulStop(t *testing.T) {
	a, _ := newTestApp(t)

	require.NoError(t, a.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))
}
