package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-labs/sluice/internal/core/constants"
)

func TestRequestLoggingAssignsThreadID(t *testing.T) {
	var seen string
	h := RequestLogging(slog.Default(), false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ThreadIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(constants.HeaderThreadID))
}

func TestRequestLoggingHonoursClientThreadID(t *testing.T) {
	var seen string
	h := RequestLogging(slog.Default(), true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ThreadIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(constants.HeaderThreadID, "thread-abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "thread-abc", seen)
	assert.Equal(t, "thread-abc", rec.Header().Get(constants.HeaderThreadID))
}

func TestThreadIDFromContextWithoutMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, ThreadIDFromContext(req.Context()))
}

func TestStatusRecorderKeepsFlusher(t *testing.T) {
	h := RequestLogging(slog.Default(), true)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		f, ok := w.(http.Flusher)
		require.True(t, ok, "wrapped writer must still flush for SSE")
		w.WriteHeader(http.StatusAccepted)
		f.Flush()
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, rec.Flushed)
}
