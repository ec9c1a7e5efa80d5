package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/kestrel-labs/sluice/internal/core/constants"
	"github.com/kestrel-labs/sluice/internal/util"
)

type contextKey string

const threadIDKey contextKey = "thread_id"

// ThreadIDFromContext returns the request's thread id, or "" before the
// logging middleware has run.
func ThreadIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(threadIDKey).(string)
	return id
}

// statusRecorder captures the response code while keeping the Flusher
// passthrough that SSE streaming depends on.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestLogging assigns a thread id to every request (honouring the client's
// X-Thread-Id when present), stores it in the context and logs one line per
// request on completion.
func RequestLogging(logger *slog.Logger, enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			threadID := r.Header.Get(constants.HeaderThreadID)
			if threadID == "" {
				threadID = util.GenerateThreadID()
			}
			ctx := context.WithValue(r.Context(), threadIDKey, threadID)
			w.Header().Set(constants.HeaderThreadID, threadID)

			if !enabled {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start),
				"thread_id", threadID)
		})
	}
}
