package app

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/kestrel-labs/sluice/internal/app/middleware"
	"github.com/kestrel-labs/sluice/internal/core/constants"
	"github.com/kestrel-labs/sluice/internal/core/domain"
	"github.com/kestrel-labs/sluice/internal/util"
	"github.com/kestrel-labs/sluice/pkg/pool"
)

// frameBuffers recycles the per-event scratch buffer on the SSE write path.
var frameBuffers, _ = pool.NewLitePool(func() *bytes.Buffer {
	return bytes.NewBuffer(make([]byte, 0, 512))
})

type streamRequestBody struct {
	Query    string `json:"query"`
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// handleStream is the main entry point: one POST, one SSE stream back.
// Pre-stream failures are plain JSON errors; once the stream is open every
// failure travels as a terminal error event followed by the [DONE] trailer.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, constants.MaxQueryBytes+4096))
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "reading request body")
		return
	}
	var in streamRequestBody
	if err := json.Unmarshal(body, &in); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "request body must be JSON")
		return
	}

	userID := s.userIdentity(r)

	req := &domain.StreamRequest{
		Query:    in.Query,
		Model:    in.Model,
		Provider: in.Provider,
		ThreadID: middleware.ThreadIDFromContext(ctx),
		UserID:   userID,
		Priority: parsePriority(in.Priority),
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSONError(w, http.StatusInternalServerError, domain.ErrCodeConfig, "streaming unsupported by connection")
		return
	}

	w.Header().Set(constants.HeaderContentType, constants.ContentTypeEventStream)
	w.Header().Set(constants.HeaderCacheControl, "no-cache")
	w.Header().Set(constants.HeaderConnection, "keep-alive")
	w.Header().Set(constants.HeaderAccelBuffering, "no")

	writeFrame := func(frame string) error {
		if _, err := io.WriteString(w, frame); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	emit := func(event domain.SSEEvent) error {
		buf := frameBuffers.Get()
		defer frameBuffers.Put(buf)
		buf.Reset()
		if err := event.AppendTo(buf); err != nil {
			return err
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err = s.app.orchestrator.Run(ctx, req, emit)

	switch domain.CodeOf(err) {
	case domain.ErrCodeInvalidInput, domain.ErrCodeInvalidModel:
		// nothing streamed yet; a plain JSON error is still possible
		s.writeJSONError(w, http.StatusBadRequest, domain.CodeOf(err), err.Error())
		return
	case domain.ErrCodePoolExhausted, domain.ErrCodeUserLimit:
		s.app.logger.Info("admission denied, entering queue failover",
			"thread_id", req.ThreadID, "reason", domain.CodeOf(err))
		if foErr := s.app.publisher.StreamViaQueue(ctx, req, writeFrame); foErr != nil {
			s.app.logger.Warn("queue failover failed",
				"thread_id", req.ThreadID, "error", foErr)
			if domain.CodeOf(foErr) == domain.ErrCodeQueueFull {
				payload := domain.WireError(foErr)
				if frame, ferr := (domain.SSEEvent{Type: domain.SSEEventError, Data: payload}).Format(); ferr == nil {
					_ = writeFrame(frame)
				}
			}
		}
	default:
		if err != nil {
			// terminal error event already emitted by the pipeline
			s.app.logger.Debug("stream ended with error", "thread_id", req.ThreadID, "error", err)
		}
	}

	_ = writeFrame(domain.SSEDoneFrame)
}

// userIdentity resolves the admission identity: the X-User-ID header when the
// caller supplies one, the client address otherwise, so anonymous callers get
// per-address slots instead of one shared bucket.
func (s *Server) userIdentity(r *http.Request) string {
	if userID := r.Header.Get(constants.HeaderUserID); userID != "" {
		return userID
	}
	limits := s.app.cfg.Server.RateLimits
	return util.GetClientIP(r, limits.TrustProxyHeaders, limits.TrustedProxyCIDRsParsed)
}

func parsePriority(s string) domain.Priority {
	switch s {
	case "high":
		return domain.PriorityHigh
	case "low":
		return domain.PriorityLow
	default:
		return domain.PriorityNormal
	}
}

type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, code domain.ErrorCode, message string) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonError{Error: string(code), Message: message})
}
