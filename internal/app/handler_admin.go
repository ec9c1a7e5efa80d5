package app

import (
	"encoding/json"
	"net/http"

	"github.com/kestrel-labs/sluice/internal/core/domain"
	"github.com/kestrel-labs/sluice/internal/version"
)

// handleExecutionStats serves per-thread timelines and cross-thread stage
// aggregates from the execution tracker.
func (s *Server) handleExecutionStats(w http.ResponseWriter, r *http.Request) {
	if threadID := r.URL.Query().Get("thread_id"); threadID != "" {
		summary := s.app.tracker.Summary(threadID)
		if summary == nil {
			s.writeJSONError(w, http.StatusNotFound, domain.ErrCodeInvalidInput, "thread not tracked")
			return
		}
		s.writeJSON(w, http.StatusOK, summary)
		return
	}

	if stage := r.URL.Query().Get("stage"); stage != "" {
		stats := s.app.tracker.StageStatistics(stage)
		if stats == nil {
			s.writeJSONError(w, http.StatusNotFound, domain.ErrCodeInvalidInput, "no samples for stage")
			return
		}
		s.writeJSON(w, http.StatusOK, stats)
		return
	}

	s.writeJSON(w, http.StatusOK, s.app.tracker.AllStageStatistics())
}

func (s *Server) handleCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := make(map[string]any)
	for _, name := range s.app.registry.Names() {
		rec, err := s.app.breaker.Record(ctx, name)
		if err != nil {
			out[name] = map[string]string{"error": err.Error()}
			continue
		}
		out[name] = rec
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleGetConfig exposes the non-secret runtime view of the configuration.
func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"server": map[string]any{
			"address": s.app.cfg.Server.GetAddress(),
		},
		"cache": map[string]any{
			"l1_max_size": s.app.cfg.Cache.L1MaxSize,
			"l2_ttl":      s.app.cfg.Cache.L2TTL.String(),
		},
		"pool": map[string]any{
			"max_concurrent_connections": s.app.cfg.Pool.MaxConcurrentConnections,
			"max_connections_per_user":   s.app.cfg.Pool.MaxConnectionsPerUser,
		},
		"queue": map[string]any{
			"type":      s.app.cfg.Queue.Type,
			"topic":     s.app.cfg.Queue.Topic,
			"max_depth": s.app.cfg.Queue.MaxDepth,
		},
		"flags": s.app.Flags(),
	})
}

// handleUpdateConfig flips feature flags at runtime. Only flags are mutable
// this way; everything else requires a restart. Decoding starts from the
// current snapshot so a partial body changes only the fields it names.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	in := s.app.Flags()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "body must name known flags only")
		return
	}
	s.app.ApplyFlags(in)
	s.writeJSON(w, http.StatusOK, map[string]any{"flags": s.app.Flags()})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, version.Info())
}
