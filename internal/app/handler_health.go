package app

import (
	"encoding/json"
	"net/http"

	"github.com/kestrel-labs/sluice/internal/core/constants"
	"github.com/kestrel-labs/sluice/internal/core/domain"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth is the coarse check: up, and able to take a stream.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.app.admission.Stats(r.Context())

	status := "healthy"
	code := http.StatusOK
	switch stats.Health {
	case domain.PoolDegraded, domain.PoolCritical:
		status = string(stats.Health)
	case domain.PoolExhausted:
		status = string(stats.Health)
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]any{
		"status":           status,
		"pool_utilisation": stats.Utilisation,
	})
}

// handleLiveness answers "is the process up" and nothing else; it must not
// touch the KV store or the restart loop couples to backend outages.
func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadiness gates load-balancer traffic on the shared KV store being
// reachable.
func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if !s.app.kvClient.Healthy() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "kv store unreachable",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	circuits := make(map[string]any)
	for _, name := range s.app.registry.Names() {
		rec, err := s.app.breaker.Record(ctx, name)
		if err != nil {
			circuits[name] = map[string]string{"error": err.Error()}
			continue
		}
		circuits[name] = rec
	}

	poolStats := s.app.admission.Stats(ctx)
	s.app.metrics.PoolUtilisation.Set(poolStats.Utilisation)

	s.writeJSON(w, http.StatusOK, map[string]any{
		"kv_healthy":       s.app.kvClient.Healthy(),
		"pool":             poolStats,
		"cache":            s.app.cache.Stats(),
		"circuit_breakers": circuits,
		"providers":        s.app.registry.Names(),
		"flags":            s.app.Flags(),
	})
}
