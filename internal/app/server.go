package app

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrel-labs/sluice/internal/app/middleware"
)

// Server is the HTTP surface of the gateway. WriteTimeout is deliberately
// zero: SSE responses stay open for minutes and per-request deadlines are
// enforced inside the pipeline instead.
type Server struct {
	app  *Application
	http *http.Server
}

func NewServer(a *Application) *Server {
	s := &Server{app: a}

	mux := http.NewServeMux()
	limit := a.limiter.Middleware(false)
	limitHealth := a.limiter.Middleware(true)
	logging := middleware.RequestLogging(a.logger, a.cfg.Server.RequestLogging)

	mux.Handle("POST /stream", logging(limit(http.HandlerFunc(s.handleStream))))

	mux.Handle("GET /health", limitHealth(http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /health/live", limitHealth(http.HandlerFunc(s.handleLiveness)))
	mux.Handle("GET /health/ready", limitHealth(http.HandlerFunc(s.handleReadiness)))
	mux.Handle("GET /health/detailed", limitHealth(http.HandlerFunc(s.handleDetailedHealth)))

	mux.Handle("GET /admin/execution-stats", logging(http.HandlerFunc(s.handleExecutionStats)))
	mux.Handle("GET /admin/circuit-breakers", logging(http.HandlerFunc(s.handleCircuitBreakers)))
	mux.Handle("GET /admin/config", logging(http.HandlerFunc(s.handleGetConfig)))
	mux.Handle("POST /admin/config", logging(http.HandlerFunc(s.handleUpdateConfig)))

	// /admin/metrics is the canonical path; /metrics stays for stock
	// prometheus scrape configs
	metricsHandler := promhttp.HandlerFor(a.metrics.Registry, promhttp.HandlerOpts{})
	mux.Handle("GET /admin/metrics", metricsHandler)
	mux.Handle("GET /metrics", metricsHandler)
	mux.HandleFunc("GET /version", s.handleVersion)

	s.http = &http.Server{
		Addr:         a.cfg.Server.GetAddress(),
		Handler:      mux,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.http.BaseContext = func(net.Listener) context.Context { return ctx }
	s.app.logger.Info("server listening", "address", s.http.Addr)

	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
