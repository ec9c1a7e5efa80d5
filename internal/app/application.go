package app

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/kestrel-labs/sluice/internal/adapter/admission"
	"github.com/kestrel-labs/sluice/internal/adapter/breaker"
	"github.com/kestrel-labs/sluice/internal/adapter/bus"
	"github.com/kestrel-labs/sluice/internal/adapter/cache"
	"github.com/kestrel-labs/sluice/internal/adapter/failover"
	"github.com/kestrel-labs/sluice/internal/adapter/kv"
	"github.com/kestrel-labs/sluice/internal/adapter/metrics"
	"github.com/kestrel-labs/sluice/internal/adapter/provider"
	"github.com/kestrel-labs/sluice/internal/adapter/stream"
	"github.com/kestrel-labs/sluice/internal/adapter/tracker"
	"github.com/kestrel-labs/sluice/internal/app/middleware"
	"github.com/kestrel-labs/sluice/internal/config"
	"github.com/kestrel-labs/sluice/internal/core/ports"
)

// Application owns every long-lived component and their lifecycle. All
// dependencies are constructed once here and injected; nothing reaches for
// globals.
type Application struct {
	cfg    *config.Config
	logger *slog.Logger
	flags  atomic.Pointer[config.FeatureFlags]

	kvClient     *kv.Client
	cache        *cache.TwoTierCache
	breaker      *breaker.DistributedBreaker
	admission    *admission.Controller
	registry     *provider.Registry
	tracker      *tracker.Tracker
	metrics      *metrics.Metrics
	orchestrator *stream.Orchestrator
	publisher    *failover.Publisher
	consumer     *failover.Consumer
	bus          ports.MessageBus
	limiter      *middleware.RateLimiter
	server       *Server

	stopConsumer context.CancelFunc
	consumerDone chan struct{}
	serverErr    chan error
	stopped      atomic.Bool
}

func New(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	a := &Application{
		cfg:    cfg,
		logger: logger,
	}
	flags := cfg.Flags
	a.flags.Store(&flags)

	a.kvClient = kv.NewClient(&cfg.KV, logger)

	var err error
	a.cache, err = cache.NewTwoTierCache(&cfg.Cache, a.kvClient, logger)
	if err != nil {
		return nil, err
	}

	a.breaker = breaker.NewDistributedBreaker(&cfg.Breaker, a.kvClient, logger)
	resilient := breaker.NewResilient(&cfg.Retry, a.breaker, logger)
	a.admission = admission.NewController(&cfg.Pool, a.kvClient, logger)
	a.tracker = tracker.New(&cfg.Tracking, logger)
	a.metrics = metrics.New()
	a.registry = provider.BuildFromConfig(cfg.Providers, a.Flags, a.breaker, logger)

	a.orchestrator = stream.NewOrchestrator(cfg, stream.Deps{
		Cache:     a.cache,
		Registry:  a.registry,
		Resilient: resilient,
		Admission: a.admission,
		Tracker:   a.tracker,
		Metrics:   a.metrics,
	}, a.Flags, logger)

	a.bus, err = bus.New(&cfg.Queue, a.kvClient, logger)
	if err != nil {
		return nil, err
	}
	producer := bus.NewProducer(&cfg.Queue, a.bus, logger)
	a.publisher = failover.NewPublisher(&cfg.Failover, a.kvClient, producer, logger)
	a.consumer = failover.NewConsumer(&cfg.Failover, a.bus, a.kvClient, a.admission, a.orchestrator, a.metrics, logger)

	a.limiter = middleware.NewRateLimiter(cfg.Server.RateLimits, logger)
	a.server = NewServer(a)

	return a, nil
}

// Flags returns the live feature-flag snapshot. Safe from any goroutine; the
// hot-reload path swaps the pointer.
func (a *Application) Flags() config.FeatureFlags {
	return *a.flags.Load()
}

// ApplyFlags installs a new flag snapshot, from config hot reload or the
// admin endpoint.
func (a *Application) ApplyFlags(flags config.FeatureFlags) {
	old := a.Flags()
	a.flags.Store(&flags)
	if old != flags {
		a.logger.Info("feature flags updated",
			"use_fake_llm", flags.UseFakeLLM,
			"enable_caching", flags.EnableCaching)
	}
}

// Start brings up the failover consumer and the HTTP server, returning once
// both are running. Server failure is reported on ServerErr.
func (a *Application) Start(ctx context.Context) error {
	consumerCtx, cancel := context.WithCancel(context.Background())
	a.stopConsumer = cancel
	a.consumerDone = make(chan struct{})
	go func() {
		defer close(a.consumerDone)
		if err := a.consumer.Run(consumerCtx); err != nil && consumerCtx.Err() == nil {
			a.logger.Error("failover consumer exited", "error", err)
		}
	}()

	a.serverErr = make(chan error, 1)
	go func() {
		a.serverErr <- a.server.Start(ctx)
	}()
	return nil
}

// ServerErr reports the HTTP listener's exit, nil on clean shutdown.
func (a *Application) ServerErr() <-chan error {
	return a.serverErr
}

// Stop shuts everything down in dependency order: stop taking requests,
// drain the consumer, then drop shared clients.
func (a *Application) Stop(ctx context.Context) error {
	// both the signal path and the server-error path call Stop
	if !a.stopped.CompareAndSwap(false, true) {
		return nil
	}

	err := a.server.Shutdown(ctx)

	if a.stopConsumer != nil {
		a.stopConsumer()
		select {
		case <-a.consumerDone:
		case <-ctx.Done():
			a.logger.Warn("consumer did not drain before shutdown deadline")
		}
	}

	a.limiter.Stop()
	if berr := a.bus.Close(); berr != nil && err == nil {
		err = berr
	}
	if cerr := a.kvClient.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
