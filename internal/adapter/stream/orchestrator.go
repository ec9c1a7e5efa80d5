package stream

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/kestrel-labs/sluice/internal/adapter/breaker"
	"github.com/kestrel-labs/sluice/internal/adapter/metrics"
	"github.com/kestrel-labs/sluice/internal/adapter/provider"
	"github.com/kestrel-labs/sluice/internal/adapter/tracker"
	"github.com/kestrel-labs/sluice/internal/config"
	"github.com/kestrel-labs/sluice/internal/core/constants"
	"github.com/kestrel-labs/sluice/internal/core/domain"
	"github.com/kestrel-labs/sluice/internal/core/ports"
)

const (
	stageCacheLookup    = "cache_lookup"
	stageAdmission      = "admission"
	stageProviderStream = "provider_stream"
	stageCacheStore     = "cache_store"

	statusProcessing = "processing"
	statusCached     = "cached"

	outcomeSuccess = "success"
	outcomeError   = "error"
	outcomeCached  = "cached"
)

// Deps are the orchestrator's collaborators, injected once at startup.
type Deps struct {
	Cache     ports.CacheStore
	Registry  *provider.Registry
	Resilient *breaker.Resilient
	Admission ports.AdmissionController
	Tracker   *tracker.Tracker
	Metrics   *metrics.Metrics
}

// Orchestrator drives one request through the full pipeline: validation,
// cache lookup, admission, provider selection with failover, streaming and
// cache write-back.
//
// The error contract with callers is positional. Errors returned before any
// event was emitted (validation failures, admission denials) are the
// caller's to handle: the HTTP layer turns validation into a JSON response
// and admission denials into queue failover. Once streaming has begun every
// failure is emitted as a terminal error event here, and the returned error
// is for logging only.
type Orchestrator struct {
	deps   Deps
	logger *slog.Logger
	flags  func() config.FeatureFlags

	cachePrefix       string
	cacheTTL          time.Duration
	heartbeatInterval time.Duration
	firstChunkTimeout time.Duration
	totalTimeout      time.Duration
}

func NewOrchestrator(cfg *config.Config, deps Deps, flags func() config.FeatureFlags, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		deps:              deps,
		logger:            logger,
		flags:             flags,
		cachePrefix:       constants.DefaultCachePrefix,
		cacheTTL:          cfg.Cache.L2TTL,
		heartbeatInterval: cfg.Streaming.HeartbeatInterval,
		firstChunkTimeout: cfg.Streaming.FirstChunkTimeout,
		totalTimeout:      cfg.Streaming.TotalRequestTimeout,
	}
}

type attemptState struct {
	buf     strings.Builder
	model   string
	emitted int
}

// Run executes the pipeline for one request, delivering events through emit.
func (o *Orchestrator) Run(ctx context.Context, req *domain.StreamRequest, emit EmitFunc) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.totalTimeout)
	defer cancel()

	if err := o.validate(req); err != nil {
		return err
	}

	w := newEventWriter(emit)
	defer o.deps.Tracker.ClearThread(req.ThreadID)

	cacheKey := req.Fingerprint(o.cachePrefix)
	if o.flags().EnableCaching {
		endLookup := o.deps.Tracker.StartStage(req.ThreadID, stageCacheLookup)
		content, hit := o.deps.Cache.Get(ctx, cacheKey)
		endLookup(nil)
		if hit {
			return o.serveCached(w, req, content, start)
		}
		o.deps.Metrics.CacheMisses.Inc()
	}

	// a cache hit opens with the cached status instead
	_ = w.send(domain.SSEEvent{Type: domain.SSEEventStatus, Data: statusProcessing})

	endAdmission := o.deps.Tracker.StartStage(req.ThreadID, stageAdmission)
	verdict, err := o.deps.Admission.Acquire(ctx, req.UserID, req.ThreadID)
	endAdmission(err)
	if err != nil {
		return err
	}
	switch verdict {
	case domain.AdmissionGranted:
	case domain.AdmissionUserLimit:
		return domain.ErrUserLimit
	default:
		return domain.ErrPoolExhausted
	}
	defer func() {
		releaseCtx := context.WithoutCancel(ctx)
		if err := o.deps.Admission.Release(releaseCtx, req.UserID, req.ThreadID); err != nil {
			o.logger.Warn("releasing pool slot failed", "thread_id", req.ThreadID, "error", err)
		}
	}()

	return o.runAdmitted(ctx, w, req, cacheKey, start)
}

// RunPreAdmitted executes the pipeline for a request whose pool slot is
// already held by the caller, as the failover consumer does. The caller owns
// admission, release and input validation.
func (o *Orchestrator) RunPreAdmitted(ctx context.Context, req *domain.StreamRequest, emit EmitFunc) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.totalTimeout)
	defer cancel()

	w := newEventWriter(emit)
	defer o.deps.Tracker.ClearThread(req.ThreadID)

	cacheKey := req.Fingerprint(o.cachePrefix)
	if o.flags().EnableCaching {
		endLookup := o.deps.Tracker.StartStage(req.ThreadID, stageCacheLookup)
		content, hit := o.deps.Cache.Get(ctx, cacheKey)
		endLookup(nil)
		if hit {
			return o.serveCached(w, req, content, start)
		}
		o.deps.Metrics.CacheMisses.Inc()
	}

	_ = w.send(domain.SSEEvent{Type: domain.SSEEventStatus, Data: statusProcessing})

	return o.runAdmitted(ctx, w, req, cacheKey, start)
}

func (o *Orchestrator) runAdmitted(ctx context.Context, w *eventWriter, req *domain.StreamRequest, cacheKey string, start time.Time) error {
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go o.heartbeatLoop(hbCtx, w)

	return o.streamWithFailover(ctx, w, req, cacheKey, start)
}

func (o *Orchestrator) streamWithFailover(ctx context.Context, w *eventWriter, req *domain.StreamRequest, cacheKey string, start time.Time) error {
	exclude := make(map[string]bool)
	pinned := req.Provider

	for {
		p, err := o.deps.Registry.Select(ctx, req.Model, pinned, exclude)
		if err != nil {
			o.emitError(w, req, err)
			o.deps.Metrics.RequestsTotal.WithLabelValues("none", outcomeError).Inc()
			return err
		}

		state := &attemptState{}
		err = o.deps.Resilient.Execute(ctx, p.Name(), func(ctx context.Context) error {
			return o.streamOnce(ctx, w, req, p, state)
		})
		if err == nil {
			o.finish(ctx, w, req, p.Name(), cacheKey, state, start)
			return nil
		}

		// content already on the wire cannot be replayed from another
		// provider; the stream dies here
		if state.emitted > 0 || domain.CodeOf(err) == domain.ErrCodeStreamingTimeout || errors.Is(err, context.Canceled) {
			o.emitError(w, req, err)
			o.deps.Metrics.RequestsTotal.WithLabelValues(p.Name(), outcomeError).Inc()
			return err
		}

		exclude[p.Name()] = true
		if pinned == p.Name() {
			pinned = ""
		}
		o.logger.Warn("provider failed before first chunk, failing over",
			"thread_id", req.ThreadID, "provider", p.Name(), "error", err)
	}
}

func (o *Orchestrator) streamOnce(ctx context.Context, w *eventWriter, req *domain.StreamRequest, p ports.Provider, state *attemptState) error {
	end := o.deps.Tracker.StartStage(req.ThreadID, stageProviderStream)
	err := o.consume(ctx, w, req, p, state)
	end(err)
	return err
}

func (o *Orchestrator) consume(ctx context.Context, w *eventWriter, req *domain.StreamRequest, p ports.Provider, state *attemptState) error {
	chunks, errCh := p.Stream(ctx, req)

	firstChunk := time.NewTimer(o.firstChunkTimeout)
	defer firstChunk.Stop()
	gotFirst := false

	for {
		var deadline <-chan time.Time
		if !gotFirst {
			deadline = firstChunk.C
		}

		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				if errCh == nil {
					return nil
				}
				continue
			}
			gotFirst = true
			if err := o.deliver(w, p.Name(), chunk, state); err != nil {
				return err
			}
			if chunk.FinishReason != "" {
				return nil
			}

		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				if chunks == nil {
					return nil
				}
				continue
			}
			if err != nil {
				return o.sticky(state, err)
			}

		case <-deadline:
			return o.sticky(state, domain.NewGatewayError(domain.ErrCodeProviderTimeout,
				"no chunk received before first-chunk deadline", nil).WithThread(req.ThreadID))

		case <-ctx.Done():
			err := ctx.Err()
			if errors.Is(err, context.DeadlineExceeded) {
				err = domain.ErrStreamTimeout
			}
			return o.sticky(state, err)
		}
	}
}

func (o *Orchestrator) deliver(w *eventWriter, providerName string, chunk domain.StreamChunk, state *attemptState) error {
	if chunk.Model != "" {
		state.model = chunk.Model
	}
	// empty deltas carry only metadata, nothing for the client
	if chunk.Content == "" {
		return nil
	}
	state.emitted++
	state.buf.WriteString(chunk.Content)
	if err := w.send(domain.SSEEvent{
		Type: domain.SSEEventChunk,
		Data: domain.ChunkPayload{Content: chunk.Content, Index: state.emitted},
	}); err != nil {
		return domain.Unretryable(err)
	}
	o.deps.Metrics.ChunksStreamed.WithLabelValues(providerName).Inc()
	return nil
}

// sticky pins errors after first emission so the resilience wrapper cannot
// replay content the client has already seen.
func (o *Orchestrator) sticky(state *attemptState, err error) error {
	if state.emitted > 0 {
		return domain.Unretryable(err)
	}
	return err
}

func (o *Orchestrator) finish(ctx context.Context, w *eventWriter, req *domain.StreamRequest, providerName, cacheKey string, state *attemptState, start time.Time) {
	content := state.buf.String()

	if o.flags().EnableCaching && content != "" {
		storeCtx := context.WithoutCancel(ctx)
		endStore := o.deps.Tracker.StartStage(req.ThreadID, stageCacheStore)
		err := o.deps.Cache.Set(storeCtx, cacheKey, content, o.cacheTTL)
		endStore(err)
		if err != nil {
			o.logger.Warn("cache write-back failed", "thread_id", req.ThreadID, "error", err)
		}
	}

	duration := time.Since(start)
	_ = w.send(domain.SSEEvent{
		Type: domain.SSEEventComplete,
		Data: domain.CompletePayload{
			ThreadID:    req.ThreadID,
			Provider:    providerName,
			ChunkCount:  state.emitted,
			TotalLength: len(content),
			DurationMs:  duration.Milliseconds(),
		},
	})
	o.deps.Metrics.RequestsTotal.WithLabelValues(providerName, outcomeSuccess).Inc()
	o.deps.Metrics.RequestDuration.WithLabelValues(providerName).Observe(duration.Seconds())
}

func (o *Orchestrator) serveCached(w *eventWriter, req *domain.StreamRequest, content string, start time.Time) error {
	o.deps.Metrics.CacheHits.WithLabelValues("combined").Inc()
	_ = w.send(domain.SSEEvent{Type: domain.SSEEventStatus, Data: statusCached})
	_ = w.send(domain.SSEEvent{
		Type: domain.SSEEventChunk,
		Data: domain.ChunkPayload{Content: content, Cached: true, Index: 1},
	})
	_ = w.send(domain.SSEEvent{
		Type: domain.SSEEventComplete,
		Data: domain.CompletePayload{
			ThreadID:    req.ThreadID,
			ChunkCount:  1,
			TotalLength: len(content),
			DurationMs:  time.Since(start).Milliseconds(),
			Cached:      true,
		},
	})
	o.deps.Metrics.RequestsTotal.WithLabelValues("cache", outcomeCached).Inc()
	return nil
}

func (o *Orchestrator) emitError(w *eventWriter, req *domain.StreamRequest, err error) {
	o.logger.Error("stream failed", "thread_id", req.ThreadID, "error", err)
	_ = w.send(domain.SSEEvent{Type: domain.SSEEventError, Data: domain.WireError(err)})
}

func (o *Orchestrator) heartbeatLoop(ctx context.Context, w *eventWriter) {
	ticker := time.NewTicker(o.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.closed() {
				return
			}
			if err := w.send(domain.SSEEvent{
				Type: domain.SSEEventHeartbeat,
				Data: time.Now().UTC().Format(time.RFC3339),
			}); err != nil {
				return
			}
		}
	}
}

// blockedMarkers is a deliberately small list of blatant prompt-injection
// markers. Queries carrying one are rejected outright, not sanitised.
var blockedMarkers = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"disregard the system prompt",
	"<|im_start|>",
	"<|im_end|>",
	"[system](#",
}

func (o *Orchestrator) validate(req *domain.StreamRequest) error {
	if strings.TrimSpace(req.Query) == "" {
		return domain.NewValidationError(domain.ErrCodeInvalidInput, "query", "must not be empty").WithThread(req.ThreadID)
	}
	if len(req.Query) > constants.MaxQueryBytes {
		return domain.NewValidationError(domain.ErrCodeInvalidInput, "query", "exceeds maximum length").WithThread(req.ThreadID)
	}
	lowered := strings.ToLower(req.Query)
	for _, marker := range blockedMarkers {
		if strings.Contains(lowered, marker) {
			return domain.NewValidationError(domain.ErrCodeInvalidInput, "query", "contains a disallowed pattern").WithThread(req.ThreadID)
		}
	}
	if req.Provider != "" {
		if _, ok := o.deps.Registry.Get(req.Provider); !ok {
			return domain.NewValidationError(domain.ErrCodeInvalidModel, "provider", "unknown provider").WithThread(req.ThreadID)
		}
	}
	if req.Model != "" && !o.deps.Registry.Supports(req.Model) {
		return domain.NewValidationError(domain.ErrCodeInvalidModel, "model", "no provider accepts this model").WithThread(req.ThreadID)
	}
	return nil
}
