package provider

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kestrel-labs/sluice/internal/config"
	"github.com/kestrel-labs/sluice/internal/core/domain"
	"github.com/kestrel-labs/sluice/internal/core/ports"
)

// HealthGate answers whether a named provider may take traffic right now.
// The distributed circuit breaker is the production implementation.
type HealthGate interface {
	ShouldAllowRequest(ctx context.Context, name string) bool
}

// Registry holds the configured providers in priority order and picks the
// first healthy one that accepts a model. Registration order is failover
// order.
//
// When a flags source is installed and use_fake_llm is on, selection routes
// every request to the scripted fake instead of the configured fleet. The
// flag is read per request, so flipping it at runtime takes effect
// immediately.
type Registry struct {
	gate      HealthGate
	logger    *slog.Logger
	flags     func() config.FeatureFlags
	fake      ports.Provider
	mu        sync.RWMutex
	providers map[string]ports.Provider
	order     []string
}

func NewRegistry(gate HealthGate, logger *slog.Logger) *Registry {
	return &Registry{
		gate:      gate,
		logger:    logger,
		providers: make(map[string]ports.Provider),
	}
}

func (r *Registry) Register(p ports.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if _, exists := r.providers[name]; !exists {
		r.order = append(r.order, name)
	}
	r.providers[name] = p
}

func (r *Registry) Get(name string) (ports.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.providers[name]; ok {
		return p, true
	}
	if r.fake != nil && r.fake.Name() == name {
		return r.fake, true
	}
	return nil, false
}

func (r *Registry) useFake() bool {
	return r.fake != nil && r.flags != nil && r.flags().UseFakeLLM
}

// Supports reports whether any registered provider accepts the model,
// regardless of circuit state. Used by request validation.
func (r *Registry) Supports(model string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.useFake() {
		return true
	}
	for _, name := range r.order {
		if r.providers[name].AcceptsModel(model) {
			return true
		}
	}
	return false
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	if r.fake != nil {
		names = append(names, r.fake.Name())
	}
	return names
}

// Select picks a provider for the request. A pinned provider wins when it is
// healthy and accepts the model; otherwise selection falls through the
// registration order, skipping excluded and circuit-open providers. No
// candidate left means every provider is down or excluded.
func (r *Registry) Select(ctx context.Context, model, pinned string, exclude map[string]bool) (ports.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.useFake() {
		return r.fake, nil
	}

	if pinned != "" && !exclude[pinned] {
		if p, ok := r.providers[pinned]; ok && p.AcceptsModel(model) {
			if r.gate.ShouldAllowRequest(ctx, pinned) {
				return p, nil
			}
			r.logger.Warn("pinned provider circuit is open, falling through", "provider", pinned)
		}
	}

	for _, name := range r.order {
		if exclude[name] || name == pinned {
			continue
		}
		p := r.providers[name]
		if !p.AcceptsModel(model) {
			continue
		}
		if !r.gate.ShouldAllowRequest(ctx, name) {
			r.logger.Debug("skipping provider with open circuit", "provider", name)
			continue
		}
		return p, nil
	}

	return nil, domain.ErrAllProvidersDown
}

// BuildFromConfig assembles the registry: the configured fleet plus the
// scripted fake, with flags consulted per request to decide which serves.
func BuildFromConfig(cfgs []config.ProviderConfig, flags func() config.FeatureFlags, gate HealthGate, logger *slog.Logger) *Registry {
	r := NewRegistry(gate, logger)
	r.flags = flags
	r.fake = NewFake("fake")
	for i := range cfgs {
		cfg := &cfgs[i]
		switch cfg.Type {
		case "openai", "":
			r.Register(NewOpenAICompatible(cfg, logger))
		default:
			logger.Warn("unknown provider type, skipping", "name", cfg.Name, "type", cfg.Type)
		}
	}
	return r
}
