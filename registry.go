package veribot

import (
	"fmt"
	"log/slog"
	"sync"
)

// ProviderFactory builds a Provider bound to one model. Factories are cheap;
// the Registry caches the instances they return.
type ProviderFactory func(model string) (Provider, error)

// Registry resolves logical LLM steps to provider instances. Each deployment
// registers factories for its backends ("gemini", "openai", ...) and a default
// routing table; tenants can override routes per step through their
// "llm_config" bag.
//
// Instances are cached per (provider, model) pair, so two steps routed to the
// same model share one client and one rate-limit budget.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
	cache     map[string]Provider
	defaults  LLMConfig
	embedder  EmbeddingProvider
	logger    *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// RegistryLogger sets the structured logger for routing decisions.
func RegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a Registry with the given deployment-default routing
// table.
func NewRegistry(defaults LLMConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		factories: make(map[string]ProviderFactory),
		cache:     make(map[string]Provider),
		defaults:  defaults,
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a provider factory under name. Registering the same name twice
// replaces the factory and invalidates cached instances built from it.
func (r *Registry) Register(name string, f ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	for key := range r.cache {
		if keyProvider(key) == name {
			delete(r.cache, key)
		}
	}
}

// SetEmbedder sets the deployment's embedding provider.
func (r *Registry) SetEmbedder(e EmbeddingProvider) {
	r.mu.Lock()
	r.embedder = e
	r.mu.Unlock()
}

// Embedder returns the deployment's embedding provider, or an error when none
// is configured.
func (r *Registry) Embedder() (EmbeddingProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.embedder == nil {
		return nil, fmt.Errorf("no embedding provider registered")
	}
	return r.embedder, nil
}

// For resolves the provider instance for a logical step. Tenant routes win
// over deployment defaults; a step with no route in either table falls back to
// the default model of the first matching table.
func (r *Registry) For(step string, cfg TenantConfig) (Provider, error) {
	route := r.route(step, cfg)
	if route.Provider == "" {
		return nil, fmt.Errorf("step %q: no provider route configured", step)
	}

	key := route.Provider + "/" + route.Model
	r.mu.RLock()
	p, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.cache[key]; ok {
		return p, nil
	}
	f, ok := r.factories[route.Provider]
	if !ok {
		return nil, fmt.Errorf("step %q: provider %q not registered", step, route.Provider)
	}
	p, err := f(route.Model)
	if err != nil {
		return nil, fmt.Errorf("step %q: build provider %s/%s: %w", step, route.Provider, route.Model, err)
	}
	r.cache[key] = p
	r.logger.Debug("provider instance created",
		"step", step,
		"provider", route.Provider,
		"model", route.Model)
	return p, nil
}

// route merges tenant and default routing for one step.
func (r *Registry) route(step string, cfg TenantConfig) StepRoute {
	tenant := cfg.LLM()
	if rt, ok := tenant.Steps[step]; ok && rt.Provider != "" {
		if rt.Model == "" {
			rt.Model = firstNonEmpty(tenant.DefaultModel, r.defaults.DefaultModel)
		}
		return rt
	}
	if rt, ok := r.defaults.Steps[step]; ok && rt.Provider != "" {
		if rt.Model == "" {
			rt.Model = r.defaults.DefaultModel
		}
		return rt
	}
	// No explicit route: fall back to the first registered default step's
	// provider with the default model, when a default model exists.
	if r.defaults.DefaultModel != "" {
		for _, rt := range r.defaults.Steps {
			if rt.Provider != "" {
				return StepRoute{Provider: rt.Provider, Model: r.defaults.DefaultModel}
			}
		}
	}
	return StepRoute{}
}

func keyProvider(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i]
		}
	}
	return key
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
