package llm

import (
	"sync"
	"time"
)

// Capability names the semantic job a model is selected for.
type Capability string

const (
	CapabilityAnalysis   Capability = "analysis"
	CapabilityExtraction Capability = "extraction"
	CapabilityValidation Capability = "validation"
	CapabilityVision     Capability = "vision"
	CapabilityFast       Capability = "fast"
)

// ParseCapability returns the capability for a string, or "" when unknown.
func ParseCapability(s string) Capability {
	switch Capability(s) {
	case CapabilityAnalysis, CapabilityExtraction, CapabilityValidation,
		CapabilityVision, CapabilityFast:
		return Capability(s)
	}
	return ""
}

// CapabilityConfig defines model preferences for a capability.
type CapabilityConfig struct {
	// Description explains what this capability is for.
	Description string `json:"description" yaml:"description"`

	// Preferred lists models in order of preference.
	Preferred []string `json:"preferred" yaml:"preferred"`

	// Fallback lists backup models if all preferred fail.
	Fallback []string `json:"fallback" yaml:"fallback"`
}

// EndpointConfig defines an available model endpoint.
type EndpointConfig struct {
	// Provider is the model provider (anthropic, ollama, openai).
	Provider string `json:"provider" yaml:"provider"`

	// URL is the API endpoint URL (for non-Anthropic providers).
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Model is the actual model identifier to send to the provider.
	Model string `json:"model" yaml:"model"`

	// MaxTokens is the context window size.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// Circuit-marking thresholds: an endpoint that fails repeatedly is skipped
// until the cooldown elapses.
const (
	circuitFailureThreshold = 3
	circuitCooldown         = time.Minute
)

type endpointHealth struct {
	failures  int
	openUntil time.Time
}

// Registry maps capabilities to model fallback chains and holds endpoint
// health for circuit marking. All methods are safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[Capability]*CapabilityConfig
	endpoints    map[string]*EndpointConfig
	health       map[string]*endpointHealth
	defaultModel string
}

// NewRegistry creates a registry from explicit configuration.
func NewRegistry(caps map[Capability]*CapabilityConfig, endpoints map[string]*EndpointConfig) *Registry {
	return &Registry{
		capabilities: caps,
		endpoints:    endpoints,
		health:       make(map[string]*endpointHealth),
	}
}

// NewDefaultRegistry creates a registry with a local-first model layout,
// used when no configuration is provided.
func NewDefaultRegistry() *Registry {
	r := NewRegistry(
		map[Capability]*CapabilityConfig{
			CapabilityAnalysis: {
				Description: "Website structure and regulatory-content analysis",
				Preferred:   []string{"claude-sonnet"},
				Fallback:    []string{"gpt-4o", "qwen"},
			},
			CapabilityExtraction: {
				Description: "Content extraction and summarization",
				Preferred:   []string{"claude-sonnet"},
				Fallback:    []string{"claude-haiku", "qwen"},
			},
			CapabilityValidation: {
				Description: "Extraction quality and completeness checks",
				Preferred:   []string{"claude-haiku"},
				Fallback:    []string{"qwen"},
			},
			CapabilityVision: {
				Description: "Image and document-scan understanding",
				Preferred:   []string{"gpt-4o"},
				Fallback:    []string{"claude-sonnet"},
			},
			CapabilityFast: {
				Description: "Quick responses, simple tasks",
				Preferred:   []string{"claude-haiku"},
				Fallback:    []string{"qwen"},
			},
		},
		map[string]*EndpointConfig{
			"claude-sonnet": {
				Provider:  "anthropic",
				Model:     "claude-sonnet-4-20250514",
				MaxTokens: 200000,
			},
			"claude-haiku": {
				Provider:  "anthropic",
				Model:     "claude-haiku-3-5-20241022",
				MaxTokens: 200000,
			},
			"gpt-4o": {
				Provider:  "openai",
				Model:     "gpt-4o",
				MaxTokens: 128000,
			},
			"qwen": {
				Provider:  "ollama",
				URL:       "http://localhost:11434/v1",
				Model:     "qwen2.5:14b",
				MaxTokens: 128000,
			},
		},
	)
	r.defaultModel = "qwen"
	return r
}

// FallbackChain returns all models for a capability in preference order.
func (r *Registry) FallbackChain(cap Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.capabilities[cap]; ok {
		chain := make([]string, 0, len(cfg.Preferred)+len(cfg.Fallback))
		chain = append(chain, cfg.Preferred...)
		chain = append(chain, cfg.Fallback...)
		return chain
	}
	if r.defaultModel != "" {
		return []string{r.defaultModel}
	}
	return nil
}

// Endpoint returns the endpoint configuration for a model name, or nil.
func (r *Registry) Endpoint(modelName string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[modelName]
}

// SetCapability updates or adds a capability configuration.
func (r *Registry) SetCapability(cap Capability, cfg *CapabilityConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capabilities == nil {
		r.capabilities = make(map[Capability]*CapabilityConfig)
	}
	r.capabilities[cap] = cfg
}

// SetEndpoint updates or adds an endpoint configuration.
func (r *Registry) SetEndpoint(name string, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.endpoints == nil {
		r.endpoints = make(map[string]*EndpointConfig)
	}
	r.endpoints[name] = cfg
}

// SetDefault sets the model used for unknown capabilities.
func (r *Registry) SetDefault(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultModel = model
}

// Available reports whether the endpoint's circuit is closed.
func (r *Registry) Available(modelName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.health[modelName]
	if !ok {
		return true
	}
	return h.failures < circuitFailureThreshold || time.Now().After(h.openUntil)
}

// MarkSuccess closes the endpoint's circuit.
func (r *Registry) MarkSuccess(modelName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.health, modelName)
}

// MarkFailure counts a failure against the endpoint; at the threshold the
// circuit opens for the cooldown period.
func (r *Registry) MarkFailure(modelName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.health[modelName]
	if !ok {
		h = &endpointHealth{}
		r.health[modelName] = h
	}
	h.failures++
	if h.failures >= circuitFailureThreshold {
		h.openUntil = time.Now().Add(circuitCooldown)
	}
}
