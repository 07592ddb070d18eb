package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Client is the provider-agnostic generative model interface.
type Client interface {
	// Complete performs a blocking generation and returns the full response.
	Complete(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
}

// ProviderFactory creates a Client for a given model name within a provider.
type ProviderFactory func(modelName string) (Client, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]ProviderFactory{}
)

// RegisterProvider registers a factory function for a named provider.
// Call this from init() in provider packages.
func RegisterProvider(name string, factory ProviderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Providers lists the registered provider names.
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewClient constructs a Client for the given model ID ("provider:model-name").
func NewClient(modelID string) (Client, error) {
	provider, modelName, err := ParseModelID(modelID)
	if err != nil {
		return nil, fmt.Errorf("NewClient: %w", err)
	}
	registryMu.RLock()
	factory, ok := registry[provider]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q (model ID %q) — did you import the provider package?", provider, modelID)
	}
	return factory(modelName)
}

// Resolver hands out clients by model ID. An empty ID selects the
// resolver's default model.
type Resolver interface {
	Client(modelID string) (Client, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(modelID string) (Client, error)

// Client calls f.
func (f ResolverFunc) Client(modelID string) (Client, error) { return f(modelID) }

// Pool is a Resolver that builds each model's client once and shares it.
// Clients returned by a Pool retry transient failures per its policy.
type Pool struct {
	defaultModel string
	policy       RetryPolicy
	newClient    func(string) (Client, error)

	mu      sync.Mutex
	clients map[string]Client
}

// NewPool creates a Pool backed by the provider registry.
func NewPool(defaultModel string, policy RetryPolicy) *Pool {
	return &Pool{
		defaultModel: defaultModel,
		policy:       policy,
		newClient:    NewClient,
		clients:      make(map[string]Client),
	}
}

// DefaultModel returns the model used when a caller names none.
func (p *Pool) DefaultModel() string { return p.defaultModel }

// Client returns the shared client for modelID.
func (p *Pool) Client(modelID string) (Client, error) {
	if modelID == "" {
		modelID = p.defaultModel
	}
	if modelID == "" {
		return nil, fmt.Errorf("no model specified and no default model configured")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[modelID]; ok {
		return c, nil
	}
	c, err := p.newClient(modelID)
	if err != nil {
		return nil, err
	}
	if p.policy.MaxAttempts > 1 {
		c = &retryingClient{inner: c, policy: p.policy}
	}
	p.clients[modelID] = c
	return c, nil
}

type retryingClient struct {
	inner  Client
	policy RetryPolicy
}

func (r *retryingClient) Complete(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	var resp GenerateResponse
	err := Retry(ctx, r.policy, func() error {
		var innerErr error
		resp, innerErr = r.inner.Complete(ctx, req)
		return innerErr
	})
	return resp, err
}
