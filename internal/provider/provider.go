// Package provider defines the adapter contract over LLM backends and the
// registry mapping route positions to adapters.
package provider

import (
	"context"
	"fmt"
	"slices"
	"sync"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// Result is the outcome of a non-streaming generation.
type Result struct {
	Response         *gateway.ChatResponse
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Chunk is a single element of a streaming generation. Content chunks carry
// text; the final chunk has Done=true and may carry usage and the upstream
// model name. Err is set when the stream failed mid-flight.
type Chunk struct {
	Content          string
	Done             bool
	PromptTokens     int
	CompletionTokens int
	Model            string
	Err              error
}

// Provider is the sealed capability set all adapters implement.
// Implementations must be safe for concurrent calls.
type Provider interface {
	// Name returns the adapter identifier (e.g. "mock", "ollama").
	Name() string
	// Generate performs a single-shot completion.
	Generate(ctx context.Context, req *gateway.ChatRequest) (*Result, error)
	// Stream performs a streaming completion. The returned channel is
	// closed after the final chunk; every stream ends with Done=true or
	// a chunk carrying Err.
	Stream(ctx context.Context, req *gateway.ChatRequest) (<-chan Chunk, error)
}

// Registry maps route positions ("primary", "fallback") to Provider
// instances. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under the given position name, overwriting any
// previous registration.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	r.providers[name] = p
	r.mu.Unlock()
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: provider %q not registered", gateway.ErrProviderError, name)
	}
	return p, nil
}

// List returns a sorted slice of registered position names.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}
