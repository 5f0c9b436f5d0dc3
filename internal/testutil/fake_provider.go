// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"
	"sync"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/provider"
)

// FakeProvider is a configurable provider.Provider for testing. It counts
// calls so tests can assert retry behavior.
type FakeProvider struct {
	ProviderName string
	GenerateFn   func(ctx context.Context, req *gateway.ChatRequest) (*provider.Result, error)
	StreamFn     func(ctx context.Context, req *gateway.ChatRequest) (<-chan provider.Chunk, error)

	mu            sync.Mutex
	generateCalls int
	streamCalls   int
}

// Name returns the configured provider name.
func (f *FakeProvider) Name() string { return f.ProviderName }

// GenerateCalls returns the number of Generate invocations.
func (f *FakeProvider) GenerateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generateCalls
}

// StreamCalls returns the number of Stream invocations.
func (f *FakeProvider) StreamCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamCalls
}

// Generate delegates to GenerateFn or returns a default result.
func (f *FakeProvider) Generate(ctx context.Context, req *gateway.ChatRequest) (*provider.Result, error) {
	f.mu.Lock()
	f.generateCalls++
	f.mu.Unlock()
	if f.GenerateFn != nil {
		return f.GenerateFn(ctx, req)
	}
	return DefaultResult(req), nil
}

// Stream delegates to StreamFn or returns a canned two-chunk stream.
func (f *FakeProvider) Stream(ctx context.Context, req *gateway.ChatRequest) (<-chan provider.Chunk, error) {
	f.mu.Lock()
	f.streamCalls++
	f.mu.Unlock()
	if f.StreamFn != nil {
		return f.StreamFn(ctx, req)
	}
	return FakeStreamChan(req.Model,
		provider.Chunk{Content: "fake "},
		provider.Chunk{Content: "stream"},
	), nil
}

// DefaultResult returns a canned generation result for req.
func DefaultResult(req *gateway.ChatRequest) *provider.Result {
	return &provider.Result{
		Response: &gateway.ChatResponse{
			ID:      "resp-fake",
			Model:   req.Model,
			Created: 1700000000,
			Content: "fake response",
		},
		PromptTokens:     7,
		CompletionTokens: 3,
		TotalTokens:      10,
	}
}

// FakeStreamChan returns a channel pre-loaded with the given chunks,
// followed by a Done chunk carrying usage. The channel is closed after all
// chunks are sent.
func FakeStreamChan(model string, chunks ...provider.Chunk) <-chan provider.Chunk {
	ch := make(chan provider.Chunk, len(chunks)+1)
	for _, c := range chunks {
		ch <- c
	}
	ch <- provider.Chunk{Done: true, Model: model, PromptTokens: 7, CompletionTokens: 3}
	close(ch)
	return ch
}
