// Package mock implements a provider.Provider that fabricates completions
// locally. It exists for tests and for running the gateway without any
// upstream; a configurable fail rate exercises fallback and health paths.
package mock

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/provider"
	"github.com/tollgate-io/tollgate/internal/tokencount"
)

const content = "mock response"

// Provider fabricates chat completions after a fixed delay.
type Provider struct {
	name     string
	delay    time.Duration
	failRate float64
	randFn   func() float64 // overridable for tests
}

// Option configures a Provider.
type Option func(*Provider)

// WithDelay sets the simulated generation latency (default 200ms).
func WithDelay(d time.Duration) Option {
	return func(p *Provider) { p.delay = d }
}

// WithFailRate sets the probability in [0,1] that a call fails.
func WithFailRate(rate float64) Option {
	return func(p *Provider) { p.failRate = rate }
}

// WithRand overrides the randomness source used for failure injection.
func WithRand(fn func() float64) Option {
	return func(p *Provider) { p.randFn = fn }
}

// New creates a mock provider with the given registry name.
func New(name string, opts ...Option) *Provider {
	p := &Provider{
		name:   name,
		delay:  200 * time.Millisecond,
		randFn: rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return p.name }

func (p *Provider) maybeFail() error {
	if p.failRate > 0 && p.randFn() < p.failRate {
		return fmt.Errorf("%w: %s: injected failure", gateway.ErrProviderError, p.name)
	}
	return nil
}

func (p *Provider) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Generate fabricates a completion after the configured delay.
func (p *Provider) Generate(ctx context.Context, req *gateway.ChatRequest) (*provider.Result, error) {
	if err := p.sleep(ctx, p.delay); err != nil {
		return nil, err
	}
	if err := p.maybeFail(); err != nil {
		return nil, err
	}

	prompt := 0
	for _, m := range req.Messages {
		prompt += tokencount.Estimate(m.Content)
	}
	completion := tokencount.Estimate(content)

	return &provider.Result{
		Response: &gateway.ChatResponse{
			ID:      uuid.NewString(),
			Model:   req.Model,
			Created: time.Now().Unix(),
			Content: content,
		},
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}, nil
}

// Stream fabricates a completion as word-sized chunks.
func (p *Provider) Stream(ctx context.Context, req *gateway.ChatRequest) (<-chan provider.Chunk, error) {
	if err := p.maybeFail(); err != nil {
		return nil, err
	}

	words := strings.SplitAfter(content, " ")
	ch := make(chan provider.Chunk, len(words)+1)

	go func() {
		defer close(ch)
		perChunk := p.delay / time.Duration(max(1, len(words)))
		for _, w := range words {
			if err := p.sleep(ctx, perChunk); err != nil {
				ch <- provider.Chunk{Err: err}
				return
			}
			select {
			case ch <- provider.Chunk{Content: w}:
			case <-ctx.Done():
				ch <- provider.Chunk{Err: ctx.Err()}
				return
			}
		}

		prompt := 0
		for _, m := range req.Messages {
			prompt += tokencount.Estimate(m.Content)
		}
		ch <- provider.Chunk{
			Done:             true,
			Model:            req.Model,
			PromptTokens:     prompt,
			CompletionTokens: tokencount.Estimate(content),
		}
	}()
	return ch, nil
}
