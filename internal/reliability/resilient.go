package reliability

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/sethvargo/go-retry"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/provider"
)

// RetryConfig holds backoff parameters. MaxAttempts is the number of
// retries after the initial call.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterRatio float64
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 2,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		JitterRatio: 0.1,
	}
}

// Callbacks receive telemetry notifications. They must not block; they do
// not influence control flow.
type Callbacks struct {
	OnError       func(providerName, stage string, err error)
	OnRetry       func(providerName, stage string, attempt int)
	OnCircuitOpen func(providerName string)
}

// Resilient wraps a provider with retry and circuit breaking. It implements
// provider.Provider.
type Resilient struct {
	inner     provider.Provider
	name      string
	retryCfg  RetryConfig
	breaker   *Breaker
	callbacks Callbacks
	sleep     func(ctx context.Context, d time.Duration) error // overridable for tests
}

// Wrap returns a Resilient provider around inner.
func Wrap(inner provider.Provider, name string, retryCfg RetryConfig, breaker *Breaker, cb Callbacks) *Resilient {
	if retryCfg.MaxAttempts < 0 {
		retryCfg.MaxAttempts = 0
	}
	if retryCfg.BaseDelay <= 0 {
		retryCfg.BaseDelay = DefaultRetryConfig().BaseDelay
	}
	if retryCfg.MaxDelay <= 0 {
		retryCfg.MaxDelay = DefaultRetryConfig().MaxDelay
	}
	if breaker == nil {
		breaker = NewBreaker(DefaultBreakerConfig())
	}
	return &Resilient{
		inner:     inner,
		name:      name,
		retryCfg:  retryCfg,
		breaker:   breaker,
		callbacks: cb,
		sleep:     sleepCtx,
	}
}

// Name returns the wrapped provider's registry name.
func (r *Resilient) Name() string { return r.name }

// Breaker exposes the underlying breaker (admin and tests).
func (r *Resilient) Breaker() *Breaker { return r.breaker }

func (r *Resilient) ensureCircuit() error {
	if !r.breaker.Allow() {
		r.emitCircuitOpen()
		return fmt.Errorf("%w: provider %s", gateway.ErrCircuitOpen, r.name)
	}
	return nil
}

// Generate calls the wrapped provider with exponential backoff. Every error
// is retryable until MaxAttempts is exhausted.
func (r *Resilient) Generate(ctx context.Context, req *gateway.ChatRequest) (*provider.Result, error) {
	if err := r.ensureCircuit(); err != nil {
		return nil, err
	}

	var res *provider.Result
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(r.retryCfg.MaxAttempts),
		retry.WithJitterPercent(uint64(r.retryCfg.JitterRatio*100),
			retry.WithCappedDuration(r.retryCfg.MaxDelay,
				retry.NewExponential(r.retryCfg.BaseDelay))))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		out, genErr := r.inner.Generate(ctx, req)
		if genErr != nil {
			opened := r.breaker.RecordFailure()
			r.emitError("generate", genErr)
			if opened {
				r.emitCircuitOpen()
			}
			if attempt <= r.retryCfg.MaxAttempts {
				r.emitRetry("generate", attempt)
			}
			return retry.RetryableError(genErr)
		}
		r.breaker.RecordSuccess()
		res = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Stream calls the wrapped provider's stream, retrying only while nothing
// has been yielded to the caller. Once any chunk left this wrapper,
// failures are surfaced as an Err chunk without switching attempts.
func (r *Resilient) Stream(ctx context.Context, req *gateway.ChatRequest) (<-chan provider.Chunk, error) {
	if err := r.ensureCircuit(); err != nil {
		return nil, err
	}

	attempt := 0
	inner, err := r.openStream(ctx, req, &attempt)
	if err != nil {
		return nil, err
	}

	out := make(chan provider.Chunk, 8)
	go r.relay(ctx, req, inner, out, attempt)
	return out, nil
}

// openStream attempts inner.Stream with backoff until a channel is obtained
// or attempts are exhausted. attempt counts total calls made so far.
func (r *Resilient) openStream(ctx context.Context, req *gateway.ChatRequest, attempt *int) (<-chan provider.Chunk, error) {
	for {
		*attempt++
		ch, err := r.inner.Stream(ctx, req)
		if err == nil {
			return ch, nil
		}
		opened := r.breaker.RecordFailure()
		r.emitError("stream", err)
		if opened {
			r.emitCircuitOpen()
		}
		if *attempt > r.retryCfg.MaxAttempts {
			return nil, err
		}
		r.emitRetry("stream", *attempt)
		if serr := r.sleep(ctx, r.backoffDelay(*attempt)); serr != nil {
			return nil, err
		}
	}
}

func (r *Resilient) relay(ctx context.Context, req *gateway.ChatRequest, inner <-chan provider.Chunk, out chan<- provider.Chunk, attempt int) {
	defer close(out)

	yielded := false
	for {
		var chunk provider.Chunk
		var ok bool
		select {
		case chunk, ok = <-inner:
		case <-ctx.Done():
			// Consumer abandoned the stream; the inner provider owns its
			// own shutdown on the same ctx.
			return
		}
		if !ok {
			// Channel closed without a done or error chunk; treat as
			// a clean end of stream.
			r.breaker.RecordSuccess()
			return
		}

		if chunk.Err != nil {
			opened := r.breaker.RecordFailure()
			r.emitError("stream", chunk.Err)
			if opened {
				r.emitCircuitOpen()
			}
			if yielded || attempt > r.retryCfg.MaxAttempts {
				r.deliver(ctx, out, chunk)
				return
			}
			// Nothing reached the caller yet; restart the stream.
			r.emitRetry("stream", attempt)
			if err := r.sleep(ctx, r.backoffDelay(attempt)); err != nil {
				r.deliver(ctx, out, provider.Chunk{Err: chunk.Err})
				return
			}
			attempt++
			next, err := r.inner.Stream(ctx, req)
			if err != nil {
				opened := r.breaker.RecordFailure()
				r.emitError("stream", err)
				if opened {
					r.emitCircuitOpen()
				}
				r.deliver(ctx, out, provider.Chunk{Err: err})
				return
			}
			inner = next
			continue
		}

		if !r.deliver(ctx, out, chunk) {
			return
		}
		yielded = true
		if chunk.Done {
			r.breaker.RecordSuccess()
			return
		}
	}
}

// deliver sends chunk to the consumer unless it is gone. A consumer that
// cancelled its ctx and stopped reading must never pin this goroutine.
func (r *Resilient) deliver(ctx context.Context, out chan<- provider.Chunk, chunk provider.Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// backoffDelay computes min(maxDelay, base*2^(attempt-1)) plus additive
// jitter up to jitterRatio of the delay.
func (r *Resilient) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := r.retryCfg.BaseDelay << (attempt - 1)
	if d > r.retryCfg.MaxDelay || d <= 0 {
		d = r.retryCfg.MaxDelay
	}
	jitter := time.Duration(rand.Float64() * r.retryCfg.JitterRatio * float64(d))
	return d + jitter
}

func (r *Resilient) emitError(stage string, err error) {
	if r.callbacks.OnError != nil {
		r.callbacks.OnError(r.name, stage, err)
	}
}

func (r *Resilient) emitRetry(stage string, attempt int) {
	if r.callbacks.OnRetry != nil {
		r.callbacks.OnRetry(r.name, stage, attempt)
	}
}

func (r *Resilient) emitCircuitOpen() {
	if r.callbacks.OnCircuitOpen != nil {
		r.callbacks.OnCircuitOpen(r.name)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
