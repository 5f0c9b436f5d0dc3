// Package ratelimit implements per-tenant RPM and TPM limiting on Redis
// fixed minute windows, so limits hold across gateway replicas.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// tpmPreEstimate is charged per request at admission time. Actual token
// usage is only known after the provider responds; the minute window has
// rolled by then, so the estimate is never reconciled.
const tpmPreEstimate = 2

// windowTTL keeps a minute bucket alive slightly past its window so a
// clock-skewed reader still sees it.
const windowTTL = 60 * time.Second

// Limits holds the effective per-minute limits. A value of 0 disables the
// corresponding check.
type Limits struct {
	RequestsPerMinute int64
	TokensPerMinute   int64
}

// Denial reasons, used as metric label values.
const (
	ReasonRequestsPerMinute = "requests_per_minute"
	ReasonTokensPerMinute   = "tokens_per_minute"
)

// Result is the outcome of an admission check.
type Result struct {
	Allowed           bool
	Reason            string // denial reason, empty when allowed
	Limit             int64
	Remaining         int64
	RetryAfterSeconds int64
}

// Limiter enforces fixed-window counters in Redis. Redis being unreachable
// fails closed: admission is denied with ErrRateLimitUnavailable rather
// than letting an outage disable limiting.
type Limiter struct {
	rdb    *redis.Client
	limits Limits
	logger *slog.Logger
	now    func() time.Time // overridable for tests
}

// New creates a Limiter with the given default limits.
func New(rdb *redis.Client, limits Limits, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{rdb: rdb, limits: limits, logger: logger, now: time.Now}
}

func requestKey(tenantID string, minute int64) string {
	return fmt.Sprintf("rl:req:%s:%d", tenantID, minute)
}

func tokenKey(tenantID string, minute int64) string {
	return fmt.Sprintf("rl:tokens:%s:%d", tenantID, minute)
}

// Allow admits or rejects one request for a tenant. It charges one request
// and a fixed token pre-estimate against the current minute window.
func (l *Limiter) Allow(ctx context.Context, tenantID string) (Result, error) {
	now := l.now().Unix()
	minute := now / 60
	retryAfter := 60 - now%60

	if l.limits.RequestsPerMinute > 0 {
		count, err := l.incr(ctx, requestKey(tenantID, minute), 1)
		if err != nil {
			return Result{}, err
		}
		if count > l.limits.RequestsPerMinute {
			return Result{
				Reason:            ReasonRequestsPerMinute,
				Limit:             l.limits.RequestsPerMinute,
				RetryAfterSeconds: retryAfter,
			}, nil
		}
	}

	if l.limits.TokensPerMinute > 0 {
		tokens, err := l.incr(ctx, tokenKey(tenantID, minute), tpmPreEstimate)
		if err != nil {
			return Result{}, err
		}
		if tokens > l.limits.TokensPerMinute {
			return Result{
				Reason:            ReasonTokensPerMinute,
				Limit:             l.limits.TokensPerMinute,
				RetryAfterSeconds: retryAfter,
			}, nil
		}
	}

	res := Result{Allowed: true, Limit: l.limits.RequestsPerMinute}
	if l.limits.RequestsPerMinute > 0 {
		used, err := l.rdb.Get(ctx, requestKey(tenantID, minute)).Int64()
		if err != nil && err != redis.Nil {
			return Result{}, l.unavailable(ctx, err)
		}
		res.Remaining = max(0, l.limits.RequestsPerMinute-used)
	}
	return res, nil
}

// RecordTokens charges actual token usage against the current window.
// Best effort: a failure here only loosens the next window slightly.
func (l *Limiter) RecordTokens(ctx context.Context, tenantID string, tokens int64) {
	if l.limits.TokensPerMinute <= 0 || tokens <= 0 {
		return
	}
	minute := l.now().Unix() / 60
	if _, err := l.incr(ctx, tokenKey(tenantID, minute), tokens); err != nil {
		l.logger.LogAttrs(ctx, slog.LevelWarn, "token usage record failed",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()))
	}
}

// incr increments a window counter, setting the TTL when the key is fresh.
func (l *Limiter) incr(ctx context.Context, key string, delta int64) (int64, error) {
	pipe := l.rdb.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	pipe.ExpireNX(ctx, key, windowTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, l.unavailable(ctx, err)
	}
	return incr.Val(), nil
}

func (l *Limiter) unavailable(ctx context.Context, err error) error {
	l.logger.LogAttrs(ctx, slog.LevelError, "rate limit backend unavailable",
		slog.String("error", err.Error()))
	return fmt.Errorf("%w: %s", gateway.ErrRateLimitUnavailable, err)
}
