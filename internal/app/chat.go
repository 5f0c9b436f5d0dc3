// Package app implements application-level services for the Tollgate LLM
// gateway: the chat orchestrators and admin operations.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/cache"
	"github.com/tollgate-io/tollgate/internal/health"
	"github.com/tollgate-io/tollgate/internal/pricing"
	"github.com/tollgate-io/tollgate/internal/provider"
	"github.com/tollgate-io/tollgate/internal/routing"
	"github.com/tollgate-io/tollgate/internal/storage"
	"github.com/tollgate-io/tollgate/internal/telemetry"
)

// Fallback reasons beyond the routing package's health-driven one.
const reasonPrimaryError = "primary_error"

// ProviderCache marks a response served from the cache in the X-Provider
// header.
const ProviderCache = "cache"

// Cache states surfaced in the X-Cache header.
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheBypass = "bypass"
)

// ResponseCache is the cache surface the orchestrator needs. Satisfied by
// *cache.Store; nil-able via the noop in tests.
type ResponseCache interface {
	Get(ctx context.Context, tenantID, fingerprint string) (*cache.Entry, bool)
	Set(ctx context.Context, tenantID, fingerprint string, e *cache.Entry)
}

// TokenRecorder receives actual token usage after completion. Satisfied by
// *ratelimit.Limiter.
type TokenRecorder interface {
	RecordTokens(ctx context.Context, tenantID string, tokens int64)
}

// ChatService orchestrates the single-shot and streaming chat pipelines.
type ChatService struct {
	store     storage.Store
	providers *provider.Registry
	policy    routing.Policy
	health    *health.Tracker
	cache     ResponseCache
	prices    *pricing.Book
	tokens    TokenRecorder
	metrics   *telemetry.Metrics
	logger    *slog.Logger

	// model override for HTTP-backed primaries; empty in mock mode
	upstreamModel string
}

// ChatServiceOpts carries the orchestrator's collaborators.
type ChatServiceOpts struct {
	Store         storage.Store
	Providers     *provider.Registry
	Policy        routing.Policy
	Health        *health.Tracker
	Cache         ResponseCache
	Prices        *pricing.Book
	Tokens        TokenRecorder
	Metrics       *telemetry.Metrics
	Logger        *slog.Logger
	UpstreamModel string
}

// NewChatService wires a ChatService.
func NewChatService(opts ChatServiceOpts) *ChatService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		store:         opts.Store,
		providers:     opts.Providers,
		policy:        opts.Policy,
		health:        opts.Health,
		cache:         opts.Cache,
		prices:        opts.Prices,
		tokens:        opts.Tokens,
		metrics:       opts.Metrics,
		logger:        logger,
		upstreamModel: opts.UpstreamModel,
	}
}

// Outcome describes how a chat call was served, for response headers and
// logging.
type Outcome struct {
	RequestID   string
	Model       string
	Provider    string
	RouteReason string
	CacheState  string
	TotalTokens int
	CostUSD     float64
}

// resolveTenant falls back to the tenant named "default", creating it if
// necessary, when the request carries no authenticated tenant.
func (s *ChatService) resolveTenant(ctx context.Context) (*gateway.Tenant, error) {
	if t := gateway.TenantFromContext(ctx); t != nil {
		return t, nil
	}
	t, err := s.store.GetTenantByName(ctx, gateway.DefaultTenantName)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, gateway.ErrNotFound) {
		return nil, err
	}
	t = &gateway.Tenant{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Name:      gateway.DefaultTenantName,
		Tier:      gateway.TierFree,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateTenant(ctx, t); err != nil {
		if errors.Is(err, gateway.ErrConflict) {
			// Lost a create race; the row exists now.
			return s.store.GetTenantByName(ctx, gateway.DefaultTenantName)
		}
		return nil, err
	}
	return t, nil
}

// route computes the decision and the effective model name.
func (s *ChatService) route(tier string) (routing.Decision, string) {
	decision := s.policy.Choose(tier, s.health)
	model := decision.Model
	if s.upstreamModel != "" {
		model = s.upstreamModel
	}
	return decision, model
}

// Complete runs the single-shot pipeline: route, cache, dispatch with
// fallback, account, cache write.
func (s *ChatService) Complete(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, *Outcome, error) {
	tenant, err := s.resolveTenant(ctx)
	if err != nil {
		return nil, nil, err
	}

	decision, model := s.route(tenant.Tier)
	out := &Outcome{
		Model:       model,
		Provider:    decision.Provider,
		RouteReason: decision.Reason,
		CacheState:  CacheBypass,
	}

	cacheable := cache.Cacheable(req)
	var fingerprint string
	if cacheable {
		fingerprint = cache.Fingerprint(req)
		out.CacheState = CacheMiss
	}

	row := &gateway.Request{
		ID:             uuid.Must(uuid.NewV7()).String(),
		TenantID:       tenant.ID,
		Model:          model,
		Status:         gateway.StatusInProgress,
		RequestPayload: gateway.MarshalPayload(req),
		CreatedAt:      time.Now().UTC(),
	}
	out.RequestID = row.ID
	if err := s.store.CreateRequest(ctx, row); err != nil {
		return nil, nil, fmt.Errorf("create request row: %w", err)
	}
	started := time.Now()

	if cacheable && s.cache != nil {
		if entry, ok := s.cache.Get(ctx, tenant.ID, fingerprint); ok {
			out.CacheState = CacheHit
			out.Provider = ProviderCache
			out.RouteReason = routing.ReasonCacheHit
			if s.metrics != nil {
				s.metrics.CacheHits.Inc()
			}
			resp := entry.Response
			if err := s.finalize(ctx, tenant, row, resp, started,
				entry.PromptTokens, entry.CompletionTokens, entry.CostUSD, out); err != nil {
				return nil, nil, err
			}
			return resp, out, nil
		}
		if s.metrics != nil {
			s.metrics.CacheMisses.Inc()
		}
	}

	result, usedProvider, err := s.dispatch(ctx, req, model, decision)
	if err != nil {
		s.fail(ctx, tenant, row, started)
		return nil, nil, err
	}
	out.Provider = usedProvider

	cost := s.prices.Cost(model, result.PromptTokens, result.CompletionTokens, 0)
	out.CostUSD = cost

	if cacheable && s.cache != nil {
		s.cache.Set(ctx, tenant.ID, fingerprint, &cache.Entry{
			Response:         result.Response,
			PromptTokens:     result.PromptTokens,
			CompletionTokens: result.CompletionTokens,
			TotalTokens:      result.TotalTokens,
			CostUSD:          cost,
		})
	}

	if err := s.finalize(ctx, tenant, row, result.Response, started,
		result.PromptTokens, result.CompletionTokens, cost, out); err != nil {
		return nil, nil, err
	}
	return result.Response, out, nil
}

// dispatch calls the decided provider and falls back on error. Health is
// recorded for every attempt; the health-driven swap was already decided by
// routing and counted by emitSwap.
func (s *ChatService) dispatch(ctx context.Context, req *gateway.ChatRequest, model string, decision routing.Decision) (*provider.Result, string, error) {
	if decision.Reason == routing.ReasonPrimaryUnhealthy {
		s.emitSwap(routing.ReasonPrimaryUnhealthy, decision.FallbackProvider, decision.Provider)
	}

	outReq := *req
	outReq.Model = model
	outReq.Stream = false

	primary, err := s.providers.Get(decision.Provider)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", gateway.ErrProviderError, err)
	}

	started := time.Now()
	result, genErr := primary.Generate(ctx, &outReq)
	s.observeProvider(decision.Provider, model, started)
	if genErr == nil {
		s.health.Record(decision.Provider, true)
		return result, decision.Provider, nil
	}
	s.health.Record(decision.Provider, false)
	s.countProviderError(decision.Provider, "generate")
	if decision.FallbackProvider == "" {
		return nil, "", genErr
	}

	s.logger.LogAttrs(ctx, slog.LevelWarn, "provider failed, using fallback",
		slog.String("provider", decision.Provider),
		slog.String("fallback", decision.FallbackProvider),
		slog.String("error", genErr.Error()))
	s.emitSwap(reasonPrimaryError, decision.Provider, decision.FallbackProvider)

	fb, err := s.providers.Get(decision.FallbackProvider)
	if err != nil {
		return nil, "", genErr
	}
	started = time.Now()
	result, fbErr := fb.Generate(ctx, &outReq)
	s.observeProvider(decision.FallbackProvider, model, started)
	if fbErr != nil {
		s.health.Record(decision.FallbackProvider, false)
		s.countProviderError(decision.FallbackProvider, "generate")
		return nil, "", fbErr
	}
	s.health.Record(decision.FallbackProvider, true)
	return result, decision.FallbackProvider, nil
}

// finalize writes the terminal request row, the usage event, and the
// accounting metrics. Shared by the cache-hit and provider paths.
func (s *ChatService) finalize(ctx context.Context, tenant *gateway.Tenant, row *gateway.Request, resp *gateway.ChatResponse, started time.Time, promptTokens, completionTokens int, cost float64, out *Outcome) error {
	now := time.Now().UTC()
	row.Status = gateway.StatusCompleted
	row.ResponsePayload = gateway.MarshalPayload(resp)
	row.LatencyMs = time.Since(started).Milliseconds()
	row.PromptTokens = promptTokens
	row.CompletionTokens = completionTokens
	row.TotalTokens = promptTokens + completionTokens
	row.CostUSD = cost
	row.CompletedAt = &now
	out.TotalTokens = row.TotalTokens
	out.CostUSD = cost

	if err := s.store.FinishRequest(ctx, row); err != nil {
		return fmt.Errorf("finalize request row: %w", err)
	}
	if err := s.store.InsertUsageEvent(ctx, &gateway.UsageEvent{
		ID:        uuid.Must(uuid.NewV7()).String(),
		TenantID:  tenant.ID,
		RequestID: row.ID,
		Model:     row.Model,
		Tokens:    row.TotalTokens,
		CostUSD:   cost,
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}

	if s.tokens != nil {
		s.tokens.RecordTokens(ctx, tenant.ID, int64(row.TotalTokens))
	}
	if s.metrics != nil {
		s.metrics.TenantRequests.WithLabelValues(tenant.Name, gateway.StatusCompleted).Inc()
		s.metrics.TenantTokens.WithLabelValues(tenant.Name).Add(float64(row.TotalTokens))
		s.metrics.TenantCost.WithLabelValues(tenant.Name).Add(cost)
		s.metrics.TokensTotal.WithLabelValues(row.Model, "prompt").Add(float64(promptTokens))
		s.metrics.TokensTotal.WithLabelValues(row.Model, "completion").Add(float64(completionTokens))
		s.metrics.CostTotal.WithLabelValues(row.Model).Add(cost)
	}
	return nil
}

// fail marks the request row failed, best effort.
func (s *ChatService) fail(ctx context.Context, tenant *gateway.Tenant, row *gateway.Request, started time.Time) {
	now := time.Now().UTC()
	row.Status = gateway.StatusFailed
	row.LatencyMs = time.Since(started).Milliseconds()
	row.CompletedAt = &now
	if err := s.store.FinishRequest(context.WithoutCancel(ctx), row); err != nil {
		s.logger.LogAttrs(ctx, slog.LevelError, "failed to mark request failed",
			slog.String("request_id", row.ID),
			slog.String("error", err.Error()))
	}
	if s.metrics != nil {
		s.metrics.TenantRequests.WithLabelValues(tenant.Name, gateway.StatusFailed).Inc()
	}
}

func (s *ChatService) emitSwap(reason, from, to string) {
	if s.metrics != nil {
		s.metrics.FallbackTotal.WithLabelValues(reason, from, to).Inc()
	}
}

func (s *ChatService) observeProvider(name, model string, started time.Time) {
	if s.metrics != nil {
		s.metrics.ProviderDuration.WithLabelValues(name, model).Observe(time.Since(started).Seconds())
	}
}

func (s *ChatService) countProviderError(name, stage string) {
	if s.metrics != nil {
		s.metrics.ProviderErrors.WithLabelValues(name, stage).Inc()
	}
}

// ResetHealth zeroes all provider health windows (admin operation).
func (s *ChatService) ResetHealth() {
	s.health.Reset()
}
