// Package server implements the HTTP transport layer for the Tollgate gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/app"
	"github.com/tollgate-io/tollgate/internal/auth"
	"github.com/tollgate-io/tollgate/internal/quota"
	"github.com/tollgate-io/tollgate/internal/ratelimit"
	"github.com/tollgate-io/tollgate/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Authenticator resolves request credentials to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*auth.Identity, error)
}

// RateLimiter admits or denies a request against per-minute windows.
type RateLimiter interface {
	Allow(ctx context.Context, tenantID string) (ratelimit.Result, error)
}

// QuotaChecker verifies daily token and spend budgets.
type QuotaChecker interface {
	Check(ctx context.Context, tenant *gateway.Tenant) (quota.Decision, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth       Authenticator
	Chat       *app.ChatService
	Admin      *app.AdminService
	Limiter    RateLimiter          // nil = no rate limiting
	Quota      QuotaChecker         // nil = no quota enforcement
	Metrics    *telemetry.Metrics   // nil = no metric emission
	Gatherer   prometheus.Gatherer  // nil = prometheus.DefaultGatherer
	ReadyCheck ReadyChecker         // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth, exempt from rate limiting)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/metrics", s.handleMetrics())

	// Client-facing API: rate limit and quota apply here only.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Use(s.quotaCheck)
		r.Post("/v1/chat", s.handleChat)
		r.Post("/v1/chat/stream", s.handleChatStream)
	})

	// Admin API: authenticated but never rate limited.
	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.requireAdmin)
		r.Post("/tenants", s.handleCreateTenant)
		r.Get("/tenants", s.handleListTenants)
		r.Post("/tenants/{name}/keys", s.handleMintKey)
		r.Get("/tenants/{name}/keys", s.handleListKeys)
		r.Post("/tenants/{name}/keys/revoke", s.handleRevokeKeyByName)
		r.Post("/keys/revoke", s.handleRevokeKey)
		r.Post("/keys/rotate", s.handleRotateAdminKey)
		r.Post("/limits", s.handleSetLimits)
		r.Post("/health/reset", s.handleHealthReset)
		r.Get("/usage/{name}", s.handleUsageSummary)
	})

	return r
}

type server struct {
	deps Deps
}

func (s *server) handleMetrics() http.HandlerFunc {
	g := s.deps.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	h := promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	return h.ServeHTTP
}
