package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// statusWriterPool eliminates 1 alloc/req from &statusWriter{} escaping to heap.
// Reset fields on Get, nil ResponseWriter on Put to avoid retaining references.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// recovery catches panics and returns 500.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
				)
				writeJSON(w, http.StatusInternalServerError, errorResponse(codeInternal, "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Canonical MIME forms so direct map access (r.Header[key]) skips
// textproto.CanonicalMIMEHeaderKey per lookup.
const (
	requestIDHeader   = "X-Request-Id"
	idempotencyHeader = "Idempotency-Key"
)

// requestID echoes the inbound request ID or mints a fresh v4 UUID, and
// echoes Idempotency-Key when present.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if vals := r.Header[requestIDHeader]; len(vals) > 0 {
			id = vals[0]
		} else {
			id = uuid.NewString()
		}
		w.Header()[requestIDHeader] = []string{id}
		if vals := r.Header[idempotencyHeader]; len(vals) > 0 {
			w.Header()[idempotencyHeader] = vals
		}
		ctx := gateway.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logging logs each request with method, path, status, and duration.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		next.ServeHTTP(sw, r)
		// LogAttrs with typed attrs keeps values on the stack instead of
		// boxing every key+value into any.
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
		)
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}

// authenticate validates the API key and stores the tenant in the request
// context. The requestMeta from requestID is mutated in place, so no new
// context or request copy is needed.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.deps.Auth.Authenticate(r.Context(), r)
		if err != nil {
			status, code := errorStatus(err)
			writeJSON(w, status, errorResponse(code, err.Error()))
			return
		}
		ctx := gateway.ContextWithTenant(r.Context(), identity.Tenant)
		if ctx == r.Context() {
			next.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	})
}

// requireAdmin rejects callers outside the admin tenant.
func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := gateway.TenantFromContext(r.Context())
		if tenant == nil || tenant.Name != gateway.AdminTenantName {
			writeJSON(w, http.StatusForbidden, errorResponse(codeForbidden, "admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit enforces per-minute request and token windows. The gateway
// fails closed when the limit store is unreachable.
func (s *server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := gateway.TenantFromContext(r.Context())
		if s.deps.Limiter == nil || tenant == nil {
			next.ServeHTTP(w, r)
			return
		}
		res, err := s.deps.Limiter.Allow(r.Context(), tenant.ID)
		if err != nil {
			if errors.Is(err, gateway.ErrRateLimitUnavailable) {
				writeJSON(w, http.StatusServiceUnavailable,
					errorResponse(codeRateLimitUnavailable, "rate limit store unavailable"))
				return
			}
			writeJSON(w, http.StatusInternalServerError, errorResponse(codeInternal, "internal error"))
			return
		}
		if !res.Allowed {
			if s.deps.Metrics != nil {
				s.deps.Metrics.RateLimitedTotal.WithLabelValues(res.Reason).Inc()
			}
			w.Header()["Retry-After"] = []string{strconv.FormatInt(res.RetryAfterSeconds, 10)}
			writeJSON(w, http.StatusTooManyRequests, errorResponse(codeRateLimited, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// quotaCheck enforces daily token and spend budgets and attaches the
// remaining-budget headers on allowed requests.
func (s *server) quotaCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := gateway.TenantFromContext(r.Context())
		if s.deps.Quota == nil || tenant == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.deps.Quota.Check(r.Context(), tenant)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse(codeInternal, "internal error"))
			return
		}
		if d.TokensRemaining >= 0 {
			w.Header()["X-Ratelimit-Tokens-Remaining"] = []string{strconv.FormatInt(d.TokensRemaining, 10)}
		}
		if d.SpendRemaining >= 0 {
			w.Header()["X-Ratelimit-Spend-Remaining"] = []string{strconv.FormatFloat(d.SpendRemaining, 'f', -1, 64)}
		}
		if !d.Allowed {
			if s.deps.Metrics != nil {
				s.deps.Metrics.QuotaDeniedTotal.WithLabelValues(d.Reason).Inc()
			}
			w.Header()["Retry-After"] = []string{strconv.FormatInt(secondsToMidnightUTC(time.Now()), 10)}
			writeJSON(w, http.StatusTooManyRequests, errorResponse(codeQuotaExceeded, "daily quota exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secondsToMidnightUTC is the Retry-After horizon for daily quota denials.
func secondsToMidnightUTC(now time.Time) int64 {
	now = now.UTC()
	midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	return int64(midnight.Sub(now).Seconds())
}

// statusWriter wraps ResponseWriter to capture the HTTP status code.
// WriteHeader records only the first status code; subsequent calls are
// forwarded to the underlying writer but do not update the captured value,
// matching net/http semantics where only the first WriteHeader takes effect.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Flush delegates to the underlying ResponseWriter if it implements
// http.Flusher, so SSE streaming works through middleware.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter, allowing
// http.ResponseController and similar utilities to find interface
// implementations.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
