package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/app"
	"github.com/tollgate-io/tollgate/internal/auth"
	"github.com/tollgate-io/tollgate/internal/cache"
	"github.com/tollgate-io/tollgate/internal/health"
	"github.com/tollgate-io/tollgate/internal/pricing"
	"github.com/tollgate-io/tollgate/internal/provider"
	"github.com/tollgate-io/tollgate/internal/provider/mock"
	"github.com/tollgate-io/tollgate/internal/quota"
	"github.com/tollgate-io/tollgate/internal/ratelimit"
	"github.com/tollgate-io/tollgate/internal/routing"
	"github.com/tollgate-io/tollgate/internal/telemetry"
	"github.com/tollgate-io/tollgate/internal/testutil"
)

const testAdminKey = "tg_admin-test-key"

type env struct {
	handler  http.Handler
	store    *testutil.FakeStore
	registry *provider.Registry
	mr       *miniredis.Miniredis
	reg      *prometheus.Registry
	apiKey   string // plaintext key for tenant "acme" (pro tier)
}

type envOpts struct {
	requestsPerMinute int64
	tokensPerMinute   int64
	readyCheck        ReadyChecker
}

func newEnv(t *testing.T, opts envOpts) *env {
	t.Helper()
	ctx := context.Background()

	store := testutil.NewFakeStore()
	hasher := gateway.NewKeyHasher("test-secret")
	authn, err := auth.New(store, hasher, nil)
	require.NoError(t, err)

	book := pricing.NewBook(pricing.Default())
	admin := app.NewAdminService(store, hasher, book, authn)
	require.NoError(t, admin.BootstrapAdmin(ctx, testAdminKey))

	adminTenant, err := store.GetTenantByName(ctx, gateway.AdminTenantName)
	require.NoError(t, err)
	_, err = admin.CreateTenant(ctx, adminTenant, "acme", gateway.TierPro)
	require.NoError(t, err)
	apiKey, _, err := admin.MintKey(ctx, adminTenant, "acme", "test")
	require.NoError(t, err)

	registry := provider.NewRegistry()
	registry.Register(routing.ProviderPrimary, mock.New("mock-primary"))
	registry.Register(routing.ProviderFallback, mock.New("mock-fallback"))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	rpm, tpm := opts.requestsPerMinute, opts.tokensPerMinute
	if rpm == 0 {
		rpm = 60
	}
	if tpm == 0 {
		tpm = 100_000
	}
	limiter := ratelimit.New(rdb, ratelimit.Limits{RequestsPerMinute: rpm, TokensPerMinute: tpm}, slog.Default())

	chat := app.NewChatService(app.ChatServiceOpts{
		Store:     store,
		Providers: registry,
		Policy:    *routing.NewPolicy(0.5),
		Health:    health.NewTracker(10, 1),
		Cache:     cache.NewStore(rdb, time.Minute, slog.Default()),
		Prices:    book,
		Tokens:    limiter,
		Metrics:   metrics,
		Logger:    slog.Default(),
	})

	handler := New(Deps{
		Auth:       authn,
		Chat:       chat,
		Admin:      admin,
		Limiter:    limiter,
		Quota:      quota.NewGuard(store),
		Metrics:    metrics,
		Gatherer:   reg,
		ReadyCheck: opts.readyCheck,
	})

	return &env{handler: handler, store: store, registry: registry, mr: mr, reg: reg, apiKey: apiKey}
}

func (e *env) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func chatBody() map[string]any {
	return map[string]any{
		"model":       "anything",
		"messages":    []map[string]string{{"role": "user", "content": "hello"}},
		"temperature": 0,
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (code, message string) {
	t.Helper()
	var e struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e.Error.Code, e.Error.Message
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOpts{})

	rec := e.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadyEndpoint(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOpts{readyCheck: func(context.Context) error { return errors.New("db down") }})

	rec := e.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOpts{})

	// One served request so counters exist.
	e.do(t, http.MethodPost, "/v1/chat", e.apiKey, chatBody())

	rec := e.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tollgate_requests_total")
}

func TestChatRequiresAuth(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOpts{})

	rec := e.do(t, http.MethodPost, "/v1/chat", "", chatBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	code, _ := decodeError(t, rec)
	assert.Equal(t, "unauthorized", code)

	rec = e.do(t, http.MethodPost, "/v1/chat", "tg_bogus", chatBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatHappyPath(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOpts{})

	rec := e.do(t, http.MethodPost, "/v1/chat", e.apiKey, chatBody())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp gateway.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "mock response", resp.Content)
	assert.NotEmpty(t, resp.ID)

	h := rec.Header()
	assert.Equal(t, "mock-2", h.Get("X-Model-Chosen"), "pro tier model")
	assert.Equal(t, "tier:pro", h.Get("X-Route-Reason"))
	assert.Equal(t, routing.ProviderPrimary, h.Get("X-Provider"))
	assert.Equal(t, "miss", h.Get("X-Cache"))
	assert.NotEmpty(t, h.Get("X-Request-Id"))
}

func TestChatCacheHitHeader(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOpts{})

	first := e.do(t, http.MethodPost, "/v1/chat", e.apiKey, chatBody())
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, "miss", first.Header().Get("X-Cache"))

	second := e.do(t, http.MethodPost, "/v1/chat", e.apiKey, chatBody())
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "hit", second.Header().Get("X-Cache"))
	assert.Equal(t, "cache", second.Header().Get("X-Provider"))

	var a, b gateway.ChatResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, a.Content, b.Content)
}

func TestChatValidation(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOpts{})

	body := chatBody()
	body["messages"] = []map[string]string{}
	rec := e.do(t, http.MethodPost, "/v1/chat", e.apiKey, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	code, msg := decodeError(t, rec)
	assert.Equal(t, "bad_request", code)
	assert.Contains(t, msg, "messages")
}

func TestRequestIDAndIdempotencyEcho(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOpts{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "req-abc")
	req.Header.Set("Idempotency-Key", "idem-123")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-abc", rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "idem-123", rec.Header().Get("Idempotency-Key"))

	// Without an inbound ID a fresh UUID is minted.
	rec = e.do(t, http.MethodGet, "/health", "", nil)
	_, err := uuid.Parse(rec.Header().Get("X-Request-Id"))
	assert.NoError(t, err)
}

func TestRateLimitDenies(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOpts{requestsPerMinute: 2})

	for i := 0; i < 2; i++ {
		rec := e.do(t, http.MethodPost, "/v1/chat", e.apiKey, chatBody())
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	rec := e.do(t, http.MethodPost, "/v1/chat", e.apiKey, chatBody())
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	code, _ := decodeError(t, rec)
	assert.Equal(t, "rate_limited", code)

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retryAfter, 0)
	assert.LessOrEqual(t, retryAfter, 60)

	// Admin routes stay exempt from rate limiting.
	adminRec := e.do(t, http.MethodGet, "/v1/admin/tenants", testAdminKey, nil)
	assert.Equal(t, http.StatusOK, adminRec.Code)
}

func TestRateLimitStoreDownFailsClosed(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOpts{})
	e.mr.Close()

	rec := e.do(t, http.MethodPost, "/v1/chat", e.apiKey, chatBody())
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	code, _ := decodeError(t, rec)
	assert.Equal(t, "rate_limit_unavailable", code)
}

func TestQuotaDenied(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOpts{})
	ctx := context.Background()

	tenant, err := e.store.GetTenantByName(ctx, "acme")
	require.NoError(t, err)
	limit := int64(100)
	tenant.TokenLimitPerDay = &limit
	require.NoError(t, e.store.UpdateTenant(ctx, tenant))

	require.NoError(t, e.store.InsertUsageEvent(ctx, &gateway.UsageEvent{
		ID:        uuid.NewString(),
		TenantID:  tenant.ID,
		RequestID: uuid.NewString(),
		Model:     "mock-2",
		Tokens:    120,
		CreatedAt: time.Now().UTC(),
	}))

	rec := e.do(t, http.MethodPost, "/v1/chat", e.apiKey, chatBody())
	require.Equal(t, http.StatusTooManyRequests, rec.Code, rec.Body.String())
	code, _ := decodeError(t, rec)
	assert.Equal(t, "quota_exceeded", code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Tokens-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestQuotaRemainingHeaders(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOpts{})
	ctx := context.Background()

	tenant, err := e.store.GetTenantByName(ctx, "acme")
	require.NoError(t, err)
	limit := int64(1000)
	tenant.TokenLimitPerDay = &limit
	require.NoError(t, e.store.UpdateTenant(ctx, tenant))

	require.NoError(t, e.store.InsertUsageEvent(ctx, &gateway.UsageEvent{
		ID:        uuid.NewString(),
		TenantID:  tenant.ID,
		RequestID: uuid.NewString(),
		Model:     "mock-2",
		Tokens:    100,
		CreatedAt: time.Now().UTC(),
	}))

	rec := e.do(t, http.MethodPost, "/v1/chat", e.apiKey, chatBody())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "900", rec.Header().Get("X-RateLimit-Tokens-Remaining"))
}

func TestAdminForbiddenForNonAdmin(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOpts{})

	rec := e.do(t, http.MethodGet, "/v1/admin/tenants", e.apiKey, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	code, _ := decodeError(t, rec)
	assert.Equal(t, "forbidden", code)
}

func TestAdminCreateTenantEndpoint(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOpts{})

	rec := e.do(t, http.MethodPost, "/v1/admin/tenants", testAdminKey,
		map[string]string{"name": "globex", "tier": "free"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var tenant gateway.Tenant
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tenant))
	assert.Equal(t, "globex", tenant.Name)

	rec = e.do(t, http.MethodPost, "/v1/admin/tenants", testAdminKey,
		map[string]string{"name": "globex"})
	require.Equal(t, http.StatusConflict, rec.Code)
	code, _ := decodeError(t, rec)
	assert.Equal(t, "conflict", code)
}

func TestAdminMintAndUseKey(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOpts{})

	rec := e.do(t, http.MethodPost, "/v1/admin/tenants/acme/keys", testAdminKey,
		map[string]string{"name": "ci"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var minted struct {
		Key      string `json:"key"`
		KeyLast6 string `json:"key_last6"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &minted))
	assert.True(t, strings.HasPrefix(minted.Key, gateway.APIKeyPrefix))
	assert.Len(t, minted.KeyLast6, 6)

	// The fresh key authenticates immediately.
	chatRec := e.do(t, http.MethodPost, "/v1/chat", minted.Key, chatBody())
	assert.Equal(t, http.StatusOK, chatRec.Code)

	// Listing masks hashes down to key_last6.
	listRec := e.do(t, http.MethodGet, "/v1/admin/tenants/acme/keys", testAdminKey, nil)
	require.Equal(t, http.StatusOK, listRec.Code)
	assert.NotContains(t, listRec.Body.String(), minted.Key)
	assert.Contains(t, listRec.Body.String(), minted.KeyLast6)
}

func TestAdminRevokeKeyEndpoint(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOpts{})

	rec := e.do(t, http.MethodPost, "/v1/admin/keys/revoke", testAdminKey,
		map[string]string{"key": e.apiKey, "reason": "compromised"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The revoked key stops authenticating immediately.
	chatRec := e.do(t, http.MethodPost, "/v1/chat", e.apiKey, chatBody())
	assert.Equal(t, http.StatusUnauthorized, chatRec.Code)
}

func TestAdminRotateKeyEndpoint(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOpts{})

	rec := e.do(t, http.MethodPost, "/v1/admin/keys/rotate", testAdminKey, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var rotated struct {
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rotated))
	require.True(t, strings.HasPrefix(rotated.Key, gateway.APIKeyPrefix))

	// Old admin key is dead, new one works.
	old := e.do(t, http.MethodGet, "/v1/admin/tenants", testAdminKey, nil)
	assert.Equal(t, http.StatusUnauthorized, old.Code)
	fresh := e.do(t, http.MethodGet, "/v1/admin/tenants", rotated.Key, nil)
	assert.Equal(t, http.StatusOK, fresh.Code)
}

func TestAdminSetLimitsEndpoint(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOpts{})

	rec := e.do(t, http.MethodPost, "/v1/admin/limits", testAdminKey,
		map[string]any{"tenant": "acme", "token_limit_per_day": 5000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var tenant gateway.Tenant
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tenant))
	require.NotNil(t, tenant.TokenLimitPerDay)
	assert.Equal(t, int64(5000), *tenant.TokenLimitPerDay)
}

func TestAdminUsageSummaryEndpoint(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOpts{})

	// Serve one chat so the ledger has a row.
	rec := e.do(t, http.MethodPost, "/v1/chat", e.apiKey, chatBody())
	require.Equal(t, http.StatusOK, rec.Code)

	sumRec := e.do(t, http.MethodGet, "/v1/admin/usage/acme", testAdminKey, nil)
	require.Equal(t, http.StatusOK, sumRec.Code, sumRec.Body.String())

	var summary struct {
		Data []struct {
			Model    string `json:"model"`
			Requests int64  `json:"requests"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(sumRec.Body.Bytes(), &summary))
	require.Len(t, summary.Data, 1)
	assert.Equal(t, "mock-2", summary.Data[0].Model)

	bad := e.do(t, http.MethodGet, "/v1/admin/usage/acme?since=yesterday", testAdminKey, nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestAdminHealthResetEndpoint(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOpts{})

	rec := e.do(t, http.MethodPost, "/v1/admin/health/reset", testAdminKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// The reset is audited.
	actions, err := e.store.ListAdminActions(context.Background(), 0, 50)
	require.NoError(t, err)
	found := false
	for _, a := range actions {
		if a.Action == "health.reset" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestChatStreamSSE(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOpts{})

	rec := e.do(t, http.MethodPost, "/v1/chat/stream", e.apiKey, chatBody())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.Equal(t, "bypass", rec.Header().Get("X-Cache"))

	body := rec.Body.String()
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"), "terminates with DONE sentinel")

	frames := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	require.GreaterOrEqual(t, len(frames), 2)

	var content strings.Builder
	var terminal app.StreamEvent
	for i, frame := range frames {
		require.True(t, strings.HasPrefix(frame, "data: "), "frame %d: %q", i, frame)
		payload := strings.TrimPrefix(frame, "data: ")
		if payload == "[DONE]" {
			require.Equal(t, len(frames)-1, i, "DONE is the final frame")
			continue
		}
		var ev app.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(payload), &ev))
		if ev.Done {
			terminal = ev
			continue
		}
		content.WriteString(ev.Content)
	}

	assert.Equal(t, "mock response", content.String())
	require.True(t, terminal.Done)
	require.NotNil(t, terminal.Usage)
	assert.Equal(t, terminal.Usage.PromptTokens+terminal.Usage.CompletionTokens, terminal.Usage.TotalTokens)
	assert.Equal(t, routing.ProviderPrimary, terminal.Provider)
}

func TestChatStreamViaStreamFlag(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOpts{})

	body := chatBody()
	body["stream"] = true
	rec := e.do(t, http.MethodPost, "/v1/chat", e.apiKey, body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasSuffix(rec.Body.String(), "data: [DONE]\n\n"))
}

func TestChatStreamProviderErrorAfterContent(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOpts{})

	midFail := func(context.Context, *gateway.ChatRequest) (<-chan provider.Chunk, error) {
		ch := make(chan provider.Chunk, 2)
		ch <- provider.Chunk{Content: "partial"}
		ch <- provider.Chunk{Err: fmt.Errorf("connection reset")}
		close(ch)
		return ch, nil
	}
	e.registry.Register(routing.ProviderPrimary, &testutil.FakeProvider{ProviderName: "flaky", StreamFn: midFail})
	e.registry.Register(routing.ProviderFallback, &testutil.FakeProvider{ProviderName: "f2", StreamFn: midFail})

	rec := e.do(t, http.MethodPost, "/v1/chat/stream", e.apiKey, chatBody())
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `"code":"stream_error"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"), "error streams still terminate with DONE")
}

func TestPanicRecovery(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envOpts{})

	e.registry.Register(routing.ProviderPrimary, &testutil.FakeProvider{
		ProviderName: "bomb",
		GenerateFn: func(context.Context, *gateway.ChatRequest) (*provider.Result, error) {
			panic("boom")
		},
	})
	e.registry.Register(routing.ProviderFallback, &testutil.FakeProvider{
		ProviderName: "bomb2",
		GenerateFn: func(context.Context, *gateway.ChatRequest) (*provider.Result, error) {
			panic("boom")
		},
	})

	rec := e.do(t, http.MethodPost, "/v1/chat", e.apiKey, chatBody())
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	code, _ := decodeError(t, rec)
	assert.Equal(t, "internal_error", code)
}
