// Package gateway defines domain types and interfaces for the Tollgate LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// --- Chat schemas ---

// Roles accepted in chat messages.
var validRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"tool":      true,
}

// ChatMessage is a single message in a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the client-facing chat completion request.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// Validate checks the request against the schema constraints and returns
// ErrBadRequest (wrapped with a detail message) on the first violation.
func (r *ChatRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("%w: model is required", ErrBadRequest)
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrBadRequest)
	}
	for i, m := range r.Messages {
		if !validRoles[m.Role] {
			return fmt.Errorf("%w: messages[%d].role %q is not one of system, user, assistant, tool", ErrBadRequest, i, m.Role)
		}
		if m.Content == "" {
			return fmt.Errorf("%w: messages[%d].content must not be empty", ErrBadRequest, i)
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fmt.Errorf("%w: temperature must be within [0, 2]", ErrBadRequest)
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive", ErrBadRequest)
	}
	return nil
}

// ChatResponse is the client-facing chat completion response.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Content string `json:"content"`
}

// --- Tenancy ---

// Tenant tiers.
const (
	TierFree = "free"
	TierPro  = "pro"
)

// AdminTenantName gates admin operations; the tenant with this name is
// the only one allowed on /v1/admin routes.
const AdminTenantName = "admin"

// DefaultTenantName is used when a request arrives without a resolvable
// tenant (test and bootstrap paths).
const DefaultTenantName = "default"

// Tenant is a top-level billing and isolation unit.
type Tenant struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Tier                string    `json:"tier"`
	TokenLimitPerDay    *int64    `json:"token_limit_per_day,omitempty"`
	SpendLimitPerDayUSD *float64  `json:"spend_limit_per_day_usd,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// APIKey is a hashed credential belonging to a tenant.
// The plaintext is shown exactly once at mint time and never stored.
type APIKey struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Name          string     `json:"name"`
	KeyHash       string     `json:"-"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	CreatedBy     string     `json:"created_by,omitempty"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
}

// KeyLast6 returns the last 6 characters of the key hash for display.
func (k *APIKey) KeyLast6() string {
	if len(k.KeyHash) <= 6 {
		return k.KeyHash
	}
	return k.KeyHash[len(k.KeyHash)-6:]
}

// --- Accounting ---

// Request statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCanceled   = "canceled"
	StatusFailed     = "failed"
)

// Request is the durable row recorded for every orchestrated chat call.
// Only the orchestrator mutates it.
type Request struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	Model            string     `json:"model"`
	Status           string     `json:"status"`
	RequestPayload   string     `json:"request_payload,omitempty"`
	ResponsePayload  string     `json:"response_payload,omitempty"`
	LatencyMs        int64      `json:"latency_ms"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	TotalTokens      int        `json:"total_tokens"`
	CostUSD          float64    `json:"cost_usd"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// UsageEvent is appended exactly once per completed Request and never mutated.
type UsageEvent struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	RequestID string    `json:"request_id"`
	Model     string    `json:"model"`
	Tokens    int       `json:"tokens"`
	CostUSD   float64   `json:"cost_usd"`
	CreatedAt time.Time `json:"created_at"`
}

// AdminAction is an append-only audit row for admin mutations.
type AdminAction struct {
	ID            string    `json:"id"`
	ActorTenantID string    `json:"actor_tenant_id"`
	Action        string    `json:"action"`
	TargetType    string    `json:"target_type"`
	TargetID      string    `json:"target_id,omitempty"`
	MetadataJSON  string    `json:"metadata_json,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// --- Key hashing ---

// APIKeyPrefix is the prefix for all Tollgate API keys.
const APIKeyPrefix = "tg_"

// KeyHasher produces keyed digests of API key plaintexts. The secret salt
// keeps stored hashes non-invertible even against brute force over short
// keys; the digest is deterministic so lookup-by-hash works.
type KeyHasher struct {
	secret []byte
}

// NewKeyHasher returns a KeyHasher using the given process secret.
func NewKeyHasher(secret string) KeyHasher {
	return KeyHasher{secret: []byte(secret)}
}

// Hash returns the hex-encoded HMAC-SHA-256 of raw under the process secret.
func (h KeyHasher) Hash(raw string) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Tenant field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Tenant    *Tenant
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// TenantFromContext extracts the authenticated tenant from ctx, or nil.
func TenantFromContext(ctx context.Context) *Tenant {
	if m := metaFromContext(ctx); m != nil {
		return m.Tenant
	}
	return nil
}

// ContextWithTenant stores the tenant in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new
// metadata if none exists (e.g. in tests).
func ContextWithTenant(ctx context.Context, t *Tenant) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Tenant = t
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Tenant: t})
}

// RequestIDFromContext extracts the request ID from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// MarshalPayload serializes v to compact JSON for request/response payload
// snapshots. Marshal failures degrade to an empty snapshot rather than
// failing the request.
func MarshalPayload(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
