// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// TenantStore manages tenant persistence.
type TenantStore interface {
	CreateTenant(ctx context.Context, t *gateway.Tenant) error
	GetTenant(ctx context.Context, id string) (*gateway.Tenant, error)
	GetTenantByName(ctx context.Context, name string) (*gateway.Tenant, error)
	ListTenants(ctx context.Context, offset, limit int) ([]*gateway.Tenant, error)
	UpdateTenant(ctx context.Context, t *gateway.Tenant) error
}

// APIKeyStore manages API key persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	GetKey(ctx context.Context, id string) (*gateway.APIKey, error)
	GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	ListKeys(ctx context.Context, tenantID string, offset, limit int) ([]*gateway.APIKey, error)
	RevokeKey(ctx context.Context, id, reason string) error
	TouchKeysUsed(ctx context.Context, ids []string) error
}

// RequestStore manages request row persistence.
type RequestStore interface {
	CreateRequest(ctx context.Context, r *gateway.Request) error
	FinishRequest(ctx context.Context, r *gateway.Request) error
	GetRequest(ctx context.Context, id string) (*gateway.Request, error)
	ListRequests(ctx context.Context, tenantID string, offset, limit int) ([]*gateway.Request, error)
}

// UsageSummaryRow is a per-model aggregate over a time range.
type UsageSummaryRow struct {
	Model    string  `json:"model"`
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	CostUSD  float64 `json:"cost_usd"`
}

// UsageStore manages the append-only usage ledger.
type UsageStore interface {
	InsertUsageEvent(ctx context.Context, e *gateway.UsageEvent) error
	DailyUsage(ctx context.Context, tenantID string, day string) (tokens int64, costUSD float64, err error)
	UsageSummary(ctx context.Context, tenantID, since, until string) ([]UsageSummaryRow, error)
}

// AuditStore manages the append-only admin action log.
type AuditStore interface {
	InsertAdminAction(ctx context.Context, a *gateway.AdminAction) error
	ListAdminActions(ctx context.Context, offset, limit int) ([]*gateway.AdminAction, error)
}

// PricingStore manages per-model price overrides.
type PricingStore interface {
	UpsertPrice(ctx context.Context, model string, inputPer1K, outputPer1K, cachedPer1K float64) error
	ListPrices(ctx context.Context) (map[string][3]float64, error)
}

// Store combines all storage interfaces.
type Store interface {
	TenantStore
	APIKeyStore
	RequestStore
	UsageStore
	AuditStore
	PricingStore
	Ping(ctx context.Context) error
	Close() error
}
