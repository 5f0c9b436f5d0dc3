package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/pricing"
	"github.com/tollgate-io/tollgate/internal/storage"
)

// Invalidator flushes cached identities when keys or tenants change.
// Satisfied by *auth.APIKeyAuth; nil-able in tests.
type Invalidator interface {
	InvalidateByKeyID(keyID string)
	InvalidateTenant(tenantID string)
}

// AdminService implements tenant, key, limit, and pricing administration.
// Every mutation appends an AdminAction row.
type AdminService struct {
	store       storage.Store
	hasher      gateway.KeyHasher
	prices      *pricing.Book
	invalidator Invalidator
}

// NewAdminService wires an AdminService. invalidator may be nil.
func NewAdminService(store storage.Store, hasher gateway.KeyHasher, prices *pricing.Book, invalidator Invalidator) *AdminService {
	return &AdminService{store: store, hasher: hasher, prices: prices, invalidator: invalidator}
}

func (a *AdminService) audit(ctx context.Context, actor *gateway.Tenant, action, targetType, targetID, metadata string) {
	actorID := ""
	if actor != nil {
		actorID = actor.ID
	}
	// Best effort: a failed audit write is logged by the store layer and
	// must not roll back the operation it describes.
	_ = a.store.InsertAdminAction(ctx, &gateway.AdminAction{
		ID:            uuid.Must(uuid.NewV7()).String(),
		ActorTenantID: actorID,
		Action:        action,
		TargetType:    targetType,
		TargetID:      targetID,
		MetadataJSON:  metadata,
		CreatedAt:     time.Now().UTC(),
	})
}

// CreateTenant creates a tenant with the given name and tier.
func (a *AdminService) CreateTenant(ctx context.Context, actor *gateway.Tenant, name, tier string) (*gateway.Tenant, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: tenant name is required", gateway.ErrBadRequest)
	}
	if tier == "" {
		tier = gateway.TierFree
	}
	if tier != gateway.TierFree && tier != gateway.TierPro {
		return nil, fmt.Errorf("%w: tier %q is not one of free, pro", gateway.ErrBadRequest, tier)
	}

	t := &gateway.Tenant{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Name:      name,
		Tier:      tier,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.CreateTenant(ctx, t); err != nil {
		return nil, err
	}
	a.audit(ctx, actor, "tenant.create", "tenant", t.ID,
		gateway.MarshalPayload(map[string]string{"name": name, "tier": tier}))
	return t, nil
}

// ListTenants returns all tenants.
func (a *AdminService) ListTenants(ctx context.Context, offset, limit int) ([]*gateway.Tenant, error) {
	if limit <= 0 {
		limit = 100
	}
	return a.store.ListTenants(ctx, offset, limit)
}

// MintKey generates a key under the named tenant and returns the plaintext,
// which is shown exactly once and never stored.
func (a *AdminService) MintKey(ctx context.Context, actor *gateway.Tenant, tenantName, keyName string) (string, *gateway.APIKey, error) {
	if keyName == "" {
		return "", nil, fmt.Errorf("%w: key name is required", gateway.ErrBadRequest)
	}
	tenant, err := a.store.GetTenantByName(ctx, tenantName)
	if err != nil {
		return "", nil, err
	}

	plaintext, key, err := a.mint(ctx, actor, tenant, keyName)
	if err != nil {
		return "", nil, err
	}
	a.audit(ctx, actor, "key.create", "api_key", key.ID,
		gateway.MarshalPayload(map[string]string{"tenant": tenantName, "name": keyName}))
	return plaintext, key, nil
}

func (a *AdminService) mint(ctx context.Context, actor *gateway.Tenant, tenant *gateway.Tenant, keyName string) (string, *gateway.APIKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	plaintext := gateway.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	createdBy := ""
	if actor != nil {
		createdBy = actor.ID
	}
	key := &gateway.APIKey{
		ID:        uuid.Must(uuid.NewV7()).String(),
		TenantID:  tenant.ID,
		Name:      keyName,
		KeyHash:   a.hasher.Hash(plaintext),
		Active:    true,
		CreatedAt: time.Now().UTC(),
		CreatedBy: createdBy,
	}
	if err := a.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}
	return plaintext, key, nil
}

// ListKeys returns the named tenant's keys. The caller masks hashes.
func (a *AdminService) ListKeys(ctx context.Context, tenantName string, offset, limit int) ([]*gateway.APIKey, error) {
	if limit <= 0 {
		limit = 100
	}
	tenant, err := a.store.GetTenantByName(ctx, tenantName)
	if err != nil {
		return nil, err
	}
	return a.store.ListKeys(ctx, tenant.ID, offset, limit)
}

// RevokeByPlaintext revokes the key matching the given plaintext.
func (a *AdminService) RevokeByPlaintext(ctx context.Context, actor *gateway.Tenant, plaintext, reason string) (*gateway.APIKey, error) {
	key, err := a.store.GetKeyByHash(ctx, a.hasher.Hash(plaintext))
	if err != nil {
		return nil, err
	}
	return a.revoke(ctx, actor, key, reason)
}

// RevokeByName revokes the named key under the named tenant.
func (a *AdminService) RevokeByName(ctx context.Context, actor *gateway.Tenant, tenantName, keyName, reason string) (*gateway.APIKey, error) {
	tenant, err := a.store.GetTenantByName(ctx, tenantName)
	if err != nil {
		return nil, err
	}
	keys, err := a.store.ListKeys(ctx, tenant.ID, 0, 1000)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if k.Name == keyName && k.Active {
			return a.revoke(ctx, actor, k, reason)
		}
	}
	return nil, fmt.Errorf("key %q: %w", keyName, gateway.ErrNotFound)
}

func (a *AdminService) revoke(ctx context.Context, actor *gateway.Tenant, key *gateway.APIKey, reason string) (*gateway.APIKey, error) {
	if len(reason) > 300 {
		reason = reason[:300]
	}
	if reason == "" {
		reason = "revoked by admin"
	}
	if err := a.store.RevokeKey(ctx, key.ID, reason); err != nil {
		return nil, err
	}
	if a.invalidator != nil {
		a.invalidator.InvalidateByKeyID(key.ID)
	}
	a.audit(ctx, actor, "key.revoke", "api_key", key.ID,
		gateway.MarshalPayload(map[string]string{"reason": reason}))
	return a.store.GetKey(ctx, key.ID)
}

// RotateAdminKey revokes every active admin key and mints a fresh one.
// The response is the only place the new plaintext ever appears.
func (a *AdminService) RotateAdminKey(ctx context.Context, actor *gateway.Tenant) (string, *gateway.APIKey, error) {
	admin, err := a.store.GetTenantByName(ctx, gateway.AdminTenantName)
	if err != nil {
		return "", nil, err
	}

	keys, err := a.store.ListKeys(ctx, admin.ID, 0, 1000)
	if err != nil {
		return "", nil, err
	}
	for _, k := range keys {
		if !k.Active {
			continue
		}
		if err := a.store.RevokeKey(ctx, k.ID, "rotated"); err != nil {
			return "", nil, err
		}
		if a.invalidator != nil {
			a.invalidator.InvalidateByKeyID(k.ID)
		}
	}

	plaintext, key, err := a.mint(ctx, actor, admin, "admin-"+time.Now().UTC().Format("20060102T150405Z"))
	if err != nil {
		return "", nil, err
	}
	a.audit(ctx, actor, "key.rotate", "api_key", key.ID, "")
	return plaintext, key, nil
}

// SetLimits updates the named tenant's daily limits. Nil clears a limit.
func (a *AdminService) SetLimits(ctx context.Context, actor *gateway.Tenant, tenantName string, tokenLimit *int64, spendLimit *float64) (*gateway.Tenant, error) {
	tenant, err := a.store.GetTenantByName(ctx, tenantName)
	if err != nil {
		return nil, err
	}
	tenant.TokenLimitPerDay = tokenLimit
	tenant.SpendLimitPerDayUSD = spendLimit
	if err := a.store.UpdateTenant(ctx, tenant); err != nil {
		return nil, err
	}
	if a.invalidator != nil {
		a.invalidator.InvalidateTenant(tenant.ID)
	}
	a.audit(ctx, actor, "tenant.limits", "tenant", tenant.ID,
		gateway.MarshalPayload(map[string]any{
			"token_limit_per_day":     tokenLimit,
			"spend_limit_per_day_usd": spendLimit,
		}))
	return tenant, nil
}

// UsageSummary aggregates the named tenant's ledger per model.
func (a *AdminService) UsageSummary(ctx context.Context, tenantName, since, until string) ([]storage.UsageSummaryRow, error) {
	tenant, err := a.store.GetTenantByName(ctx, tenantName)
	if err != nil {
		return nil, err
	}
	rows, err := a.store.UsageSummary(ctx, tenant.ID, since, until)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []storage.UsageSummaryRow{}
	}
	return rows, nil
}

// SetPricing persists per-model price overrides and overlays them onto the
// live pricing book.
func (a *AdminService) SetPricing(ctx context.Context, actor *gateway.Tenant, items map[string]pricing.Price) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: no pricing entries", gateway.ErrBadRequest)
	}
	for model, p := range items {
		if err := a.store.UpsertPrice(ctx, model, p.InputPer1K, p.OutputPer1K, p.CachedPer1K); err != nil {
			return err
		}
	}
	a.prices.Merge(items)
	a.audit(ctx, actor, "pricing.merge", "pricing", "",
		gateway.MarshalPayload(items))
	return nil
}

// RecordHealthReset appends the audit row for a provider health reset. The
// actual zeroing lives in the chat service.
func (a *AdminService) RecordHealthReset(ctx context.Context, actor *gateway.Tenant) {
	a.audit(ctx, actor, "health.reset", "provider", "", "")
}

// ListAudit returns the admin action log, newest first.
func (a *AdminService) ListAudit(ctx context.Context, offset, limit int) ([]*gateway.AdminAction, error) {
	if limit <= 0 {
		limit = 100
	}
	return a.store.ListAdminActions(ctx, offset, limit)
}

// LoadPricingOverrides applies persisted price overrides to the book at
// startup.
func (a *AdminService) LoadPricingOverrides(ctx context.Context) error {
	rows, err := a.store.ListPrices(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	items := make(map[string]pricing.Price, len(rows))
	for model, rates := range rows {
		items[model] = pricing.Price{InputPer1K: rates[0], OutputPer1K: rates[1], CachedPer1K: rates[2]}
	}
	a.prices.Merge(items)
	return nil
}

// BootstrapAdmin ensures the admin tenant exists and that the given
// plaintext key is registered under it. Called at startup with
// ADMIN_API_KEY; a key that already exists is left untouched.
func (a *AdminService) BootstrapAdmin(ctx context.Context, plaintext string) error {
	admin, err := a.store.GetTenantByName(ctx, gateway.AdminTenantName)
	if errors.Is(err, gateway.ErrNotFound) {
		admin = &gateway.Tenant{
			ID:        uuid.Must(uuid.NewV7()).String(),
			Name:      gateway.AdminTenantName,
			Tier:      gateway.TierPro,
			CreatedAt: time.Now().UTC(),
		}
		if err := a.store.CreateTenant(ctx, admin); err != nil && !errors.Is(err, gateway.ErrConflict) {
			return err
		}
		if admin, err = a.store.GetTenantByName(ctx, gateway.AdminTenantName); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if plaintext == "" {
		return nil
	}
	hash := a.hasher.Hash(plaintext)
	if _, err := a.store.GetKeyByHash(ctx, hash); err == nil {
		return nil
	} else if !errors.Is(err, gateway.ErrNotFound) {
		return err
	}

	key := &gateway.APIKey{
		ID:        uuid.Must(uuid.NewV7()).String(),
		TenantID:  admin.ID,
		Name:      "bootstrap",
		KeyHash:   hash,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.CreateKey(ctx, key); err != nil && !errors.Is(err, gateway.ErrConflict) {
		return err
	}
	return nil
}
