package app

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/pricing"
	"github.com/tollgate-io/tollgate/internal/testutil"
)

type fakeInvalidator struct {
	keys    []string
	tenants []string
}

func (f *fakeInvalidator) InvalidateByKeyID(id string) { f.keys = append(f.keys, id) }
func (f *fakeInvalidator) InvalidateTenant(id string)  { f.tenants = append(f.tenants, id) }

func newAdminFixture(t *testing.T) (*AdminService, *testutil.FakeStore, *fakeInvalidator) {
	t.Helper()
	store := testutil.NewFakeStore()
	inv := &fakeInvalidator{}
	svc := NewAdminService(store, gateway.NewKeyHasher("test-secret"), pricing.NewBook(pricing.Default()), inv)
	return svc, store, inv
}

func TestAdminCreateTenant(t *testing.T) {
	t.Parallel()
	svc, store, _ := newAdminFixture(t)
	ctx := context.Background()

	tenant, err := svc.CreateTenant(ctx, nil, "acme", gateway.TierPro)
	require.NoError(t, err)
	assert.Equal(t, "acme", tenant.Name)
	assert.Equal(t, gateway.TierPro, tenant.Tier)

	// Default tier and duplicate names.
	free, err := svc.CreateTenant(ctx, nil, "smol", "")
	require.NoError(t, err)
	assert.Equal(t, gateway.TierFree, free.Tier)

	_, err = svc.CreateTenant(ctx, nil, "acme", gateway.TierFree)
	assert.ErrorIs(t, err, gateway.ErrConflict)

	_, err = svc.CreateTenant(ctx, nil, "", gateway.TierFree)
	assert.ErrorIs(t, err, gateway.ErrBadRequest)

	_, err = svc.CreateTenant(ctx, nil, "x", "enterprise")
	assert.ErrorIs(t, err, gateway.ErrBadRequest)

	actions := store.AdminActions()
	require.Len(t, actions, 2, "only successful mutations are audited")
	assert.Equal(t, "tenant.create", actions[0].Action)
}

func TestAdminMintKey(t *testing.T) {
	t.Parallel()
	svc, store, _ := newAdminFixture(t)
	ctx := context.Background()

	_, err := svc.CreateTenant(ctx, nil, "acme", gateway.TierFree)
	require.NoError(t, err)

	plaintext, key, err := svc.MintKey(ctx, nil, "acme", "ci")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plaintext, gateway.APIKeyPrefix))
	assert.NotContains(t, key.KeyHash, plaintext, "plaintext is never stored")
	assert.True(t, key.Active)

	// Hash lookup finds the key.
	stored, err := store.GetKeyByHash(ctx, gateway.NewKeyHasher("test-secret").Hash(plaintext))
	require.NoError(t, err)
	assert.Equal(t, key.ID, stored.ID)

	// A second active key with the same name is refused.
	_, _, err = svc.MintKey(ctx, nil, "acme", "ci")
	assert.ErrorIs(t, err, gateway.ErrConflict)

	_, _, err = svc.MintKey(ctx, nil, "ghost", "ci")
	assert.ErrorIs(t, err, gateway.ErrNotFound)

	_, _, err = svc.MintKey(ctx, nil, "acme", "")
	assert.ErrorIs(t, err, gateway.ErrBadRequest)
}

func TestAdminRevokeByPlaintext(t *testing.T) {
	t.Parallel()
	svc, _, inv := newAdminFixture(t)
	ctx := context.Background()

	_, err := svc.CreateTenant(ctx, nil, "acme", gateway.TierFree)
	require.NoError(t, err)
	plaintext, key, err := svc.MintKey(ctx, nil, "acme", "ci")
	require.NoError(t, err)

	revoked, err := svc.RevokeByPlaintext(ctx, nil, plaintext, "leaked in CI logs")
	require.NoError(t, err)
	assert.False(t, revoked.Active)
	assert.Equal(t, "leaked in CI logs", revoked.RevokedReason)
	assert.NotNil(t, revoked.RevokedAt)
	assert.Contains(t, inv.keys, key.ID, "cached identity is flushed")

	_, err = svc.RevokeByPlaintext(ctx, nil, "tg_never-minted", "")
	assert.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestAdminRevokeByName(t *testing.T) {
	t.Parallel()
	svc, _, _ := newAdminFixture(t)
	ctx := context.Background()

	_, err := svc.CreateTenant(ctx, nil, "acme", gateway.TierFree)
	require.NoError(t, err)
	_, _, err = svc.MintKey(ctx, nil, "acme", "ci")
	require.NoError(t, err)

	revoked, err := svc.RevokeByName(ctx, nil, "acme", "ci", "")
	require.NoError(t, err)
	assert.False(t, revoked.Active)
	assert.Equal(t, "revoked by admin", revoked.RevokedReason)

	// The name can be reused after revocation.
	_, _, err = svc.MintKey(ctx, nil, "acme", "ci")
	require.NoError(t, err)

	_, err = svc.RevokeByName(ctx, nil, "acme", "nope", "")
	assert.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestAdminRotateAdminKey(t *testing.T) {
	t.Parallel()
	svc, store, _ := newAdminFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.BootstrapAdmin(ctx, "tg_bootstrap-secret"))

	plaintext, key, err := svc.RotateAdminKey(ctx, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plaintext, gateway.APIKeyPrefix))
	assert.True(t, key.Active)

	// Every admin key except the fresh one is revoked.
	admin, err := store.GetTenantByName(ctx, gateway.AdminTenantName)
	require.NoError(t, err)
	keys, err := store.ListKeys(ctx, admin.ID, 0, 100)
	require.NoError(t, err)
	for _, k := range keys {
		if k.ID == key.ID {
			assert.True(t, k.Active)
			continue
		}
		assert.False(t, k.Active)
		assert.Equal(t, "rotated", k.RevokedReason)
	}
}

func TestAdminSetLimits(t *testing.T) {
	t.Parallel()
	svc, store, inv := newAdminFixture(t)
	ctx := context.Background()

	created, err := svc.CreateTenant(ctx, nil, "acme", gateway.TierFree)
	require.NoError(t, err)

	tokens := int64(50_000)
	spend := 12.5
	updated, err := svc.SetLimits(ctx, nil, "acme", &tokens, &spend)
	require.NoError(t, err)
	require.NotNil(t, updated.TokenLimitPerDay)
	assert.Equal(t, tokens, *updated.TokenLimitPerDay)
	require.NotNil(t, updated.SpendLimitPerDayUSD)
	assert.InDelta(t, spend, *updated.SpendLimitPerDayUSD, 1e-9)
	assert.Contains(t, inv.tenants, created.ID)

	// Nil clears a limit back to unlimited.
	updated, err = svc.SetLimits(ctx, nil, "acme", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, updated.TokenLimitPerDay)
	assert.Nil(t, updated.SpendLimitPerDayUSD)

	stored, err := store.GetTenantByName(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, stored.TokenLimitPerDay)

	_, err = svc.SetLimits(ctx, nil, "ghost", &tokens, nil)
	assert.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestAdminUsageSummaryNeverNil(t *testing.T) {
	t.Parallel()
	svc, _, _ := newAdminFixture(t)
	ctx := context.Background()

	_, err := svc.CreateTenant(ctx, nil, "acme", gateway.TierFree)
	require.NoError(t, err)

	rows, err := svc.UsageSummary(ctx, "acme", "", "")
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestAdminSetPricing(t *testing.T) {
	t.Parallel()
	svc, store, _ := newAdminFixture(t)
	ctx := context.Background()

	err := svc.SetPricing(ctx, nil, map[string]pricing.Price{
		"mock-1": {InputPer1K: 0.001, OutputPer1K: 0.002},
	})
	require.NoError(t, err)

	prices, err := store.ListPrices(ctx)
	require.NoError(t, err)
	assert.Contains(t, prices, "mock-1")

	err = svc.SetPricing(ctx, nil, nil)
	assert.ErrorIs(t, err, gateway.ErrBadRequest)
}

func TestAdminLoadPricingOverrides(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	book := pricing.NewBook(pricing.Default())
	svc := NewAdminService(store, gateway.NewKeyHasher("s"), book, nil)
	ctx := context.Background()

	require.NoError(t, store.UpsertPrice(ctx, "mock-1", 9.0, 9.0, 0))
	require.NoError(t, svc.LoadPricingOverrides(ctx))

	// 1000 prompt tokens at the override input rate.
	assert.InDelta(t, 9.0, book.Cost("mock-1", 1000, 0, 0), 1e-9)
}

func TestAdminBootstrapIdempotent(t *testing.T) {
	t.Parallel()
	svc, store, _ := newAdminFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.BootstrapAdmin(ctx, "tg_admin-key"))
	require.NoError(t, svc.BootstrapAdmin(ctx, "tg_admin-key"))

	admin, err := store.GetTenantByName(ctx, gateway.AdminTenantName)
	require.NoError(t, err)
	assert.Equal(t, gateway.TierPro, admin.Tier)

	keys, err := store.ListKeys(ctx, admin.ID, 0, 100)
	require.NoError(t, err)
	require.Len(t, keys, 1, "re-bootstrap does not duplicate the key")
	assert.Equal(t, "bootstrap", keys[0].Name)
}

func TestAdminListAudit(t *testing.T) {
	t.Parallel()
	svc, _, _ := newAdminFixture(t)
	ctx := context.Background()

	_, err := svc.CreateTenant(ctx, nil, "acme", gateway.TierFree)
	require.NoError(t, err)
	_, _, err = svc.MintKey(ctx, nil, "acme", "ci")
	require.NoError(t, err)

	actions, err := svc.ListAudit(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, actions, 2)
}
