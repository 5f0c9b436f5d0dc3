// Package auth implements API key authentication for the Tollgate gateway.
// Keys are validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// Identity is the resolved caller of an authenticated request.
type Identity struct {
	Key    *gateway.APIKey
	Tenant *gateway.Tenant
}

// IsAdmin reports whether the identity belongs to the admin tenant.
func (id *Identity) IsAdmin() bool {
	return id.Tenant != nil && id.Tenant.Name == gateway.AdminTenantName
}

// Toucher receives key IDs whose last-used timestamp should be persisted.
// Implementations must not block.
type Toucher interface {
	Touch(keyID string)
}

// Store is the persistence surface the authenticator needs.
type Store interface {
	storage.APIKeyStore
	storage.TenantStore
}

// APIKeyAuth authenticates requests using API keys with the "tg_" prefix.
// It caches resolved identities in an otter W-TinyLFU cache for fast lookups.
type APIKeyAuth struct {
	store       Store
	hasher      gateway.KeyHasher
	toucher     Toucher
	cache       *otter.Cache[string, *Identity]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID
}

// New returns an APIKeyAuth backed by store. toucher may be nil to disable
// last-used tracking.
func New(store Store, hasher gateway.KeyHasher, toucher Toucher) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *Identity]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *Identity](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{store: store, hasher: hasher, toucher: toucher, cache: c}, nil
}

// extractKey pulls the raw API key from the Authorization Bearer header or,
// failing that, the X-API-Key header.
func extractKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if raw := strings.TrimPrefix(h, "Bearer "); raw != h {
			return strings.TrimSpace(raw)
		}
		return ""
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// Authenticate resolves the request's API key to an Identity.
// Missing, malformed, unknown, and revoked keys all return ErrUnauthorized;
// the response never distinguishes which.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	raw := extractKey(r)
	if raw == "" || !strings.HasPrefix(raw, gateway.APIKeyPrefix) {
		return nil, gateway.ErrUnauthorized
	}

	hash := a.hasher.Hash(raw)

	if id, ok := a.cache.GetIfPresent(hash); ok {
		if !id.Key.Active {
			return nil, gateway.ErrUnauthorized
		}
		a.touch(id.Key.ID)
		return id, nil
	}

	key, err := a.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrUnauthorized
		}
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash against
	// the computed hash. The DB lookup already matched, but this guards against
	// hypothetical SQL collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.ErrUnauthorized
	}
	if !key.Active {
		return nil, gateway.ErrUnauthorized
	}

	tenant, err := a.store.GetTenant(ctx, key.TenantID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrUnauthorized
		}
		return nil, err
	}

	id := &Identity{Key: key, Tenant: tenant}
	a.cache.Set(hash, id)
	a.keyIDToHash.Store(key.ID, hash)
	a.touch(key.ID)
	return id, nil
}

// InvalidateByKeyID removes a cached identity by its key ID.
// Used when admin operations (revoke, rotate) modify a key.
func (a *APIKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

// InvalidateTenant removes all cached identities for a tenant, so tier and
// limit changes take effect within a request rather than a cache TTL.
func (a *APIKeyAuth) InvalidateTenant(tenantID string) {
	a.keyIDToHash.Range(func(keyID, hash any) bool {
		if id, ok := a.cache.GetIfPresent(hash.(string)); ok && id.Tenant.ID == tenantID {
			a.cache.Invalidate(hash.(string))
			a.keyIDToHash.Delete(keyID)
		}
		return true
	})
}

func (a *APIKeyAuth) touch(keyID string) {
	if a.toucher != nil {
		a.toucher.Touch(keyID)
	}
}
