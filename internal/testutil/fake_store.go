package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/storage"
)

// FakeStore is an in-memory storage.Store. Zero value is not usable; create
// with NewFakeStore.
type FakeStore struct {
	mu           sync.Mutex
	tenants      map[string]*gateway.Tenant
	keys         map[string]*gateway.APIKey
	requests     map[string]*gateway.Request
	usage        []*gateway.UsageEvent
	audit        []*gateway.AdminAction
	prices       map[string][3]float64
	TouchedIDs   []string
	FailDaily    error // returned by DailyUsage when set
	FailFinish   error // returned by FinishRequest when set
	FailUsageIns error // returned by InsertUsageEvent when set
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		tenants:  make(map[string]*gateway.Tenant),
		keys:     make(map[string]*gateway.APIKey),
		requests: make(map[string]*gateway.Request),
		prices:   make(map[string][3]float64),
	}
}

var _ storage.Store = (*FakeStore)(nil)

func (f *FakeStore) CreateTenant(_ context.Context, t *gateway.Tenant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.tenants {
		if existing.Name == t.Name {
			return fmt.Errorf("tenant: %w", gateway.ErrConflict)
		}
	}
	cp := *t
	f.tenants[t.ID] = &cp
	return nil
}

func (f *FakeStore) GetTenant(_ context.Context, id string) (*gateway.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *FakeStore) GetTenantByName(_ context.Context, name string) (*gateway.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tenants {
		if t.Name == name {
			cp := *t
			return &cp, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (f *FakeStore) ListTenants(_ context.Context, offset, limit int) ([]*gateway.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*gateway.Tenant
	for _, t := range f.tenants {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return page(out, offset, limit), nil
}

func (f *FakeStore) UpdateTenant(_ context.Context, t *gateway.Tenant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.tenants[t.ID]
	if !ok {
		return gateway.ErrNotFound
	}
	existing.Tier = t.Tier
	existing.TokenLimitPerDay = t.TokenLimitPerDay
	existing.SpendLimitPerDayUSD = t.SpendLimitPerDayUSD
	return nil
}

func (f *FakeStore) CreateKey(_ context.Context, k *gateway.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.keys {
		if existing.KeyHash == k.KeyHash {
			return fmt.Errorf("api key: %w", gateway.ErrConflict)
		}
		if existing.TenantID == k.TenantID && existing.Name == k.Name && existing.Active && k.Active {
			return fmt.Errorf("api key: %w", gateway.ErrConflict)
		}
	}
	cp := *k
	f.keys[k.ID] = &cp
	return nil
}

func (f *FakeStore) GetKey(_ context.Context, id string) (*gateway.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (f *FakeStore) GetKeyByHash(_ context.Context, hash string) (*gateway.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.keys {
		if k.KeyHash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (f *FakeStore) ListKeys(_ context.Context, tenantID string, offset, limit int) ([]*gateway.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*gateway.APIKey
	for _, k := range f.keys {
		if k.TenantID == tenantID {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, offset, limit), nil
}

func (f *FakeStore) RevokeKey(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[id]
	if !ok {
		return gateway.ErrNotFound
	}
	if k.Active {
		now := time.Now()
		k.Active = false
		k.RevokedAt = &now
		k.RevokedReason = reason
	}
	return nil
}

func (f *FakeStore) TouchKeysUsed(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		if k, ok := f.keys[id]; ok {
			k.LastUsedAt = &now
		}
		f.TouchedIDs = append(f.TouchedIDs, id)
	}
	return nil
}

func (f *FakeStore) CreateRequest(_ context.Context, r *gateway.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.requests[r.ID]; ok {
		return fmt.Errorf("request: %w", gateway.ErrConflict)
	}
	cp := *r
	f.requests[r.ID] = &cp
	return nil
}

func (f *FakeStore) FinishRequest(_ context.Context, r *gateway.Request) error {
	if f.FailFinish != nil {
		return f.FailFinish
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.requests[r.ID]; !ok {
		return gateway.ErrNotFound
	}
	cp := *r
	f.requests[r.ID] = &cp
	return nil
}

func (f *FakeStore) GetRequest(_ context.Context, id string) (*gateway.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *FakeStore) ListRequests(_ context.Context, tenantID string, offset, limit int) ([]*gateway.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*gateway.Request
	for _, r := range f.requests {
		if r.TenantID == tenantID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, offset, limit), nil
}

func (f *FakeStore) InsertUsageEvent(_ context.Context, e *gateway.UsageEvent) error {
	if f.FailUsageIns != nil {
		return f.FailUsageIns
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.usage {
		if existing.RequestID == e.RequestID {
			return fmt.Errorf("usage event: %w", gateway.ErrConflict)
		}
	}
	cp := *e
	f.usage = append(f.usage, &cp)
	return nil
}

func (f *FakeStore) DailyUsage(_ context.Context, tenantID string, day string) (int64, float64, error) {
	if f.FailDaily != nil {
		return 0, 0, f.FailDaily
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var tokens int64
	var cost float64
	for _, e := range f.usage {
		if e.TenantID == tenantID && e.CreatedAt.UTC().Format("2006-01-02") == day {
			tokens += int64(e.Tokens)
			cost += e.CostUSD
		}
	}
	return tokens, cost, nil
}

func (f *FakeStore) UsageSummary(_ context.Context, tenantID, since, until string) ([]storage.UsageSummaryRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agg := make(map[string]*storage.UsageSummaryRow)
	for _, e := range f.usage {
		if e.TenantID != tenantID {
			continue
		}
		ts := e.CreatedAt.UTC().Format(time.RFC3339)
		if since != "" && ts < since {
			continue
		}
		if until != "" && ts >= until {
			continue
		}
		row, ok := agg[e.Model]
		if !ok {
			row = &storage.UsageSummaryRow{Model: e.Model}
			agg[e.Model] = row
		}
		row.Requests++
		row.Tokens += int64(e.Tokens)
		row.CostUSD += e.CostUSD
	}
	var out []storage.UsageSummaryRow
	for _, row := range agg {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

func (f *FakeStore) InsertAdminAction(_ context.Context, a *gateway.AdminAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.audit = append(f.audit, &cp)
	return nil
}

func (f *FakeStore) ListAdminActions(_ context.Context, offset, limit int) ([]*gateway.AdminAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*gateway.AdminAction, 0, len(f.audit))
	for i := len(f.audit) - 1; i >= 0; i-- {
		cp := *f.audit[i]
		out = append(out, &cp)
	}
	return page(out, offset, limit), nil
}

func (f *FakeStore) UpsertPrice(_ context.Context, model string, in, out, cached float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[model] = [3]float64{in, out, cached}
	return nil
}

func (f *FakeStore) ListPrices(_ context.Context) (map[string][3]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][3]float64, len(f.prices))
	for k, v := range f.prices {
		out[k] = v
	}
	return out, nil
}

func (f *FakeStore) Ping(context.Context) error { return nil }
func (f *FakeStore) Close() error               { return nil }

// UsageEvents returns a copy of the recorded ledger.
func (f *FakeStore) UsageEvents() []*gateway.UsageEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*gateway.UsageEvent, 0, len(f.usage))
	for _, e := range f.usage {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// AdminActions returns a copy of the recorded audit log, oldest first.
func (f *FakeStore) AdminActions() []*gateway.AdminAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*gateway.AdminAction, 0, len(f.audit))
	for _, a := range f.audit {
		cp := *a
		out = append(out, &cp)
	}
	return out
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
