// Package quota enforces per-tenant daily token and spend budgets against
// durable usage aggregates, so restarts never reset the day's consumption.
package quota

import (
	"context"
	"fmt"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// UsageReader provides a tenant's aggregated usage for a UTC day.
type UsageReader interface {
	DailyUsage(ctx context.Context, tenantID string, day string) (tokens int64, costUSD float64, err error)
}

// Denial reasons, used as metric label values.
const (
	ReasonTokenLimit = "token_limit"
	ReasonSpendLimit = "spend_limit"
)

// Decision is the outcome of a quota check. Remaining values feed the
// response headers; they are -1 when the corresponding limit is unset.
type Decision struct {
	Allowed         bool
	Reason          string // denial reason, empty when allowed
	TokensUsed      int64
	TokensRemaining int64
	SpendUsedUSD    float64
	SpendRemaining  float64
}

// Guard checks daily budgets before a request is dispatched.
type Guard struct {
	reader UsageReader
	now    func() time.Time // overridable for tests
}

// NewGuard creates a Guard backed by the given usage reader.
func NewGuard(reader UsageReader) *Guard {
	return &Guard{reader: reader, now: time.Now}
}

// Day returns the UTC day key used for aggregation.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Check compares the tenant's usage so far today against its limits.
// Unset limits pass unconditionally. The check happens before dispatch, so
// a tenant can overshoot by at most one request.
func (g *Guard) Check(ctx context.Context, tenant *gateway.Tenant) (Decision, error) {
	d := Decision{Allowed: true, TokensRemaining: -1, SpendRemaining: -1}
	if tenant.TokenLimitPerDay == nil && tenant.SpendLimitPerDayUSD == nil {
		return d, nil
	}

	tokens, cost, err := g.reader.DailyUsage(ctx, tenant.ID, Day(g.now()))
	if err != nil {
		return Decision{}, fmt.Errorf("quota: read daily usage: %w", err)
	}
	d.TokensUsed = tokens
	d.SpendUsedUSD = cost

	if limit := tenant.TokenLimitPerDay; limit != nil {
		d.TokensRemaining = max(0, *limit-tokens)
		if tokens >= *limit {
			d.Allowed = false
			d.Reason = ReasonTokenLimit
		}
	}
	if limit := tenant.SpendLimitPerDayUSD; limit != nil {
		d.SpendRemaining = max(0, *limit-cost)
		if cost >= *limit && d.Allowed {
			d.Allowed = false
			d.Reason = ReasonSpendLimit
		}
	}
	return d, nil
}
