package sqlite

import (
	"context"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/storage"
)

// InsertUsageEvent appends one ledger row. The request_id UNIQUE constraint
// makes a double insert for the same request an ErrConflict.
func (s *Store) InsertUsageEvent(ctx context.Context, e *gateway.UsageEvent) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO usage_events (id, tenant_id, request_id, model, tokens, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.RequestID, e.Model, e.Tokens, e.CostUSD,
		e.CreatedAt.UTC().Format(time.RFC3339),
	)
	return conflictErr(err, "usage event")
}

// DailyUsage sums tokens and cost for one tenant on one UTC day
// (day formatted as 2006-01-02).
func (s *Store) DailyUsage(ctx context.Context, tenantID string, day string) (int64, float64, error) {
	var tokens int64
	var cost float64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_events
		 WHERE tenant_id = ? AND created_at >= ? AND created_at < ?`,
		tenantID, day+"T00:00:00Z", nextDay(day)+"T00:00:00Z",
	).Scan(&tokens, &cost)
	return tokens, cost, err
}

// UsageSummary aggregates the ledger per model over [since, until)
// (RFC 3339 timestamps; empty bounds are open).
func (s *Store) UsageSummary(ctx context.Context, tenantID, since, until string) ([]storage.UsageSummaryRow, error) {
	query := `SELECT model, COUNT(*), COALESCE(SUM(tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_events WHERE tenant_id = ?`
	args := []any{tenantID}
	if since != "" {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}
	if until != "" {
		query += ` AND created_at < ?`
		args = append(args, until)
	}
	query += ` GROUP BY model ORDER BY model`

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.UsageSummaryRow
	for rows.Next() {
		var r storage.UsageSummaryRow
		if err := rows.Scan(&r.Model, &r.Requests, &r.Tokens, &r.CostUSD); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// nextDay returns the day after a 2006-01-02 date. Invalid input returns
// the input unchanged, producing an empty range rather than an error.
func nextDay(day string) string {
	t, err := time.Parse("2006-01-02", day)
	if err != nil {
		return day
	}
	return t.AddDate(0, 0, 1).Format("2006-01-02")
}
