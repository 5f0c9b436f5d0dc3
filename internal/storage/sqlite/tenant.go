package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// CreateTenant inserts a new tenant. A duplicate name maps to ErrConflict.
func (s *Store) CreateTenant(ctx context.Context, t *gateway.Tenant) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO tenants (id, name, tier, token_limit_per_day, spend_limit_per_day_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Tier, nullInt64(t.TokenLimitPerDay), nullFloat(t.SpendLimitPerDayUSD),
		t.CreatedAt.UTC().Format(time.RFC3339),
	)
	return conflictErr(err, "tenant")
}

// GetTenant retrieves a tenant by ID.
func (s *Store) GetTenant(ctx context.Context, id string) (*gateway.Tenant, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, tier, token_limit_per_day, spend_limit_per_day_usd, created_at
		 FROM tenants WHERE id=?`, id,
	)
	return scanTenant(row)
}

// GetTenantByName retrieves a tenant by its unique name.
func (s *Store) GetTenantByName(ctx context.Context, name string) (*gateway.Tenant, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, tier, token_limit_per_day, spend_limit_per_day_usd, created_at
		 FROM tenants WHERE name=?`, name,
	)
	return scanTenant(row)
}

// ListTenants returns tenants ordered by name.
func (s *Store) ListTenants(ctx context.Context, offset, limit int) ([]*gateway.Tenant, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, tier, token_limit_per_day, spend_limit_per_day_usd, created_at
		 FROM tenants ORDER BY name LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []*gateway.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// UpdateTenant updates a tenant's tier and limits.
func (s *Store) UpdateTenant(ctx context.Context, t *gateway.Tenant) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE tenants SET tier=?, token_limit_per_day=?, spend_limit_per_day_usd=? WHERE id=?`,
		t.Tier, nullInt64(t.TokenLimitPerDay), nullFloat(t.SpendLimitPerDayUSD), t.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "tenant")
}

func scanTenant(sc scanner) (*gateway.Tenant, error) {
	var t gateway.Tenant
	var tokenLimit sql.NullInt64
	var spendLimit sql.NullFloat64
	var createdAt sql.NullString

	err := sc.Scan(&t.ID, &t.Name, &t.Tier, &tokenLimit, &spendLimit, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	if tokenLimit.Valid {
		v := tokenLimit.Int64
		t.TokenLimitPerDay = &v
	}
	if spendLimit.Valid {
		v := spendLimit.Float64
		t.SpendLimitPerDayUSD = &v
	}
	if ts := parseTime(createdAt); ts != nil {
		t.CreatedAt = *ts
	}
	return &t, nil
}

// helpers shared across the package

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

// conflictErr translates SQLite unique constraint violations to gateway.ErrConflict.
func conflictErr(err error, entity string) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%s: %w", entity, gateway.ErrConflict)
	}
	return err
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, gateway.ErrNotFound)
	}
	return nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
