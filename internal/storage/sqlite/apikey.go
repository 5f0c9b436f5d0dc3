package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// CreateKey inserts a new API key.
func (s *Store) CreateKey(ctx context.Context, key *gateway.APIKey) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, active, created_at, created_by,
		 last_used_at, revoked_at, revoked_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, boolToInt(key.Active),
		key.CreatedAt.UTC().Format(time.RFC3339), nullStr(key.CreatedBy),
		timeToStr(key.LastUsedAt), timeToStr(key.RevokedAt), nullStr(key.RevokedReason),
	)
	return conflictErr(err, "api key")
}

const keyColumns = `id, tenant_id, name, key_hash, active, created_at, created_by,
	last_used_at, revoked_at, revoked_reason`

// GetKey retrieves an API key by its ID.
func (s *Store) GetKey(ctx context.Context, id string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE id = ?`, id,
	)
	return scanKey(row)
}

// GetKeyByHash retrieves an API key by its HMAC digest.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE key_hash = ?`, hash,
	)
	return scanKey(row)
}

// ListKeys returns API keys for a tenant, newest first.
func (s *Store) ListKeys(ctx context.Context, tenantID string, offset, limit int) ([]*gateway.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE tenant_id = ?
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeKey deactivates a key and records the reason. Revoking an already
// revoked key is a no-op that still succeeds.
func (s *Store) RevokeKey(ctx context.Context, id, reason string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET active=0, revoked_at=?, revoked_reason=?
		 WHERE id=? AND active=1`,
		time.Now().UTC().Format(time.RFC3339), reason, id,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish missing from already revoked.
		if _, err := s.GetKey(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// TouchKeysUsed updates last_used_at for a batch of key IDs in one statement.
func (s *Store) TouchKeysUsed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now().UTC().Format(time.RFC3339))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at=? WHERE id IN (`+placeholders+`)`, args...,
	)
	return err
}

func scanKey(sc scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var active int
	var createdBy, revokedReason sql.NullString
	var createdAt, lastUsedAt, revokedAt sql.NullString

	err := sc.Scan(
		&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &active,
		&createdAt, &createdBy, &lastUsedAt, &revokedAt, &revokedReason,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Active = active != 0
	k.CreatedBy = createdBy.String
	k.RevokedReason = revokedReason.String
	k.LastUsedAt = parseTime(lastUsedAt)
	k.RevokedAt = parseTime(revokedAt)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}
