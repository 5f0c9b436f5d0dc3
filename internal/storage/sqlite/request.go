package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
)

const requestColumns = `id, tenant_id, model, status, request_payload, response_payload,
	latency_ms, prompt_tokens, completion_tokens, total_tokens, cost_usd, created_at, completed_at`

// CreateRequest inserts the in-progress request row before dispatch.
func (s *Store) CreateRequest(ctx context.Context, r *gateway.Request) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO requests (id, tenant_id, model, status, request_payload,
		 latency_ms, prompt_tokens, completion_tokens, total_tokens, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.Model, r.Status, nullStr(r.RequestPayload),
		r.LatencyMs, r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.CostUSD,
		r.CreatedAt.UTC().Format(time.RFC3339),
	)
	return conflictErr(err, "request")
}

// FinishRequest writes the terminal status and usage fields.
func (s *Store) FinishRequest(ctx context.Context, r *gateway.Request) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE requests SET status=?, response_payload=?, latency_ms=?,
		 prompt_tokens=?, completion_tokens=?, total_tokens=?, cost_usd=?, completed_at=?
		 WHERE id=?`,
		r.Status, nullStr(r.ResponsePayload), r.LatencyMs,
		r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.CostUSD,
		timeToStr(r.CompletedAt), r.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "request")
}

// GetRequest retrieves a request row by ID.
func (s *Store) GetRequest(ctx context.Context, id string) (*gateway.Request, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id=?`, id,
	)
	return scanRequest(row)
}

// ListRequests returns a tenant's request rows, newest first.
func (s *Store) ListRequests(ctx context.Context, tenantID string, offset, limit int) ([]*gateway.Request, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE tenant_id=?
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRequest(sc scanner) (*gateway.Request, error) {
	var r gateway.Request
	var reqPayload, respPayload sql.NullString
	var createdAt, completedAt sql.NullString

	err := sc.Scan(
		&r.ID, &r.TenantID, &r.Model, &r.Status, &reqPayload, &respPayload,
		&r.LatencyMs, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.CostUSD,
		&createdAt, &completedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	r.RequestPayload = reqPayload.String
	r.ResponsePayload = respPayload.String
	r.CompletedAt = parseTime(completedAt)
	if t := parseTime(createdAt); t != nil {
		r.CreatedAt = *t
	}
	return &r, nil
}
