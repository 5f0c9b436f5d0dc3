package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// InsertAdminAction appends one audit row.
func (s *Store) InsertAdminAction(ctx context.Context, a *gateway.AdminAction) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO admin_actions (id, actor_tenant_id, action, target_type, target_id, metadata_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ActorTenantID, a.Action, a.TargetType, nullStr(a.TargetID),
		nullStr(a.MetadataJSON), a.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// ListAdminActions returns audit rows, newest first.
func (s *Store) ListAdminActions(ctx context.Context, offset, limit int) ([]*gateway.AdminAction, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, actor_tenant_id, action, target_type, target_id, metadata_json, created_at
		 FROM admin_actions ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.AdminAction
	for rows.Next() {
		var a gateway.AdminAction
		var targetID, metadata, createdAt sql.NullString
		if err := rows.Scan(&a.ID, &a.ActorTenantID, &a.Action, &a.TargetType,
			&targetID, &metadata, &createdAt); err != nil {
			return nil, err
		}
		a.TargetID = targetID.String
		a.MetadataJSON = metadata.String
		if t := parseTime(createdAt); t != nil {
			a.CreatedAt = *t
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
