package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/audit"
)

// AuditRepo implements audit.Repository against PostgreSQL. The table is
// insert-only.
type AuditRepo struct{ db *sql.DB }

// NewAuditRepo creates a Postgres-backed audit repository.
func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{db: db} }

func (r *AuditRepo) Append(ctx context.Context, e audit.Entry) error {
	var expires sql.NullTime
	if e.ExpiresAt != nil {
		expires = sql.NullTime{Time: *e.ExpiresAt, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_suppression_audit
			(id, action, actor, recipient, channel, reason, source, detail, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, string(e.Action), e.Actor, e.Recipient, string(e.Channel),
		string(e.Reason), string(e.Source), e.Detail, expires, e.Timestamp)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (r *AuditRepo) List(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, action, actor, recipient, channel, reason, source, detail, expires_at, created_at
		FROM notification_suppression_audit
		WHERE ($1 = '' OR channel = $1)
		  AND ($2 = '' OR recipient = $2)
		  AND ($3 = '' OR action = $3)
		ORDER BY created_at DESC, id
		LIMIT $4 OFFSET $5
	`, string(f.Channel), f.Recipient, string(f.Action), limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	out := []audit.Entry{}
	for rows.Next() {
		var (
			e       audit.Entry
			expires sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &e.Recipient, &e.Channel,
			&e.Reason, &e.Source, &e.Detail, &expires, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if expires.Valid {
			t := expires.Time
			e.ExpiresAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
