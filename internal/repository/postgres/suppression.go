package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/suppression"
)

// SuppressionRepo implements suppression.Repository against PostgreSQL.
type SuppressionRepo struct{ db *sql.DB }

// NewSuppressionRepo creates a Postgres-backed suppression repository.
func NewSuppressionRepo(db *sql.DB) *SuppressionRepo { return &SuppressionRepo{db: db} }

func (r *SuppressionRepo) Get(ctx context.Context, recipient string, ch domain.Channel) (*domain.Suppression, error) {
	var (
		s       domain.Suppression
		expires sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT recipient, channel, reason, detail, source, created_at, expires_at
		FROM notification_suppressions
		WHERE recipient = $1 AND channel = $2
	`, recipient, string(ch)).Scan(
		&s.Recipient, &s.Channel, &s.Reason, &s.Detail, &s.Source, &s.CreatedAt, &expires,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, suppression.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get suppression: %w", err)
	}
	if expires.Valid {
		t := expires.Time
		s.ExpiresAt = &t
	}
	return &s, nil
}

func (r *SuppressionRepo) Put(ctx context.Context, s *domain.Suppression) error {
	var expires sql.NullTime
	if s.ExpiresAt != nil {
		expires = sql.NullTime{Time: *s.ExpiresAt, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_suppressions (recipient, channel, reason, detail, source, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (recipient, channel) DO UPDATE SET
			reason = EXCLUDED.reason,
			detail = EXCLUDED.detail,
			source = EXCLUDED.source,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`, s.Recipient, string(s.Channel), string(s.Reason), s.Detail, string(s.Source), s.CreatedAt, expires)
	if err != nil {
		return fmt.Errorf("suppress: %w", err)
	}
	return nil
}

func (r *SuppressionRepo) Remove(ctx context.Context, recipient string, ch domain.Channel) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM notification_suppressions WHERE recipient = $1 AND channel = $2`,
		recipient, string(ch),
	)
	if err != nil {
		return fmt.Errorf("remove suppression: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return suppression.ErrNotFound
	}
	return nil
}

func (r *SuppressionRepo) List(ctx context.Context, f suppression.ListFilter, now time.Time) ([]domain.Suppression, error) {
	channels := make([]string, 0, len(domain.Channels))
	if f.Channel != "" {
		channels = append(channels, string(f.Channel))
	} else {
		for _, ch := range domain.Channels {
			channels = append(channels, string(ch))
		}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT recipient, channel, reason, detail, source, created_at, expires_at
		FROM notification_suppressions
		WHERE channel = ANY($1)
		  AND (expires_at IS NULL OR expires_at > $2)
		  AND ($3 = '' OR source = $3)
		  AND ($4 = '' OR reason = $4)
		ORDER BY created_at DESC, recipient
		LIMIT $5 OFFSET $6
	`, pq.Array(channels), now, string(f.Source), string(f.Reason), limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("list suppressions: %w", err)
	}
	defer rows.Close()

	out := []domain.Suppression{}
	for rows.Next() {
		var (
			s       domain.Suppression
			expires sql.NullTime
		)
		if err := rows.Scan(&s.Recipient, &s.Channel, &s.Reason, &s.Detail, &s.Source, &s.CreatedAt, &expires); err != nil {
			return nil, fmt.Errorf("scan suppression: %w", err)
		}
		if expires.Valid {
			t := expires.Time
			s.ExpiresAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
