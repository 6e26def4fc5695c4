// Package postgres implements repositories against PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // registers the "postgres" driver
)

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, url string, maxOpen, maxIdle int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// suppressionSchema creates the suppression table if missing.
const suppressionSchema = `
CREATE TABLE IF NOT EXISTS notification_suppressions (
	recipient  TEXT        NOT NULL,
	channel    TEXT        NOT NULL,
	reason     TEXT        NOT NULL,
	detail     TEXT        NOT NULL DEFAULT '',
	source     TEXT        NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ,
	PRIMARY KEY (recipient, channel)
);
CREATE INDEX IF NOT EXISTS idx_notification_suppressions_created
	ON notification_suppressions (created_at DESC);
`

// auditSchema creates the append-only audit table if missing.
const auditSchema = `
CREATE TABLE IF NOT EXISTS notification_suppression_audit (
	id         TEXT        PRIMARY KEY,
	action     TEXT        NOT NULL,
	actor      TEXT        NOT NULL,
	recipient  TEXT        NOT NULL,
	channel    TEXT        NOT NULL,
	reason     TEXT        NOT NULL DEFAULT '',
	source     TEXT        NOT NULL DEFAULT '',
	detail     TEXT        NOT NULL DEFAULT '',
	expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notification_suppression_audit_recipient
	ON notification_suppression_audit (recipient, channel, created_at DESC);
`

// EnsureSchema applies the table definitions this package relies on.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, ddl := range []string{suppressionSchema, auditSchema} {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
