// internal/postgres/schema.go
package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schema is idempotent; Migrate runs it on every start.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS articles (
		id UUID PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		donor_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'disponible',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS donation_requests (
		id UUID PRIMARY KEY,
		article_id UUID NOT NULL REFERENCES articles(id),
		article_title TEXT NOT NULL DEFAULT '',
		donor_id TEXT NOT NULL,
		requester_id TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		access_code CHAR(4) NOT NULL,
		status TEXT NOT NULL,
		locker_id TEXT NOT NULL DEFAULT '',
		locker_location TEXT NOT NULL DEFAULT '',
		rejection_reason TEXT NOT NULL DEFAULT '',
		access_location TEXT NOT NULL DEFAULT '',
		version INT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		approved_at TIMESTAMPTZ,
		rejected_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		last_access_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS donation_requests_active_code
		ON donation_requests (access_code)
		WHERE status IN ('pending', 'approved')`,
	`CREATE INDEX IF NOT EXISTS donation_requests_requester ON donation_requests (requester_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS donation_requests_donor ON donation_requests (donor_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		stream_id UUID NOT NULL,
		stream_type TEXT NOT NULL,
		type TEXT NOT NULL,
		data JSONB NOT NULL,
		metadata JSONB,
		version INT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (stream_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS lockers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		location TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		ip_address TEXT NOT NULL DEFAULT '',
		mac_address TEXT NOT NULL DEFAULT '',
		firmware_version TEXT NOT NULL DEFAULT '',
		total_uses BIGINT NOT NULL DEFAULT 0,
		total_donations BIGINT NOT NULL DEFAULT 0,
		total_pickups BIGINT NOT NULL DEFAULT 0,
		last_used TIMESTAMPTZ,
		last_seen TIMESTAMPTZ,
		last_event TEXT NOT NULL DEFAULT '',
		last_maintenance TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS access_logs (
		id BIGSERIAL PRIMARY KEY,
		locker_id TEXT NOT NULL,
		access_code TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		success BOOLEAN NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS access_logs_locker_time ON access_logs (locker_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS locker_events (
		id BIGSERIAL PRIMARY KEY,
		locker_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details JSONB,
		reported_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		data JSONB,
		read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate creates the tables used by the service.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}
