package postgres

import (
	"context"
	"fmt"
)

// schemaStatements are idempotent and run in order at startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS build_jobs (
		job_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		revision BIGINT NOT NULL,
		next_attempt_at TIMESTAMPTZ,
		published_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		doc JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS build_jobs_status_idx ON build_jobs (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS build_job_events (
		job_id TEXT NOT NULL REFERENCES build_jobs (job_id),
		seq BIGINT NOT NULL,
		attempt INTEGER NOT NULL,
		from_status TEXT,
		to_status TEXT NOT NULL,
		builder_id TEXT,
		reason TEXT,
		occurred_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (job_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS builders (
		builder_id TEXT PRIMARY KEY,
		endpoint TEXT NOT NULL,
		busy BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS published_artifacts (
		artifact_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		version TEXT NOT NULL,
		release BIGINT NOT NULL,
		content_digest TEXT NOT NULL,
		job_id TEXT NOT NULL,
		published_at TIMESTAMPTZ NOT NULL,
		doc JSONB NOT NULL,
		UNIQUE (job_id, content_digest),
		UNIQUE (name, version, release)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		event_id BIGSERIAL PRIMARY KEY,
		occurred_at TIMESTAMPTZ NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		request_id TEXT,
		payload JSONB NOT NULL,
		integrity_sha256 TEXT NOT NULL
	)`,
}

// Migrate creates the tables the stores in this package use.
func Migrate(ctx context.Context, db DB) error {
	for i, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
