package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is applied at startup. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS workers (
	worker_id       TEXT PRIMARY KEY,
	address         TEXT NOT NULL DEFAULT 'unknown',
	status          TEXT NOT NULL DEFAULT 'offline',
	last_heartbeat  TIMESTAMPTZ,
	idle_cpu        DOUBLE PRECISION NOT NULL DEFAULT 0,
	idle_ram        DOUBLE PRECISION NOT NULL DEFAULT 0,
	peak_cpu        DOUBLE PRECISION NOT NULL DEFAULT 0,
	peak_ram        DOUBLE PRECISION NOT NULL DEFAULT 0,
	disk            DOUBLE PRECISION NOT NULL DEFAULT 0,
	current_planet  TEXT NOT NULL DEFAULT '',
	assigned        INTEGER NOT NULL DEFAULT 0,
	completed       INTEGER NOT NULL DEFAULT 0,
	failed          INTEGER NOT NULL DEFAULT 0,
	connected_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	disconnected_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS workers_status_idx ON workers (status);
CREATE INDEX IF NOT EXISTS workers_heartbeat_idx ON workers (last_heartbeat);

CREATE TABLE IF NOT EXISTS planets (
	planet_id         TEXT PRIMARY KEY,
	season            INTEGER NOT NULL DEFAULT 1,
	round             INTEGER NOT NULL DEFAULT 0,
	round_number      INTEGER NOT NULL DEFAULT 0,
	next_run_time     TIMESTAMPTZ NOT NULL,
	status            TEXT NOT NULL DEFAULT 'queued',
	last_processed    TIMESTAMPTZ,
	processing_worker TEXT NOT NULL DEFAULT '',
	retry_count       INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS planets_schedule_idx ON planets (next_run_time, status);
CREATE INDEX IF NOT EXISTS planets_status_idx ON planets (status);

CREATE TABLE IF NOT EXISTS task_attempts (
	attempt_id   TEXT PRIMARY KEY,
	planet_id    TEXT NOT NULL REFERENCES planets (planet_id) ON DELETE CASCADE,
	worker_id    TEXT NOT NULL DEFAULT '',
	start_time   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	end_time     TIMESTAMPTZ,
	duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'started',
	error_detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS attempts_start_idx ON task_attempts (start_time DESC);
CREATE INDEX IF NOT EXISTS attempts_planet_idx ON task_attempts (planet_id);
`

// Migrate applies the schema to the connected database.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, Schema)
	return err
}
