package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const workerColumns = `worker_id, address, status, last_heartbeat, idle_cpu, idle_ram,
	peak_cpu, peak_ram, disk, current_planet, assigned, completed, failed,
	connected_at, disconnected_at`

const planetColumns = `planet_id, season, round, round_number, next_run_time, status,
	last_processed, processing_worker, retry_count, created_at`

const attemptColumns = `attempt_id, planet_id, worker_id, start_time, end_time,
	duration_seconds, status, error_detail`

// PostgresStore implements Store on a PostgreSQL backend. The lifecycle
// transactions take row locks in a fixed worker-then-planet order so that
// concurrent assignment, completion and recovery serialize instead of
// deadlocking.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool, verifies it, and applies the schema.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	if err := Migrate(ctx, pool); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorker(row rowScanner) (*Worker, error) {
	var w Worker
	err := row.Scan(
		&w.WorkerID, &w.Address, &w.Status, &w.LastHeartbeat, &w.IdleCPU, &w.IdleRAM,
		&w.PeakCPU, &w.PeakRAM, &w.Disk, &w.CurrentPlanet, &w.Assigned, &w.Completed,
		&w.Failed, &w.ConnectedAt, &w.DisconnectedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func scanPlanet(row rowScanner) (*Planet, error) {
	var p Planet
	err := row.Scan(
		&p.PlanetID, &p.Season, &p.Round, &p.RoundNumber, &p.NextRunTime, &p.Status,
		&p.LastProcessed, &p.ProcessingWorker, &p.RetryCount, &p.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanAttempt(row rowScanner) (*TaskAttempt, error) {
	var a TaskAttempt
	err := row.Scan(
		&a.AttemptID, &a.PlanetID, &a.WorkerID, &a.StartTime, &a.EndTime,
		&a.Duration, &a.Status, &a.ErrorDetail,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func collectWorkers(rows pgx.Rows) ([]*Worker, error) {
	defer rows.Close()
	var out []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func collectPlanets(rows pgx.Rows) ([]*Planet, error) {
	defer rows.Close()
	var out []*Planet
	for rows.Next() {
		p, err := scanPlanet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func collectAttempts(rows pgx.Rows) ([]*TaskAttempt, error) {
	defer rows.Close()
	var out []*TaskAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Worker operations ---

func (s *PostgresStore) RegisterWorker(ctx context.Context, workerID, address string, now time.Time) (*Worker, error) {
	// Counters and connected_at survive reconnects; only the connection
	// facing fields reset.
	query := `
		INSERT INTO workers (worker_id, address, status, last_heartbeat, connected_at)
		VALUES ($1, $2, 'idle', $3, $3)
		ON CONFLICT (worker_id) DO UPDATE SET
			address = EXCLUDED.address,
			status = 'idle',
			last_heartbeat = EXCLUDED.last_heartbeat,
			disconnected_at = NULL
		RETURNING ` + workerColumns
	return scanWorker(s.pool.QueryRow(ctx, query, workerID, address, now))
}

func (s *PostgresStore) GetWorker(ctx context.Context, workerID string) (*Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE worker_id = $1`
	return scanWorker(s.pool.QueryRow(ctx, query, workerID))
}

func (s *PostgresStore) ListWorkers(ctx context.Context) ([]*Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers ORDER BY worker_id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return collectWorkers(rows)
}

func (s *PostgresStore) ListIdleWorkers(ctx context.Context) ([]*Worker, error) {
	query := `
		SELECT ` + workerColumns + ` FROM workers
		WHERE status = 'idle'
		ORDER BY completed ASC, worker_id ASC`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return collectWorkers(rows)
}

func (s *PostgresStore) ListStaleWorkers(ctx context.Context, cutoff time.Time) ([]*Worker, error) {
	query := `
		SELECT ` + workerColumns + ` FROM workers
		WHERE status IN ('idle', 'busy')
		  AND (last_heartbeat IS NULL OR last_heartbeat < $1)
		ORDER BY worker_id`
	rows, err := s.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	return collectWorkers(rows)
}

func (s *PostgresStore) Heartbeat(ctx context.Context, workerID string, now time.Time, tel *Telemetry) error {
	query := `
		UPDATE workers SET
			last_heartbeat = $2,
			idle_cpu = COALESCE($3, idle_cpu),
			idle_ram = COALESCE($4, idle_ram),
			peak_cpu = COALESCE($5, peak_cpu),
			peak_ram = COALESCE($6, peak_ram),
			disk = COALESCE($7, disk)
		WHERE worker_id = $1`
	var idleCPU, idleRAM, peakCPU, peakRAM, disk *float64
	if tel != nil {
		idleCPU, idleRAM, peakCPU, peakRAM, disk = tel.IdleCPU, tel.IdleRAM, tel.PeakCPU, tel.PeakRAM, tel.Disk
	}
	tag, err := s.pool.Exec(ctx, query, workerID, now, idleCPU, idleRAM, peakCPU, peakRAM, disk)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetWorkerStatus(ctx context.Context, workerID, status string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE workers SET status = $2 WHERE worker_id = $1`, workerID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Planet operations ---

func (s *PostgresStore) CreatePlanet(ctx context.Context, p *Planet) error {
	query := `
		INSERT INTO planets (planet_id, season, round, round_number, next_run_time, status)
		VALUES ($1, $2, $3, $4, $5, 'queued')`
	_, err := s.pool.Exec(ctx, query, p.PlanetID, p.Season, p.Round, p.RoundNumber, p.NextRunTime)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) GetPlanet(ctx context.Context, planetID string) (*Planet, error) {
	query := `SELECT ` + planetColumns + ` FROM planets WHERE planet_id = $1`
	return scanPlanet(s.pool.QueryRow(ctx, query, planetID))
}

func (s *PostgresStore) DeletePlanet(ctx context.Context, planetID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM planets WHERE planet_id = $1 AND status <> 'processing'`, planetID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish "missing" from "in flight".
		if _, err := s.GetPlanet(ctx, planetID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrProcessing
	}
	return nil
}

func (s *PostgresStore) ListPlanets(ctx context.Context) ([]*Planet, error) {
	query := `SELECT ` + planetColumns + ` FROM planets ORDER BY planet_id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return collectPlanets(rows)
}

func (s *PostgresStore) ListDuePlanets(ctx context.Context, now time.Time, limit int) ([]*Planet, error) {
	query := `
		SELECT ` + planetColumns + ` FROM planets
		WHERE status = 'queued' AND next_run_time <= $1
		ORDER BY next_run_time ASC
		LIMIT $2`
	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	return collectPlanets(rows)
}

func (s *PostgresStore) ListPlanetsByStatus(ctx context.Context, status string, limit int) ([]*Planet, error) {
	query := `
		SELECT ` + planetColumns + ` FROM planets
		WHERE status = $1 ORDER BY planet_id LIMIT $2`
	rows, err := s.pool.Query(ctx, query, status, limit)
	if err != nil {
		return nil, err
	}
	return collectPlanets(rows)
}

func (s *PostgresStore) ResetErrorPlanet(ctx context.Context, planetID string, now time.Time) error {
	query := `
		UPDATE planets SET
			status = 'queued', retry_count = 0, processing_worker = '', next_run_time = $2
		WHERE planet_id = $1 AND status = 'error'`
	_, err := s.pool.Exec(ctx, query, planetID, now)
	return err
}

func (s *PostgresStore) CountPlanetsByStatus(ctx context.Context, status string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM planets WHERE status = $1`, status).Scan(&count)
	return count, err
}

// --- Attempt operations ---

func (s *PostgresStore) ListAttempts(ctx context.Context, planetID string, limit int) ([]*TaskAttempt, error) {
	query := `
		SELECT ` + attemptColumns + ` FROM task_attempts
		WHERE planet_id = $1 ORDER BY start_time DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, planetID, limit)
	if err != nil {
		return nil, err
	}
	return collectAttempts(rows)
}

func (s *PostgresStore) ListRecentAttempts(ctx context.Context, limit int) ([]*TaskAttempt, error) {
	query := `
		SELECT ` + attemptColumns + ` FROM task_attempts
		ORDER BY start_time DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return collectAttempts(rows)
}

// --- Lifecycle transactions ---

// lockWorker and lockPlanet take FOR UPDATE row locks. Every transaction
// acquires the worker lock before the planet lock.

func lockWorker(ctx context.Context, tx pgx.Tx, workerID string) (*Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE worker_id = $1 FOR UPDATE`
	return scanWorker(tx.QueryRow(ctx, query, workerID))
}

func lockPlanet(ctx context.Context, tx pgx.Tx, planetID string) (*Planet, error) {
	query := `SELECT ` + planetColumns + ` FROM planets WHERE planet_id = $1 FOR UPDATE`
	return scanPlanet(tx.QueryRow(ctx, query, planetID))
}

func (s *PostgresStore) AssignPlanet(ctx context.Context, planetID, workerID string, now time.Time) (*Planet, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	w, err := lockWorker(ctx, tx, workerID)
	if err != nil {
		return nil, err
	}
	if w.Status != WorkerIdle {
		return nil, ErrWorkerUnavailable
	}
	p, err := lockPlanet(ctx, tx, planetID)
	if err != nil {
		return nil, err
	}
	if p.Status != PlanetQueued {
		return nil, ErrNotQueued
	}

	if _, err := tx.Exec(ctx, `
		UPDATE planets SET status = 'processing', processing_worker = $2
		WHERE planet_id = $1`, planetID, workerID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE workers SET status = 'busy', current_planet = $2, assigned = assigned + 1
		WHERE worker_id = $1`, workerID, planetID); err != nil {
		return nil, err
	}

	// Retry attempts reuse the most recent failed row (keeps the audit log
	// bounded under retry storms); fresh jobs open a new one.
	reopened := false
	if p.RetryCount > 0 {
		tag, err := tx.Exec(ctx, `
			UPDATE task_attempts SET
				worker_id = $2, status = 'started', start_time = $3,
				end_time = NULL, duration_seconds = 0
			WHERE attempt_id = (
				SELECT attempt_id FROM task_attempts
				WHERE planet_id = $1 AND status = 'failed'
				ORDER BY start_time DESC LIMIT 1
			)`, planetID, workerID, now)
		if err != nil {
			return nil, err
		}
		reopened = tag.RowsAffected() > 0
	}
	if !reopened {
		if _, err := tx.Exec(ctx, `
			INSERT INTO task_attempts (attempt_id, planet_id, worker_id, start_time, status)
			VALUES ($1, $2, $3, $4, 'started')`,
			uuid.NewString(), planetID, workerID, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	p.Status = PlanetProcessing
	p.ProcessingWorker = workerID
	return p, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, planetID, workerID string, now time.Time, res CompletionResult) (*Planet, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := lockWorker(ctx, tx, workerID); err != nil {
		return nil, err
	}
	p, err := lockPlanet(ctx, tx, planetID)
	if err != nil {
		return nil, err
	}
	if p.Status != PlanetProcessing || p.ProcessingWorker != workerID {
		return nil, ErrNotQueued
	}

	round := p.Round + 1
	if res.Round != nil {
		round = *res.Round
	}
	season := p.Season
	if res.Season != nil {
		season = *res.Season
	}
	roundNumber := p.RoundNumber
	if res.RoundNumber != nil {
		roundNumber = *res.RoundNumber
	}

	if _, err := tx.Exec(ctx, `
		UPDATE planets SET
			status = 'queued', processing_worker = '', retry_count = 0,
			last_processed = $2, next_run_time = $3,
			season = $4, round = $5, round_number = $6
		WHERE planet_id = $1`,
		planetID, now, res.NextRunTime, season, round, roundNumber); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE workers SET status = 'idle', current_planet = '', completed = completed + 1
		WHERE worker_id = $1`, workerID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE task_attempts SET
			status = 'completed', end_time = $2,
			duration_seconds = EXTRACT(EPOCH FROM ($2 - start_time))
		WHERE attempt_id = (
			SELECT attempt_id FROM task_attempts
			WHERE planet_id = $1 AND status = 'started'
			ORDER BY start_time DESC LIMIT 1
		)`, planetID, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	p.Status = PlanetQueued
	p.ProcessingWorker = ""
	p.RetryCount = 0
	p.NextRunTime = res.NextRunTime
	p.Season, p.Round, p.RoundNumber = season, round, roundNumber
	lp := now
	p.LastProcessed = &lp
	return p, nil
}

func (s *PostgresStore) FailJob(ctx context.Context, planetID, workerID, reason string, now time.Time, maxRetries int, cooldown time.Duration) (*FailureOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := lockWorker(ctx, tx, workerID); err != nil {
		return nil, err
	}
	p, err := lockPlanet(ctx, tx, planetID)
	if err != nil {
		return nil, err
	}
	if p.Status != PlanetProcessing || p.ProcessingWorker != workerID {
		return nil, ErrNotQueued
	}

	k := p.RetryCount + 1
	detail := fmt.Sprintf("[retry %d/%d] %s", k, maxRetries, reason)

	if _, err := tx.Exec(ctx, `
		UPDATE task_attempts SET
			status = 'failed', end_time = $2, error_detail = $3,
			duration_seconds = EXTRACT(EPOCH FROM ($2 - start_time))
		WHERE attempt_id = (
			SELECT attempt_id FROM task_attempts
			WHERE planet_id = $1 AND status = 'started'
			ORDER BY start_time DESC LIMIT 1
		)`, planetID, now, detail); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE workers SET status = 'idle', current_planet = '', failed = failed + 1
		WHERE worker_id = $1`, workerID); err != nil {
		return nil, err
	}

	out := &FailureOutcome{RetryCount: k, NextRunTime: now}
	retryCount := k
	if k >= maxRetries {
		// Cooldown reset instead of a terminal error state.
		retryCount = 0
		out.RetryCount = 0
		out.Cooldown = true
		out.NextRunTime = now.Add(cooldown)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE planets SET
			status = 'queued', processing_worker = '', retry_count = $2, next_run_time = $3
		WHERE planet_id = $1`, planetID, retryCount, out.NextRunTime); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) RecoverWorker(ctx context.Context, workerID, reason string, now time.Time) (*Recovery, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	w, err := lockWorker(ctx, tx, workerID)
	if err != nil {
		return nil, err
	}

	rec := &Recovery{}
	if w.CurrentPlanet != "" {
		p, err := lockPlanet(ctx, tx, w.CurrentPlanet)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if p != nil {
			// Orphan recovery leaves retry_count alone: a lost worker is
			// an availability event, not a job failure.
			if _, err := tx.Exec(ctx, `
				UPDATE planets SET status = 'queued', processing_worker = ''
				WHERE planet_id = $1`, p.PlanetID); err != nil {
				return nil, err
			}
			if _, err := tx.Exec(ctx, `
				UPDATE task_attempts SET
					status = 'timeout', end_time = $2, error_detail = $3,
					duration_seconds = EXTRACT(EPOCH FROM ($2 - start_time))
				WHERE attempt_id = (
					SELECT attempt_id FROM task_attempts
					WHERE planet_id = $1 AND status = 'started'
					ORDER BY start_time DESC LIMIT 1
				)`, p.PlanetID, now, reason); err != nil {
				return nil, err
			}
			rec.PlanetID = p.PlanetID
			rec.NextRunTime = p.NextRunTime
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE workers SET status = 'offline', current_planet = '', disconnected_at = $2
		WHERE worker_id = $1`, workerID, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}
