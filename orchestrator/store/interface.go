package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a worker, planet or attempt does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when creating a planet that already exists.
	ErrDuplicate = errors.New("already exists")
	// ErrNotQueued is returned by AssignPlanet when the planet left the
	// queued state between the due poll and the assignment transaction.
	ErrNotQueued = errors.New("planet not queued")
	// ErrWorkerUnavailable is returned by AssignPlanet when the worker is
	// no longer idle (lost race with another assignment path).
	ErrWorkerUnavailable = errors.New("worker not idle")
	// ErrProcessing is returned when deleting a planet that is in flight.
	ErrProcessing = errors.New("planet is processing")
)

// Store is the durable, authoritative record of workers, planets and task
// attempts. The scheduling index is only ever a cache of it.
//
// The lifecycle methods (AssignPlanet, CompleteJob, FailJob, RecoverWorker)
// are transactional: each one commits all of its row mutations atomically and
// serializes against concurrent calls touching the same worker or planet.
type Store interface {
	// Worker operations.
	RegisterWorker(ctx context.Context, workerID, address string, now time.Time) (*Worker, error)
	GetWorker(ctx context.Context, workerID string) (*Worker, error)
	ListWorkers(ctx context.Context) ([]*Worker, error)
	// ListIdleWorkers returns idle workers ordered by completed count
	// ascending (least-loaded first), then worker_id for determinism.
	ListIdleWorkers(ctx context.Context) ([]*Worker, error)
	// ListStaleWorkers returns idle/busy workers whose last heartbeat is
	// older than the cutoff.
	ListStaleWorkers(ctx context.Context, cutoff time.Time) ([]*Worker, error)
	Heartbeat(ctx context.Context, workerID string, now time.Time, tel *Telemetry) error
	SetWorkerStatus(ctx context.Context, workerID, status string) error

	// Planet operations.
	CreatePlanet(ctx context.Context, p *Planet) error
	GetPlanet(ctx context.Context, planetID string) (*Planet, error)
	DeletePlanet(ctx context.Context, planetID string) error
	ListPlanets(ctx context.Context) ([]*Planet, error)
	// ListDuePlanets returns queued planets with next_run_time <= now,
	// ordered by next_run_time ascending, at most limit rows.
	ListDuePlanets(ctx context.Context, now time.Time, limit int) ([]*Planet, error)
	ListPlanetsByStatus(ctx context.Context, status string, limit int) ([]*Planet, error)
	// ResetErrorPlanet moves an error planet back to queued with a clean
	// retry count and next_run_time = now.
	ResetErrorPlanet(ctx context.Context, planetID string, now time.Time) error
	CountPlanetsByStatus(ctx context.Context, status string) (int, error)

	// Attempt operations.
	ListAttempts(ctx context.Context, planetID string, limit int) ([]*TaskAttempt, error)
	ListRecentAttempts(ctx context.Context, limit int) ([]*TaskAttempt, error)

	// Lifecycle transactions.
	//
	// AssignPlanet performs the atomic hand-off: planet queued->processing,
	// worker idle->busy with assigned+1, and an open (or reopened) attempt.
	// It fails with ErrNotQueued / ErrWorkerUnavailable without mutating
	// anything when either guard does not hold.
	AssignPlanet(ctx context.Context, planetID, workerID string, now time.Time) (*Planet, error)
	// CompleteJob closes the open attempt as completed and requeues the
	// planet for res.NextRunTime. It is a no-op (ErrNotQueued) unless the
	// planet is processing by this worker, which makes replays harmless.
	CompleteJob(ctx context.Context, planetID, workerID string, now time.Time, res CompletionResult) (*Planet, error)
	// FailJob closes the open attempt as failed, frees the worker, and
	// either requeues immediately or applies the cooldown reset once the
	// retry budget is exhausted.
	FailJob(ctx context.Context, planetID, workerID, reason string, now time.Time, maxRetries int, cooldown time.Duration) (*FailureOutcome, error)
	// RecoverWorker marks the worker offline and, if it had a job in
	// flight, requeues the planet and closes the open attempt as timeout.
	// Safe to call repeatedly; later calls find nothing to recover.
	RecoverWorker(ctx context.Context, workerID, reason string, now time.Time) (*Recovery, error)
}
