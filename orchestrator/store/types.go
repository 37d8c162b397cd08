package store

import (
	"time"
)

// Worker status values.
const (
	WorkerOffline      = "offline"
	WorkerIdle         = "idle"
	WorkerBusy         = "busy"
	WorkerUnresponsive = "not_responding"
)

// Planet status values.
const (
	PlanetQueued     = "queued"
	PlanetProcessing = "processing"
	PlanetError      = "error"
)

// TaskAttempt status values.
const (
	AttemptStarted   = "started"
	AttemptCompleted = "completed"
	AttemptFailed    = "failed"
	AttemptTimeout   = "timeout"
)

// Worker represents a connected compute node.
// A worker row is created on first connection and survives disconnects;
// counters and address are preserved across reconnects.
type Worker struct {
	WorkerID      string     `json:"worker_id" db:"worker_id"`
	Address       string     `json:"address" db:"address"`
	Status        string     `json:"status" db:"status"` // offline, idle, busy, not_responding
	LastHeartbeat *time.Time `json:"last_heartbeat" db:"last_heartbeat"`

	// Resource telemetry reported via heartbeat. Advisory only.
	IdleCPU float64 `json:"idle_cpu" db:"idle_cpu"`
	IdleRAM float64 `json:"idle_ram" db:"idle_ram"`
	PeakCPU float64 `json:"peak_cpu" db:"peak_cpu"`
	PeakRAM float64 `json:"peak_ram" db:"peak_ram"`
	Disk    float64 `json:"disk" db:"disk"`

	// CurrentPlanet is the planet this worker is processing.
	// Non-empty iff Status == busy.
	CurrentPlanet string `json:"current_planet" db:"current_planet"`

	Assigned  int `json:"assigned" db:"assigned"`
	Completed int `json:"completed" db:"completed"`
	Failed    int `json:"failed" db:"failed"`

	ConnectedAt    time.Time  `json:"connected_at" db:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at" db:"disconnected_at"`
}

// Telemetry carries the optional resource metrics of a heartbeat frame.
// Nil fields were absent from the frame and leave the stored value untouched.
type Telemetry struct {
	IdleCPU *float64
	IdleRAM *float64
	PeakCPU *float64
	PeakRAM *float64
	Disk    *float64
}

// Planet is a unit of periodic work. Each planet belongs to a season and
// advances through rounds; the dispatcher schedules it by NextRunTime.
type Planet struct {
	PlanetID    string `json:"planet_id" db:"planet_id"`
	Season      int    `json:"season" db:"season"`
	Round       int    `json:"round" db:"round"`
	RoundNumber int    `json:"round_number" db:"round_number"`

	NextRunTime time.Time `json:"next_run_time" db:"next_run_time"`
	Status      string    `json:"status" db:"status"` // queued, processing, error

	LastProcessed *time.Time `json:"last_processed" db:"last_processed"`
	// ProcessingWorker is set iff Status == processing.
	ProcessingWorker string `json:"processing_worker" db:"processing_worker"`
	RetryCount       int    `json:"retry_count" db:"retry_count"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TaskAttempt is one audit record of a planet run. Retries reuse the most
// recent failed attempt instead of creating a new row, which bounds attempt
// rows per planet under retry storms.
type TaskAttempt struct {
	AttemptID string `json:"attempt_id" db:"attempt_id"`
	PlanetID  string `json:"planet_id" db:"planet_id"`
	// WorkerID may be empty if the worker row was deleted after the fact.
	WorkerID string `json:"worker_id" db:"worker_id"`

	StartTime time.Time  `json:"start_time" db:"start_time"`
	EndTime   *time.Time `json:"end_time" db:"end_time"`
	Duration  float64    `json:"duration_seconds" db:"duration_seconds"`

	Status      string `json:"status" db:"status"` // started, completed, failed, timeout
	ErrorDetail string `json:"error_detail" db:"error_detail"`
}

// CompletionResult carries a worker's job_done payload into the store.
// Season/Round/RoundNumber are authoritative when non-nil; a nil Round
// means the planet's round is incremented locally.
type CompletionResult struct {
	NextRunTime time.Time
	Season      *int
	Round       *int
	RoundNumber *int
}

// FailureOutcome reports what FailJob decided for the planet.
type FailureOutcome struct {
	RetryCount  int       // attempt count after this failure (0 if cooldown reset)
	Cooldown    bool      // true when the retry budget was exhausted
	NextRunTime time.Time // when the planet re-enters scheduling
}

// Recovery reports what RecoverWorker found. PlanetID is empty when the
// worker had no job in flight.
type Recovery struct {
	PlanetID    string
	NextRunTime time.Time
}
