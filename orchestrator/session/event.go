package session

import "time"

// EventType identifies a worker lifecycle or job outcome event.
type EventType string

const (
	// WorkerReady fires on connect and on a busy→idle status update.
	WorkerReady EventType = "WORKER_READY"
	// JobCompleted fires on a job_done frame.
	JobCompleted EventType = "JOB_COMPLETED"
	// JobFailed fires on an error frame.
	JobFailed EventType = "JOB_FAILED"
	// WorkerLost fires on disconnect; the liveness sweeper synthesizes the
	// same event for heartbeat timeouts.
	WorkerLost EventType = "WORKER_LOST"
)

// Event is what the registry pushes to the dispatcher.
type Event struct {
	Type     EventType
	WorkerID string

	// JobCompleted / JobFailed
	PlanetID    string
	NextRunTime time.Time
	Season      *int
	Round       *int
	RoundNumber *int

	// JobFailed / WorkerLost
	Reason string
}
