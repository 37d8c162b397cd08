// Package session maintains the per-worker bidirectional channels. Each
// worker holds one WebSocket at /session/<worker_id>; inbound frames become
// dispatcher events, outbound messages carry assignments and replies.
package session

import (
	"fmt"
	"strings"
	"time"
)

// Inbound frame types.
const (
	FrameHeartbeat    = "heartbeat"
	FrameStatusUpdate = "status_update"
	FrameJobDone      = "job_done"
	FrameError        = "error"
	FrameDisconnect   = "disconnect"
)

// Frame is the envelope for every inbound worker message. The type field
// selects which of the remaining fields are meaningful.
type Frame struct {
	Type string `json:"type"`

	// status_update
	Status string `json:"status,omitempty"`

	// job_done / error
	PlanetID    string `json:"planet_id,omitempty"`
	NextRunTime string `json:"next_run_time,omitempty"` // RFC 3339
	Season      *int   `json:"season,omitempty"`
	Round       *int   `json:"round,omitempty"`
	RoundNumber *int   `json:"round_number,omitempty"`
	Error       string `json:"error,omitempty"`

	// heartbeat telemetry, all optional
	IdleCPU *float64 `json:"idle_cpu,omitempty"`
	IdleRAM *float64 `json:"idle_ram,omitempty"`
	MaxCPU  *float64 `json:"max_cpu,omitempty"`
	MaxRAM  *float64 `json:"max_ram,omitempty"`
	Disk    *float64 `json:"disk,omitempty"`
}

// AssignJob tells a worker to run one round for a planet.
type AssignJob struct {
	Type     string `json:"type"`
	PlanetID string `json:"planet_id"`
	Season   int    `json:"season"`
	Round    int    `json:"round"`
}

// NewAssignJob builds the assignment message.
func NewAssignJob(planetID string, season, round int) AssignJob {
	return AssignJob{Type: "assign_job", PlanetID: planetID, Season: season, Round: round}
}

// Pong is the heartbeat reply carrying the orchestrator clock.
type Pong struct {
	Type       string `json:"type"`
	ServerTime string `json:"server_time"` // RFC 3339
}

// NewPong builds a pong for the given server time.
func NewPong(now time.Time) Pong {
	return Pong{Type: "pong", ServerTime: now.UTC().Format(time.RFC3339)}
}

// Command is an operator passthrough to a worker.
type Command struct {
	Type   string         `json:"type"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// NewCommand builds a command message.
func NewCommand(action string, params map[string]any) Command {
	return Command{Type: "command", Action: action, Params: params}
}

// AddressFromWorkerID recovers a dotted IPv4 address from ids shaped like
// worker_10_0_3_17. Ids that do not follow the convention yield "unknown";
// the address is informational only.
func AddressFromWorkerID(workerID string) string {
	rest, ok := strings.CutPrefix(workerID, "worker_")
	if !ok {
		return "unknown"
	}
	parts := strings.Split(rest, "_")
	if len(parts) != 4 {
		return "unknown"
	}
	for _, p := range parts {
		if p == "" {
			return "unknown"
		}
		for _, c := range p {
			if c < '0' || c > '9' {
				return "unknown"
			}
		}
	}
	return fmt.Sprintf("%s.%s.%s.%s", parts[0], parts[1], parts[2], parts[3])
}
