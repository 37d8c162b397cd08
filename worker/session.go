package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// inbound is the envelope of orchestrator messages.
type inbound struct {
	Type       string         `json:"type"`
	PlanetID   string         `json:"planet_id,omitempty"`
	Season     int            `json:"season,omitempty"`
	Round      int            `json:"round,omitempty"`
	ServerTime string         `json:"server_time,omitempty"`
	Action     string         `json:"action,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

// Client holds one session with the orchestrator.
type Client struct {
	cfg *Config
	sim *Simulator

	ws      *websocket.Conn
	writeMu sync.Mutex

	busyMu sync.Mutex
	busy   bool
}

// NewClient wires a Client.
func NewClient(cfg *Config, sim *Simulator) *Client {
	return &Client{cfg: cfg, sim: sim}
}

// Run dials the orchestrator and processes messages until the connection
// drops or ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.SessionURL(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.SessionURL(), err)
	}
	c.ws = ws
	defer ws.Close()

	log.Printf("Connected to %s", c.cfg.SessionURL())

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeatLoop(hbCtx)

	go func() {
		<-ctx.Done()
		c.send(map[string]any{"type": "disconnect"})
		ws.Close()
	}()

	for {
		var msg inbound
		if err := ws.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		switch msg.Type {
		case "assign_job":
			c.handleAssignment(ctx, msg)
		case "pong":
			// Orchestrator clock; nothing to do.
		case "command":
			log.Printf("Ignoring command %q (not supported)", msg.Action)
		default:
			log.Printf("Ignoring unknown message type %q", msg.Type)
		}
	}
}

func (c *Client) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(v)
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.busyMu.Lock()
			busy := c.busy
			c.busyMu.Unlock()

			idleCPU, idleRAM, maxCPU, maxRAM, disk := c.sim.Telemetry(busy)
			err := c.send(map[string]any{
				"type":     "heartbeat",
				"idle_cpu": idleCPU,
				"idle_ram": idleRAM,
				"max_cpu":  maxCPU,
				"max_ram":  maxRAM,
				"disk":     disk,
			})
			if err != nil {
				log.Printf("Heartbeat failed: %v", err)
				return
			}
		}
	}
}

// handleAssignment runs the round in the background so the read loop keeps
// consuming heartbeats' pongs and future messages.
func (c *Client) handleAssignment(ctx context.Context, msg inbound) {
	c.busyMu.Lock()
	if c.busy {
		// The orchestrator only assigns to idle workers; getting here means
		// a stale assignment crossed our status update. Refuse it.
		c.busyMu.Unlock()
		log.Printf("Refusing assignment %s: already busy", msg.PlanetID)
		c.send(map[string]any{"type": "error", "planet_id": msg.PlanetID, "error": "worker busy"})
		return
	}
	c.busy = true
	c.busyMu.Unlock()

	log.Printf("Assigned planet %s (season %d, round %d)", msg.PlanetID, msg.Season, msg.Round)

	go func() {
		defer func() {
			c.busyMu.Lock()
			c.busy = false
			c.busyMu.Unlock()
			c.send(map[string]any{"type": "status_update", "status": "idle"})
		}()

		res, err := c.sim.RunRound(ctx, msg.PlanetID, msg.Season, msg.Round)
		if err != nil {
			log.Printf("Round for %s failed: %v", msg.PlanetID, err)
			c.send(map[string]any{"type": "error", "planet_id": msg.PlanetID, "error": err.Error()})
			return
		}

		log.Printf("Round for %s complete, next run %s", msg.PlanetID, res.NextRunTime.Format(time.RFC3339))
		c.send(map[string]any{
			"type":          "job_done",
			"planet_id":     msg.PlanetID,
			"next_run_time": res.NextRunTime.UTC().Format(time.RFC3339),
			"season":        res.Season,
			"round":         res.Round,
		})
	}()
}
