package session

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/kradagames/orbiter/orchestrator/observability"
	"github.com/kradagames/orbiter/orchestrator/queue"
	"github.com/kradagames/orbiter/orchestrator/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Workers connect from arbitrary hosts
		return true
	},
}

const (
	readDeadline = 60 * time.Second
	storeTimeout = 2 * time.Second

	// Inbound flood guard per session. A healthy worker sends a heartbeat
	// every few seconds plus one job_done per round.
	frameRate  = 20
	frameBurst = 40
)

// Handler upgrades worker connections at /session/<worker_id> and runs the
// read pump that turns inbound frames into dispatcher events.
type Handler struct {
	Registry *Registry
	Store    store.Store
	Index    queue.Index
	Now      func() time.Time
}

// NewHandler wires a Handler.
func NewHandler(reg *Registry, st store.Store, idx queue.Index) *Handler {
	return &Handler{Registry: reg, Store: st, Index: idx, Now: time.Now}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	workerID := strings.TrimPrefix(r.URL.Path, "/session/")
	if workerID == "" || strings.ContainsRune(workerID, '/') {
		http.Error(w, "missing worker id", http.StatusNotFound)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Session] upgrade failed for %s: %v", workerID, err)
		return
	}

	now := h.Now()

	// A reconnect can arrive while the worker's row still says busy: the old
	// session died mid-job, or delivery crossed the wire with the drop. The
	// displaced read pump stays silent for superseded sessions, so the
	// in-flight planet has to be recovered here before the row goes idle.
	h.recoverStaleJob(workerID, now)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	_, err = h.Store.RegisterWorker(ctx, workerID, AddressFromWorkerID(workerID), now)
	cancel()
	if err != nil {
		log.Printf("[Session] register %s failed: %v", workerID, err)
		ws.Close()
		return
	}

	c, err := h.Registry.attach(workerID, ws)
	if err != nil {
		log.Printf("[Session] rejecting %s: %v", workerID, err)
		ws.Close()
		return
	}

	log.Printf("[Session] %s connected", workerID)
	h.Registry.emit(Event{Type: WorkerReady, WorkerID: workerID})

	h.readPump(workerID, c)
}

// recoverStaleJob requeues whatever a reconnecting worker left in flight.
// No-op when the worker is new or has no current planet.
func (h *Handler) recoverStaleJob(workerID string, now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	w, err := h.Store.GetWorker(ctx, workerID)
	if err != nil || w.CurrentPlanet == "" {
		return
	}

	log.Printf("[Session] %s reconnected while busy with %s, recovering", workerID, w.CurrentPlanet)
	rec, err := h.Store.RecoverWorker(ctx, workerID, "worker reconnected mid-job", now)
	if err != nil {
		log.Printf("[Session] recover of %s on reconnect failed: %v", workerID, err)
		return
	}
	observability.Recoveries.WithLabelValues("reconnect").Inc()
	if rec.PlanetID != "" {
		h.Index.Upsert(ctx, rec.PlanetID, rec.NextRunTime)
		log.Printf("[Session] requeued planet %s orphaned by %s reconnect", rec.PlanetID, workerID)
	}
}

// readPump consumes frames until the connection dies or the worker sends a
// disconnect. Runs on the upgraded request goroutine.
func (h *Handler) readPump(workerID string, c *conn) {
	defer func() {
		c.ws.Close()
		if h.Registry.detach(workerID, c) {
			log.Printf("[Session] %s disconnected", workerID)
			h.Registry.emit(Event{Type: WorkerLost, WorkerID: workerID, Reason: "connection closed"})
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(frameRate), frameBurst)

	for {
		c.ws.SetReadDeadline(time.Now().Add(readDeadline))

		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[Session] %s read error: %v", workerID, err)
			}
			return
		}

		if !limiter.Allow() {
			log.Printf("[Session] %s flooding, dropping %s frame", workerID, f.Type)
			continue
		}

		observability.InboundMessages.WithLabelValues(f.Type).Inc()
		if done := h.handleFrame(workerID, &f); done {
			return
		}
	}
}

// handleFrame processes one inbound frame. Returns true when the session
// should close.
func (h *Handler) handleFrame(workerID string, f *Frame) bool {
	now := h.Now()

	switch f.Type {
	case FrameHeartbeat:
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		err := h.Store.Heartbeat(ctx, workerID, now, telemetryFrom(f))
		cancel()
		if err != nil {
			log.Printf("[Session] heartbeat for %s failed: %v", workerID, err)
		}
		h.Registry.Send(workerID, NewPong(now))

	case FrameStatusUpdate:
		status, ok := workerStatus(f.Status)
		if !ok {
			log.Printf("[Session] %s sent unknown status %q, ignoring", workerID, f.Status)
			return false
		}
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		err := h.Store.SetWorkerStatus(ctx, workerID, status)
		cancel()
		if err != nil {
			log.Printf("[Session] status update for %s failed: %v", workerID, err)
			return false
		}
		if status == store.WorkerIdle {
			h.Registry.emit(Event{Type: WorkerReady, WorkerID: workerID})
		}

	case FrameJobDone:
		if f.PlanetID == "" {
			log.Printf("[Session] %s sent job_done without planet_id, ignoring", workerID)
			return false
		}
		next := now
		if f.NextRunTime != "" {
			t, err := time.Parse(time.RFC3339, f.NextRunTime)
			if err != nil {
				log.Printf("[Session] %s sent bad next_run_time %q, using now: %v", workerID, f.NextRunTime, err)
			} else {
				next = t
			}
		}
		h.Registry.emit(Event{
			Type:        JobCompleted,
			WorkerID:    workerID,
			PlanetID:    f.PlanetID,
			NextRunTime: next,
			Season:      f.Season,
			Round:       f.Round,
			RoundNumber: f.RoundNumber,
		})

	case FrameError:
		if f.PlanetID == "" {
			log.Printf("[Session] %s sent error without planet_id, ignoring", workerID)
			return false
		}
		h.Registry.emit(Event{
			Type:     JobFailed,
			WorkerID: workerID,
			PlanetID: f.PlanetID,
			Reason:   f.Error,
		})

	case FrameDisconnect:
		return true

	default:
		log.Printf("[Session] %s sent unknown frame type %q, ignoring", workerID, f.Type)
	}
	return false
}

func workerStatus(s string) (string, bool) {
	switch s {
	case "idle":
		return store.WorkerIdle, true
	case "busy":
		return store.WorkerBusy, true
	}
	return "", false
}

func telemetryFrom(f *Frame) *store.Telemetry {
	if f.IdleCPU == nil && f.IdleRAM == nil && f.MaxCPU == nil && f.MaxRAM == nil && f.Disk == nil {
		return nil
	}
	return &store.Telemetry{
		IdleCPU: f.IdleCPU,
		IdleRAM: f.IdleRAM,
		PeakCPU: f.MaxCPU,
		PeakRAM: f.MaxRAM,
		Disk:    f.Disk,
	}
}
