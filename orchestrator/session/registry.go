package session

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kradagames/orbiter/orchestrator/observability"
)

const (
	maxSessions   = 500
	writeDeadline = 5 * time.Second
	eventBuffer   = 256
)

// ErrNotConnected is returned by Send when the worker has no open session.
var ErrNotConnected = errors.New("worker not connected")

// ErrRegistryFull is returned when the session cap is reached.
var ErrRegistryFull = errors.New("session registry full")

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex // serializes writes; gorilla allows one concurrent writer
}

// Registry tracks open worker sessions and funnels their events to the
// dispatcher. One session per worker id; a reconnect displaces the old one.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*conn
	events   chan Event
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*conn),
		events:   make(chan Event, eventBuffer),
	}
}

// Events is the stream consumed by the dispatcher event loop.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// emit hands an event to the dispatcher. Blocks if the dispatcher falls
// behind, which applies backpressure to the session read pumps.
func (r *Registry) emit(ev Event) {
	r.events <- ev
}

// attach registers the connection for workerID. An existing session for the
// same id is closed first; the displaced read pump must not emit WORKER_LOST
// for it, so attach returns the displaced conn for identity checks.
func (r *Registry) attach(workerID string, ws *websocket.Conn) (*conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= maxSessions {
		return nil, ErrRegistryFull
	}
	if old, ok := r.sessions[workerID]; ok {
		log.Printf("[Session] %s reconnected, displacing previous session", workerID)
		old.ws.Close()
	}
	c := &conn{ws: ws}
	r.sessions[workerID] = c
	observability.ConnectedWorkers.Set(float64(len(r.sessions)))
	return c, nil
}

// detach removes the session, but only if it still owns the slot. Returns
// true when the caller was the current session and should report the loss.
func (r *Registry) detach(workerID string, c *conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.sessions[workerID]
	if !ok || cur != c {
		return false
	}
	delete(r.sessions, workerID)
	observability.ConnectedWorkers.Set(float64(len(r.sessions)))
	return true
}

// Connected reports whether the worker has an open session.
func (r *Registry) Connected(workerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[workerID]
	return ok
}

// Count returns the number of open sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Send marshals v as JSON to the worker's session. A write deadline keeps a
// dead connection from blocking the dispatcher; the failed session is closed
// and its read pump reports the loss.
func (r *Registry) Send(workerID string, v any) error {
	r.mu.RLock()
	c, ok := r.sessions[workerID]
	r.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.ws.WriteJSON(v); err != nil {
		log.Printf("[Session] write to %s failed: %v", workerID, err)
		c.ws.Close()
		return err
	}
	return nil
}

// CloseAll shuts every session. Used on orchestrator shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	log.Printf("[Session] closing %d sessions", len(r.sessions))
	for _, c := range r.sessions {
		c.ws.Close()
	}
	r.sessions = make(map[string]*conn)
	observability.ConnectedWorkers.Set(0)
}
