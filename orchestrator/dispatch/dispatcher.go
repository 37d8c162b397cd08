// Package dispatch matches due planets to idle workers and reacts to worker
// events. Three loops run concurrently: the tick loop polls the scheduling
// index, the event loop consumes session events, and the liveness sweeper
// recovers workers that stopped heartbeating. Every worker/planet mutation
// goes through a store lifecycle transaction, so the loops never double
// assign regardless of interleaving.
package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/kradagames/orbiter/orchestrator/observability"
	"github.com/kradagames/orbiter/orchestrator/queue"
	"github.com/kradagames/orbiter/orchestrator/session"
	"github.com/kradagames/orbiter/orchestrator/store"
)

// Config holds the dispatcher tunables.
type Config struct {
	Tick             time.Duration // scheduling poll period
	HeartbeatSweep   time.Duration // liveness sweep period
	HeartbeatTimeout time.Duration // heartbeat staleness threshold
	MaxRetries       int           // failures before cooldown reset
	Cooldown         time.Duration // requeue delay after retry exhaustion
	Batch            int           // max due planets per poll
	StoreTimeout     time.Duration // per-operation store deadline
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Tick:             2 * time.Second,
		HeartbeatSweep:   5 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
		MaxRetries:       5,
		Cooldown:         30 * time.Second,
		Batch:            20,
		StoreTimeout:     2 * time.Second,
	}
}

// Sender delivers an outbound message to a worker session.
type Sender interface {
	Send(workerID string, v any) error
}

// Dispatcher runs the scheduling loops against a store, an index and the
// session layer.
type Dispatcher struct {
	cfg    Config
	store  store.Store
	index  queue.Index
	sender Sender
	events <-chan session.Event
	now    func() time.Time

	// tickMu serializes tick iterations; force-assign shares Tick with L1.
	tickMu sync.Mutex
}

// New wires a Dispatcher. events is typically Registry.Events().
func New(cfg Config, st store.Store, idx queue.Index, snd Sender, events <-chan session.Event) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		store:  st,
		index:  idx,
		sender: snd,
		events: events,
		now:    time.Now,
	}
}

// Run starts the three loops and blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	log.Printf("[Dispatch] starting: tick=%s sweep=%s heartbeat_timeout=%s batch=%d",
		d.cfg.Tick, d.cfg.HeartbeatSweep, d.cfg.HeartbeatTimeout, d.cfg.Batch)

	go d.runEvents(ctx)
	go d.runSweeper(ctx)

	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Dispatch] stopping")
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// opCtx bounds one store call.
func (d *Dispatcher) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.cfg.StoreTimeout)
}

// Tick runs one scheduling iteration: poll the index (reconciling from the
// store when it comes back empty), then hand due planets to idle workers in
// least-loaded order. Exported because force-assign runs the same iteration
// on demand.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	start := time.Now()
	defer func() { observability.TickDuration.Observe(time.Since(start).Seconds()) }()

	now := d.now()
	due := d.index.Due(ctx, now, d.cfg.Batch)
	if len(due) == 0 {
		due = d.reconcile(ctx, now)
	}
	d.updateGauges(ctx)
	if len(due) == 0 {
		return
	}

	octx, cancel := d.opCtx(ctx)
	idle, err := d.store.ListIdleWorkers(octx)
	cancel()
	if err != nil {
		log.Printf("[Dispatch] idle worker query failed: %v", err)
		return
	}
	if len(idle) == 0 {
		return
	}

	wi := 0
	for _, planetID := range due {
		if wi >= len(idle) {
			break
		}
		res := d.assign(ctx, planetID, idle[wi].WorkerID, now)
		for res == assignWorkerGone && wi+1 < len(idle) {
			wi++
			res = d.assign(ctx, planetID, idle[wi].WorkerID, now)
		}
		switch res {
		case assignOK, assignWorkerGone:
			wi++
		case assignAborted:
			// Store trouble; give up on this tick rather than hammer it.
			return
		}
	}
}

type assignResult int

const (
	assignOK         assignResult = iota // worker consumed
	assignPlanetGone                     // planet left the queue, try next planet
	assignWorkerGone                     // worker lost a race, try next worker
	assignAborted                        // store error, stop the iteration
)

// assign performs the atomic hand-off of one planet to one worker and
// delivers the assignment. Write-ahead order: store commit, index removal,
// session send. A failed send orphans the planet, which the recovery path
// immediately requeues.
func (d *Dispatcher) assign(ctx context.Context, planetID, workerID string, now time.Time) assignResult {
	octx, cancel := d.opCtx(ctx)
	p, err := d.store.AssignPlanet(octx, planetID, workerID, now)
	cancel()
	switch {
	case err == nil:
	case errors.Is(err, store.ErrWorkerUnavailable):
		return assignWorkerGone
	case errors.Is(err, store.ErrNotQueued), errors.Is(err, store.ErrNotFound):
		// Deleted or already in flight; a stale index entry must not be
		// polled again.
		d.index.Remove(ctx, planetID)
		observability.Assignments.WithLabelValues("skipped").Inc()
		return assignPlanetGone
	default:
		log.Printf("[Dispatch] assignment of %s to %s failed: %v", planetID, workerID, err)
		return assignAborted
	}

	d.index.Remove(ctx, planetID)

	if err := d.sender.Send(workerID, session.NewAssignJob(planetID, p.Season, p.Round)); err != nil {
		log.Printf("[Dispatch] delivery of %s to %s failed: %v", planetID, workerID, err)
		observability.Assignments.WithLabelValues("delivery_failed").Inc()
		d.recover(ctx, workerID, "assignment delivery failed", "delivery_failed")
		return assignOK
	}

	log.Printf("[Dispatch] assigned planet %s to %s (season %d, round %d)", planetID, workerID, p.Season, p.Round)
	observability.Assignments.WithLabelValues("assigned").Inc()
	return assignOK
}

// runSweeper is L3: recover workers whose heartbeat went stale, and requeue
// any planet stranded in the error state.
func (d *Dispatcher) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HeartbeatSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context) {
	now := d.now()
	cutoff := now.Add(-d.cfg.HeartbeatTimeout)

	octx, cancel := d.opCtx(ctx)
	stale, err := d.store.ListStaleWorkers(octx, cutoff)
	cancel()
	if err != nil {
		log.Printf("[Recovery] stale worker query failed: %v", err)
		return
	}
	for _, w := range stale {
		log.Printf("[Recovery] worker %s heartbeat timed out (last %v)", w.WorkerID, w.LastHeartbeat)
		d.recover(ctx, w.WorkerID, "heartbeat timeout", "heartbeat_timeout")
	}

	d.resetErrorPlanets(ctx, now)
}

// recover is the single orphan recovery procedure shared by session close,
// liveness sweep, startup cleanup and failed delivery.
func (d *Dispatcher) recover(ctx context.Context, workerID, reason, trigger string) {
	now := d.now()

	octx, cancel := d.opCtx(ctx)
	rec, err := d.store.RecoverWorker(octx, workerID, reason, now)
	cancel()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("[Recovery] recover of %s failed: %v", workerID, err)
		}
		return
	}
	observability.Recoveries.WithLabelValues(trigger).Inc()

	if rec.PlanetID != "" {
		d.index.Upsert(ctx, rec.PlanetID, rec.NextRunTime)
		log.Printf("[Recovery] requeued planet %s orphaned by %s (%s)", rec.PlanetID, workerID, reason)
	}
}

func (d *Dispatcher) updateGauges(ctx context.Context) {
	observability.QueueDepth.Set(float64(d.index.Size(ctx)))

	octx, cancel := d.opCtx(ctx)
	n, err := d.store.CountPlanetsByStatus(octx, store.PlanetProcessing)
	cancel()
	if err == nil {
		observability.BusyWorkers.Set(float64(n))
	}
}
