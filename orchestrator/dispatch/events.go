package dispatch

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/kradagames/orbiter/orchestrator/observability"
	"github.com/kradagames/orbiter/orchestrator/session"
	"github.com/kradagames/orbiter/orchestrator/store"
)

// runEvents is L2: consume session events as they arrive so that assignment
// latency stays well under one tick.
func (d *Dispatcher) runEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.events:
			d.handleEvent(ctx, ev)
		}
	}
}

func (d *Dispatcher) handleEvent(ctx context.Context, ev session.Event) {
	switch ev.Type {
	case session.WorkerReady:
		d.assignToWorker(ctx, ev.WorkerID)
	case session.JobCompleted:
		d.completeJob(ctx, ev)
	case session.JobFailed:
		d.failJob(ctx, ev)
	case session.WorkerLost:
		trigger := "disconnect"
		if ev.Reason == "heartbeat timeout" {
			trigger = "heartbeat_timeout"
		}
		d.recover(ctx, ev.WorkerID, ev.Reason, trigger)
	default:
		log.Printf("[Dispatch] unknown event type %q from %s", ev.Type, ev.WorkerID)
	}
}

// assignToWorker runs the tick matching procedure restricted to one worker
// that just became idle.
func (d *Dispatcher) assignToWorker(ctx context.Context, workerID string) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	now := d.now()
	due := d.index.Due(ctx, now, d.cfg.Batch)
	if len(due) == 0 {
		due = d.reconcile(ctx, now)
	}

	for _, planetID := range due {
		res := d.assign(ctx, planetID, workerID, now)
		if res == assignPlanetGone {
			continue
		}
		// Worker consumed, raced away, or the store is down; either way
		// this worker gets nothing more right now.
		return
	}
}

func (d *Dispatcher) completeJob(ctx context.Context, ev session.Event) {
	now := d.now()

	next := ev.NextRunTime
	if next.Before(now) {
		log.Printf("[Dispatch] planet %s reported next run %s in the past, clamping to now", ev.PlanetID, next.Format(time.RFC3339))
		next = now
	}

	octx, cancel := d.opCtx(ctx)
	p, err := d.store.CompleteJob(octx, ev.PlanetID, ev.WorkerID, now, store.CompletionResult{
		NextRunTime: next,
		Season:      ev.Season,
		Round:       ev.Round,
		RoundNumber: ev.RoundNumber,
	})
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotQueued) || errors.Is(err, store.ErrNotFound) {
			log.Printf("[Dispatch] dropping stale job_done for %s from %s: %v", ev.PlanetID, ev.WorkerID, err)
		} else {
			log.Printf("[Dispatch] completion of %s failed: %v", ev.PlanetID, err)
		}
		return
	}

	d.index.Upsert(ctx, p.PlanetID, p.NextRunTime)
	observability.Completions.Inc()
	d.observeJobDuration(ctx, p.PlanetID)

	log.Printf("[Dispatch] planet %s completed by %s, round %d, next run %s",
		p.PlanetID, ev.WorkerID, p.Round, p.NextRunTime.Format(time.RFC3339))
}

func (d *Dispatcher) failJob(ctx context.Context, ev session.Event) {
	now := d.now()

	octx, cancel := d.opCtx(ctx)
	out, err := d.store.FailJob(octx, ev.PlanetID, ev.WorkerID, ev.Reason, now, d.cfg.MaxRetries, d.cfg.Cooldown)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotQueued) || errors.Is(err, store.ErrNotFound) {
			log.Printf("[Dispatch] dropping stale error for %s from %s: %v", ev.PlanetID, ev.WorkerID, err)
		} else {
			log.Printf("[Dispatch] failure handling of %s failed: %v", ev.PlanetID, err)
		}
		return
	}

	d.index.Upsert(ctx, ev.PlanetID, out.NextRunTime)
	observability.Failures.Inc()

	if out.Cooldown {
		observability.Cooldowns.Inc()
		log.Printf("[Dispatch] planet %s exhausted retries, cooling down until %s (worker %s: %s)",
			ev.PlanetID, out.NextRunTime.Format(time.RFC3339), ev.WorkerID, ev.Reason)
	} else {
		observability.Retries.Inc()
		log.Printf("[Dispatch] planet %s failed on %s (retry %d/%d): %s",
			ev.PlanetID, ev.WorkerID, out.RetryCount, d.cfg.MaxRetries, ev.Reason)
	}
}

func (d *Dispatcher) observeJobDuration(ctx context.Context, planetID string) {
	octx, cancel := d.opCtx(ctx)
	attempts, err := d.store.ListAttempts(octx, planetID, 1)
	cancel()
	if err != nil || len(attempts) == 0 {
		return
	}
	if a := attempts[0]; a.Status == store.AttemptCompleted {
		observability.JobDuration.Observe(a.Duration)
	}
}
