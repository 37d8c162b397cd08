package dispatch

import (
	"context"
	"log"
	"time"

	"github.com/kradagames/orbiter/orchestrator/observability"
	"github.com/kradagames/orbiter/orchestrator/store"
)

// reconcile repairs the scheduling index from the store when polling came up
// empty. Returns the recovered due list so the tick can proceed immediately
// instead of waiting for the next poll.
func (d *Dispatcher) reconcile(ctx context.Context, now time.Time) []string {
	octx, cancel := d.opCtx(ctx)
	missed, err := d.store.ListDuePlanets(octx, now, d.cfg.Batch)
	cancel()
	if err != nil {
		log.Printf("[Recovery] due planet query failed: %v", err)
		return nil
	}

	ids := make([]string, 0, len(missed))
	for _, p := range missed {
		d.index.Upsert(ctx, p.PlanetID, p.NextRunTime)
		ids = append(ids, p.PlanetID)
	}
	if len(ids) > 0 {
		log.Printf("[Recovery] restored %d due planets into the scheduling index", len(ids))
		observability.Reconciliations.WithLabelValues("missed_schedule").Add(float64(len(ids)))
	}

	d.resetErrorPlanets(ctx, now)
	return ids
}

// resetErrorPlanets requeues planets stranded in the error state. Empty
// under normal operation; entries appear only if an earlier policy parked a
// planet there.
func (d *Dispatcher) resetErrorPlanets(ctx context.Context, now time.Time) {
	octx, cancel := d.opCtx(ctx)
	broken, err := d.store.ListPlanetsByStatus(octx, store.PlanetError, d.cfg.Batch)
	cancel()
	if err != nil {
		log.Printf("[Recovery] error planet query failed: %v", err)
		return
	}

	for _, p := range broken {
		octx, cancel := d.opCtx(ctx)
		err := d.store.ResetErrorPlanet(octx, p.PlanetID, now)
		cancel()
		if err != nil {
			log.Printf("[Recovery] reset of error planet %s failed: %v", p.PlanetID, err)
			continue
		}
		d.index.Upsert(ctx, p.PlanetID, now)
		observability.Reconciliations.WithLabelValues("error_reset").Inc()
		log.Printf("[Recovery] planet %s left in error state, requeued", p.PlanetID)
	}
}

// Startup repairs state left behind by an unclean shutdown: every worker not
// recorded as offline is recovered, requeueing whatever it was processing.
// Must run before the loops start.
func (d *Dispatcher) Startup(ctx context.Context) error {
	octx, cancel := d.opCtx(ctx)
	workers, err := d.store.ListWorkers(octx)
	cancel()
	if err != nil {
		return err
	}

	recovered := 0
	for _, w := range workers {
		if w.Status == store.WorkerOffline {
			continue
		}
		log.Printf("[Startup] worker %s was %s at shutdown, recovering", w.WorkerID, w.Status)
		d.recover(ctx, w.WorkerID, "process restart", "startup")
		recovered++
	}
	if recovered > 0 {
		log.Printf("[Startup] recovered %d workers from unclean shutdown", recovered)
	}
	return nil
}
