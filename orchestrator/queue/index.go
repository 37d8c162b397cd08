// Package queue implements the scheduling index: a time-ordered set of
// planet ids scored by their next run time. The index is a cache of the
// durable store and every operation is fail-soft: a broken backend yields
// empty results, never errors, and the reconciler repairs the divergence.
package queue

import (
	"context"
	"time"
)

// Key is the sorted set holding all planet scheduling data.
const Key = "planet_round_queue"

// Entry is one scheduled planet.
type Entry struct {
	PlanetID string    `json:"planet_id"`
	DueAt    time.Time `json:"due_at"`
}

// Index is the scheduling index contract used by the dispatcher.
type Index interface {
	// Upsert inserts the planet or updates its score. Reports success.
	Upsert(ctx context.Context, planetID string, dueAt time.Time) bool
	// Due returns up to limit planet ids with score <= now, soonest first.
	Due(ctx context.Context, now time.Time, limit int) []string
	// Remove drops the planet. Idempotent; absent members are not an error.
	Remove(ctx context.Context, planetID string) bool
	// Size returns the number of scheduled planets.
	Size(ctx context.Context) int64
	// PeekNextTime returns the soonest due time, if any.
	PeekNextTime(ctx context.Context) (time.Time, bool)
	// All returns every entry ordered by due time. Inspection only.
	All(ctx context.Context) []Entry
}
