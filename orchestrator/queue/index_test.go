package queue

import (
	"context"
	"testing"
	"time"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestDueOrdering(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()

	idx.Upsert(ctx, "late", t0.Add(2*time.Second))
	idx.Upsert(ctx, "early", t0.Add(-time.Minute))
	idx.Upsert(ctx, "future", t0.Add(time.Hour))
	idx.Upsert(ctx, "now", t0)

	due := idx.Due(ctx, t0, 10)
	want := []string{"early", "now"}
	if len(due) != len(want) {
		t.Fatalf("due = %v, want %v", due, want)
	}
	for i := range want {
		if due[i] != want[i] {
			t.Fatalf("due = %v, want %v", due, want)
		}
	}
}

func TestDueLimit(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		idx.Upsert(ctx, id, t0.Add(-time.Second))
	}
	if due := idx.Due(ctx, t0, 2); len(due) != 2 {
		t.Errorf("due with limit 2 = %v", due)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()

	idx.Upsert(ctx, "p1", t0.Add(time.Hour))
	idx.Upsert(ctx, "p1", t0.Add(-time.Second)) // reschedule, not duplicate

	if n := idx.Size(ctx); n != 1 {
		t.Fatalf("size = %d, want 1", n)
	}
	if due := idx.Due(ctx, t0, 10); len(due) != 1 || due[0] != "p1" {
		t.Errorf("due = %v, want [p1] at updated score", due)
	}
}

func TestRemoveAbsentIsNoError(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()

	if !idx.Remove(ctx, "ghost") {
		t.Error("Remove of absent member reported failure")
	}

	idx.Upsert(ctx, "p1", t0)
	idx.Remove(ctx, "p1")
	idx.Remove(ctx, "p1")
	if n := idx.Size(ctx); n != 0 {
		t.Errorf("size after double remove = %d, want 0", n)
	}
}

func TestPeekNextTime(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()

	if _, ok := idx.PeekNextTime(ctx); ok {
		t.Error("PeekNextTime on empty index reported a value")
	}

	idx.Upsert(ctx, "b", t0.Add(time.Hour))
	idx.Upsert(ctx, "a", t0.Add(time.Minute))
	next, ok := idx.PeekNextTime(ctx)
	if !ok || !next.Equal(t0.Add(time.Minute)) {
		t.Errorf("PeekNextTime = %v/%v, want %v", next, ok, t0.Add(time.Minute))
	}
}

func TestAllOrdered(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()

	idx.Upsert(ctx, "z", t0)
	idx.Upsert(ctx, "a", t0)
	idx.Upsert(ctx, "m", t0.Add(-time.Second))

	all := idx.All(ctx)
	want := []string{"m", "a", "z"}
	for i := range want {
		if all[i].PlanetID != want[i] {
			t.Fatalf("All = %+v, want order %v", all, want)
		}
	}
}

func TestScoreRoundTrip(t *testing.T) {
	// Redis stores scores as float seconds; conversion must hold second
	// precision both ways.
	at := time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC)
	got := timeFromScore(score(at))
	if !got.Equal(at) {
		t.Errorf("round trip = %v, want %v", got, at)
	}
}
