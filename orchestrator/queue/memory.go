package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryIndex is the in-process Index used by tests and dev mode.
type MemoryIndex struct {
	mu     sync.Mutex
	scores map[string]time.Time
}

// NewMemoryIndex initializes an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{scores: make(map[string]time.Time)}
}

func (m *MemoryIndex) Upsert(ctx context.Context, planetID string, dueAt time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[planetID] = dueAt
	return true
}

func (m *MemoryIndex) Due(ctx context.Context, now time.Time, limit int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	type pair struct {
		id string
		at time.Time
	}
	var due []pair
	for id, at := range m.scores {
		if !at.After(now) {
			due = append(due, pair{id, at})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].at.Equal(due[j].at) {
			return due[i].at.Before(due[j].at)
		}
		return due[i].id < due[j].id
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]string, len(due))
	for i, p := range due {
		out[i] = p.id
	}
	return out
}

func (m *MemoryIndex) Remove(ctx context.Context, planetID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scores, planetID)
	return true
}

func (m *MemoryIndex) Size(ctx context.Context) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.scores))
}

func (m *MemoryIndex) PeekNextTime(ctx context.Context) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next time.Time
	found := false
	for _, at := range m.scores {
		if !found || at.Before(next) {
			next = at
			found = true
		}
	}
	return next, found
}

func (m *MemoryIndex) All(ctx context.Context) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.scores))
	for id, at := range m.scores {
		out = append(out, Entry{PlanetID: id, DueAt: at})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].PlanetID < out[j].PlanetID
	})
	return out
}

// Wipe drops every entry. Used by tests simulating index data loss.
func (m *MemoryIndex) Wipe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores = make(map[string]time.Time)
}
