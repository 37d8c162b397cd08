package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a mutex-guarded in-memory Store. It backs the dispatcher
// tests and single-node development mode; Postgres is the production backend.
type MemoryStore struct {
	mu       sync.Mutex
	workers  map[string]*Worker
	planets  map[string]*Planet
	attempts []*TaskAttempt
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workers: make(map[string]*Worker),
		planets: make(map[string]*Planet),
	}
}

// --- Worker operations ---

func (s *MemoryStore) RegisterWorker(ctx context.Context, workerID, address string, now time.Time) (*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		w = &Worker{
			WorkerID:    workerID,
			ConnectedAt: now,
		}
		s.workers[workerID] = w
	}
	hb := now
	w.Address = address
	w.Status = WorkerIdle
	w.LastHeartbeat = &hb
	w.DisconnectedAt = nil

	cp := *w
	return &cp, nil
}

func (s *MemoryStore) GetWorker(ctx context.Context, workerID string) (*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) ListWorkers(ctx context.Context) ([]*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (s *MemoryStore) ListIdleWorkers(ctx context.Context) ([]*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Worker
	for _, w := range s.workers {
		if w.Status == WorkerIdle {
			cp := *w
			out = append(out, &cp)
		}
	}
	// Least loaded first; worker id breaks ties deterministically.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Completed != out[j].Completed {
			return out[i].Completed < out[j].Completed
		}
		return out[i].WorkerID < out[j].WorkerID
	})
	return out, nil
}

func (s *MemoryStore) ListStaleWorkers(ctx context.Context, cutoff time.Time) ([]*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Worker
	for _, w := range s.workers {
		if w.Status != WorkerIdle && w.Status != WorkerBusy {
			continue
		}
		if w.LastHeartbeat == nil || w.LastHeartbeat.Before(cutoff) {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (s *MemoryStore) Heartbeat(ctx context.Context, workerID string, now time.Time, tel *Telemetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return ErrNotFound
	}
	hb := now
	w.LastHeartbeat = &hb
	if tel != nil {
		if tel.IdleCPU != nil {
			w.IdleCPU = *tel.IdleCPU
		}
		if tel.IdleRAM != nil {
			w.IdleRAM = *tel.IdleRAM
		}
		if tel.PeakCPU != nil {
			w.PeakCPU = *tel.PeakCPU
		}
		if tel.PeakRAM != nil {
			w.PeakRAM = *tel.PeakRAM
		}
		if tel.Disk != nil {
			w.Disk = *tel.Disk
		}
	}
	return nil
}

func (s *MemoryStore) SetWorkerStatus(ctx context.Context, workerID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return ErrNotFound
	}
	w.Status = status
	return nil
}

// --- Planet operations ---

func (s *MemoryStore) CreatePlanet(ctx context.Context, p *Planet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.planets[p.PlanetID]; exists {
		return ErrDuplicate
	}
	cp := *p
	if cp.Status == "" {
		cp.Status = PlanetQueued
	}
	s.planets[p.PlanetID] = &cp
	return nil
}

func (s *MemoryStore) GetPlanet(ctx context.Context, planetID string) (*Planet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.planets[planetID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) DeletePlanet(ctx context.Context, planetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.planets[planetID]
	if !ok {
		return ErrNotFound
	}
	if p.Status == PlanetProcessing {
		return ErrProcessing
	}
	delete(s.planets, planetID)
	return nil
}

func (s *MemoryStore) ListPlanets(ctx context.Context) ([]*Planet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Planet, 0, len(s.planets))
	for _, p := range s.planets {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanetID < out[j].PlanetID })
	return out, nil
}

func (s *MemoryStore) ListDuePlanets(ctx context.Context, now time.Time, limit int) ([]*Planet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Planet
	for _, p := range s.planets {
		if p.Status == PlanetQueued && !p.NextRunTime.After(now) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRunTime.Equal(out[j].NextRunTime) {
			return out[i].NextRunTime.Before(out[j].NextRunTime)
		}
		return out[i].PlanetID < out[j].PlanetID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListPlanetsByStatus(ctx context.Context, status string, limit int) ([]*Planet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Planet
	for _, p := range s.planets {
		if p.Status == status {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanetID < out[j].PlanetID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ResetErrorPlanet(ctx context.Context, planetID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.planets[planetID]
	if !ok {
		return ErrNotFound
	}
	if p.Status != PlanetError {
		return nil
	}
	p.Status = PlanetQueued
	p.RetryCount = 0
	p.ProcessingWorker = ""
	p.NextRunTime = now
	return nil
}

func (s *MemoryStore) CountPlanetsByStatus(ctx context.Context, status string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, p := range s.planets {
		if p.Status == status {
			count++
		}
	}
	return count, nil
}

// --- Attempt operations ---

func (s *MemoryStore) ListAttempts(ctx context.Context, planetID string, limit int) ([]*TaskAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*TaskAttempt
	for i := len(s.attempts) - 1; i >= 0; i-- {
		if s.attempts[i].PlanetID == planetID {
			cp := *s.attempts[i]
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ListRecentAttempts(ctx context.Context, limit int) ([]*TaskAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*TaskAttempt
	for i := len(s.attempts) - 1; i >= 0; i-- {
		cp := *s.attempts[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// openAttempt returns the most recent started attempt for the planet, or nil.
func (s *MemoryStore) openAttempt(planetID string) *TaskAttempt {
	for i := len(s.attempts) - 1; i >= 0; i-- {
		if s.attempts[i].PlanetID == planetID && s.attempts[i].Status == AttemptStarted {
			return s.attempts[i]
		}
	}
	return nil
}

// lastFailedAttempt returns the most recent failed attempt for the planet.
func (s *MemoryStore) lastFailedAttempt(planetID string) *TaskAttempt {
	for i := len(s.attempts) - 1; i >= 0; i-- {
		if s.attempts[i].PlanetID == planetID && s.attempts[i].Status == AttemptFailed {
			return s.attempts[i]
		}
	}
	return nil
}

// --- Lifecycle transactions ---

func (s *MemoryStore) AssignPlanet(ctx context.Context, planetID, workerID string, now time.Time) (*Planet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.planets[planetID]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Status != PlanetQueued {
		return nil, ErrNotQueued
	}
	w, ok := s.workers[workerID]
	if !ok {
		return nil, ErrNotFound
	}
	if w.Status != WorkerIdle {
		return nil, ErrWorkerUnavailable
	}

	p.Status = PlanetProcessing
	p.ProcessingWorker = workerID

	w.Status = WorkerBusy
	w.CurrentPlanet = planetID
	w.Assigned++

	// Retries reopen the last failed attempt instead of creating a new row.
	if p.RetryCount > 0 {
		if prev := s.lastFailedAttempt(planetID); prev != nil {
			prev.WorkerID = workerID
			prev.Status = AttemptStarted
			prev.StartTime = now
			prev.EndTime = nil
			prev.Duration = 0
			cp := *p
			return &cp, nil
		}
	}
	s.attempts = append(s.attempts, &TaskAttempt{
		AttemptID: uuid.NewString(),
		PlanetID:  planetID,
		WorkerID:  workerID,
		StartTime: now,
		Status:    AttemptStarted,
	})
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) CompleteJob(ctx context.Context, planetID, workerID string, now time.Time, res CompletionResult) (*Planet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.planets[planetID]
	if !ok {
		return nil, ErrNotFound
	}
	// Replay guard: only act while the planet is processing by this worker.
	if p.Status != PlanetProcessing || p.ProcessingWorker != workerID {
		return nil, ErrNotQueued
	}
	w, ok := s.workers[workerID]
	if !ok {
		return nil, ErrNotFound
	}

	p.Status = PlanetQueued
	p.ProcessingWorker = ""
	p.RetryCount = 0
	lp := now
	p.LastProcessed = &lp
	p.NextRunTime = res.NextRunTime
	if res.Round != nil {
		p.Round = *res.Round
	} else {
		p.Round++
	}
	if res.Season != nil {
		p.Season = *res.Season
	}
	if res.RoundNumber != nil {
		p.RoundNumber = *res.RoundNumber
	}

	w.Status = WorkerIdle
	w.CurrentPlanet = ""
	w.Completed++

	if a := s.openAttempt(planetID); a != nil {
		end := now
		a.Status = AttemptCompleted
		a.EndTime = &end
		a.Duration = end.Sub(a.StartTime).Seconds()
	}

	cp := *p
	return &cp, nil
}

func (s *MemoryStore) FailJob(ctx context.Context, planetID, workerID, reason string, now time.Time, maxRetries int, cooldown time.Duration) (*FailureOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.planets[planetID]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Status != PlanetProcessing || p.ProcessingWorker != workerID {
		return nil, ErrNotQueued
	}
	w, ok := s.workers[workerID]
	if !ok {
		return nil, ErrNotFound
	}

	p.RetryCount++
	k := p.RetryCount

	if a := s.openAttempt(planetID); a != nil {
		end := now
		a.Status = AttemptFailed
		a.EndTime = &end
		a.Duration = end.Sub(a.StartTime).Seconds()
		a.ErrorDetail = fmt.Sprintf("[retry %d/%d] %s", k, maxRetries, reason)
	}

	w.Status = WorkerIdle
	w.CurrentPlanet = ""
	w.Failed++

	out := &FailureOutcome{RetryCount: k}
	if k >= maxRetries {
		// Retry budget exhausted: reset and requeue after the cooldown
		// rather than parking the planet in a terminal error state.
		p.RetryCount = 0
		p.NextRunTime = now.Add(cooldown)
		out.RetryCount = 0
		out.Cooldown = true
	} else {
		p.NextRunTime = now
	}
	p.Status = PlanetQueued
	p.ProcessingWorker = ""
	out.NextRunTime = p.NextRunTime
	return out, nil
}

func (s *MemoryStore) RecoverWorker(ctx context.Context, workerID, reason string, now time.Time) (*Recovery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return nil, ErrNotFound
	}

	rec := &Recovery{}
	if w.CurrentPlanet != "" {
		if p, ok := s.planets[w.CurrentPlanet]; ok {
			p.Status = PlanetQueued
			p.ProcessingWorker = ""
			rec.PlanetID = p.PlanetID
			rec.NextRunTime = p.NextRunTime

			if a := s.openAttempt(p.PlanetID); a != nil {
				end := now
				a.Status = AttemptTimeout
				a.EndTime = &end
				a.Duration = end.Sub(a.StartTime).Seconds()
				a.ErrorDetail = reason
			}
		}
	}

	w.Status = WorkerOffline
	w.CurrentPlanet = ""
	dc := now
	w.DisconnectedAt = &dc
	return rec, nil
}
