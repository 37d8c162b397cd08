package main

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RoundResult is what a simulated round reports back.
type RoundResult struct {
	Season      int
	Round       int
	NextRunTime time.Time
}

// Simulator stands in for the real round computation. It burns the
// configured duration and fails at the configured rate, which is enough to
// exercise the orchestrator's retry and cooldown paths.
type Simulator struct {
	cfg *Config
	rng *rand.Rand
}

// NewSimulator seeds a Simulator.
func NewSimulator(cfg *Config) *Simulator {
	return &Simulator{cfg: cfg, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// RunRound simulates one round for a planet. Returns the advanced counters
// and the time the planet should run next.
func (s *Simulator) RunRound(ctx context.Context, planetID string, season, round int) (*RoundResult, error) {
	select {
	case <-time.After(s.cfg.RoundDuration):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if s.rng.Float64() < s.cfg.FailureRate {
		return nil, errors.New("simulated round computation failure")
	}

	return &RoundResult{
		Season:      season,
		Round:       round + 1,
		NextRunTime: time.Now().Add(s.cfg.RoundInterval),
	}, nil
}

// Telemetry fabricates plausible resource numbers for the heartbeat.
func (s *Simulator) Telemetry(busy bool) (idleCPU, idleRAM, maxCPU, maxRAM, disk float64) {
	load := 5 + s.rng.Float64()*10
	if busy {
		load = 60 + s.rng.Float64()*30
	}
	return 100 - load, 100 - load/2, load + 5, load/2 + 10, 40 + s.rng.Float64()*5
}
