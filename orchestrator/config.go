package main

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/kradagames/orbiter/orchestrator/dispatch"
)

// Config is the orchestrator's environment-driven configuration.
type Config struct {
	ListenAddr  string
	DatabaseURL string

	SIHost    string
	SIPort    int
	SIDB      int
	SITimeout time.Duration

	Dispatch dispatch.Config
}

// LoadConfig reads the environment, falling back to production defaults.
// DATABASE_URL is the only option without a default; empty selects the
// in-memory store (dev mode).
func LoadConfig() Config {
	d := dispatch.DefaultConfig()
	d.Tick = envDuration("TICK", d.Tick)
	d.HeartbeatSweep = envDuration("HEARTBEAT_SWEEP", d.HeartbeatSweep)
	d.HeartbeatTimeout = envDuration("HEARTBEAT_TIMEOUT", d.HeartbeatTimeout)
	d.MaxRetries = envInt("MAX_RETRIES", d.MaxRetries)
	d.Cooldown = envDuration("COOLDOWN", d.Cooldown)
	d.Batch = envInt("BATCH", d.Batch)
	d.StoreTimeout = envDuration("SI_TIMEOUT", d.StoreTimeout)

	return Config{
		ListenAddr:  envString("LISTEN_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SIHost:      envString("SI_HOST", "localhost"),
		SIPort:      envInt("SI_PORT", 6379),
		SIDB:        envInt("SI_DB", 0),
		SITimeout:   envDuration("SI_TIMEOUT", 2*time.Second),
		Dispatch:    d,
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[Config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	// Accept "5s" style values and bare second counts.
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	log.Printf("[Config] invalid %s=%q, using %s", key, v, fallback)
	return fallback
}
