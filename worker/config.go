package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the worker's identity and tunables.
type Config struct {
	WorkerID  string
	ServerURL string // ws://host:port

	HeartbeatInterval time.Duration
	RoundDuration     time.Duration // simulated computation time
	RoundInterval     time.Duration // gap until the next scheduled round
	FailureRate       float64       // 0..1, probability a round reports an error
}

// LoadConfig reads the environment. The worker id defaults to
// worker_<a>_<b>_<c>_<d> derived from the first non-loopback IPv4, which the
// orchestrator turns back into a display address.
func LoadConfig() *Config {
	return &Config{
		WorkerID:          envString("WORKER_ID", defaultWorkerID()),
		ServerURL:         envString("SERVER_URL", "ws://localhost:8080"),
		HeartbeatInterval: envDuration("HEARTBEAT_INTERVAL", 5*time.Second),
		RoundDuration:     envDuration("ROUND_DURATION", 3*time.Second),
		RoundInterval:     envDuration("ROUND_INTERVAL", 60*time.Second),
		FailureRate:       envFloat("FAILURE_RATE", 0),
	}
}

func defaultWorkerID() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return "worker_" + strings.ReplaceAll(ip4.String(), ".", "_")
			}
		}
	}
	return "worker_127_0_0_1"
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		log.Printf("invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

// SessionURL is the websocket endpoint for this worker.
func (c *Config) SessionURL() string {
	return fmt.Sprintf("%s/session/%s", c.ServerURL, c.WorkerID)
}
