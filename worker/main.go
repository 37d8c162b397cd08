package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	cfg := LoadConfig()
	log.Printf("Worker starting. ID: %s, server: %s", cfg.WorkerID, cfg.ServerURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim := NewSimulator(cfg)

	// Reconnect loop with capped exponential backoff.
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for ctx.Err() == nil {
		client := NewClient(cfg, sim)
		start := time.Now()
		err := client.Run(ctx)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			log.Printf("Session ended: %v. Reconnecting in %s...", err, backoff)
		}

		// A session that held for a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = 1 * time.Second
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	log.Println("Worker shutting down.")
}
