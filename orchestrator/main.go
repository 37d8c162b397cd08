package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kradagames/orbiter/orchestrator/dispatch"
	"github.com/kradagames/orbiter/orchestrator/queue"
	"github.com/kradagames/orbiter/orchestrator/session"
	"github.com/kradagames/orbiter/orchestrator/store"
)

func main() {
	cfg := LoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		st = pg
		log.Printf("Connected to Postgres")
	} else {
		st = store.NewMemoryStore()
		log.Printf("DATABASE_URL not set, using in-memory store (dev mode)")
	}

	idx := queue.NewRedisIndex(cfg.SIHost, cfg.SIPort, cfg.SIDB, cfg.SITimeout)
	defer idx.Close()

	registry := session.NewRegistry()
	defer registry.CloseAll()

	dispatcher := dispatch.New(cfg.Dispatch, st, idx, registry, registry.Events())

	// Repair state from any unclean shutdown before the loops start.
	if err := dispatcher.Startup(ctx); err != nil {
		log.Fatalf("Startup reconciliation failed: %v", err)
	}
	go dispatcher.Run(ctx)

	api := NewAPI(st, idx, registry, dispatcher)
	sessions := session.NewHandler(registry, st, idx)

	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	http.Handle("/session/", sessions)

	http.HandleFunc("/planets", api.handlePlanets)
	http.HandleFunc("/planets/", api.handlePlanet)
	http.HandleFunc("/assign", api.handleForceAssign)
	http.HandleFunc("/workers", api.handleListWorkers)
	http.HandleFunc("/queue", api.handleQueueStats)
	http.HandleFunc("/attempts", api.handleAttempts)

	http.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.ListenAddr}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	log.Printf("Orbiter orchestrator listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server failed: %v", err)
	}
}
