package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kradagames/orbiter/orchestrator/dispatch"
	"github.com/kradagames/orbiter/orchestrator/queue"
	"github.com/kradagames/orbiter/orchestrator/session"
	"github.com/kradagames/orbiter/orchestrator/store"
)

var planetIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// API is the admission and administration surface. The dispatcher owns all
// scheduling decisions; these handlers only admit planets, expose read-only
// projections, and trigger one tick on demand.
type API struct {
	store      store.Store
	index      queue.Index
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher
}

// NewAPI wires the admin API.
func NewAPI(st store.Store, idx queue.Index, reg *session.Registry, d *dispatch.Dispatcher) *API {
	return &API{store: st, index: idx, registry: reg, dispatcher: d}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handlePlanets serves GET /planets (list) and POST /planets (admission).
func (a *API) handlePlanets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		planets, err := a.store.ListPlanets(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, planets)
	case http.MethodPost:
		a.handleCreatePlanet(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *API) handleCreatePlanet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlanetID    string     `json:"planet_id"`
		Season      int        `json:"season"`
		NextRunTime *time.Time `json:"next_run_time"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !planetIDPattern.MatchString(req.PlanetID) {
		writeError(w, http.StatusBadRequest, "planet_id must match [A-Za-z0-9_-]{1,100}")
		return
	}

	now := time.Now()
	next := now
	if req.NextRunTime != nil {
		next = *req.NextRunTime
	}
	p := &store.Planet{
		PlanetID:    req.PlanetID,
		Season:      req.Season,
		NextRunTime: next,
		Status:      store.PlanetQueued,
		CreatedAt:   now,
	}
	if err := a.store.CreatePlanet(r.Context(), p); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "planet already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	a.index.Upsert(r.Context(), p.PlanetID, p.NextRunTime)
	log.Printf("[API] admitted planet %s (season %d, next run %s)", p.PlanetID, p.Season, p.NextRunTime.Format(time.RFC3339))
	writeJSON(w, http.StatusCreated, p)
}

// handlePlanet serves GET and DELETE on /planets/<id>.
func (a *API) handlePlanet(w http.ResponseWriter, r *http.Request) {
	planetID := strings.TrimPrefix(r.URL.Path, "/planets/")
	if planetID == "" || strings.ContainsRune(planetID, '/') {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		p, err := a.store.GetPlanet(r.Context(), planetID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "planet not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, p)

	case http.MethodDelete:
		// Pre-delete hook: drop the index entry first so a concurrent tick
		// cannot poll the planet mid-deletion. The reconciler restores the
		// entry if the delete is rejected.
		a.index.Remove(r.Context(), planetID)

		err := a.store.DeletePlanet(r.Context(), planetID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "planet not found")
		case errors.Is(err, store.ErrProcessing):
			writeError(w, http.StatusConflict, "planet is processing")
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
		default:
			log.Printf("[API] deleted planet %s", planetID)
			writeJSON(w, http.StatusOK, map[string]string{"deleted": planetID})
		}

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleForceAssign runs one dispatch tick on demand.
func (a *API) handleForceAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	a.dispatcher.Tick(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "tick complete"})
}

func (a *API) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := a.store.ListWorkers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

// handleQueueStats reports store counts next to the index view, which makes
// divergence between the two visible to an operator.
func (a *API) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts := map[string]int{}
	for _, status := range []string{store.PlanetQueued, store.PlanetProcessing, store.PlanetError} {
		n, err := a.store.CountPlanetsByStatus(ctx, status)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		counts[status] = n
	}

	stats := map[string]any{
		"planets":           counts,
		"index_size":        a.index.Size(ctx),
		"connected_workers": a.registry.Count(),
	}
	if next, ok := a.index.PeekNextTime(ctx); ok {
		stats["next_due"] = next.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleAttempts serves recent task attempts, optionally filtered by planet.
func (a *API) handleAttempts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	var (
		attempts []*store.TaskAttempt
		err      error
	)
	if planetID := r.URL.Query().Get("planet_id"); planetID != "" {
		attempts, err = a.store.ListAttempts(r.Context(), planetID, limit)
	} else {
		attempts, err = a.store.ListRecentAttempts(r.Context(), limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}
