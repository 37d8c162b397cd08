package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kradagames/orbiter/orchestrator/queue"
	"github.com/kradagames/orbiter/orchestrator/store"
)

type testRig struct {
	registry *Registry
	store    *store.MemoryStore
	index    *queue.MemoryIndex
	server   *httptest.Server
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	reg := NewRegistry()
	st := store.NewMemoryStore()
	idx := queue.NewMemoryIndex()
	srv := httptest.NewServer(NewHandler(reg, st, idx))
	t.Cleanup(srv.Close)
	return &testRig{registry: reg, store: st, index: idx, server: srv}
}

func (r *testRig) dial(t *testing.T, workerID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.server.URL, "http") + "/session/" + workerID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitEvent(t *testing.T, reg *Registry) Event {
	t.Helper()
	select {
	case ev := <-reg.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestConnectRegistersWorker(t *testing.T) {
	rig := newTestRig(t)
	rig.dial(t, "worker_10_0_0_1")

	ev := waitEvent(t, rig.registry)
	if ev.Type != WorkerReady || ev.WorkerID != "worker_10_0_0_1" {
		t.Fatalf("event = %+v, want WORKER_READY for worker_10_0_0_1", ev)
	}

	w, err := rig.store.GetWorker(context.Background(), "worker_10_0_0_1")
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if w.Status != store.WorkerIdle {
		t.Errorf("status = %s, want idle", w.Status)
	}
	if w.Address != "10.0.0.1" {
		t.Errorf("address = %q, want 10.0.0.1", w.Address)
	}
	if !rig.registry.Connected("worker_10_0_0_1") {
		t.Error("registry does not report the worker connected")
	}
}

func TestHeartbeatRepliesPongAndStoresTelemetry(t *testing.T) {
	rig := newTestRig(t)
	ws := rig.dial(t, "worker_10_0_0_1")
	waitEvent(t, rig.registry) // initial ready

	msg := `{"type":"heartbeat","idle_cpu":80.0,"idle_ram":60.0,"max_cpu":95.0,"max_ram":75.0,"disk":42.0}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong Pong
	if err := ws.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong.Type != "pong" {
		t.Errorf("reply type = %q, want pong", pong.Type)
	}
	if _, err := time.Parse(time.RFC3339, pong.ServerTime); err != nil {
		t.Errorf("server_time %q not RFC 3339: %v", pong.ServerTime, err)
	}

	// The pong is written after the store update, so the row is current.
	w, _ := rig.store.GetWorker(context.Background(), "worker_10_0_0_1")
	if w.IdleCPU != 80 || w.PeakCPU != 95 || w.Disk != 42 {
		t.Errorf("telemetry = %+v, want frame values stored", w)
	}
	if w.LastHeartbeat == nil {
		t.Error("last_heartbeat not set")
	}
}

func TestJobDoneBecomesCompletionEvent(t *testing.T) {
	rig := newTestRig(t)
	ws := rig.dial(t, "worker_10_0_0_1")
	waitEvent(t, rig.registry)

	msg := `{"type":"job_done","planet_id":"kepler-7","next_run_time":"2030-01-01T00:00:00Z","round":9}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}

	ev := waitEvent(t, rig.registry)
	if ev.Type != JobCompleted || ev.PlanetID != "kepler-7" {
		t.Fatalf("event = %+v, want JOB_COMPLETED for kepler-7", ev)
	}
	if !ev.NextRunTime.Equal(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("next_run_time = %v", ev.NextRunTime)
	}
	if ev.Round == nil || *ev.Round != 9 {
		t.Errorf("round = %v, want 9", ev.Round)
	}
	if ev.Season != nil {
		t.Errorf("season = %v, want nil when the worker omitted it", ev.Season)
	}
}

func TestErrorBecomesFailureEvent(t *testing.T) {
	rig := newTestRig(t)
	ws := rig.dial(t, "worker_10_0_0_1")
	waitEvent(t, rig.registry)

	msg := `{"type":"error","planet_id":"kepler-7","error":"out of memory"}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}

	ev := waitEvent(t, rig.registry)
	if ev.Type != JobFailed || ev.PlanetID != "kepler-7" || ev.Reason != "out of memory" {
		t.Fatalf("event = %+v, want JOB_FAILED with reason", ev)
	}
}

func TestCloseEmitsWorkerLost(t *testing.T) {
	rig := newTestRig(t)
	ws := rig.dial(t, "worker_10_0_0_1")
	waitEvent(t, rig.registry)

	ws.Close()

	ev := waitEvent(t, rig.registry)
	if ev.Type != WorkerLost || ev.WorkerID != "worker_10_0_0_1" {
		t.Fatalf("event = %+v, want WORKER_LOST", ev)
	}
}

func TestIdleStatusUpdateEmitsReady(t *testing.T) {
	rig := newTestRig(t)
	ws := rig.dial(t, "worker_10_0_0_1")
	waitEvent(t, rig.registry)

	for _, msg := range []string{
		`{"type":"status_update","status":"busy"}`,
		`{"type":"status_update","status":"warming-up"}`, // unknown, ignored
		`{"type":"status_update","status":"idle"}`,
	} {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	// Only the idle transition emits; busy and unknown do not.
	ev := waitEvent(t, rig.registry)
	if ev.Type != WorkerReady {
		t.Fatalf("event = %+v, want WORKER_READY after idle transition", ev)
	}

	w, _ := rig.store.GetWorker(context.Background(), "worker_10_0_0_1")
	if w.Status != store.WorkerIdle {
		t.Errorf("status = %s, want idle", w.Status)
	}
}

func TestUnknownFrameKeepsSessionOpen(t *testing.T) {
	rig := newTestRig(t)
	ws := rig.dial(t, "worker_10_0_0_1")
	waitEvent(t, rig.registry)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"telepathy"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong Pong
	if err := ws.ReadJSON(&pong); err != nil {
		t.Fatalf("session died after unknown frame: %v", err)
	}
}

func TestSendToWorker(t *testing.T) {
	rig := newTestRig(t)
	ws := rig.dial(t, "worker_10_0_0_1")
	waitEvent(t, rig.registry)

	if err := rig.registry.Send("worker_10_0_0_1", NewAssignJob("kepler-7", 1, 3)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got AssignJob
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != "assign_job" || got.PlanetID != "kepler-7" || got.Round != 3 {
		t.Errorf("delivered = %+v", got)
	}
}

func TestReconnectWhileBusyRecoversPlanet(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	now := time.Now()

	rig.dial(t, "worker_10_0_0_1")
	waitEvent(t, rig.registry)

	rig.store.CreatePlanet(ctx, &store.Planet{
		PlanetID: "kepler-7", Season: 1, NextRunTime: now, Status: store.PlanetQueued,
	})
	if _, err := rig.store.AssignPlanet(ctx, "kepler-7", "worker_10_0_0_1", now); err != nil {
		t.Fatalf("AssignPlanet: %v", err)
	}

	// The worker's process restarts and dials again while its row is busy.
	rig.dial(t, "worker_10_0_0_1")

	ev := waitEvent(t, rig.registry)
	if ev.Type != WorkerReady {
		t.Fatalf("event after reconnect = %+v, want WORKER_READY", ev)
	}

	p, _ := rig.store.GetPlanet(ctx, "kepler-7")
	if p.Status != store.PlanetQueued || p.ProcessingWorker != "" {
		t.Errorf("planet = %s/%q after reconnect, want queued/empty", p.Status, p.ProcessingWorker)
	}
	w, _ := rig.store.GetWorker(ctx, "worker_10_0_0_1")
	if w.Status != store.WorkerIdle || w.CurrentPlanet != "" {
		t.Errorf("worker = %s/%q after reconnect, want idle with no planet", w.Status, w.CurrentPlanet)
	}
	attempts, _ := rig.store.ListAttempts(ctx, "kepler-7", 1)
	if len(attempts) != 1 || attempts[0].Status != store.AttemptTimeout {
		t.Errorf("attempts = %+v, want the open attempt closed as timeout", attempts)
	}
	if due := rig.index.Due(ctx, now, 10); len(due) != 1 || due[0] != "kepler-7" {
		t.Errorf("index = %v, want kepler-7 requeued for reassignment", due)
	}

	// The displaced session must not fire a late WORKER_LOST that would
	// knock the live session's worker offline.
	select {
	case ev := <-rig.registry.Events():
		t.Errorf("unexpected event after recovery: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSendToDisconnectedWorker(t *testing.T) {
	rig := newTestRig(t)
	err := rig.registry.Send("worker_10_0_0_9", NewAssignJob("kepler-7", 1, 1))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send = %v, want ErrNotConnected", err)
	}
}
