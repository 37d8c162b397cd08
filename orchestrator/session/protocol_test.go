package session

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFrameDecodeHeartbeat(t *testing.T) {
	raw := []byte(`{"type":"heartbeat","idle_cpu":82.5,"idle_ram":61.0,"max_cpu":95.0,"max_ram":70.2,"disk":41.7}`)

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.Type != FrameHeartbeat {
		t.Errorf("type = %q, want heartbeat", f.Type)
	}
	if f.IdleCPU == nil || *f.IdleCPU != 82.5 {
		t.Errorf("idle_cpu = %v, want 82.5", f.IdleCPU)
	}
	if f.Disk == nil || *f.Disk != 41.7 {
		t.Errorf("disk = %v, want 41.7", f.Disk)
	}
}

func TestFrameDecodeHeartbeatWithoutTelemetry(t *testing.T) {
	var f Frame
	if err := json.Unmarshal([]byte(`{"type":"heartbeat"}`), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.IdleCPU != nil || f.IdleRAM != nil || f.MaxCPU != nil || f.MaxRAM != nil || f.Disk != nil {
		t.Errorf("absent telemetry decoded non-nil: %+v", f)
	}
}

func TestFrameDecodeJobDone(t *testing.T) {
	raw := []byte(`{"type":"job_done","planet_id":"kepler-7","next_run_time":"2025-06-01T13:00:00Z","season":2,"round":15}`)

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.PlanetID != "kepler-7" {
		t.Errorf("planet_id = %q", f.PlanetID)
	}
	ts, err := time.Parse(time.RFC3339, f.NextRunTime)
	if err != nil {
		t.Fatalf("next_run_time: %v", err)
	}
	if ts != time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC) {
		t.Errorf("next_run_time = %v", ts)
	}
	if f.Season == nil || *f.Season != 2 || f.Round == nil || *f.Round != 15 {
		t.Errorf("season/round = %v/%v, want 2/15", f.Season, f.Round)
	}
	if f.RoundNumber != nil {
		t.Errorf("round_number = %v, want nil when absent", f.RoundNumber)
	}
}

func TestAssignJobEncoding(t *testing.T) {
	data, err := json.Marshal(NewAssignJob("kepler-7", 2, 14))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"assign_job","planet_id":"kepler-7","season":2,"round":14}`
	if string(data) != want {
		t.Errorf("assign_job = %s, want %s", data, want)
	}
}

func TestPongEncoding(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	data, err := json.Marshal(NewPong(at))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"pong","server_time":"2025-06-01T12:00:00Z"}`
	if string(data) != want {
		t.Errorf("pong = %s, want %s", data, want)
	}
}

func TestAddressFromWorkerID(t *testing.T) {
	cases := []struct {
		id   string
		want string
	}{
		{"worker_10_0_3_17", "10.0.3.17"},
		{"worker_192_168_1_200", "192.168.1.200"},
		{"worker_10_0_3", "unknown"},
		{"worker_10_0_3_17_5", "unknown"},
		{"worker_ten_0_3_17", "unknown"},
		{"worker_10_0_3_", "unknown"},
		{"node_10_0_3_17", "unknown"},
		{"worker_", "unknown"},
		{"", "unknown"},
	}
	for _, c := range cases {
		if got := AddressFromWorkerID(c.id); got != c.want {
			t.Errorf("AddressFromWorkerID(%q) = %q, want %q", c.id, got, c.want)
		}
	}
}
