package telemetry

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/droidfleet/pkg/api"
)

func TestMultiAndRecorder(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	m := Multi{a, nil, b}
	m.Observe(Event{Kind: EventProbe, Device: "d1", OK: true})
	m.Observe(Event{Kind: EventCommand, Device: "d2"})

	if len(a.Events()) != 2 || len(b.Events()) != 2 {
		t.Fatalf("fan-out failed: %d %d", len(a.Events()), len(b.Events()))
	}
	if got := a.Filter("d1", EventProbe); len(got) != 1 {
		t.Fatalf("filter by device: %+v", got)
	}
	if got := a.Filter("", EventCommand); len(got) != 1 || got[0].Device != "d2" {
		t.Fatalf("filter all devices: %+v", got)
	}
}

func TestLogObserverLevels(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLogObserver(zerolog.New(&buf).Level(zerolog.DebugLevel))

	obs.Observe(Event{Kind: EventCommand, Device: "emulator-5554", Alias: "lab", Color: "cyan", Command: "get-state", OK: true})
	obs.Observe(Event{Kind: EventCommand, Device: "emulator-5554", Command: "shell input text 'x'", Diagnostic: "error: closed"})
	obs.Observe(Event{Kind: EventUnreachable, Device: "emulator-5554", Diagnostic: "error: device offline"})
	obs.Observe(Event{Kind: EventWorkerStarted, Device: "emulator-5554", Rounds: api.UnboundedRounds})
	obs.Observe(Event{Kind: EventWorkerFinished, Device: "emulator-5554", Status: string(api.StatusDisconnected)})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d:\n%s", len(lines), buf.String())
	}
	want := []struct{ level, msg string }{
		{"debug", "adb command"},
		{"warn", "adb command failed"},
		{"error", "Device unreachable, stopping its session"},
		{"info", "Starting task loop on device in infinite loop mode"},
		{"info", "Completed all tasks on device"},
	}
	for i, line := range lines {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("line %d not JSON: %v", i, err)
		}
		if rec["level"] != want[i].level || rec["message"] != want[i].msg {
			t.Fatalf("line %d = %v, want %+v", i, rec, want[i])
		}
		if rec["device"] != "emulator-5554" {
			t.Fatalf("line %d missing device: %v", i, rec)
		}
	}
	var first map[string]any
	_ = json.Unmarshal([]byte(lines[0]), &first)
	if first["alias"] != "lab" || first["color"] != "cyan" {
		t.Fatalf("alias/color not tagged: %v", first)
	}
}

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	return string(body)
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()
	m.Observe(Event{Kind: EventCommand, Device: "d1", OK: true})
	m.Observe(Event{Kind: EventCommand, Device: "d1", OK: false})
	m.Observe(Event{Kind: EventUnreachable, Device: "d1"})
	m.Observe(Event{Kind: EventRoundFinished, Device: "d1", OK: true})
	m.Observe(Event{Kind: EventRoundFinished, Device: "d1", OK: false})
	m.Observe(Event{Kind: EventTaskSelected, Device: "d1", Task: "wikipedia_search"})
	m.Observe(Event{Kind: EventReading, Device: "d1", Duration: 20 * time.Second})

	body := scrape(t, m.Handler())
	for _, want := range []string{
		`droidfleet_commands_total{device="d1",outcome="ok"} 1`,
		`droidfleet_commands_total{device="d1",outcome="failed"} 1`,
		`droidfleet_unreachable_total{device="d1"} 1`,
		`droidfleet_rounds_total{device="d1"} 1`,
		`droidfleet_searches_total{device="d1",task="wikipedia_search"} 1`,
		`droidfleet_read_seconds_count 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestStatusBoardHealth(t *testing.T) {
	b := NewStatusBoard(map[string]string{"d1": "one", "d2": "two"})
	if b.Health() != HealthStatusHealthy {
		t.Fatalf("pending fleet should be healthy")
	}

	b.Observe(Event{Kind: EventProbe, Device: "d1", OK: true})
	b.Observe(Event{Kind: EventWorkerStarted, Device: "d1", Rounds: 2})
	b.Observe(Event{Kind: EventRoundStarted, Device: "d1", Round: 1})
	b.Observe(Event{Kind: EventTaskSelected, Device: "d1"})
	b.Observe(Event{Kind: EventRoundFinished, Device: "d1", OK: true})
	b.Observe(Event{Kind: EventProbe, Device: "d2", OK: false})
	b.Observe(Event{Kind: EventWorkerFinished, Device: "d2", Status: string(api.StatusUnreachable)})

	snap := b.Snapshot()
	if len(snap) != 2 || snap[0].Device != "d1" {
		t.Fatalf("snapshot %+v", snap)
	}
	if !snap[0].Connected || snap[0].Status != api.StatusRunning || snap[0].Rounds != 1 || snap[0].Searches != 1 {
		t.Fatalf("d1 state %+v", snap[0])
	}
	if snap[1].Connected || snap[1].Status != api.StatusUnreachable {
		t.Fatalf("d2 state %+v", snap[1])
	}
	if b.Health() != HealthStatusDegraded {
		t.Fatalf("health = %s", b.Health())
	}

	b.Observe(Event{Kind: EventUnreachable, Device: "d1"})
	if b.Health() != HealthStatusUnhealthy {
		t.Fatalf("a running device lost mid-session should count: health = %s", b.Health())
	}
	b.Observe(Event{Kind: EventWorkerFinished, Device: "d1", Status: string(api.StatusDisconnected)})
	if b.Health() != HealthStatusUnhealthy {
		t.Fatalf("health = %s", b.Health())
	}

	done := NewStatusBoard(map[string]string{"d1": "", "d2": ""})
	done.Observe(Event{Kind: EventWorkerFinished, Device: "d1", Status: string(api.StatusCompleted)})
	done.Observe(Event{Kind: EventWorkerFinished, Device: "d2", Status: string(api.StatusCancelled)})
	if done.Health() != HealthStatusHealthy {
		t.Fatalf("finished fleet health = %s", done.Health())
	}
}

func TestMonitoringServerRoutes(t *testing.T) {
	board := NewStatusBoard(map[string]string{"d1": ""})
	metrics := NewMetrics()
	ms := NewMonitoringServer("127.0.0.1:0", board, metrics, zerolog.Nop())
	ts := httptest.NewServer(ms.server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var health struct {
		Status  HealthStatus  `json:"status"`
		Devices []DeviceState `json:"devices"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || health.Status != HealthStatusHealthy || len(health.Devices) != 1 {
		t.Fatalf("health %d %+v", resp.StatusCode, health)
	}

	board.Observe(Event{Kind: EventWorkerFinished, Device: "d1", Status: string(api.StatusDisconnected)})
	resp, err = http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("lost fleet should be 503, got %d", resp.StatusCode)
	}

	metrics.Observe(Event{Kind: EventCommand, Device: "d1", OK: true})
	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "droidfleet_commands_total") {
		t.Fatalf("metrics not served:\n%s", body)
	}
}
