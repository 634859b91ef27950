package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/droidfleet/internal/device"
	"github.com/3cpo-dev/droidfleet/internal/device/devicetest"
)

func newTestServer(token string, adb device.Channel) *Server {
	return NewServer("test", token, adb, zerolog.Nop())
}

// TestHeartbeat tests the heartbeat endpoint
func TestHeartbeat(t *testing.T) {
	srv := newTestServer("", &devicetest.Channel{})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v0/heartbeat", nil)
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("status %d", rr.Code)
	}
	var resp HeartbeatResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Version != "test" {
		t.Fatalf("version mismatch")
	}
}

func TestExecEndpoint(t *testing.T) {
	adb := &devicetest.Channel{}
	srv := newTestServer("", adb)

	body, _ := json.Marshal(ExecRequest{Handle: "emulator-5554", Command: "get-state"})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v0/exec", bytes.NewReader(body)))
	if rr.Code != 200 {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	var resp ExecResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.OK || resp.Output != "device" {
		t.Fatalf("unexpected response %+v", resp)
	}
	calls := adb.Calls("")
	if len(calls) != 1 || calls[0].Handle != "emulator-5554" || calls[0].Command != "get-state" {
		t.Fatalf("adb calls %+v", calls)
	}
}

func TestExecEndpointRejects(t *testing.T) {
	adb := &devicetest.Channel{}
	srv := newTestServer("s3cret", adb)
	h := srv.Handler()

	tests := []struct {
		name   string
		method string
		body   string
		header map[string]string
		want   int
	}{
		{"missing token", http.MethodPost, `{"command":"get-state"}`, nil, http.StatusUnauthorized},
		{"wrong token", http.MethodPost, `{"command":"get-state"}`, map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"get", http.MethodGet, "", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, `{`, map[string]string{"Authorization": "Bearer s3cret"}, http.StatusBadRequest},
		{"empty command", http.MethodPost, `{"handle":"x"}`, map[string]string{"X-Auth-Token": "s3cret"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/v0/exec", strings.NewReader(tt.body))
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("status %d, want %d", rr.Code, tt.want)
			}
		})
	}
	if n := len(adb.Calls("")); n != 0 {
		t.Fatalf("rejected requests reached adb %d times", n)
	}
}

func TestChannelAgainstAgent(t *testing.T) {
	adb := &devicetest.Channel{Respond: func(handle string, _ int, cmd string) device.Result {
		if handle == "emulator-5556" {
			return devicetest.Offline()
		}
		return devicetest.Succeed(cmd)
	}}
	ts := httptest.NewServer(newTestServer("s3cret", adb).Handler())
	defer ts.Close()

	ch := &Channel{URL: ts.URL + "/", Token: "s3cret", Timeout: 30 * time.Second}
	ctx := context.Background()

	if res := ch.Execute(ctx, "emulator-5554", "get-state"); !res.OK || res.Diagnostic != "device" {
		t.Fatalf("healthy device %+v", res)
	}
	if res := ch.Execute(ctx, "emulator-5556", "shell input keyevent 66"); res.OK || res.Diagnostic != "error: device offline" {
		t.Fatalf("offline device %+v", res)
	}
	if res := ch.Execute(ctx, "", "connect 10.0.0.7:5555"); !res.OK || !strings.Contains(res.Diagnostic, "connected to") {
		t.Fatalf("global command %+v", res)
	}
	hb, err := ch.Heartbeat(ctx)
	if err != nil || hb.Version != "test" {
		t.Fatalf("heartbeat %+v %v", hb, err)
	}

	bad := &Channel{URL: ts.URL, Token: "wrong"}
	res := bad.Execute(ctx, "emulator-5554", "get-state")
	if res.OK || !strings.Contains(res.Diagnostic, "401") {
		t.Fatalf("expected unauthorized diagnostic, got %+v", res)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	metrics, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`droidfleet_agent_exec_total{outcome="ok"} 2`,
		`droidfleet_agent_exec_total{outcome="failed"} 1`,
		`droidfleet_agent_heartbeats_total 1`,
	} {
		if !strings.Contains(string(metrics), want) {
			t.Fatalf("metrics missing %q:\n%s", want, metrics)
		}
	}
}

func TestAgentFailuresAreNotDeviceLoss(t *testing.T) {
	ts := httptest.NewServer(newTestServer("s3cret", &devicetest.Channel{}).Handler())
	defer ts.Close()
	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()

	tracker := device.NewTracker(device.Descriptor{Handle: "emulator-5554"}, nil, nil)
	for name, ch := range map[string]*Channel{
		"unauthorized": {URL: ts.URL, Token: "wrong"},
		"wrong path":   {URL: missing.URL},
	} {
		res := ch.Execute(context.Background(), "emulator-5554", "get-state")
		if res.OK {
			t.Fatalf("%s: expected failure", name)
		}
		if tracker.Unreachable(res.Diagnostic) {
			t.Fatalf("%s: diagnostic %q classified as an unreachable device", name, res.Diagnostic)
		}
		if tracker.Record("get-state", res) != device.Connected {
			t.Fatalf("%s: agent failure disconnected the device", name)
		}
	}
}

func TestChannelUnreachableAgent(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	ch := &Channel{URL: url}
	res := ch.Execute(context.Background(), "emulator-5554", "get-state")
	if res.OK || !strings.HasPrefix(res.Diagnostic, "agent: ") {
		t.Fatalf("expected transport failure, got %+v", res)
	}
}

func TestServeAndShutdown(t *testing.T) {
	srv := newTestServer("", &devicetest.Channel{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/v0/heartbeat")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent never answered: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		t.Fatalf("Serve returned %v", err)
	}
	if conn, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		conn.Close()
		t.Fatalf("listener still accepting after shutdown")
	}
}

func TestShutdownBeforeListen(t *testing.T) {
	srv := newTestServer("", &devicetest.Channel{})
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("early shutdown: %v", err)
	}
	if err := srv.ListenAndServe("127.0.0.1:0"); !errors.Is(err, http.ErrServerClosed) {
		t.Fatalf("ListenAndServe after shutdown returned %v", err)
	}
}
