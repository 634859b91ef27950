package device_test

import (
	"context"
	"testing"

	"github.com/3cpo-dev/droidfleet/internal/device"
	"github.com/3cpo-dev/droidfleet/internal/device/devicetest"
	"github.com/3cpo-dev/droidfleet/internal/telemetry"
)

func TestRecordUnreachableReportedOnce(t *testing.T) {
	rec := &telemetry.Recorder{}
	tr := device.NewTracker(device.Descriptor{Handle: "emulator-5554"}, nil, rec)

	for i := 0; i < 40; i++ {
		tr.Record(device.TypeText("golang"), devicetest.Offline())
	}

	if tr.Connected() {
		t.Fatalf("expected disconnected")
	}
	if got := len(rec.Filter("emulator-5554", telemetry.EventUnreachable)); got != 1 {
		t.Fatalf("expected 1 unreachable event, got %d", got)
	}
	if got := len(rec.Filter("emulator-5554", telemetry.EventCommand)); got != 40 {
		t.Fatalf("expected 40 command events, got %d", got)
	}
}

func TestRecordTransientFailureKeepsState(t *testing.T) {
	rec := &telemetry.Recorder{}
	tr := device.NewTracker(device.Descriptor{Handle: "emulator-5554"}, nil, rec)

	st := tr.Record(device.KeyEvent(device.KeyEnter), device.Result{OK: false, Diagnostic: "Error: Activity not started"})
	if st != device.Connected {
		t.Fatalf("transient failure changed state to %s", st)
	}
	if n := len(rec.Filter("", telemetry.EventUnreachable)); n != 0 {
		t.Fatalf("unexpected unreachable events: %d", n)
	}
}

func TestUnreachablePatterns(t *testing.T) {
	tr := device.NewTracker(device.Descriptor{Handle: "x"}, nil, nil)
	cases := map[string]bool{
		"error: device 'x' not found":       true,
		"error: device offline":             true,
		"error: no devices/emulators found": true,
		"error: device unauthorized.":       true,
		"Error: Activity not started":       false,
		"":                                  false,
	}
	for diag, want := range cases {
		if got := tr.Unreachable(diag); got != want {
			t.Errorf("Unreachable(%q) = %v, want %v", diag, got, want)
		}
	}

	custom := device.NewTracker(device.Descriptor{Handle: "x"}, []string{"Broken Pipe"}, nil)
	if !custom.Unreachable("write: broken pipe") {
		t.Errorf("custom pattern should match case-insensitively")
	}
	if custom.Unreachable("device offline") {
		t.Errorf("custom patterns replace the defaults")
	}
}

func TestProbeLocalHandle(t *testing.T) {
	ch := &devicetest.Channel{}
	rec := &telemetry.Recorder{}
	tr := device.NewTracker(device.Descriptor{Handle: "emulator-5554"}, nil, rec)

	if !tr.Probe(context.Background(), ch, &devicetest.Clock{}) {
		t.Fatalf("probe failed")
	}
	cmds := ch.Commands("")
	if len(cmds) != 1 || cmds[0] != device.GetState() {
		t.Fatalf("unexpected commands: %v", cmds)
	}
	probes := rec.Filter("emulator-5554", telemetry.EventProbe)
	if len(probes) != 1 || !probes[0].OK {
		t.Fatalf("expected one successful probe event, got %+v", probes)
	}
}

func TestProbeNetworkHandleSwitchesAndConnects(t *testing.T) {
	ch := &devicetest.Channel{}
	clock := &devicetest.Clock{}
	desc := device.Descriptor{Handle: "192.168.1.20:5555", USBSerial: "R58M123", TCPIPPort: 5555}
	tr := device.NewTracker(desc, nil, nil)

	if !tr.Probe(context.Background(), ch, clock) {
		t.Fatalf("probe failed")
	}
	calls := ch.Calls("")
	want := []devicetest.Call{
		{Handle: "R58M123", Command: "tcpip 5555"},
		{Handle: "", Command: "connect 192.168.1.20:5555"},
		{Handle: "192.168.1.20:5555", Command: "get-state"},
	}
	if len(calls) != len(want) {
		t.Fatalf("calls = %+v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, calls[i], want[i])
		}
	}
	if len(clock.Sleeps()) != 1 {
		t.Errorf("expected a settle delay after tcpip")
	}
}

func TestProbeConnectRefused(t *testing.T) {
	ch := &devicetest.Channel{Respond: func(handle string, n int, command string) device.Result {
		if command == device.Connect("10.0.0.7:5555") {
			// adb connect exits 0 even when it fails
			return device.Result{OK: true, Diagnostic: "failed to connect to 10.0.0.7:5555"}
		}
		return devicetest.Succeed(command)
	}}
	rec := &telemetry.Recorder{}
	tr := device.NewTracker(device.Descriptor{Handle: "10.0.0.7:5555"}, nil, rec)

	if tr.Probe(context.Background(), ch, &devicetest.Clock{}) {
		t.Fatalf("probe should fail")
	}
	if tr.Connected() {
		t.Fatalf("failed probe must leave the device disconnected")
	}
	if len(ch.Calls("10.0.0.7:5555")) != 0 {
		t.Fatalf("no device command expected after a failed connect")
	}
	if tr.Probe(context.Background(), ch, &devicetest.Clock{}) {
		t.Fatalf("a disconnected device is never probed again")
	}
	if n := len(rec.Filter("", telemetry.EventProbe)); n != 1 {
		t.Fatalf("expected 1 probe event, got %d", n)
	}
}

func TestProbeOfflineState(t *testing.T) {
	ch := &devicetest.Channel{Respond: func(string, int, string) device.Result {
		return device.Result{OK: true, Diagnostic: "offline"}
	}}
	tr := device.NewTracker(device.Descriptor{Handle: "emulator-5554"}, nil, nil)
	if tr.Probe(context.Background(), ch, &devicetest.Clock{}) {
		t.Fatalf("offline device should fail the probe")
	}
}
