package device

import (
	"context"
	"strings"
	"time"

	"github.com/3cpo-dev/droidfleet/internal/telemetry"
)

// State is a device's connection state within one session.
type State int

const (
	Connected State = iota
	Disconnected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// DefaultUnreachablePatterns classify a failed command as a lost device.
var DefaultUnreachablePatterns = []string{
	"not found",
	"offline",
	"no devices/emulators found",
	"unauthorized",
}

// tcpipSettle is how long adbd needs to restart in network mode.
const tcpipSettle = 2 * time.Second

// Tracker converts command outcomes into connection state for one device.
// It is owned by that device's worker and is not safe for concurrent use.
// The state only ever moves from Connected to Disconnected.
type Tracker struct {
	desc     Descriptor
	patterns []string
	observer telemetry.Observer
	state    State
	reported bool
}

// NewTracker creates a tracker. Nil patterns select DefaultUnreachablePatterns.
func NewTracker(desc Descriptor, patterns []string, observer telemetry.Observer) *Tracker {
	if len(patterns) == 0 {
		patterns = DefaultUnreachablePatterns
	}
	lower := make([]string, len(patterns))
	for i, p := range patterns {
		lower[i] = strings.ToLower(p)
	}
	if observer == nil {
		observer = telemetry.Discard
	}
	return &Tracker{desc: desc, patterns: lower, observer: observer}
}

func (t *Tracker) State() State    { return t.state }
func (t *Tracker) Connected() bool { return t.state == Connected }

// Unreachable reports whether a diagnostic names a lost device.
func (t *Tracker) Unreachable(diagnostic string) bool {
	d := strings.ToLower(diagnostic)
	for _, p := range t.patterns {
		if strings.Contains(d, p) {
			return true
		}
	}
	return false
}

// Record classifies the result of command and returns the resulting state.
// Unreachable failures flip the device to Disconnected and are reported once.
func (t *Tracker) Record(command string, res Result) State {
	t.emit(telemetry.Event{Kind: telemetry.EventCommand, Command: command, OK: res.OK, Diagnostic: res.Diagnostic})
	if res.OK || !t.Unreachable(res.Diagnostic) {
		return t.state
	}
	t.disconnect(telemetry.Event{Kind: telemetry.EventUnreachable, Command: command, Diagnostic: res.Diagnostic})
	return t.state
}

// Probe verifies the device answers before a worker starts its loop. Network
// handles are connected first. A failed probe leaves the device Disconnected.
func (t *Tracker) Probe(ctx context.Context, ch Channel, clock Clock) bool {
	if !t.Connected() {
		return false
	}
	if t.desc.IsNetwork() {
		if t.desc.USBSerial != "" {
			cmd := TCPIP(t.desc.TCPIPPort)
			res := ch.Execute(ctx, t.desc.USBSerial, cmd)
			if !res.OK {
				return t.probeFailed(cmd, res.Diagnostic)
			}
			if err := clock.Sleep(ctx, tcpipSettle); err != nil {
				return t.probeFailed(cmd, err.Error())
			}
		}
		cmd := Connect(t.desc.Handle)
		res := ch.Execute(ctx, "", cmd)
		if !res.OK || !strings.Contains(strings.ToLower(res.Diagnostic), "connected to") {
			return t.probeFailed(cmd, res.Diagnostic)
		}
	}

	cmd := GetState()
	res := ch.Execute(ctx, t.desc.Handle, cmd)
	if !res.OK || strings.Contains(strings.ToLower(res.Diagnostic), "offline") {
		return t.probeFailed(cmd, res.Diagnostic)
	}
	t.emit(telemetry.Event{Kind: telemetry.EventProbe, Command: cmd, OK: true, Diagnostic: res.Diagnostic})
	return true
}

func (t *Tracker) probeFailed(command, diagnostic string) bool {
	t.disconnect(telemetry.Event{Kind: telemetry.EventProbe, Command: command, OK: false, Diagnostic: diagnostic})
	return false
}

func (t *Tracker) disconnect(e telemetry.Event) {
	t.state = Disconnected
	if t.reported {
		return
	}
	t.reported = true
	t.emit(e)
}

func (t *Tracker) emit(e telemetry.Event) {
	e.Time = time.Now()
	e.Device = t.desc.Handle
	e.Alias = t.desc.Alias
	e.Color = t.desc.Color
	t.observer.Observe(e)
}
