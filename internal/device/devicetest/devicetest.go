// Package devicetest provides scripted device channels and an instant clock
// for tests.
package devicetest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/3cpo-dev/droidfleet/internal/device"
)

// Call is one command received by a Channel.
type Call struct {
	Handle  string
	Command string
}

// Channel records every command and answers with Respond. Calls are numbered
// per handle starting at 1. A nil Respond succeeds, answering "device" to
// get-state and "connected to <addr>" to connect.
type Channel struct {
	Respond func(handle string, n int, command string) device.Result

	mu     sync.Mutex
	calls  []Call
	counts map[string]int
}

func (c *Channel) Execute(ctx context.Context, handle, command string) device.Result {
	c.mu.Lock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[handle]++
	n := c.counts[handle]
	c.calls = append(c.calls, Call{Handle: handle, Command: command})
	respond := c.Respond
	c.mu.Unlock()

	if respond != nil {
		return respond(handle, n, command)
	}
	return Succeed(command)
}

// Succeed is the default healthy answer for command.
func Succeed(command string) device.Result {
	switch {
	case command == device.GetState():
		return device.Result{OK: true, Diagnostic: "device"}
	case strings.HasPrefix(command, "connect "):
		return device.Result{OK: true, Diagnostic: "connected to " + strings.TrimPrefix(command, "connect ")}
	}
	return device.Result{OK: true}
}

// Offline is the failure adb reports for a dropped device.
func Offline() device.Result {
	return device.Result{OK: false, Diagnostic: "error: device offline"}
}

// FailFrom answers Offline from the k-th call of every handle onwards.
func FailFrom(k int) func(string, int, string) device.Result {
	return func(_ string, n int, command string) device.Result {
		if n >= k {
			return Offline()
		}
		return Succeed(command)
	}
}

// Calls returns every call, optionally restricted to handle.
func (c *Channel) Calls(handle string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.calls {
		if handle == "" || call.Handle == handle {
			out = append(out, call)
		}
	}
	return out
}

// Commands returns the commands sent to handle in order.
func (c *Channel) Commands(handle string) []string {
	calls := c.Calls(handle)
	out := make([]string, len(calls))
	for i, call := range calls {
		out[i] = call.Command
	}
	return out
}

// Clock returns immediately and records every requested sleep.
type Clock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return ctx.Err()
}

// Sleeps returns the recorded durations.
func (c *Clock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}
