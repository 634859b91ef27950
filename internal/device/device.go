// Package device owns the command channel to a controlled handset and the
// per-device connection state derived from it.
package device

import (
	"context"
	"net"
	"regexp"
	"strconv"
)

// Descriptor identifies one controlled device. It is immutable after load.
type Descriptor struct {
	// Handle is a local adb serial or a network address (host:port).
	Handle string
	Alias  string
	Color  string
	// USBSerial, when set for a network handle, is switched to tcpip mode
	// before connecting.
	USBSerial string
	TCPIPPort int
}

// Name returns the alias, or the handle when no alias was configured.
func (d Descriptor) Name() string {
	if d.Alias != "" {
		return d.Alias
	}
	return d.Handle
}

// IsNetwork reports whether the handle must be reached with adb connect.
func (d Descriptor) IsNetwork() bool { return IsNetworkAddress(d.Handle) }

var dottedQuad = regexp.MustCompile(`^\d{1,3}(\.\d{1,3}){3}(:\d{1,5})?$`)

// IsNetworkAddress reports whether handle looks like an IPv4 address with an
// optional port rather than a local serial.
func IsNetworkAddress(handle string) bool {
	if !dottedQuad.MatchString(handle) {
		return false
	}
	host := handle
	if h, port, err := net.SplitHostPort(handle); err == nil {
		host = h
		if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
			return false
		}
	}
	return net.ParseIP(host) != nil
}

// Result is the outcome of one command.
type Result struct {
	OK         bool
	Diagnostic string
}

// Channel issues exactly one command against a device. An empty handle issues
// a server-wide command such as connect. Failures are reported in the Result,
// never retried here.
type Channel interface {
	Execute(ctx context.Context, handle, command string) Result
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, handle, command string) Result

func (f ChannelFunc) Execute(ctx context.Context, handle, command string) Result {
	return f(ctx, handle, command)
}
