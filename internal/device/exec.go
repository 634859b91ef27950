package device

import (
	"context"
	"os/exec"
	"strings"
)

// ExecChannel runs the local adb binary.
type ExecChannel struct {
	// Binary defaults to "adb".
	Binary string
}

// Args builds the adb argument list for a command.
func (c ExecChannel) Args(handle, command string) []string {
	var args []string
	if handle != "" {
		args = append(args, "-s", handle)
	}
	return append(args, strings.Fields(command)...)
}

// CommandLine is the same invocation rendered for a remote shell. Every
// argument is quoted so the remote shell hands adb exactly the argv Args
// builds; the device shell then sees the command as it would locally.
func (c ExecChannel) CommandLine(handle, command string) string {
	line := c.binary()
	if handle != "" {
		line += " -s " + Quote(handle)
	}
	for _, arg := range strings.Fields(command) {
		line += " " + Quote(arg)
	}
	return line
}

func (c ExecChannel) binary() string {
	if c.Binary == "" {
		return "adb"
	}
	return c.Binary
}

func (c ExecChannel) Execute(ctx context.Context, handle, command string) Result {
	cmd := exec.CommandContext(ctx, c.binary(), c.Args(handle, command)...)
	out, err := cmd.CombinedOutput()
	diag := strings.TrimSpace(string(out))
	if err != nil {
		if diag == "" {
			diag = err.Error()
		}
		return Result{OK: false, Diagnostic: diag}
	}
	return Result{OK: true, Diagnostic: diag}
}
