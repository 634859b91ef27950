package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/3cpo-dev/droidfleet/internal/device"
)

// Channel sends device commands to a droidfleet-agent.
type Channel struct {
	URL   string
	Token string
	// Timeout bounds each command on the agent side.
	Timeout time.Duration
	HTTP    *http.Client
}

func (c *Channel) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Channel) endpoint(path string) string {
	return strings.TrimRight(c.URL, "/") + path
}

func (c *Channel) do(req *http.Request, out any) error {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, msg: fmt.Sprintf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Channel) Execute(ctx context.Context, handle, command string) device.Result {
	body, err := json.Marshal(ExecRequest{Handle: handle, Command: command, Timeout: int(c.Timeout / time.Second)})
	if err != nil {
		return device.Result{OK: false, Diagnostic: "agent: " + err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v0/exec"), bytes.NewReader(body))
	if err != nil {
		return device.Result{OK: false, Diagnostic: "agent: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	var resp ExecResponse
	if err := c.do(req, &resp); err != nil {
		return device.Result{OK: false, Diagnostic: transportDiagnostic(err)}
	}
	return device.Result{OK: resp.OK, Diagnostic: resp.Output}
}

// transportDiagnostic describes a failed agent call. HTTP status text and
// bodies ("401 Unauthorized", "404 page not found") are left out so an agent
// problem is never classified as a lost device.
func transportDiagnostic(err error) string {
	var se *statusError
	if errors.As(err, &se) {
		return fmt.Sprintf("agent: http status %d", se.code)
	}
	return "agent: request failed: " + err.Error()
}

// Heartbeat checks that the agent is up.
func (c *Channel) Heartbeat(ctx context.Context) (HeartbeatResponse, error) {
	var hb HeartbeatResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/v0/heartbeat"), nil)
	if err != nil {
		return hb, err
	}
	if err := c.do(req, &hb); err != nil {
		return hb, fmt.Errorf("heartbeat: %w", err)
	}
	return hb, nil
}
