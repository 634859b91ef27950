// Package ssh reaches devices attached to a remote adb host.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/droidfleet/internal/device"
)

// Client holds what is needed to reach the adb host.
type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: host key callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// Dial establishes an SSH connection, retrying with linear backoff.
// The caller is responsible for closing the returned client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= max(c.Retries, 0); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}
		cli, err := dialOnce(ctx, c.Addr, cfg)
		if err == nil {
			return cli, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func dialOnce(ctx context.Context, addr string, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	nd := &net.Dialer{Timeout: cfg.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sconn, chans, reqs, err := xssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return xssh.NewClient(sconn, chans, reqs), nil
}

// Channel runs adb on the remote host, one session per command. The
// connection is dialed on first use and shared by every worker; it is
// re-dialed after a transport failure.
type Channel struct {
	Client *Client
	ADB    device.ExecChannel

	mu   sync.Mutex
	conn *xssh.Client
}

// NewChannel returns a channel that runs the adb binary at adbPath on the host.
func NewChannel(c *Client, adbPath string) *Channel {
	return &Channel{Client: c, ADB: device.ExecChannel{Binary: adbPath}}
}

func (c *Channel) connect(ctx context.Context) (*xssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := Dial(ctx, c.Client)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// reset drops conn if it is still the current connection.
func (c *Channel) reset(conn *xssh.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Channel) Execute(ctx context.Context, handle, command string) device.Result {
	conn, err := c.connect(ctx)
	if err != nil {
		return device.Result{OK: false, Diagnostic: "ssh: " + err.Error()}
	}
	session, err := conn.NewSession()
	if err != nil {
		c.reset(conn)
		return device.Result{OK: false, Diagnostic: "ssh session: " + err.Error()}
	}
	defer session.Close()
	stop := context.AfterFunc(ctx, func() { _ = session.Close() })
	defer stop()

	out, err := session.CombinedOutput(c.ADB.CommandLine(handle, command))
	diag := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *xssh.ExitError
		if !errors.As(err, &exitErr) && ctx.Err() == nil {
			c.reset(conn)
		}
		if diag == "" {
			diag = err.Error()
		}
		return device.Result{OK: false, Diagnostic: diag}
	}
	return device.Result{OK: true, Diagnostic: diag}
}

// Close drops the shared connection.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
