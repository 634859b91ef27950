package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultKnownHostsPath is ~/.ssh/known_hosts.
func DefaultKnownHostsPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ssh", "known_hosts")
}

func ensureFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create known_hosts: %w", err)
	}
	return f.Close()
}

// AppendKnownHost records authorizedKey as the host key of host.
func AppendKnownHost(path, host, authorizedKey string) error {
	if err := ensureFile(path); err != nil {
		return err
	}
	pubKey, _, _, _, err := xssh.ParseAuthorizedKey([]byte(strings.TrimSpace(authorizedKey)))
	if err != nil {
		return fmt.Errorf("parse authorized key: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(knownhosts.Line([]string{knownhosts.Normalize(host)}, pubKey) + "\n"); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}

// LoadKnownHostsCallback returns a strict host key callback. Unknown or
// changed host keys are rejected. An empty path selects DefaultKnownHostsPath.
func LoadKnownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	if path == "" {
		path = DefaultKnownHostsPath()
	}
	if err := ensureFile(path); err != nil {
		return nil, err
	}
	return knownhosts.New(path)
}

var errHostKeyCaptured = errors.New("ssh: host key captured")

// TrustHost connects to addr, reads the host key it presents and records it
// in the known_hosts file at path. A host already trusted with that key is
// left alone; a host recorded with a different key is refused.
func TrustHost(ctx context.Context, path, addr string, timeout time.Duration) (xssh.PublicKey, error) {
	if path == "" {
		path = DefaultKnownHostsPath()
	}
	known, err := LoadKnownHostsCallback(path)
	if err != nil {
		return nil, err
	}

	var key xssh.PublicKey
	var checkErr error
	cfg := &xssh.ClientConfig{
		User: "droidfleet",
		HostKeyCallback: func(hostname string, remote net.Addr, k xssh.PublicKey) error {
			key = k
			checkErr = known(hostname, remote, k)
			return errHostKeyCaptured
		},
		Timeout: timeout,
	}
	nd := &net.Dialer{Timeout: timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	if _, _, _, err := xssh.NewClientConn(conn, addr, cfg); key == nil {
		return nil, fmt.Errorf("handshake %s: %w", addr, err)
	}

	var keyErr *knownhosts.KeyError
	switch {
	case checkErr == nil:
		return key, nil
	case errors.As(checkErr, &keyErr) && len(keyErr.Want) > 0:
		return nil, fmt.Errorf("host key for %s changed; remove its entry from %s first", addr, path)
	case !errors.As(checkErr, &keyErr):
		return nil, fmt.Errorf("check host key: %w", checkErr)
	}
	if err := AppendKnownHost(path, addr, string(xssh.MarshalAuthorizedKey(key))); err != nil {
		return nil, err
	}
	return key, nil
}
