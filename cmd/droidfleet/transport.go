package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/droidfleet/internal/agent"
	"github.com/3cpo-dev/droidfleet/internal/core"
	"github.com/3cpo-dev/droidfleet/internal/device"
	gssh "github.com/3cpo-dev/droidfleet/internal/ssh"
)

// loadConfig reads the file named by --config.
func loadConfig(cmd *cobra.Command) (*core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return core.LoadConfig(expandHome(cfgPath))
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// newRegistry registers one channel factory per transport kind.
func newRegistry(cfg *core.Config) *device.Registry {
	t := cfg.Transport
	reg := device.NewRegistry()
	reg.Register(core.TransportLocal, func() (device.Channel, error) {
		return device.ExecChannel{Binary: t.ADBPath}, nil
	})
	reg.Register(core.TransportSSH, func() (device.Channel, error) {
		signer, err := gssh.LoadPrivateKeySigner(expandHome(t.SSH.KeyPath))
		if err != nil {
			return nil, err
		}
		kh, err := gssh.LoadKnownHostsCallback(expandHome(t.SSH.KnownHosts))
		if err != nil {
			return nil, fmt.Errorf("known hosts: %w", err)
		}
		return gssh.NewChannel(&gssh.Client{
			Addr:       t.SSH.Addr,
			User:       t.SSH.User,
			Signer:     signer,
			KnownHosts: kh,
			Timeout:    time.Duration(t.SSH.TimeoutSeconds) * time.Second,
			Retries:    2,
			Backoff:    500 * time.Millisecond,
		}, t.ADBPath), nil
	})
	reg.Register(core.TransportAgent, func() (device.Channel, error) {
		timeout := time.Duration(t.Agent.TimeoutSeconds) * time.Second
		httpClient, err := agent.ClientTLS{
			CACert:     expandHome(t.Agent.CACert),
			ClientCert: expandHome(t.Agent.ClientCert),
			ClientKey:  expandHome(t.Agent.ClientKey),
		}.HTTPClient(timeout + 10*time.Second)
		if err != nil {
			return nil, err
		}
		return &agent.Channel{URL: t.Agent.URL, Token: t.Agent.Token, Timeout: timeout, HTTP: httpClient}, nil
	})
	return reg
}

// queryOpener reads queries_file locally, or on the ssh hub when queries_remote is set.
func queryOpener(cfg *core.Config, ch device.Channel) func(string) (io.ReadCloser, error) {
	if cfg.QueriesRemote {
		if remote, ok := ch.(*gssh.Channel); ok {
			return remote.Open
		}
	}
	return func(path string) (io.ReadCloser, error) { return core.OpenLocal(expandHome(path)) }
}

func closeChannel(ch device.Channel) {
	if c, ok := ch.(io.Closer); ok {
		_ = c.Close()
	}
}

// waitTransport blocks until a remote agent answers its heartbeat.
func waitTransport(ctx context.Context, ch device.Channel) error {
	ac, ok := ch.(*agent.Channel)
	if !ok {
		return nil
	}
	hb, err := ac.WaitReady(ctx, agent.DefaultRetryConfig(), log.Logger)
	if err != nil {
		return fmt.Errorf("agent %s: %w", ac.URL, err)
	}
	log.Info().Str("agent", hb.Host).Str("version", hb.Version).Msg("agent ready")
	return nil
}
