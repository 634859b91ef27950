package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/droidfleet/internal/agent"
	"github.com/3cpo-dev/droidfleet/internal/core"
	"github.com/3cpo-dev/droidfleet/internal/device"
)

var version = "0.3.0"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "droidfleet-agent",
		Short:         "Run adb commands for a remote droidfleet",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			adb, _ := cmd.Flags().GetString("adb")
			if env := os.Getenv(core.EnvADBPath); env != "" {
				adb = env
			}
			token := os.Getenv(core.EnvAgentToken)
			if token == "" {
				log.Warn().Msg(core.EnvAgentToken + " is not set; exec is open to every caller")
			}

			srv := agent.NewServer(version, token, device.ExecChannel{Binary: adb}, log.Logger)
			mtls := agent.LoadMTLSConfig()
			errc := make(chan error, 1)
			go func() {
				if mtls.Enabled() {
					errc <- srv.ListenAndServeTLS(addr, mtls)
				} else {
					errc <- srv.ListenAndServe(addr)
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			select {
			case err := <-errc:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}
			log.Info().Msg("droidfleet-agent shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().String("addr", ":8088", "listen address")
	cmd.Flags().String("adb", "adb", "adb binary")
	return cmd
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	root := newRootCmd()
	root.SetContext(context.Background())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
