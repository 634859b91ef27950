package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/droidfleet/internal/actions"
	"github.com/3cpo-dev/droidfleet/internal/core"
	"github.com/3cpo-dev/droidfleet/internal/device"
	gssh "github.com/3cpo-dev/droidfleet/internal/ssh"
	"github.com/3cpo-dev/droidfleet/internal/telemetry"
	"github.com/3cpo-dev/droidfleet/pkg/api"
)

// Run a browsing session on every configured device
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a browsing session on every configured device",
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, _ := cmd.Flags().GetInt64("seed")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ch, err := newRegistry(cfg).Open(cfg.Transport.Kind)
			if err != nil {
				return err
			}
			defer closeChannel(ch)
			queries, err := core.LoadQueries(cfg, queryOpener(cfg, ch))
			if err != nil {
				return err
			}

			aliases := map[string]string{}
			for _, d := range cfg.Devices {
				aliases[strings.TrimSpace(d.ID)] = d.Alias
			}
			board := telemetry.NewStatusBoard(aliases)
			metrics := telemetry.NewMetrics()
			opts := []core.Option{
				core.WithObserver(telemetry.Multi{telemetry.NewLogObserver(log.Logger), metrics, board}),
			}
			if seed != 0 {
				opts = append(opts, core.WithSeed(func(i int) int64 { return seed + int64(i) }))
			}
			orc, err := core.NewOrchestrator(cfg, queries, ch, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := waitTransport(ctx, ch); err != nil {
				return err
			}

			if addr := cfg.Telemetry.MonitoringAddr; addr != "" {
				ms := telemetry.NewMonitoringServer(addr, board, metrics, log.Logger)
				go func() {
					if err := ms.Start(); err != nil {
						log.Error().Err(err).Msg("monitoring server stopped")
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = ms.Shutdown(shutdownCtx)
				}()
			}

			var store *core.Store
			var sessionID string
			if cfg.Store.Path != "" {
				store, err = core.NewStore(expandHome(cfg.Store.Path))
				if err != nil {
					return fmt.Errorf("open history: %w", err)
				}
				defer store.Close()
				if sessionID, err = store.BeginSession(ctx, len(cfg.Devices)); err != nil {
					return err
				}
			}

			plan := orc.Plan()
			log.Info().
				Str("version", version).
				Int("devices", len(plan.Devices)).
				Int("queries", len(queries)).
				Strs("tasks", siteKinds(plan)).
				Bool("unbounded", plan.Loops.Unbounded()).
				Str("transport", cfg.Transport.Kind).
				Msg("droidfleet starting")

			reports, err := orc.Run(ctx)
			if err != nil {
				return err
			}
			printReports(cmd.OutOrStdout(), reports)

			if store != nil {
				// the run context may already be cancelled; history is still written
				bg := context.Background()
				for _, r := range reports {
					if err := store.RecordReport(bg, sessionID, r); err != nil {
						log.Error().Err(err).Str("device", r.Handle).Msg("record run")
					}
				}
				if err := store.FinishSession(bg, sessionID); err != nil {
					log.Error().Err(err).Msg("finish session")
				}
			}
			if ctx.Err() != nil {
				log.Warn().Msg("session interrupted")
			}
			return nil
		},
	}
	cmd.Flags().Int64("seed", 0, "seed the per-device random sources for a reproducible schedule")
	return cmd
}

func printReports(w io.Writer, reports []api.DeviceReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tALIAS\tSTATUS\tROUNDS\tSEARCHES\tDURATION")
	for _, r := range reports {
		planned := fmt.Sprint(r.PlannedRounds)
		if r.PlannedRounds == api.UnboundedRounds {
			planned = "inf"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%s\t%d\t%s\n",
			r.Handle, r.Alias, r.Status, r.Rounds, planned, r.Searches,
			r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
	}
	_ = tw.Flush()
}

// Validate the configuration and query source
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and print a summary",
		Long:  "Validate loads the configuration and query source and reports every problem at once.\nKnown task kinds: " + kinds() + ".",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			plan, err := cfg.Plan()
			if err != nil {
				return err
			}
			var queries []string
			if !cfg.QueriesRemote {
				queries, err = core.LoadQueries(cfg, queryOpener(cfg, nil))
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "devices: %d\n", len(plan.Devices))
			for _, d := range plan.Devices {
				kind := "usb"
				if d.IsNetwork() {
					kind = "network"
				}
				fmt.Fprintf(out, "  %s\t%s\n", d.Name(), kind)
			}
			fmt.Fprintf(out, "tasks: %s\n", strings.Join(siteKinds(plan), ", "))
			if cfg.QueriesRemote {
				fmt.Fprintf(out, "queries: %d inline, file %s on the ssh hub\n", len(cfg.SearchQueries), cfg.QueriesFile)
			} else {
				fmt.Fprintf(out, "queries: %d\n", len(queries))
			}
			if plan.Loops.Unbounded() {
				fmt.Fprintln(out, "loops: until disconnected")
			} else {
				fmt.Fprintf(out, "loops: %d-%d\n", plan.Loops.MinLoops, plan.Loops.MaxLoops)
			}
			fmt.Fprintf(out, "transport: %s\n", cfg.Transport.Kind)
			fmt.Fprintln(out, "configuration OK")
			return nil
		},
	}
}

// Probe every device without running tasks
func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check that every configured device answers adb",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			plan, err := cfg.Plan()
			if err != nil {
				return err
			}
			ch, err := newRegistry(cfg).Open(cfg.Transport.Kind)
			if err != nil {
				return err
			}
			defer closeChannel(ch)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := waitTransport(ctx, ch); err != nil {
				return err
			}
			obs := telemetry.NewLogObserver(log.Logger)
			lost := 0
			out := cmd.OutOrStdout()
			for _, d := range plan.Devices {
				tracker := device.NewTracker(d, plan.UnreachablePatterns, obs)
				state := "reachable"
				if !tracker.Probe(ctx, ch, device.RealClock{}) {
					state = "unreachable"
					lost++
				}
				fmt.Fprintf(out, "%s\t%s\n", d.Name(), state)
			}
			if lost > 0 {
				return fmt.Errorf("%d of %d devices unreachable", lost, len(plan.Devices))
			}
			return nil
		},
	}
}

// Show recent device runs
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent device runs from the session history",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Store.Path == "" {
				return errors.New("store.path is not configured")
			}
			store, err := core.NewStore(expandHome(cfg.Store.Path))
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tSESSION\tDEVICE\tSTATUS\tROUNDS\tSEARCHES")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
					r.StartedAt.Local().Format(time.DateTime), shortID(r.SessionID), r.Handle, r.Status, r.Rounds, r.Searches)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to show")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Initialize configuration and keys
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "droidfleet initialization command. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfgPath, _ := cmd.Flags().GetString("config")
			keyPath, _ := cmd.Flags().GetString("ssh-key")
			if cfgPath == "" {
				cfgPath = core.DefaultConfigPath()
			}
			cfgPath = expandHome(cfgPath)

			if _, err := os.Stat(cfgPath); err == nil {
				fmt.Fprintf(out, "config already exists at %s\n", cfgPath)
			} else {
				if err := os.MkdirAll(filepath.Dir(cfgPath), 0o700); err != nil {
					return fmt.Errorf("create config dir: %w", err)
				}
				if err := os.WriteFile(cfgPath, []byte(core.SampleConfig), 0o600); err != nil {
					return fmt.Errorf("write config: %w", err)
				}
				fmt.Fprintf(out, "wrote sample config to %s\n", cfgPath)
			}

			if keyPath != "" {
				keyPath = expandHome(keyPath)
				if _, err := os.Stat(keyPath); err == nil {
					fmt.Fprintf(out, "ssh key already exists at %s\n", keyPath)
				} else {
					pub, err := gssh.GenerateEd25519Keypair(keyPath)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "generated %s; add this line to authorized_keys on the adb hub:\n%s", keyPath, pub)
				}
			}

			if hub, _ := cmd.Flags().GetString("trust-host"); hub != "" {
				knownHosts := ""
				if content, err := os.ReadFile(cfgPath); err == nil {
					if cfg, err := core.ParseConfig(content); err == nil {
						knownHosts = expandHome(cfg.Transport.SSH.KnownHosts)
					}
				}
				key, err := gssh.TrustHost(cmd.Context(), knownHosts, hub, 15*time.Second)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "trusted %s (%s)\n", hub, xssh.FingerprintSHA256(key))
			}
			return nil
		},
	}
	cmd.Flags().String("ssh-key", "", "also generate an ed25519 key pair for the ssh transport at this path")
	cmd.Flags().String("trust-host", "", "record the host key of this adb hub (host:port) in known_hosts")
	return cmd
}

func siteKinds(plan *core.Plan) []string {
	kinds := make([]string, 0, len(plan.Sites))
	for _, s := range plan.Sites {
		kinds = append(kinds, string(s.Kind))
	}
	return kinds
}

// kinds lists the task kinds for help output.
func kinds() string {
	var names []string
	for _, k := range actions.Kinds() {
		names = append(names, string(k))
	}
	return strings.Join(names, ", ")
}
