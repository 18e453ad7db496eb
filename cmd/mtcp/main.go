// mtcp: CLI entry point.
//
// The client accepts local TCP connections and multiplexes them as logical
// streams over a fixed pool of links to the server, which relays each stream
// to one backend service.
//
//	mtcp server -c server.yaml
//	mtcp client -c client.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/mtcp/internal/config"
	"github.com/1ureka/mtcp/internal/obs"
	"github.com/1ureka/mtcp/internal/registry"
	"github.com/1ureka/mtcp/internal/tunnel"
	"github.com/1ureka/mtcp/internal/util"
)

var version = "dev"

type options struct {
	configPath    string
	debug         bool
	metricsListen string
}

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "mtcp",
		Short:         "TCP stream multiplexer over a pool of long-lived links",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVar(&opts.metricsListen, "metrics", "", "listen address for /metrics and health endpoints (overrides metrics.listen)")
	_ = root.MarkPersistentFlagRequired("config")

	root.AddCommand(
		&cobra.Command{
			Use:   "server",
			Short: "Accept tunnel links and relay streams to the backend",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := load(opts, config.ModeServer)
				if err != nil {
					return err
				}
				return runServer(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "client",
			Short: "Accept local connections and forward them through the tunnel",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := load(opts, config.ModeClient)
				if err != nil {
					return err
				}
				return runClient(cmd.Context(), cfg)
			},
		},
	)
	return root
}

// load reads the configuration and checks it was written for mode. An empty
// mode in the file is taken from the subcommand.
func load(opts *options, mode config.Mode) (*config.Config, error) {
	cfg, err := config.LoadMode(opts.configPath, mode)
	if err != nil {
		return nil, err
	}
	if opts.metricsListen != "" {
		cfg.Metrics.Listen = opts.metricsListen
	}
	if opts.debug || cfg.Log.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("mtcp v%s (%s)", version, mode))
	pterm.Println()
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

func runServer(ctx context.Context, cfg *config.Config) error {
	store, err := registry.New(cfg.Server.Redis)
	if err != nil {
		return fmt.Errorf("stream registry: %w", err)
	}
	defer store.Close()

	srv, err := tunnel.NewServer(cfg.Server, store)
	if err != nil {
		return err
	}
	defer srv.Close()

	if err := srv.Listen(); err != nil {
		return err
	}
	startMetrics(ctx, cfg.Metrics, obs.Probe{
		Ready: srv.Ready,
		Streams: func(ctx context.Context) (any, error) {
			return srv.Streams(ctx)
		},
	})
	util.StartStatsReporter(ctx)
	util.LogSuccess("server ready, relaying streams to %s", cfg.Server.BackendAddr())

	if err := srv.Serve(ctx); err != nil {
		return err
	}
	util.LogInfo("server stopped")
	return nil
}

func runClient(ctx context.Context, cfg *config.Config) error {
	c, err := tunnel.NewClient(ctx, cfg.Client)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Listen(); err != nil {
		return err
	}
	probe := obs.Probe{}
	if cfg.Client.EnableZeroRTT {
		probe.Ready = c.Ready
	}
	startMetrics(ctx, cfg.Metrics, probe)
	util.StartStatsReporter(ctx)
	util.LogSuccess("tunnel established, forwarding %s to %s", c.Addr(), cfg.Client.ServerAddr())

	if err := c.Serve(ctx); err != nil {
		return err
	}
	util.LogInfo("successfully closed tunnel connection")
	return nil
}

func startMetrics(ctx context.Context, cfg config.MetricsConfig, p obs.Probe) {
	if cfg.Listen == "" {
		return
	}
	go func() {
		util.LogInfo("metrics listening on %s", cfg.Listen)
		if err := obs.ListenAndServe(ctx, cfg.Listen, p); err != nil && !errors.Is(err, context.Canceled) {
			util.LogError("metrics server: %v", err)
		}
	}()
}
