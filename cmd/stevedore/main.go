package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stevedore-sh/stevedore/pkg/coordinator"
	"github.com/stevedore-sh/stevedore/pkg/deploy"
	"github.com/stevedore-sh/stevedore/pkg/health"
	"github.com/stevedore-sh/stevedore/pkg/ledger"
	"github.com/stevedore-sh/stevedore/pkg/log"
	"github.com/stevedore-sh/stevedore/pkg/manager"
	"github.com/stevedore-sh/stevedore/pkg/metrics"
	"github.com/stevedore-sh/stevedore/pkg/placement"
	"github.com/stevedore-sh/stevedore/pkg/registry"
	"github.com/stevedore-sh/stevedore/pkg/runtime"
	"github.com/stevedore-sh/stevedore/pkg/volume"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stevedore",
	Short: "Stevedore - cluster placement and lifecycle core",
	Long: `Stevedore places workload replicas onto nodes under resource,
constraint and volume feasibility rules, then supervises them through
restarts and rolling deployments. Cluster state is replicated through
an embedded Raft log, so a restarted manager picks up exactly where it
left off.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Stevedore version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serveCmd.Flags().String("config", "", "Path to YAML config file")
	serveCmd.Flags().String("node-id", "", "Manager node ID")
	serveCmd.Flags().String("bind-addr", "", "Raft bind address")
	serveCmd.Flags().String("metrics-addr", "", "Metrics listen address")
	serveCmd.Flags().String("data-dir", "", "State directory")
	serveCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the placement core as a single-node manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return err
		}
		applyFlagOverrides(cmd, cfg)

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})
		logger := log.WithComponent("main")

		mgr, err := manager.NewManager(&manager.Config{
			NodeID:   cfg.NodeID,
			BindAddr: cfg.BindAddr,
			DataDir:  cfg.DataDir,
		})
		if err != nil {
			return fmt.Errorf("failed to create manager: %v", err)
		}
		if err := mgr.Bootstrap(); err != nil {
			return fmt.Errorf("failed to bootstrap cluster: %v", err)
		}

		l := ledger.New()
		volumes := volume.NewManager(l)
		if err := mgr.Rebuild(l, volumes); err != nil {
			return fmt.Errorf("failed to rebuild cluster state: %v", err)
		}

		broker := mgr.GetEventBroker()
		engine := placement.NewEngine(placement.Config{
			MaxCapacityRetries: cfg.Placement.MaxCapacityRetries,
			RetryBaseDelay:     cfg.Placement.RetryBaseDelay(),
		}, l, volumes, registry.NewLogging(), broker)

		hub := health.NewHub()
		// TODO: swap the in-memory executor for the node agent transport
		// once agents report in over the wire.
		exec := runtime.NewRecorder()

		controller := deploy.NewController(engine, exec, hub, broker)
		coord := coordinator.New(engine, controller, exec, l, broker)

		// State changes flow into the replicated log from here on; the
		// rebuild above replayed what previous runs committed, so the
		// persisters attach only after it.
		l.SetPersister(mgr)
		volumes.SetPersister(mgr)
		engine.SetPersister(mgr)
		controller.SetPersister(mgr)
		coord.SetPersister(mgr)

		// Persist the event stream through the replicated log
		sub := broker.Subscribe()
		go func() {
			for ev := range sub {
				if !mgr.IsLeader() {
					continue
				}
				if err := mgr.AppendEvent(ev); err != nil {
					logger.Warn().Err(err).Msg("failed to persist event")
				}
			}
		}()

		metrics.SetVersion(Version)
		metrics.RegisterComponent("raft", true, "bootstrapped")
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()

		logger.Info().
			Str("node_id", cfg.NodeID).
			Str("bind_addr", cfg.BindAddr).
			Str("metrics_addr", cfg.MetricsAddr).
			Msg("manager is running")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		logger.Info().Msg("shutting down")
		broker.Unsubscribe(sub)
		if err := mgr.Shutdown(); err != nil {
			return fmt.Errorf("failed to shutdown: %v", err)
		}
		return nil
	},
}

func applyFlagOverrides(cmd *cobra.Command, cfg *Config) {
	if v, _ := cmd.Flags().GetString("node-id"); v != "" {
		cfg.NodeID = v
	}
	if v, _ := cmd.Flags().GetString("bind-addr"); v != "" {
		cfg.BindAddr = v
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		cfg.MetricsAddr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
}
