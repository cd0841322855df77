// Package main is the entry point for the relay-agent binary.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-relay/pkg/agent"
	"github.com/polisai/polis-relay/pkg/config"
	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/logging"
	"github.com/polisai/polis-relay/pkg/resolver"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay-agent",
		Short: "Relay agent exposing local applications through the broker",
		Long: `Runs a relay agent. The agent keeps a control session with the broker,
offers getaways for the applications it hosts and forwards clients that
connect to synthetic addresses of peer applications.

Example:
  relay-agent --config agent.yaml`,
		SilenceUsage: true,
		RunE:         runAgent,
	}

	rootCmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.Flags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("direct-connect", false, "Dial own applications without the broker")
	return rootCmd
}

// loadConfig reads the file named by --config and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.AgentConfig, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.LoadAgent(path)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if cmd.Flags().Changed("direct-connect") {
		cfg.DirectConnect, _ = cmd.Flags().GetBool("direct-connect")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// openStore returns the SQLite store at path, or a memory store when path
// is empty.
func openStore(path string, logger *slog.Logger) (resolver.Store, error) {
	if path == "" {
		return resolver.NewMemoryStore(), nil
	}
	return resolver.OpenSQLiteStore(path, logger)
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	metrics := telemetry.NewMetrics()

	store, err := openStore(cfg.Resolver.StorePath, logger)
	if err != nil {
		return err
	}
	res, err := resolver.New(ctx, resolver.Options{
		Store:    store,
		Sentinel: cfg.Resolver.SentinelAddr(),
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		store.Close()
		return err
	}
	defer res.Close()

	if cfg.Resolver.StaticDir != "" {
		watcher, err := resolver.NewStaticWatcher(cfg.Resolver.StaticDir, res, logger, metrics)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	a, err := agent.New(agent.Options{
		Config:   cfg,
		Resolver: res,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}

	logger.Info("Starting relay-agent",
		"agent_id", cfg.ID,
		"broker", cfg.Broker.Auth,
		"token", telemetry.MaskSecret(cfg.Token),
		"applications", len(cfg.Applications),
		"direct_connect", cfg.DirectConnect,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	if cfg.MetricsAddress != "" {
		ready := func() bool { return a.Status() == domain.StatusAuthenticated }
		g.Go(func() error {
			return telemetry.ServeAdmin(gctx, cfg.MetricsAddress, telemetry.AdminHandler(metrics, ready), logger)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("relay-agent stopped", "error", err)
		return err
	}
	logger.Info("relay-agent stopped")
	return nil
}
