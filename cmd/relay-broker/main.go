// Package main is the entry point for the relay-broker binary.
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

	"github.com/polisai/polis-relay/internal/governance"
	"github.com/polisai/polis-relay/pkg/audit"
	"github.com/polisai/polis-relay/pkg/broker"
	"github.com/polisai/polis-relay/pkg/config"
	"github.com/polisai/polis-relay/pkg/grant"
	"github.com/polisai/polis-relay/pkg/logging"
	"github.com/polisai/polis-relay/pkg/session"
	"github.com/polisai/polis-relay/pkg/telemetry"
	"github.com/polisai/polis-relay/pkg/token"
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
		Use:   "relay-broker",
		Short: "Central broker of the private relay",
		Long: `Runs the relay broker: the Auth service holding agent control sessions,
the Requester service receiving redirected clients and the Response service
receiving getaways offered by agents.

Example:
  relay-broker --config broker.yaml`,
		SilenceUsage: true,
		RunE:         runBroker,
	}

	rootCmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.Flags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().String("token-file", "", "Path to the token file")
	return rootCmd
}

// loadConfig reads the file named by --config and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.BrokerConfig, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.LoadBroker(path)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if file, _ := cmd.Flags().GetString("token-file"); file != "" {
		cfg.TokenFile = file
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func runBroker(cmd *cobra.Command, _ []string) error {
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

	tokens, err := token.OpenFile(cfg.TokenFile, logger)
	if err != nil {
		return err
	}

	var policy grant.Policy = grant.ListPolicy{}
	if cfg.GrantModule != "" {
		src, err := os.ReadFile(cfg.GrantModule)
		if err != nil {
			return fmt.Errorf("read grant module: %w", err)
		}
		policy, err = grant.NewRegoPolicy(ctx, grant.RegoOptions{
			Modules: map[string]string{cfg.GrantModule: string(src)},
		})
		if err != nil {
			return err
		}
		logger.Info("grant policy loaded", "module", cfg.GrantModule)
	}

	var sink audit.Sink = audit.NopSink{}
	if cfg.NATSURL != "" {
		natsSink, closeNATS, err := audit.Connect(ctx, cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer closeNATS()
		sink = natsSink
	}

	metrics := telemetry.NewMetrics()
	b := broker.New(broker.Options{
		Sessions: session.NewRegistry(session.Options{
			Tokens:          tokens,
			LivenessTimeout: cfg.LivenessTimeout,
			Logger:          logger,
			Metrics:         metrics,
		}),
		Policy:           policy,
		Audit:            sink,
		AuthLimiter:      governance.NewRateLimiter(cfg.AuthRateLimit),
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           logger,
		Metrics:          metrics,
	})

	logger.Info("Starting relay-broker",
		"auth", cfg.Listen.Auth,
		"requester", cfg.Listen.Requester,
		"response", cfg.Listen.Response,
		"token_file", cfg.TokenFile,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Run(gctx, broker.Addresses{
			Auth:      cfg.Listen.Auth,
			Requester: cfg.Listen.Requester,
			Response:  cfg.Listen.Response,
		})
	})
	g.Go(func() error { return tokens.Watch(gctx) })
	if cfg.MetricsAddress != "" {
		g.Go(func() error {
			return telemetry.ServeAdmin(gctx, cfg.MetricsAddress, telemetry.AdminHandler(metrics, nil), logger)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("relay-broker stopped", "error", err)
		return err
	}
	logger.Info("relay-broker stopped")
	return nil
}
