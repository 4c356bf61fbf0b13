// Benthamd is the execution-core daemon: it owns the job orchestrator, the
// checkpoint engine, the credential and session pools, and the ops HTTP API.
//
// Configuration is loaded from a YAML file plus environment overrides
// (SECTION_FIELD, e.g. SERVER_PORT). See internal/config for the full tree.
//
// Usage:
//
//	# Start the daemon with defaults
//	benthamd run
//
//	# Start with a config file
//	benthamd run --config /etc/bentham/config.yaml
//
//	# Show version information
//	benthamd version
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/bentham/internal/checkpoint"
	"github.com/fyrsmithlabs/bentham/internal/config"
	"github.com/fyrsmithlabs/bentham/internal/credential"
	"github.com/fyrsmithlabs/bentham/internal/events"
	"github.com/fyrsmithlabs/bentham/internal/logging"
	"github.com/fyrsmithlabs/bentham/internal/ops"
	"github.com/fyrsmithlabs/bentham/internal/orchestrator"
	"github.com/fyrsmithlabs/bentham/internal/session"
	"github.com/fyrsmithlabs/bentham/internal/surface"
	"github.com/fyrsmithlabs/bentham/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "benthamd",
	Short: "Multi-tenant execution platform daemon",
	Long: `benthamd runs the execution core: study orchestration, checkpointed
progress, credential rotation, and browser session pooling, with an
operational HTTP API for health, metrics, and study control.`,
	Version: version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("benthamd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

// run wires the daemon and blocks until the context is cancelled.
func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logging.Sync(logger)

	logger.Info("starting benthamd",
		zap.String("version", version),
		zap.String("service", cfg.Observability.ServiceName),
	)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tel, err := telemetry.Setup(ctx, cfg.Observability, promReg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	bus := events.NewBus(logger)
	defer bus.Close()

	// NATS bridging is optional; the daemon is fully functional without it.
	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.Observability.ServiceName))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		defer nc.Drain()

		pub, err := events.NewNATSPublisher(nc, logger)
		if err != nil {
			return err
		}
		bus.Subscribe(pub.Listener())
		logger.Info("event bridging to NATS enabled", zap.String("url", cfg.NATS.URL))
	}

	engine, err := checkpoint.NewEngine(cfg.Checkpoint.Dir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize checkpoint engine: %w", err)
	}

	creds := credential.NewManager(credential.PoolConfig{
		MinActive:     cfg.Credentials.MinActive,
		ErrorCooldown: cfg.Credentials.ErrorCooldown,
		MaxErrors:     cfg.Credentials.MaxErrors,
		ErrorWindow:   cfg.Credentials.ErrorWindow,
		SweepInterval: cfg.Credentials.SweepInterval,
		Strategy:      credential.Strategy(cfg.Credentials.Strategy),
	}, bus, logger)
	defer creds.Shutdown()

	sessions, err := session.NewPool(session.PoolConfig{
		MinIdle:           cfg.Sessions.MinIdle,
		MaxSessions:       cfg.Sessions.MaxSessions,
		IdleTimeout:       cfg.Sessions.IdleTimeout,
		MaxLifetime:       cfg.Sessions.MaxLifetime,
		KeepAliveInterval: cfg.Sessions.KeepAliveInterval,
		CheckoutTimeout:   cfg.Sessions.CheckoutTimeout,
	}, session.Hooks{}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize session pool: %w", err)
	}
	defer sessions.Shutdown()

	registry := surface.NewRegistry()

	orch, err := orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Registry:    registry,
		Credentials: creds,
		Sessions:    sessions,
		Engine:      engine,
		Checkpoint: checkpoint.ManagerConfig{
			SaveEveryResults:   cfg.Checkpoint.SaveEveryResults,
			SaveInterval:       cfg.Checkpoint.SaveInterval,
			PreserveCheckpoint: cfg.Checkpoint.PreserveCheckpoint,
		},
		Bus:     bus,
		Logger:  logger,
		Metrics: orchestrator.NewMetrics(promReg),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}
	orch.Start()

	server, err := ops.NewServer(cfg.Server, orch, creds, sessions, promReg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize ops server: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case err := <-serverErr:
		return fmt.Errorf("ops server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown failed", zap.Error(err))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}
