package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"bookwell/gatekeeper/pkg/audit"
	"bookwell/gatekeeper/pkg/cli"
	"bookwell/gatekeeper/pkg/config"
	"bookwell/gatekeeper/pkg/quota"
	"bookwell/gatekeeper/pkg/quota/store"
	"bookwell/gatekeeper/pkg/quota/tier"
	"bookwell/gatekeeper/pkg/quota/usage"
	"bookwell/gatekeeper/pkg/quota/violation"
	"bookwell/gatekeeper/pkg/server"
	"bookwell/gatekeeper/pkg/telemetry/logging"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the Gatekeeper engine",
	Long: `Start the Gatekeeper engine with the specified configuration.

The engine connects to the counter store, loads the tier rule tables,
and serves the admission and analytics HTTP API on the configured
address.

Examples:
  # Start with default config
  gatekeeper run

  # Start with custom config
  gatekeeper run --config /etc/gatekeeper/config.yaml

  # Override listen address
  gatekeeper run --listen 0.0.0.0:8880

  # Validate config without starting
  gatekeeper run --dry-run`,
	RunE: runEngine,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting the engine")
}

// swappableAccounts lets a configuration reload replace the account
// assignment table while the resolver keeps a stable AccountStore
// reference.
type swappableAccounts struct {
	inner atomic.Pointer[tier.StaticAccountStore]
}

func (s *swappableAccounts) GetTierForKey(ctx context.Context, keyID string) (tier.Name, error) {
	return s.inner.Load().GetTierForKey(ctx, keyID)
}

func runEngine(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}

	// Apply flag overrides
	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}

	if _, err := logging.Setup(cfg.Telemetry.Logging, nil); err != nil {
		return cli.NewConfigError("telemetry.logging", err.Error())
	}

	if runFlags.dryRun {
		fmt.Println("✓ Configuration valid")
		return nil
	}

	fmt.Printf("Bookwell Gatekeeper v%s\n", Version)
	fmt.Printf("Loading configuration from: %s\n", cfgFile)
	fmt.Println("✓ Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Counter store
	var counters store.CounterStore
	switch cfg.Store.Backend {
	case "redis":
		counters = store.NewRedisStore(store.RedisConfig{
			Addr:      cfg.Store.Addr,
			Password:  cfg.Store.Password,
			DB:        cfg.Store.DB,
			KeyPrefix: cfg.Store.KeyPrefix,
			OpTimeout: cfg.Store.OpTimeout,
		})
	case "memory":
		counters = store.NewMemoryStore()
	default:
		return cli.NewConfigError("store.backend", fmt.Sprintf("unsupported backend: %s", cfg.Store.Backend))
	}
	defer counters.Close()

	if err := counters.Ping(ctx); err != nil {
		slog.Warn("counter store unreachable at startup, admission will fail open", "error", err)
		fmt.Println("! Counter store unreachable (failing open)")
	} else {
		fmt.Printf("✓ Counter store connected (%s)\n", cfg.Store.Backend)
	}

	// Audit sink and retention
	var sink audit.Sink = audit.NopSink{}
	if cfg.Audit.Enabled {
		sqliteSink, err := audit.NewSQLiteSink(&audit.SQLiteConfig{Path: cfg.Audit.Path})
		if err != nil {
			return cli.NewCommandError("run", fmt.Errorf("failed to open audit sink: %w", err))
		}
		defer sqliteSink.Close()
		sink = sqliteSink

		if cfg.Audit.RetentionSchedule != "" {
			scheduler := audit.NewScheduler(sqliteSink, audit.RetentionConfig{
				Schedule: cfg.Audit.RetentionSchedule,
				MaxAge:   cfg.Audit.RetentionMaxAge,
			})
			if err := scheduler.Start(ctx); err != nil {
				slog.Warn("failed to start retention scheduler", "error", err)
			} else {
				defer scheduler.Stop()
			}
		}

		fmt.Println("✓ Audit sink initialized")
	}

	// Tier registry and resolver
	registry, err := config.BuildRegistry(cfg)
	if err != nil {
		return cli.NewConfigError("quota.tiers", err.Error())
	}

	accounts := &swappableAccounts{}
	accounts.inner.Store(config.BuildAccounts(cfg))
	resolver := tier.NewResolver(accounts, tier.ResolverConfig{
		CacheTTL:    cfg.Quota.TierCacheTTL,
		NegativeTTL: cfg.Quota.NegativeCacheTTL,
	})

	// Deferred side-effect writes
	recorder := usage.NewRecorder(cfg.Quota.RecorderQueueSize)
	recorder.Start()
	defer recorder.Stop()

	aggregator := usage.NewAggregator(counters)
	violations := violation.NewLogger(counters, sink)
	metrics := quota.NewMetrics(prometheus.DefaultRegisterer)

	coordinator := quota.NewCoordinator(quota.CoordinatorConfig{
		Registry:          registry,
		Resolver:          resolver,
		Store:             counters,
		Aggregator:        aggregator,
		Violations:        violations,
		Recorder:          recorder,
		Metrics:           metrics,
		ConcurrencyExpiry: cfg.Quota.ConcurrencyExpiry,
	})

	fmt.Println("✓ Admission coordinator initialized")

	// Hot reload of tier rules and account assignments
	watcher, err := config.NewWatcher(cfgFile, func(newCfg *config.Config) {
		reg, err := config.BuildRegistry(newCfg)
		if err != nil {
			slog.Error("reloaded tier rules rejected", "error", err)
			return
		}
		coordinator.SwapRegistry(reg)
		accounts.inner.Store(config.BuildAccounts(newCfg))
		resolver.InvalidateAll()
		slog.Info("tier rules and account assignments applied from reloaded configuration")
	})
	if err != nil {
		slog.Warn("configuration watcher unavailable, hot reload disabled", "error", err)
	} else {
		go watcher.Run(ctx)
	}

	// HTTP surface
	srv := server.New(cfg.Server, coordinator, aggregator, violations, counters, nil)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe(ctx)
	}()

	fmt.Println()
	fmt.Printf("✓ Engine listening on %s\n", cfg.Server.ListenAddress)
	fmt.Printf("✓ Health endpoint: http://%s/healthz\n", cfg.Server.ListenAddress)
	fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", cfg.Server.ListenAddress)
	fmt.Println("\nPress Ctrl+C to stop")

	sigChan := cli.WaitForShutdown()

	select {
	case err := <-errChan:
		if err != nil {
			return cli.NewCommandError("run", err)
		}
		return nil
	case sig := <-sigChan:
		fmt.Printf("\nReceived signal %s, shutting down gracefully...\n", sig)
		cancel()

		if err := <-errChan; err != nil {
			slog.Error("shutdown failed", "error", err)
			return cli.NewCommandError("run", err)
		}

		fmt.Println("✓ Engine stopped")
		return nil
	}
}
