package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lanterncore/lantern/internal/db"
	"github.com/lanterncore/lantern/internal/events"
	"github.com/lanterncore/lantern/internal/executors"
	"github.com/lanterncore/lantern/internal/identity"
	"github.com/lanterncore/lantern/internal/jobqueue"
	"github.com/lanterncore/lantern/internal/metrics"
	"github.com/lanterncore/lantern/internal/netclock"
	"github.com/lanterncore/lantern/internal/onion"
	"github.com/lanterncore/lantern/internal/pathbuilder"
	"github.com/lanterncore/lantern/internal/poller"
	"github.com/lanterncore/lantern/internal/repositories"
	"github.com/lanterncore/lantern/internal/snodepool"
	"github.com/lanterncore/lantern/internal/storagerpc"
	"github.com/lanterncore/lantern/internal/swarmresolver"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr  string
	dbDriver  string
	dbDSN     string
	secretKey string
	logLevel  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "lanternd",
		Short: "Lantern daemon — local client core for a decentralized, anonymity-preserving messenger",
		Long: `lanternd runs the client core's background machinery: the service node
pool, per-recipient swarm resolution, onion path maintenance, the storage
RPC client, and the job runner that drives polling and path upkeep on a
recurring schedule. It exposes a Prometheus scrape endpoint and a
websocket event feed for local tooling to observe, but has no UI of its
own.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("LANTERN_HTTP_ADDR", ":8787"), "Address for the metrics and events HTTP endpoints")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("LANTERN_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("LANTERN_DB_DSN", "./lantern.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("LANTERN_SECRET_KEY", ""), "Master secret key for encrypting the local identity and credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("LANTERN_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lanternd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or LANTERN_SECRET_KEY")
	}

	logger.Info("starting lanternd",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Encryption ---
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- Repositories ---
	settingsRepo := repositories.NewSettingsRepository(gormDB)
	snodeRepo := repositories.NewSnodePoolRepository(gormDB)
	swarmRepo := repositories.NewSwarmRepository(gormDB)
	pathRepo := repositories.NewPathRepository(gormDB)
	jobRepo := repositories.NewJobRepository(gormDB)
	networkRepo := repositories.NewNetworkStateRepository(gormDB)

	// --- Identity ---
	keyPair, err := identity.LoadOrGenerate(ctx, settingsRepo)
	if err != nil {
		return fmt.Errorf("failed to load local identity: %w", err)
	}

	clockOffset, err := netclock.Load(ctx, networkRepo)
	if err != nil {
		return fmt.Errorf("failed to load clock offset: %w", err)
	}

	// --- Metrics and events ---
	metricsRegistry := metrics.New(prometheus.DefaultRegisterer)
	hub := events.NewHub()
	go hub.Run(ctx)

	// --- Service node pool, swarm resolver, path builder ---
	pool, err := snodepool.New(ctx, snodeRepo, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize service node pool: %w", err)
	}
	pool.SetSizeGauge(metricsRegistry.PoolSize)
	pool.SetChangeNotifier(hub)

	swarms := swarmresolver.New(pool, swarmRepo, logger)
	swarms.SetCacheCounters(metricsRegistry.SwarmCacheHits, metricsRegistry.SwarmCacheMisses)
	swarms.SetChangeNotifier(hub)

	paths, err := pathbuilder.New(ctx, pool, pathRepo, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize path builder: %w", err)
	}
	paths.SetRebuildCounter(metricsRegistry.PathRebuildTotal)
	paths.SetChangeNotifier(hub)

	// --- Onion transport and storage RPC client ---
	transport := onion.New(paths, pool, clockOffset, logger)
	storageClient := storagerpc.New(keyPair, transport, clockOffset.Get, logger)
	storageClient.SetDurationObserver(metricsRegistry)
	poll := poller.New(storageClient, logger)

	// --- Job runner ---
	registry := jobqueue.NewRegistry()
	registry.Register(executors.VariantPoll, executors.NewPollExecutor(poll, swarms, keyPair, executors.NewDefaultNamespaces(), logger))
	registry.Register(executors.VariantPathRebuild, executors.NewPathRebuildExecutor(paths, logger))

	runner, err := jobqueue.New(jobRepo, registry, logger)
	if err != nil {
		return fmt.Errorf("failed to create job runner: %w", err)
	}
	runner.SetEventPublisher(hub)
	runner.SetDepthReporter(metricsRegistry)

	if err := seedRecurringJobs(ctx, jobRepo); err != nil {
		return fmt.Errorf("failed to seed recurring jobs: %w", err)
	}
	if err := runner.AppDidFinishLaunching(ctx); err != nil {
		return fmt.Errorf("failed to start job runner: %w", err)
	}
	defer func() {
		if err := runner.Shutdown(); err != nil {
			logger.Warn("job runner shutdown error", zap.Error(err))
		}
	}()

	// --- HTTP server (metrics + events) ---
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/events", events.NewHandler(hub, logger))

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down lanternd")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("lanternd stopped")
	return nil
}

// seedRecurringJobs inserts the poll and path-rebuild jobs on first run.
// Idempotent across restarts: a job row, once created, persists its own
// next_run_timestamp and is never re-seeded.
func seedRecurringJobs(ctx context.Context, jobRepo repositories.JobRepository) error {
	seeds := []string{executors.VariantPoll, executors.VariantPathRebuild}
	for _, variant := range seeds {
		exists, err := jobRepo.ExistsForVariant(ctx, variant)
		if err != nil {
			return fmt.Errorf("check existing %s job: %w", variant, err)
		}
		if exists {
			continue
		}
		job := &db.Job{
			Variant:          variant,
			Behavior:         string(jobqueue.BehaviorRecurring),
			NextRunTimestamp: 0,
		}
		if _, err := jobRepo.Create(ctx, job); err != nil {
			return fmt.Errorf("seed %s job: %w", variant, err)
		}
	}
	return nil
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
