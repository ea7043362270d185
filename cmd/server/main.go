/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the commission lifecycle engine.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (YAML file, then environment, then flags)
  2. Initialize tracing (no-op unless JAEGER_ENDPOINT is set)
  3. Open the store (SQLite by default, Postgres with DB_DRIVER=postgres)
  4. Load the hold period policy
  5. Wire the engine, processor, scheduler, and event pipeline
  6. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (default: config.yaml, optional)
  -port    HTTP server port, overrides config
  -db      SQLite database path, overrides config
           Use ":memory:" for in-memory database
  -seed    Load the pipeline demo scenario on startup

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler and the event worker
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Flush traces, close Kafka and the database

EXAMPLES:
  # Run with file database
  ./server -db="./data/commissions.db"

  # Run with demo data in memory
  ./server -db=":memory:" -seed

  # Run against Postgres, Redis, and Kafka
  DB_DRIVER=postgres DB_URL=postgres://... REDIS_URL=redis://localhost:6379 \
  KAFKA_BROKERS=localhost:9092 ./server

SEE ALSO:
  - config/config.go: All settings and their environment variables
  - api/server.go: Router configuration
  - commission/processor.go: The sweeps the scheduler runs
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/config"
	"github.com/warp/commission-engine/events"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/lock"
	"github.com/warp/commission-engine/store/postgres"
	"github.com/warp/commission-engine/store/sqlite"
	"github.com/warp/commission-engine/tracing"
)

// recentEvents bounds the in-memory sink behind GET /api/events.
const recentEvents = 500

func main() {
	configPath := flag.String("config", "config.yaml", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	seed := flag.Bool("seed", false, "Load the pipeline demo scenario on startup")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.HTTPPort = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *seed {
		cfg.SeedDemoData = true
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	shutdownTracing, err := tracing.Init(tracing.Config{
		Enabled:     cfg.JaegerEndpoint != "",
		Endpoint:    cfg.JaegerEndpoint,
		ServiceName: cfg.ServiceName,
		Environment: os.Getenv("ENVIRONMENT"),
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	// Store
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Policy
	defaultDays, err := loadPolicy(ctx, cfg, store, logger)
	if err != nil {
		return err
	}

	// Events
	recent := events.NewMemorySink(recentEvents)
	sinks := commission.MultiSink{commission.LogSink{Logger: logger}, recent}
	if cfg.KafkaEnabled() {
		publisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.TopicLifecycle)
		if err != nil {
			return fmt.Errorf("init kafka publisher: %w", err)
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}

	// Engine, processor, scheduler
	engine := commission.NewEngine(store,
		commission.WithEventSink(sinks),
		commission.WithLogger(logger),
		commission.WithDefaultHoldPeriod(defaultDays),
	)
	locker, closeLocker, err := openLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()
	processor := commission.NewProcessor(engine,
		commission.WithBatchSize(cfg.BatchSize),
		commission.WithLocker(locker),
		commission.WithLockKey(commission.DefaultLockKey, cfg.LockTTL),
	)
	scheduler := api.NewLifecycleScheduler(processor, cfg.SchedulerInterval, logger)

	handler := api.NewHandler(store, engine, scheduler)
	handler.Events = recent
	handler.DefaultHoldDays = defaultDays

	if cfg.SeedDemoData {
		if err := handler.SeedScenario(ctx, "pipeline"); err != nil {
			logger.Warn("failed to seed demo data", "error", err)
		} else {
			logger.Info("demo scenario loaded", "scenario", "pipeline")
		}
	}

	// Booking events from upstream services
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	var consumer events.Consumer = events.NoopConsumer{}
	if cfg.KafkaEnabled() {
		kc, err := events.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaConsumerGroup,
			[]string{cfg.TopicBookingCancelled, cfg.TopicPaymentRefunded})
		if err != nil {
			return fmt.Errorf("init kafka consumer: %w", err)
		}
		defer kc.Close()
		consumer = kc
	}
	worker := events.NewWorker(logger.With("component", "events.worker"), consumer, events.NewDispatcher(engine), cfg.ConsumerPollInterval)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := worker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("event worker stopped", "error", err)
		}
	}()

	scheduler.Start()
	defer scheduler.Stop()

	// HTTP
	router := api.NewRouter(handler, api.RouterOptions{ServiceName: cfg.ServiceName})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.HTTPPort, "db_driver", cfg.DBDriver,
			"kafka", cfg.KafkaEnabled(), "redis", cfg.RedisURL != "", "scheduler_interval", cfg.SchedulerInterval.String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("shutting down server")
	scheduler.Stop()
	stopWorker()
	<-workerDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (api.AdminStore, func(), error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := postgres.New(db)
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return store, func() { store.Close() }, nil
	default:
		store, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.DBPath, err)
		}
		logger.Info("sqlite store opened", "path", cfg.DBPath)
		return store, func() { store.Close() }, nil
	}
}

// loadPolicy installs the hold period table. A policy file always replaces
// the stored table; without one, the built-in policy is loaded only into an
// empty table. It returns the default hold period to resolve with.
func loadPolicy(ctx context.Context, cfg config.Config, store api.AdminStore, logger *slog.Logger) (int, error) {
	pf := factory.NewPolicyFactory()
	pf.DefaultDays = cfg.DefaultHoldDays

	if cfg.PolicyFile != "" {
		raw, err := os.ReadFile(cfg.PolicyFile)
		if err != nil {
			return 0, fmt.Errorf("read hold policy file: %w", err)
		}
		configs, days, err := pf.ParsePolicy(string(raw))
		if err != nil {
			return 0, fmt.Errorf("parse hold policy file: %w", err)
		}
		if err := store.ReplaceHoldPeriodConfigs(ctx, configs); err != nil {
			return 0, fmt.Errorf("save hold policy: %w", err)
		}
		logger.Info("hold period policy loaded", "file", cfg.PolicyFile, "rows", len(configs), "default_days", days)
		return days, nil
	}

	existing, err := store.HoldPeriodConfigs(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("load hold policy: %w", err)
	}
	if len(existing) > 0 {
		return cfg.DefaultHoldDays, nil
	}
	configs, _, err := pf.ParsePolicy(factory.DefaultPolicyJSON())
	if err != nil {
		return 0, err
	}
	if err := store.ReplaceHoldPeriodConfigs(ctx, configs); err != nil {
		return 0, fmt.Errorf("save default hold policy: %w", err)
	}
	logger.Info("default hold period policy installed", "rows", len(configs))
	return cfg.DefaultHoldDays, nil
}

func openLocker(ctx context.Context, cfg config.Config, logger *slog.Logger) (lock.Locker, func(), error) {
	if cfg.RedisURL == "" {
		return lock.NewLocal(), func() {}, nil
	}
	client, err := lock.Connect(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis sweep lock enabled")
	return lock.NewRedis(client), func() { client.Close() }, nil
}
