package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"jobdispatch/internal/api"
	"jobdispatch/internal/bus"
	"jobdispatch/internal/config"
	"jobdispatch/internal/dispatch"
	"jobdispatch/internal/logging"
	"jobdispatch/internal/monitor"
	"jobdispatch/internal/queue"
	"jobdispatch/internal/registry"
	"jobdispatch/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("dispatchd")
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found")
	}

	configPath := flag.String("config", os.Getenv("DISPATCH_CONFIG_PATH"), "path to YAML config (defaults built in)")
	addr := flag.String("addr", "", "HTTP bind address, overrides server.addr")
	dbPath := flag.String("db", "", "SQLite DB path, switches storage to sqlite")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Storage = config.StorageConfig{Type: config.StorageSQLite, Path: *dbPath}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := logging.Setup(cfg.Logging); err != nil {
		return err
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := registry.NewMemoryRegistry(nil)
	exec := scheduler.NewExecutor(cfg.Scheduler.ShutdownWait)

	client := dispatch.NewClient(dispatchOptions(cfg.Dispatch))
	svc := scheduler.NewService(store, reg, client, exec, scheduler.Config{
		PollInterval: cfg.Scheduler.PollInterval,
		MaxRetries:   cfg.Scheduler.Retries(),
		PoolSize:     cfg.Scheduler.PoolSize,
	}, nil)
	mon := monitor.New(reg, exec, monitor.Config{
		HeartbeatTimeout: cfg.Liveness.HeartbeatTimeout,
		SweepInterval:    cfg.Liveness.SweepInterval,
	})

	if cfg.NATS.URL != "" {
		nc, err := bus.Connect(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer nc.Close()
		if _, err := bus.NewWorkerEvents(reg).Subscribe(nc, cfg.NATS.RegisterSubject, cfg.NATS.HeartbeatSubject); err != nil {
			return err
		}
	}

	var stats api.StatsSource
	if cfg.Scheduler.IsEnabled() {
		svc.Start()
		stats = svc
	} else {
		log.Warn().Msg("scheduler disabled, jobs will stay pending")
	}
	mon.Start()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewServerWithDebug(store, reg, stats, cfg.Server.Debug),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Str("storage", cfg.Storage.Type).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		svc.Stop()
		mon.Stop()
		if !exec.Shutdown() {
			log.Warn().Msg("in-flight dispatch cycle was cancelled")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg config.StorageConfig) (queue.JobStore, error) {
	if cfg.Type != config.StorageSQLite {
		return queue.NewMemoryStore(nil), nil
	}
	db, err := queue.OpenSQLite(cfg.Path)
	if err != nil {
		return nil, err
	}
	return queue.NewSQLiteStore(db, nil), nil
}

func dispatchOptions(cfg config.DispatchConfig) dispatch.Options {
	opts := dispatch.Options{
		AttemptTimeout: cfg.AttemptTimeout,
		MaxAttempts:    cfg.MaxAttempts,
		Backoff:        dispatch.Backoff{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax},
		EndpointPath:   cfg.EndpointPath,
	}
	if cfg.RateLimit > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	return opts
}
