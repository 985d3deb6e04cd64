package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"jobdispatch/internal/agent"
	"jobdispatch/internal/bus"
	"jobdispatch/internal/config"
	"jobdispatch/internal/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("worker")
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found")
	}

	configPath := flag.String("config", os.Getenv("DISPATCH_CONFIG_PATH"), "path to YAML config (defaults built in)")
	id := flag.String("id", "", "worker id, overrides agent.id")
	listen := flag.String("listen", "", "execute-job listen address, overrides agent.listen_addr")
	advertise := flag.String("advertise", "", "address the dispatcher pushes jobs to, overrides agent.advertise_addr")
	dispatcherURL := flag.String("dispatcher", "", "dispatcher base URL, overrides agent.dispatcher_url")
	caps := flag.String("capabilities", "", "comma separated job types, overrides agent.capabilities")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	ac := &cfg.Agent
	override(&ac.ID, *id)
	override(&ac.ListenAddr, *listen)
	override(&ac.AdvertiseAddr, *advertise)
	override(&ac.DispatcherURL, *dispatcherURL)
	if *caps != "" {
		ac.Capabilities = strings.Split(*caps, ",")
	}
	if ac.ID == "" {
		ac.ID = "worker-" + uuid.NewString()[:8]
	}
	if ac.AdvertiseAddr == "" {
		host, _ := os.Hostname()
		ac.AdvertiseAddr = host + ac.ListenAddr
	}
	if len(ac.Capabilities) == 0 {
		ac.Capabilities = []string{"shell", "http"}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := logging.Setup(cfg.Logging); err != nil {
		return err
	}

	var pub agent.Publisher
	if cfg.NATS.URL != "" {
		nc, err := bus.Connect(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer nc.Close()
		pub = nc
	}

	a := agent.New(agent.Config{
		ID:                ac.ID,
		AdvertiseAddr:     ac.AdvertiseAddr,
		DispatcherURL:     ac.DispatcherURL,
		Capabilities:      ac.Capabilities,
		HeartbeatInterval: ac.HeartbeatInterval,
		RegisterSubject:   cfg.NATS.RegisterSubject,
		HeartbeatSubject:  cfg.NATS.HeartbeatSubject,
	}, pub, nil)

	pool := agent.NewPool(ac.Concurrency)
	srv := &http.Server{
		Addr:         ac.ListenAddr,
		Handler:      agent.NewServer(pool, agent.DefaultHandlers(), ac.JobTimeout),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("worker_id", ac.ID).Str("addr", ac.ListenAddr).Strs("capabilities", ac.Capabilities).Msg("worker starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if perr := pool.Shutdown(shutdownCtx); perr != nil {
			log.Warn().Err(perr).Msg("running jobs were cancelled")
		}
		return err
	})
	return g.Wait()
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
