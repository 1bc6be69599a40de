package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"agrosync/internal/alerts"
	"agrosync/internal/api"
	"agrosync/internal/config"
	"agrosync/internal/connectivity"
	"agrosync/internal/events"
	"agrosync/internal/executor"
	"agrosync/internal/logging"
	"agrosync/internal/metrics"
	"agrosync/internal/queue"

	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}
	logger := baseLogger.With().Str("component", "main").Logger()

	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, storeCloser, err := buildStore(cfg, baseLogger)
	if err != nil {
		return err
	}
	if storeCloser != nil {
		defer (func(c io.Closer) { _ = c.Close() })(storeCloser)
	}

	remote := executor.NewHTTPExecutor(cfg.Remote, baseLogger)
	var resolver executor.Resolver = executor.StaticResolver{}
	var prober connectivity.Prober
	if remote != nil {
		resolver = executor.StaticResolver{Exec: remote}
		prober = remote
	} else {
		logger.Warn().Msg("no remote configured, queued operations will wait")
	}

	hub := events.NewHub()

	var coordinator *queue.Coordinator
	monitor := connectivity.NewMonitor(prober, cfg.Connectivity.ProbeInterval, func() {
		coordinator.ProcessQueue(context.Background())
	}, baseLogger)

	coordinator = queue.NewCoordinator(store, resolver, hub, monitor.Online, queue.Options{
		MaxRetries: cfg.Queue.MaxRetries,
		RetryDelay: cfg.Queue.RetryDelay,
	}, baseLogger)

	if cfg.Alerts.TelegramToken != "" {
		sender, err := alerts.NewTelegramSender(cfg.Alerts)
		if err != nil {
			logger.Error().Err(err).Msg("telegram alerts disabled")
		} else {
			notifier := alerts.NewNotifier(coordinator, sender, baseLogger)
			unsubscribe := notifier.Attach(hub)
			defer unsubscribe()
		}
	}

	go monitor.Start(ctx)

	if cfg.API.Enabled {
		apiServer := api.NewHTTPServer(cfg.API, cfg.Monitoring, coordinator, monitor.Online, baseLogger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error().Err(err).Msg("admin API error")
			}
		}()
		defer func() {
			_ = apiServer.Shutdown(context.Background())
		}()
	}

	// Kick an initial pass for anything left over from the previous run.
	go coordinator.ProcessQueue(ctx)

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return nil
}

func buildStore(cfg *config.Config, logger *zerolog.Logger) (queue.Store, io.Closer, error) {
	switch cfg.Queue.Store {
	case "redis":
		client := queue.NewRedisClient(cfg.Queue.Redis)
		return queue.NewRedisStore(client, cfg.Queue.Redis.Key, logger), client, nil
	case "memory":
		return queue.NewMemoryStore(), nil, nil
	default:
		store, err := queue.NewSQLiteStore(cfg.Queue.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	}
}
