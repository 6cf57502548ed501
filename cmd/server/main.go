package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/assignment"
	"github.com/example/ride-dispatch/internal/bidding"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/fraud"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/zone"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rules := config.DefaultRules()
	if cfg.RulesFile != "" {
		r, err := config.LoadRules(cfg.RulesFile)
		if err != nil {
			return err
		}
		rules = r
		logger.Info("dispatch rules loaded", "path", cfg.RulesFile, "zones", len(rules.Zones))
	}

	var checks []func(context.Context) error
	var closers []func() error

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("schema migrated")
		}
		store = ps
		checks = append(checks, ps.Ping)
		closers = append(closers, ps.Close)
	} else {
		logger.Warn("PG_DSN not set, using in-memory storage")
		store = storage.NewMemoryStore()
	}

	var drivers geo.Store
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		drivers = geo.NewRedisStore(rc, cfg.RedisGeoKey)
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		closers = append(closers, rc.Close)
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process driver index")
		drivers = geo.NewIndex()
	}

	bus := events.NewBus(logger)
	publishers := events.Multi{bus}
	var locations ingest.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		sink := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaEventsTopic, logger)
		publishers = append(publishers, sink)
		closers = append(closers, sink.Close)
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		locations = producer
		closers = append(closers, producer.Close)
	}

	ws := notify.NewWSRegistry()
	channels := notify.Fallback{ws}
	if cfg.FCMEndpoint != "" {
		channels = append(channels, notify.NewFCMNotifier(cfg.FCMEndpoint, cfg.FCMKey))
	}
	notifier := notify.NewBestEffort(channels, logger)

	alerters := []notify.Alerter{notify.LogAlerter{Logger: logger}}
	if cfg.AlertEmailFrom != "" && cfg.AlertEmailTo != "" {
		ses, err := notify.NewSESAlerter(ctx, cfg.AWSRegion, cfg.AlertEmailFrom, cfg.AlertEmailTo)
		if err != nil {
			return err
		}
		alerters = append(alerters, ses)
	}
	alerter := notify.NewMultiAlerter(logger, alerters...)

	var wallet payments.Wallet
	if cfg.StripeAPIKey != "" {
		wallet = payments.NewStripeWallet(cfg.StripeAPIKey, cfg.StripeCurrency)
	} else {
		logger.Warn("STRIPE_API_KEY not set, using in-memory wallet")
		wallet = payments.NewMemoryWallet()
	}

	var routing eta.Client
	if cfg.OSRMEndpoint != "" {
		routing = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	estimator := eta.NewEstimator(routing, eta.NewCache(time.Minute), cfg.DefaultSpeedMps, logger)

	locator := matcher.NewLocator(drivers, rules, cfg.Dispatch.Freshness, logger)
	coordinator := assignment.NewCoordinator(cfg.Dispatch.ResponseTimeout, assignment.Deps{
		Store:    store,
		Geo:      drivers,
		Ranker:   matcher.NewService(locator, rules.Scoring),
		Notifier: notifier,
		Events:   publishers,
		ETA:      estimator,
		Logger:   logger,
	})
	arena := bidding.NewArena(cfg.Dispatch.BiddingWindow, bidding.Deps{
		Store:      store,
		Geo:        drivers,
		Locator:    locator,
		Dispatcher: coordinator,
		Notifier:   notifier,
		Events:     publishers,
		Logger:     logger,
	})
	detector := fraud.NewDetector(cfg.Fraud, fraud.Deps{
		Store:    store,
		Geo:      drivers,
		Wallet:   wallet,
		Releaser: coordinator,
		Notifier: notifier,
		Alerter:  alerter,
		Events:   publishers,
		Logger:   logger,
	})
	prices := pricing.NewService(rules, zone.NewService(rules.Zones), store, logger)

	// sessions and bidding timers live in this process; pick up what a previous run left behind
	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 30*time.Second)
	if _, err := coordinator.Recover(recoverCtx); err != nil {
		logger.Error("recover dispatching requests", "err", err)
	}
	if n, err := arena.Recover(recoverCtx); err != nil {
		logger.Error("recover bidding requests", "err", err)
	} else if n > 0 {
		logger.Info("bidding deadlines re-armed", "count", n)
	}
	cancelRecover()

	srv := httpapi.NewServer(httpapi.Deps{
		Engine:      engine.New(prices, store, coordinator, arena, detector, publishers, logger),
		Pricing:     prices,
		Store:       store,
		Coordinator: coordinator,
		Arena:       arena,
		Ingest:      ingest.NewService(drivers, locations, publishers, logger),
		WS:          ws,
		Bus:         bus,
		Ready: func(ctx context.Context) error {
			var errs []error
			for _, check := range checks {
				errs = append(errs, check(ctx))
			}
			return errors.Join(errs...)
		},
		Logger: logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	arena.Close()
	coordinator.Close()
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Warn("close", "err", err)
		}
	}
	return nil
}
