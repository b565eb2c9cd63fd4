package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/selector"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("dispatcher stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		drivers storage.DriverStore
		rides   storage.TripStore
		checks  []func(context.Context) error
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := migrate(ctx, ps.DB(), logger); err != nil {
				return err
			}
		}
		drivers, rides = ps, ps
		checks = append(checks, ps.DB().PingContext)
	} else {
		mem := storage.NewMemoryStore()
		drivers, rides = mem, mem
		logger.Warn("PG_DSN not set, using in-memory storage")
	}
	persist := storage.NewWriteBehind(drivers, rides, cfg.PersistQueueSize, cfg.PersistFlush, logger)

	clk := clock.Real{}
	reg := registry.New(registry.Config{StaleAfter: cfg.DriverStaleAfter, Clock: clk, Journal: persist, Logger: logger})
	if err := restoreDrivers(ctx, reg, drivers, logger); err != nil {
		return err
	}

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		mirror := geo.NewRedisMirror(rc, cfg.RedisGeoKey)
		if events, err := mirror.Load(ctx); err != nil {
			logger.Warn("location mirror unavailable, starting without last positions", "error", err)
		} else {
			logger.Info("locations hydrated from mirror", "applied", reg.Hydrate(events), "mirrored", len(events))
		}
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	}

	ws := dispatch.NewWSRegistry()
	fanout := dispatch.Fanout{ws, dispatch.LogNotifier{Logger: logger}}
	if cfg.PushEndpoint != "" {
		fanout = append(fanout, dispatch.NewPushDispatcher(cfg.PushEndpoint))
	}
	var locations httpapi.LocationSink
	if len(cfg.KafkaBrokers) > 0 {
		events := dispatch.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaOutcomeTopic)
		defer events.Close()
		fanout = append(fanout, events)

		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer producer.Close()
		locations = producer
	}
	if cfg.RabbitMQURL != "" {
		amqp, err := dispatch.DialAMQP(cfg.RabbitMQURL, cfg.RabbitMQExchange)
		if err != nil {
			logger.Warn("rabbitmq unavailable, outcome events will not be published there", "error", err)
		} else {
			defer amqp.Close()
			fanout = append(fanout, amqp)
		}
	}
	notifier := dispatch.NewAsync(fanout, cfg.NotifyQueueSize, cfg.NotifyWorkers, logger)
	notifier.Start()

	var routes eta.Client
	if cfg.OSRMEndpoint != "" {
		routes = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	estimator := eta.NewEstimator(routes, eta.NewCache(cfg.ETACacheTTL, clk), cfg.DefaultSpeedMps, int64(cfg.ETAMaxInflight), logger)

	svc := matcher.NewService(matcher.Deps{
		Registry: reg,
		Selector: selector.New(reg, cfg.DefaultRadiusMeters),
		Notifier: notifier,
		Journal:  persist,
		ETA:      estimator,
		Clock:    clk,
		Logger:   logger,
	}, matcher.Config{
		OfferTimeout:     cfg.OfferTimeout,
		SweepInterval:    cfg.SweepInterval,
		MaxAttempts:      cfg.MaxAttempts,
		RequestTTL:       cfg.RequestTTL,
		ArchiveRetention: cfg.ArchiveRetention,
	})

	// persistence outlives the request path so shutdown outcomes are written
	persistCtx, stopPersist := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		persist.Run(persistCtx)
	}()
	go func() {
		defer wg.Done()
		svc.Run(ctx)
	}()

	if len(cfg.KafkaBrokers) > 0 {
		consumer := ingest.NewLocationConsumer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaGroup, reg, logger)
		defer consumer.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.Run(ctx)
		}()
	}

	api := httpapi.NewServer(httpapi.Options{
		Drivers:   reg,
		Matcher:   svc,
		WSReg:     ws,
		Locations: locations,
		Ready:     readiness(checks),
		Clock:     clk,
		Logger:    logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		stop()
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	svc.Shutdown(shutdownCtx)
	notifier.Close()
	estimator.Wait()
	stopPersist()
	wg.Wait()
	return runErr
}

// restoreDrivers loads durable driver records. Reservations do not survive a
// restart, so drivers persisted as busy come back online.
func restoreDrivers(ctx context.Context, reg *registry.Registry, store storage.DriverStore, logger *slog.Logger) error {
	ds, err := store.LoadDrivers(ctx)
	if err != nil {
		return err
	}
	for _, d := range ds {
		if d.Status == models.DriverBusy {
			d.Status = models.DriverOnline
		}
		if err := reg.Register(d); err != nil {
			logger.Warn("skipping driver record", "driver_id", d.ID, "error", err)
		}
	}
	logger.Info("drivers restored", "count", len(ds))
	return nil
}

func readiness(checks []func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		var errs []error
		for _, check := range checks {
			errs = append(errs, check(ctx))
		}
		return errors.Join(errs...)
	}
}

func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_dispatch.sql"))
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, string(b)); err != nil {
		return err
	}
	logger.Info("migration applied", "file", "001_create_dispatch.sql")
	return nil
}
