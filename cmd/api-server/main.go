package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/hackgods/onsite-therapy-scheduling/internal/api"
	"github.com/hackgods/onsite-therapy-scheduling/internal/appointment"
	"github.com/hackgods/onsite-therapy-scheduling/internal/config"
	"github.com/hackgods/onsite-therapy-scheduling/internal/db"
	"github.com/hackgods/onsite-therapy-scheduling/internal/logging"
	"github.com/hackgods/onsite-therapy-scheduling/internal/metrics"
	"github.com/hackgods/onsite-therapy-scheduling/internal/notify"
	redisclient "github.com/hackgods/onsite-therapy-scheduling/internal/redis"
	"github.com/hackgods/onsite-therapy-scheduling/internal/reminder"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config load error", zap.Error(err))
	}

	logger := logging.New(cfg.Env)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("api-server exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	logger.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("timezone", cfg.Booking.Location.String()),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: cfg.PostgresMaxConns})
	cancelPg()
	if err != nil {
		return err
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	if cfg.AutoMigrate {
		migrator, err := db.NewMigrator(pgPool, logger)
		if err != nil {
			return err
		}
		err = migrator.Up(rootCtx)
		_ = migrator.Close()
		if err != nil {
			return err
		}
	}

	rdb, err := redisclient.NewClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", zap.Error(err))
		}
	}()
	logger.Info("connected to Redis")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	bookingMetrics := metrics.NewBookingMetrics(registry)

	sender, err := notify.NewEmailSender(rootCtx, cfg.Email, logger)
	if err != nil {
		return err
	}
	store := notify.NewPgStore(pgPool)
	dispatcher := notify.NewDispatcher(store, sender, notify.DispatcherOptions{
		Workers:   cfg.NotifyWorkers,
		QueueSize: cfg.NotifyQueueSize,
		Metrics:   bookingMetrics,
		Logger:    logger.Named("notify"),
	})
	dispatcher.Start()

	repo := appointment.NewPgRepository(pgPool)
	locker := redisclient.NewSlotLocker(rdb, cfg.LockTTL)
	svc := appointment.NewService(repo, locker, cfg.Booking,
		appointment.WithNotifier(dispatcher),
		appointment.WithMetrics(bookingMetrics),
		appointment.WithLogger(logger.Named("booking")),
	)

	sweeper := reminder.NewSweeper(repo, redisclient.NewReminderLedger(rdb), dispatcher, reminder.Options{
		Location: cfg.Booking.Location,
		Metrics:  bookingMetrics,
		Logger:   logger.Named("reminder"),
	})

	health := api.NewHealthHandler(
		pgPool.Ping,
		func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		cfg.Env, version,
	)

	srv := &http.Server{
		Addr: net.JoinHostPort("", cfg.HTTPPort),
		Handler: api.NewRouter(api.RouterConfig{
			Service:   svc,
			Inbox:     store,
			Reminders: sweeper,
			Health:    health,
			Gatherer:  registry,
			JWTSecret: cfg.JWTSecret,
			Logger:    logger.Named("http"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	// HTTP drains first so post-commit notifications are queued before the dispatcher closes.
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Warn("notification queue not drained", zap.Error(err))
	}

	logger.Info("api-server stopped")
	return nil
}
