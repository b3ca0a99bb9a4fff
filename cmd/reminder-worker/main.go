package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"

	"github.com/hackgods/onsite-therapy-scheduling/internal/appointment"
	"github.com/hackgods/onsite-therapy-scheduling/internal/config"
	"github.com/hackgods/onsite-therapy-scheduling/internal/db"
	"github.com/hackgods/onsite-therapy-scheduling/internal/logging"
	"github.com/hackgods/onsite-therapy-scheduling/internal/notify"
	redisclient "github.com/hackgods/onsite-therapy-scheduling/internal/redis"
	"github.com/hackgods/onsite-therapy-scheduling/internal/reminder"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config load error", zap.Error(err))
	}

	logger := logging.New(cfg.Env).Named("reminder-worker")
	defer func() { _ = logger.Sync() }()

	logger.Info("reminder worker starting",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
		zap.String("timezone", cfg.Booking.Location.String()),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 4})
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()

	rdb, err := redisclient.NewClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		PoolSize: 2,
	})
	if err != nil {
		logger.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", zap.Error(err))
		}
	}()

	sender, err := notify.NewEmailSender(rootCtx, cfg.Email, logger)
	if err != nil {
		logger.Fatal("email sender", zap.Error(err))
	}
	dispatcher := notify.NewDispatcher(notify.NewPgStore(pgPool), sender, notify.DispatcherOptions{
		Workers:   cfg.NotifyWorkers,
		QueueSize: cfg.NotifyQueueSize,
		Logger:    logger,
	})
	dispatcher.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := dispatcher.Stop(ctx); err != nil {
			logger.Warn("notification queue not drained", zap.Error(err))
		}
	}()

	sweeper := reminder.NewSweeper(
		appointment.NewPgRepository(pgPool),
		redisclient.NewReminderLedger(rdb),
		dispatcher,
		reminder.Options{Location: cfg.Booking.Location, Logger: logger},
	)

	// Run once at startup
	runOnce(rootCtx, sweeper, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping reminder worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, sweeper, logger)
		}
	}
}

func runOnce(ctx context.Context, sweeper *reminder.Sweeper, logger *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	start := time.Now()
	if _, err := sweeper.Sweep(runCtx); err != nil {
		logger.Error("reminder sweep failed", zap.Error(err))
		return
	}
	logger.Debug("reminder sweep complete", zap.Duration("took", time.Since(start)))
}
