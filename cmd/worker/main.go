package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/stockcount/internal/app"
	"github.com/odyssey-erp/stockcount/internal/cyclecount"
	jobmetrics "github.com/odyssey-erp/stockcount/internal/jobs"
	"github.com/odyssey-erp/stockcount/internal/platform/cache"
	"github.com/odyssey-erp/stockcount/internal/platform/db"
	"github.com/odyssey-erp/stockcount/internal/shared"
	"github.com/odyssey-erp/stockcount/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if !cfg.UsesPostgres() {
		logger.Error("worker requires STORE_DRIVER=postgres", slog.String("store_driver", cfg.StoreDriver))
		os.Exit(1)
	}
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	handlers, cron, err := buildJobs(cfg, pool, redisClient, logger)
	if err != nil {
		logger.Error("build jobs", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: cache.QueueOpt(redisClient),
		Logger:    logger,
		Handlers:  handlers,
		Cron:      cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func buildJobs(cfg *app.Config, pool *pgxpool.Pool, redisClient *redis.Client, logger *slog.Logger) ([]jobs.TaskHandler, []jobs.CronRegistration, error) {
	auditLogger := shared.NewAuditLogger(pool)
	auditHandler := jobs.NewAuditRecordHandler(auditLogger, logger)

	lock, err := shared.NewRedisLock(redisClient, shared.JobLockKey(jobs.TaskStuckPostScan), cfg.StuckPostThreshold)
	if err != nil {
		return nil, nil, err
	}
	scanJob := jobs.NewStuckPostScanJob(
		cyclecount.NewRepository(pool),
		auditLogger,
		lock,
		cfg.StuckPostThreshold,
		logger,
		jobmetrics.NewMetrics(nil),
	)
	scanTask, err := jobs.NewStuckPostScanTask(jobs.StuckPostScanPayload{})
	if err != nil {
		return nil, nil, err
	}

	handlers := []jobs.TaskHandler{
		{Type: jobs.TaskAuditRecord, Handler: auditHandler.Handle},
		{Type: jobs.TaskStuckPostScan, Handler: scanJob.Handle},
	}
	cron := []jobs.CronRegistration{
		{Spec: cfg.StuckPostScanCron, Task: scanTask, Options: []asynq.Option{asynq.Queue(jobs.QueueDefault)}},
	}
	return handlers, cron, nil
}
