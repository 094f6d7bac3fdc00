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

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/stockcount/internal/app"
	"github.com/odyssey-erp/stockcount/internal/cyclecount"
	"github.com/odyssey-erp/stockcount/internal/ledger"
	"github.com/odyssey-erp/stockcount/internal/observability"
	"github.com/odyssey-erp/stockcount/internal/platform/cache"
	"github.com/odyssey-erp/stockcount/internal/platform/db"
	"github.com/odyssey-erp/stockcount/internal/shared"
	"github.com/odyssey-erp/stockcount/jobs"
)

const (
	shutdownTimeout = 10 * time.Second
	auditTimeout    = 2 * time.Second
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
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

	var pool *pgxpool.Pool
	if cfg.UsesPostgres() {
		pool, err = db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: cfg.PGMaxConns})
		if err != nil {
			logger.Error("connect database", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and async audit disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	var (
		jobClient *jobs.Client
		inspector *asynq.Inspector
	)
	if redisClient != nil {
		jobClient, err = jobs.NewClient(cache.QueueOpt(redisClient))
		if err != nil {
			logger.Error("init job client", slog.Any("error", err))
			os.Exit(1)
		}
		defer jobClient.Close()
		inspector = asynq.NewInspector(cache.QueueOpt(redisClient))
		defer inspector.Close()
	}

	audit := auditSink(cfg, pool, jobClient, logger)
	metrics := observability.NewMetrics()

	var ledgerRepo ledger.RepositoryPort = ledger.NewMemoryRepository()
	var ccStore cyclecount.Store = cyclecount.NewMemoryStore()
	var approvals cyclecount.ApprovalPort
	if pool != nil {
		ledgerRepo = ledger.NewRepository(pool)
		ccStore = cyclecount.NewRepository(pool)
		approvals = shared.NewApprovalRecorder(pool, logger)
	}

	ledgerService := ledger.NewService(ledgerRepo, audit, ledger.ServiceConfig{
		AllowNegativeStock: cfg.LedgerAllowNegativeStock,
	})
	cycleCountService := cyclecount.NewService(ccStore, ledgerService, ledgerService, audit, cyclecount.ServiceConfig{
		Approvals: approvals,
		Metrics:   metrics,
		Logger:    logger,
	})

	var idem ledger.IdempotencyPort
	if redisClient != nil {
		idem = shared.NewIdempotencyStore(redisClient, cfg.IdempotencyTTL)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		Metrics:           metrics,
		CycleCountHandler: cyclecount.NewHandler(logger, cycleCountService),
		LedgerHandler:     ledger.NewHandler(logger, ledgerService, idem),
		JobHandler:        jobs.NewHandler(inspector, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server",
			slog.String("addr", cfg.AppAddr),
			slog.String("store_driver", cfg.StoreDriver),
			slog.Bool("audit_async", jobClient != nil && cfg.AuditAsync),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down server")
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

// auditSink picks the queue when async audit is enabled and Redis is up,
// then the database, then the log.
func auditSink(cfg *app.Config, pool *pgxpool.Pool, client *jobs.Client, logger *slog.Logger) cyclecount.AuditPort {
	switch {
	case cfg.AuditAsync && client != nil:
		return jobs.NewAuditEmitter(client, logger)
	case pool != nil:
		return shared.NewBoundedAuditSink(shared.NewAuditLogger(pool), auditTimeout, logger)
	default:
		return shared.NewSlogAuditSink(logger)
	}
}
