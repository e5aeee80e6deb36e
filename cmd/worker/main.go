package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/lotledger/lotledger/internal/app"
	"github.com/lotledger/lotledger/internal/catalog"
	"github.com/lotledger/lotledger/internal/ledger"
	"github.com/lotledger/lotledger/internal/outbox"
	"github.com/lotledger/lotledger/internal/platform/db"
	"github.com/lotledger/lotledger/internal/shared"
	"github.com/lotledger/lotledger/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	catalogRepo := catalog.NewRepository(pool)
	catalogService := catalog.NewService(catalogRepo, nil)

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, catalogService, auditLogger, idempotencyStore, nil, ledger.ServiceConfig{
		Ordering:  ledger.OrderingPolicy(cfg.OrderingPolicy),
		Shortfall: ledger.ShortfallPolicy(cfg.ShortfallPolicy),
	})

	outboxRepo := outbox.NewRepository(pool)
	salesClient := outbox.NewSalesClient(cfg.SalesPushURL, cfg.SalesPushKey)
	dispatcher := outbox.NewDispatcher(outboxRepo, salesClient, logger, outbox.DispatcherConfig{
		BatchSize:      cfg.OutboxBatchSize,
		InitialBackoff: cfg.OutboxInitialBackoff,
		MaxBackoff:     cfg.OutboxMaxBackoff,
		MaxAttempts:    cfg.OutboxMaxAttempts,
	})

	handlers := jobs.LedgerHandlers{
		Logger:      logger,
		Dispatcher:  dispatcher,
		Ledger:      ledgerService,
		Idempotency: idempotencyStore,
	}

	replayTask, err := jobs.NewPendingReplayTask(time.Now().UTC())
	if err != nil {
		logger.Error("build replay task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(time.Now().UTC())
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers:  handlers.Handlers(),
		Cron: []jobs.CronRegistration{
			{Spec: "*/5 * * * *", Task: replayTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "45 3 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return worker.Run(groupCtx)
	})
	group.Go(func() error {
		return dispatcher.Run(groupCtx, cfg.OutboxInterval)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
