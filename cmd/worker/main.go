package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fiscalia-erp/fiscalia/internal/app"
	"github.com/fiscalia-erp/fiscalia/internal/fiscal"
	"github.com/fiscalia-erp/fiscalia/internal/fiscal/wsfe"
	"github.com/fiscalia-erp/fiscalia/internal/observability"
	"github.com/fiscalia-erp/fiscalia/internal/platform/cache"
	"github.com/fiscalia-erp/fiscalia/internal/platform/db"
	"github.com/fiscalia-erp/fiscalia/internal/taxpayer"
	"github.com/fiscalia-erp/fiscalia/jobs"
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

	metrics := observability.NewMetrics()

	taxpayerRepo := taxpayer.NewRepository(pool)
	authority := wsfe.NewClient(cfg.AuthorityBaseURL, cfg.AuthorityTimeout, logger)
	ledger := fiscal.NewPGLedger(pool)
	pending := fiscal.NewPGPending(pool)
	lease := fiscal.NewSequenceLease(redisClient, cfg.SequenceLeaseTTL)

	service := fiscal.NewService(taxpayerRepo, authority, ledger, pending, lease, logger)
	service.WithMetrics(metrics)
	replayJob := jobs.NewPendingReplayJob(service, logger)

	reconciler := fiscal.NewReconciler(taxpayerRepo, ledger, authority, logger)
	reconciler.WithMetrics(metrics)
	reconcileJob := jobs.NewLedgerReconcileJob(reconciler, logger)

	reconcileTask, err := jobs.NewLedgerReconcileTask(time.Now().UTC())
	if err != nil {
		logger.Error("build reconcile task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypePendingReplay, Handler: replayJob.Handle},
			{Type: jobs.TaskTypeLedgerReconcile, Handler: reconcileJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 3 * * *", Task: reconcileTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
