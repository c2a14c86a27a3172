package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/staffing/internal/app"
	jobmetrics "github.com/odyssey-erp/staffing/internal/jobs"
	"github.com/odyssey-erp/staffing/internal/observability"
	"github.com/odyssey-erp/staffing/internal/payout"
	"github.com/odyssey-erp/staffing/internal/paysheet"
	"github.com/odyssey-erp/staffing/internal/platform/cache"
	"github.com/odyssey-erp/staffing/internal/platform/db"
	"github.com/odyssey-erp/staffing/internal/platform/lock"
	"github.com/odyssey-erp/staffing/internal/shared"
	"github.com/odyssey-erp/staffing/internal/talkbank"
	"github.com/odyssey-erp/staffing/jobs"
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

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	bank, err := talkbank.New(talkbank.Config{
		BaseURL:   cfg.TalkBankBaseURL,
		PartnerID: cfg.TalkBankPartnerID,
		Secret:    cfg.TalkBankSecret,
		Timeout:   cfg.TalkBankTimeout,
	})
	if err != nil {
		logger.Error("init bank client", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	jobClient := jobs.NewClient(redisOpts, logger)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	locker := lock.New(redisClient)
	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	paysheetService := paysheet.NewService(paysheet.NewRepository(pool), locker, auditLogger, logger, paysheet.Options{
		LeaseTTL:          cfg.PayoutLeaseTTL,
		MaxPayoutAttempts: cfg.PayoutMaxAttempts,
	})
	payoutService := payout.NewService(payout.NewRepository(pool), bank, paysheetService, locker, logger, payout.Options{
		LeaseTTL:             cfg.PayoutLeaseTTL,
		MaxAttempts:          cfg.PayoutMaxAttempts,
		Concurrency:          cfg.PayoutConcurrency,
		CustomerINN:          cfg.PayoutCustomerINN,
		CustomerOrganization: cfg.PayoutCustomerOrg,
		ServiceName:          cfg.PayoutServiceName,
		PaymentAccountID:     cfg.PayoutPaymentAccountID,
		SystemActorID:        cfg.SystemActorID,
	})
	payoutService.SetIdempotency(idempotencyStore)
	payoutService.SetScheduler(jobClient)
	payoutService.SetRecorder(metrics)
	payoutService.SetAudit(auditLogger)
	paysheetService.SetPayoutStateSource(payoutService)

	payoutJobs := jobs.NewPayoutJobs(payoutService, logger, jobMetrics)
	cleanupJob := &jobs.IdempotencyCleanupJob{Store: idempotencyStore, Logger: logger, Metrics: jobMetrics}

	cleanupTask, err := jobs.NewIdempotencyCleanupTask(jobs.DefaultIdempotencyRetention)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	handlers := append(payoutJobs.Handlers(), jobs.TaskHandler{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle})
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.PayoutConcurrency + 1,
		Handlers:    handlers,
		Cron: []jobs.CronRegistration{
			{Spec: "30 3 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		stop()
		os.Exit(1)
	}
}
