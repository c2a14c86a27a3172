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

	"github.com/odyssey-erp/staffing/cmd/backoffice/cli"
	"github.com/odyssey-erp/staffing/internal/app"
	"github.com/odyssey-erp/staffing/internal/observability"
	"github.com/odyssey-erp/staffing/internal/payout"
	"github.com/odyssey-erp/staffing/internal/paysheet"
	"github.com/odyssey-erp/staffing/internal/platform/cache"
	"github.com/odyssey-erp/staffing/internal/platform/db"
	"github.com/odyssey-erp/staffing/internal/platform/lock"
	"github.com/odyssey-erp/staffing/internal/settlement"
	"github.com/odyssey-erp/staffing/internal/shared"
	"github.com/odyssey-erp/staffing/internal/talkbank"
	"github.com/odyssey-erp/staffing/jobs"
	"github.com/odyssey-erp/staffing/migrations"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		jobsCLI := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		code := cli.Run(ctx, jobsCLI, os.Args[2:], os.Stdout, os.Stderr)
		if err := jobsCLI.Close(); err != nil {
			logger.Warn("jobs cli close", slog.Any("error", err))
		}
		stop()
		os.Exit(code)
	}

	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.PGDSN, migrations.FS, logger); err != nil {
			logger.Error("migrate", slog.Any("error", err))
			os.Exit(1)
		}
	}

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	locker := lock.New(redisClient)
	auditLogger := shared.NewAuditLogger(dbpool)
	metrics := observability.NewMetrics()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	jobClient := jobs.NewClient(redisOpts, logger)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	settlementService := settlement.NewService(settlement.NewRepository(dbpool), auditLogger, logger)
	settlementHandler := settlement.NewHandler(logger, settlementService)

	paysheetService := paysheet.NewService(paysheet.NewRepository(dbpool), locker, auditLogger, logger, paysheet.Options{
		LeaseTTL:          cfg.PayoutLeaseTTL,
		MaxPayoutAttempts: cfg.PayoutMaxAttempts,
	})
	paysheetHandler := paysheet.NewHandler(logger, paysheetService, cfg.PayoutPaymentAccountID)

	payoutService := payout.NewService(payout.NewRepository(dbpool), bank, paysheetService, locker, logger, payout.Options{
		LeaseTTL:             cfg.PayoutLeaseTTL,
		MaxAttempts:          cfg.PayoutMaxAttempts,
		Concurrency:          cfg.PayoutConcurrency,
		CustomerINN:          cfg.PayoutCustomerINN,
		CustomerOrganization: cfg.PayoutCustomerOrg,
		ServiceName:          cfg.PayoutServiceName,
		PaymentAccountID:     cfg.PayoutPaymentAccountID,
		SystemActorID:        cfg.SystemActorID,
	})
	payoutService.SetIdempotency(shared.NewIdempotencyStore(dbpool))
	payoutService.SetScheduler(jobClient)
	payoutService.SetRecorder(metrics)
	payoutService.SetAudit(auditLogger)
	paysheetService.SetPayoutStateSource(payoutService)
	payoutHandler := payout.NewHandler(logger, payoutService, jobClient)

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		DB:                dbpool,
		PaysheetHandler:   paysheetHandler,
		PayoutHandler:     payoutHandler,
		SettlementHandler: settlementHandler,
		JobHandler:        jobHandler,
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
