package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pratikpakhale/poultry/internal/config"
	"github.com/pratikpakhale/poultry/internal/repository/mongodb"
	"github.com/pratikpakhale/poultry/internal/repository/sheets"
	"github.com/pratikpakhale/poultry/internal/scheduler"
	"github.com/pratikpakhale/poultry/internal/server/handlers"
	"github.com/pratikpakhale/poultry/internal/server/router"
	catalogsvc "github.com/pratikpakhale/poultry/internal/service/catalog"
	"github.com/pratikpakhale/poultry/internal/service/ledger"
	reportingsvc "github.com/pratikpakhale/poultry/internal/service/reporting"
	whatsappsvc "github.com/pratikpakhale/poultry/internal/service/whatsapp"
	whatsappclient "github.com/pratikpakhale/poultry/pkg/clients/whatsapp"
	"github.com/pratikpakhale/poultry/pkg/logger"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}

	baseLogger := logger.Must(logger.New(cfg.Server.Production()))
	defer func() { _ = baseLogger.Sync() }()

	zap.ReplaceGlobals(baseLogger)
	decimal.MarshalJSONWithoutQuotes = true

	startCtx, cancelStart := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancelStart()

	mongoRepo, err := mongodb.NewMongoDBRepository(startCtx, cfg.MongoDB.URI, cfg.MongoDB.DBName, baseLogger.Named("repo.mongodb"))
	if err != nil {
		baseLogger.Fatal("failed to init mongodb repository", zap.Error(err))
	}
	defer func() {
		if err := mongoRepo.Close(context.Background()); err != nil {
			baseLogger.Error("failed to close mongodb connection", zap.Error(err))
		}
	}()
	if err := mongoRepo.EnsureIndexes(startCtx); err != nil {
		baseLogger.Fatal("failed to ensure mongodb indexes", zap.Error(err))
	}

	engine := ledger.NewEngine(mongoRepo, baseLogger.Named("svc.ledger"),
		ledger.WithTransactions(cfg.MongoDB.Transactions),
		ledger.WithNonNegativeGuard(cfg.Ledger.EnforceNonNegative),
		ledger.WithPendingTimeout(cfg.Ledger.PendingTimeout))
	baseLogger.Info("ledger engine ready",
		zap.Bool("transactions", engine.Atomic()),
		zap.Bool("non_negative_guard", cfg.Ledger.EnforceNonNegative))

	catalogSvc := catalogsvc.NewService(mongoRepo, baseLogger.Named("svc.catalog"))
	reportingSvc := reportingsvc.NewService(mongoRepo, baseLogger.Named("svc.reporting"))

	var messagingSvc whatsappsvc.MessagingService
	if cfg.WhatsApp.Enabled() {
		whatsClient := whatsappclient.NewClient(whatsappclient.Options{
			BaseURL:       cfg.WhatsApp.BaseURL,
			APIVersion:    cfg.WhatsApp.APIVersion,
			AccessToken:   cfg.WhatsApp.AccessToken,
			PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
			RetryCount:    2,
		})
		messagingSvc = whatsappsvc.NewMetaWhatsAppService(whatsClient, cfg.WhatsApp.AlertRecipient, baseLogger.Named("svc.whatsapp"))
	} else {
		baseLogger.Warn("whatsapp credentials missing, operator notifications disabled")
		messagingSvc = whatsappsvc.NewNopService(baseLogger.Named("svc.whatsapp"))
	}

	deps := scheduler.Deps{
		Ledger:    engine,
		Reports:   mongoRepo,
		Reporter:  reportingSvc,
		Messaging: messagingSvc,
	}
	if cfg.Sheets.Enabled() {
		sheetsRepo, err := sheets.NewGoogleSheetRepository(startCtx, cfg.Sheets, baseLogger.Named("repo.sheets"))
		if err != nil {
			baseLogger.Fatal("failed to init sheets repository", zap.Error(err))
		}
		deps.Sheet = sheetsRepo
	} else {
		baseLogger.Warn("google sheets not configured, snapshot export disabled")
	}

	sched, err := scheduler.NewScheduler(*cfg, deps, baseLogger.Named("scheduler"))
	if err != nil {
		baseLogger.Fatal("failed to init scheduler", zap.Error(err))
	}
	if err := sched.Start(); err != nil {
		baseLogger.Fatal("failed to start scheduler", zap.Error(err))
	}
	defer sched.Stop()

	httpEngine := router.New(cfg.Server, router.Handlers{
		Ledger:   handlers.NewLedgerHandler(engine, mongoRepo, mongoRepo, baseLogger.Named("handlers.ledger")),
		Catalog:  handlers.NewCatalogHandler(catalogSvc, baseLogger.Named("handlers.catalog")),
		Reports:  handlers.NewReportHandler(reportingSvc, baseLogger.Named("handlers.reports")),
		Admin:    handlers.NewAdminHandler(engine, mongoRepo, cfg.Ledger.PendingTimeout, baseLogger.Named("handlers.admin")),
		Messages: handlers.NewMessageHandler(messagingSvc, baseLogger.Named("handlers.messages")),
	}, baseLogger.Named("router"))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      httpEngine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		baseLogger.Info("server starting", zap.String("port", cfg.Server.Port), zap.String("env", cfg.Server.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			baseLogger.Fatal("http server crashed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	baseLogger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		baseLogger.Error("graceful shutdown failed", zap.Error(err))
	}
}
