package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ranch-cloud/rcc-ledger/internal/api"
	"github.com/ranch-cloud/rcc-ledger/internal/config"
	"github.com/ranch-cloud/rcc-ledger/internal/logging"
	"github.com/ranch-cloud/rcc-ledger/internal/service/accounts"
	"github.com/ranch-cloud/rcc-ledger/internal/service/auditor"
	"github.com/ranch-cloud/rcc-ledger/internal/service/grants"
	"github.com/ranch-cloud/rcc-ledger/internal/service/reservation"
	"github.com/ranch-cloud/rcc-ledger/internal/service/wallet"
	"github.com/ranch-cloud/rcc-ledger/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize logging
	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logger.Info("starting credit ledger server",
		slog.String("version", "0.1.0"),
		slog.Int("port", cfg.Server.Port))

	// Initialize database
	db, err := storage.New(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to initialize database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize stores
	ledgerStore := storage.NewLedgerStore(db)
	taskStore := storage.NewTaskStore(db)
	accountStore := storage.NewAccountStore(db)
	paymentStore := storage.NewPaymentStore(db)

	// Initialize services
	engine := reservation.New(db, ledgerStore, taskStore,
		reservation.WithLogger(logger),
		reservation.WithCostTable(cfg.Billing.CostTable()))

	walletService := wallet.New(ledgerStore, paymentStore,
		wallet.WithLogger(logger))

	grantService := grants.New(db, ledgerStore, paymentStore, accountStore,
		grants.WithLogger(logger))

	accountService := accounts.New(accountStore,
		accounts.WithLogger(logger))

	ledgerAuditor := auditor.New(ledgerStore, taskStore,
		auditor.WithLogger(logger),
		auditor.WithSweepInterval(cfg.Auditor.SweepInterval))

	// Initialize API server (not ready yet)
	serverOpts := []api.Option{
		api.WithLogger(logger),
		api.WithHost(cfg.Server.Host),
		api.WithPort(cfg.Server.Port),
		api.WithWebhookSecret(cfg.Webhook.Secret),
		api.WithWebhookRateLimit(cfg.Webhook.RateLimit, cfg.Webhook.RateBurst),
	}
	if cfg.Auditor.Enabled {
		serverOpts = append(serverOpts, api.WithAuditor(ledgerAuditor))
	}

	server := api.New(engine, walletService, grantService, accountService, serverOpts...)

	// Start background services
	if cfg.Auditor.Enabled {
		if err := ledgerAuditor.Start(ctx); err != nil {
			logger.Error("failed to start ledger auditor", slog.String("error", err.Error()))
			os.Exit(1)
		}
	} else {
		logger.Info("ledger auditor disabled, skipping")
	}

	// Mark server as ready
	server.SetReady(true)

	// Handle shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down...")

		// Mark server as not ready to stop accepting new requests
		server.SetReady(false)

		if cfg.Auditor.Enabled {
			ledgerAuditor.Stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", slog.String("error", err.Error()))
		}
	}()

	// Start server
	if err := server.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
