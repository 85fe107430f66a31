package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"cryptocheckout/internal/common/database"
	"cryptocheckout/internal/common/middleware"
	commonnats "cryptocheckout/internal/common/nats"
	"cryptocheckout/internal/ledgerclient"
	"cryptocheckout/internal/ledgerclient/bitcoin"
	"cryptocheckout/internal/ledgerclient/ethereum"
	"cryptocheckout/internal/order"
	"cryptocheckout/internal/payment"
	paymentapi "cryptocheckout/internal/payment/api"
	"cryptocheckout/internal/pricing"
	"cryptocheckout/internal/storefront"
	"cryptocheckout/internal/wallet"
	"cryptocheckout/migrations"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PAYMENT_PORT" default:"8086"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	Database   database.Config
	NATS       commonnats.Config
	Bitcoin    bitcoin.Config
	Ethereum   ethereum.Config
	Pricing    pricing.Config
	Storefront storefront.Config
	Payment    payment.Config
	Watcher    payment.WatcherConfig
	Sweeper    payment.SweeperConfig
	API        paymentapi.Config
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Apply schema migrations
	if err := database.Migrate(cfg.Database.URL, migrations.FS, logger); err != nil {
		logger.Error("failed to apply migrations", "error", err)
		os.Exit(1)
	}

	// Connect to database
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to NATS
	natsClient, err := commonnats.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	if _, err := natsClient.EnsureStream(ctx, commonnats.DefaultStreamConfig("EVENTS", []string{"events.>"})); err != nil {
		logger.Error("failed to ensure event stream", "error", err)
		os.Exit(1)
	}
	publisher := commonnats.NewPublisher(natsClient, logger)

	// Ledger clients, one per supported currency
	ledgers := ledgerclient.NewRegistry(
		bitcoin.New(cfg.Bitcoin, logger),
		ethereum.New(cfg.Ethereum, ledgerclient.ETH, logger),
		ethereum.New(cfg.Ethereum, ledgerclient.USDT, logger),
	)

	// Price oracle
	oracle, err := pricing.NewMarketOracle(cfg.Pricing, logger)
	if err != nil {
		logger.Error("failed to create price oracle", "error", err)
		os.Exit(1)
	}

	// Stores and services
	orderStore := order.NewPostgresStore(db.Pool())
	walletStore := wallet.NewPostgresStore(db.Pool())
	paymentStore := payment.NewPostgresStore(db.Pool())

	revalidator := storefront.NewClient(cfg.Storefront, logger)
	coordinator := order.NewCoordinator(orderStore, publisher, revalidator, logger)
	allocator := wallet.NewAllocator(walletStore, ledgers, logger)

	orchestrator := payment.NewOrchestrator(
		paymentStore, coordinator, allocator, ledgers, oracle, publisher, cfg.Payment, logger,
	)

	// Background workers
	watchers := payment.NewManager(orchestrator, ledgers, cfg.Watcher, logger)
	go watchers.Resync(ctx)

	sweeper := payment.NewSweeper(orchestrator, cfg.Sweeper, logger)
	go sweeper.Run(ctx)

	// Create handlers
	paymentHandler := paymentapi.NewHandler(orchestrator, orderStore, watchers, cfg.API, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		if err := natsClient.HealthCheck(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// API routes
	r.Route("/api/v1/payments", func(r chi.Router) {
		r.Mount("/", paymentHandler.Routes())
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting payment service",
			"port", cfg.Port,
			"environment", cfg.Environment,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	watchers.Stop()

	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
