package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/editionworks/fulfillment/internal/adapter"
	"github.com/editionworks/fulfillment/internal/api/middleware"
	"github.com/editionworks/fulfillment/internal/api/server"
	"github.com/editionworks/fulfillment/internal/config"
	"github.com/editionworks/fulfillment/internal/download"
	"github.com/editionworks/fulfillment/internal/fulfillment"
	"github.com/editionworks/fulfillment/internal/idempotency"
	"github.com/editionworks/fulfillment/internal/logger"
	"github.com/editionworks/fulfillment/internal/messaging"
	"github.com/editionworks/fulfillment/internal/notify"
	"github.com/editionworks/fulfillment/internal/store"
	"github.com/editionworks/fulfillment/internal/webhook"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
)

func main() {
	flag.Parse()

	// Load configuration
	config.ChdirRepoRoot()
	cfg, err := config.LoadWebhookServerConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:     cfg.Debug,
		SentryDSN: cfg.SentryDSN,
		Tags: map[string]string{
			"service": "webhook-server",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting fulfillment webhook server")

	// Connect to database
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := store.ConfigureConnectionPool(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, cfg.Database.ConnMaxIdleTime); err != nil {
		logger.Fatal("Failed to configure connection pool", zap.Error(err))
	}
	logger.InfoCtx(ctx, "Connected to database",
		zap.Int("max_open_conns", cfg.Database.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.Database.MaxIdleConns),
	)
	dataStore := store.NewPGStore(db)

	clock := adapter.NewClock()

	// Mint job queue
	queue, err := messaging.NewPublisher(ctx, messaging.Config{
		URL:            cfg.NATS.URL,
		StreamName:     cfg.NATS.StreamName,
		MaxReconnects:  cfg.NATS.MaxReconnects,
		ReconnectWait:  cfg.NATS.ReconnectWait,
		ConnectionName: "fulfillment-webhook-server",
	}, adapter.NewNatsJetStream())
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err), zap.String("url", cfg.NATS.URL))
	}
	defer queue.Close()
	logger.InfoCtx(ctx, "Connected to mint job stream", zap.String("stream", cfg.NATS.StreamName))

	// Idempotency ledger: in-memory cache over the durable store
	cache := idempotency.NewCache(cfg.Webhook.IdempotencyRetention, clock)
	go cache.RunSweeper(ctx, cfg.Webhook.IdempotencySweepInterval)
	ledger := idempotency.NewLedger(cache, dataStore)

	// Delivery email + download tokens
	transport := notify.NewHTTPTransport(
		adapter.NewHTTPClient(30*time.Second),
		cfg.Email.Endpoint,
		cfg.Email.APIKey,
		cfg.Email.From,
	)
	sender := notify.NewSender(transport, clock, cfg.Email.DownloadBaseURL)
	downloads := download.NewService(dataStore, clock)

	// Fulfillment pipeline behind the webhook processor
	manager := fulfillment.NewManager(dataStore, downloads, sender, queue, clock)
	processor := webhook.NewProcessor(cfg.Webhook.Secret, ledger, manager, clock)

	serverConfig := server.Config{
		Debug:        cfg.Debug,
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
		Auth: middleware.AuthConfig{
			JWTPublicKey: cfg.Auth.JWTPublicKey,
			APIKeys:      cfg.Auth.APIKeys,
		},
	}

	srv := server.New(serverConfig, dataStore, processor, downloads, sender, queue, clock)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case err := <-errCh:
		logger.ErrorCtx(ctx, err, zap.String("component", "server"))
		cancel()
	}

	// Fresh context: the run context is already canceled
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Webhook server stopped")
}
