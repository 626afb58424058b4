package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/editionworks/fulfillment/internal/adapter"
	"github.com/editionworks/fulfillment/internal/config"
	"github.com/editionworks/fulfillment/internal/logger"
	"github.com/editionworks/fulfillment/internal/messaging"
	"github.com/editionworks/fulfillment/internal/mint"
	"github.com/editionworks/fulfillment/internal/store"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
)

func main() {
	flag.Parse()

	// Load configuration
	config.ChdirRepoRoot()
	cfg, err := config.LoadMintWorkerConfig(*configFile, *envPath)
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
			"service": "mint-worker",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting mint worker")

	// Connect to database
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := store.ConfigureConnectionPool(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, cfg.Database.ConnMaxIdleTime); err != nil {
		logger.Fatal("Failed to configure connection pool", zap.Error(err))
	}
	logger.InfoCtx(ctx, "Connected to database")
	dataStore := store.NewPGStore(db)

	clock := adapter.NewClock()

	// Connect to the chain
	ethClient, err := adapter.NewEthClientDialer().Dial(ctx, cfg.Ethereum.RPCURL)
	if err != nil {
		logger.Fatal("Failed to connect to Ethereum RPC", zap.Error(err), zap.String("rpc_url", cfg.Ethereum.RPCURL))
	}
	defer ethClient.Close()
	logger.InfoCtx(ctx, "Connected to Ethereum RPC", zap.Int64("chain_id", cfg.Ethereum.ChainID))

	signer, err := mint.NewSigner(cfg.Ethereum.MinterPrivateKey, big.NewInt(cfg.Ethereum.ChainID))
	if err != nil {
		logger.Fatal("Failed to load minter key", zap.Error(err))
	}
	contract, err := mint.NewContract(cfg.Ethereum.ContractAddress)
	if err != nil {
		logger.Fatal("Failed to load editions contract", zap.Error(err), zap.String("address", cfg.Ethereum.ContractAddress))
	}

	var feeCapCeiling *big.Int
	if cfg.Ethereum.FeeCapCeilingGwei > 0 {
		feeCapCeiling = new(big.Int).Mul(big.NewInt(cfg.Ethereum.FeeCapCeilingGwei), big.NewInt(1_000_000_000))
	}
	estimator := mint.NewEstimator(ethClient, cfg.Ethereum.FallbackGasLimit, feeCapCeiling)
	monitor := mint.NewMonitor(ethClient, clock, cfg.Ethereum.ReceiptPollInterval)

	service := mint.NewService(dataStore, ethClient, estimator, monitor, signer, contract, mint.ServiceConfig{
		CreateConfirmations: cfg.Ethereum.CreateConfirmations,
		MintConfirmations:   cfg.Ethereum.MintConfirmations,
		EstimateTimeout:     cfg.Ethereum.EstimateTimeout,
		ConfirmTimeout:      cfg.Ethereum.ConfirmTimeout,
	})

	worker, err := messaging.NewWorker(ctx, messaging.WorkerConfig{
		URL:            cfg.NATS.URL,
		StreamName:     cfg.NATS.StreamName,
		ConsumerName:   cfg.NATS.ConsumerName,
		ConnectionName: "fulfillment-mint-worker",
		MaxReconnects:  cfg.NATS.MaxReconnects,
		ReconnectWait:  cfg.NATS.ReconnectWait,
		AckWaitTimeout: cfg.NATS.AckWait,
		MaxDeliver:     cfg.NATS.MaxDeliver,
		Concurrency:    cfg.NATS.Concurrency,
	}, adapter.NewNatsJetStream(), service.ProcessAttempt)
	if err != nil {
		logger.Fatal("Failed to create mint job worker", zap.Error(err), zap.String("url", cfg.NATS.URL))
	}
	defer worker.Close()
	logger.InfoCtx(ctx, "Mint job worker created",
		zap.String("stream", cfg.NATS.StreamName),
		zap.String("consumer", cfg.NATS.ConsumerName),
	)

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case err := <-errCh:
		logger.ErrorCtx(ctx, err, zap.String("component", "worker"))
		cancel()
	}

	// Give in-flight mint attempts time to settle
	time.Sleep(time.Second)

	logger.Info("Mint worker stopped")
}
