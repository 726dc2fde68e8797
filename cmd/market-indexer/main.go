package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/0xmhha/market-indexer/internal/config"
	"github.com/0xmhha/market-indexer/internal/logger"
	"github.com/0xmhha/market-indexer/pkg/abi"
	"github.com/0xmhha/market-indexer/pkg/api"
	"github.com/0xmhha/market-indexer/pkg/api/websocket"
	"github.com/0xmhha/market-indexer/pkg/client"
	"github.com/0xmhha/market-indexer/pkg/dedup"
	"github.com/0xmhha/market-indexer/pkg/events"
	"github.com/0xmhha/market-indexer/pkg/fetch"
	"github.com/0xmhha/market-indexer/pkg/handlers"
	"github.com/0xmhha/market-indexer/pkg/storage"
	"github.com/0xmhha/market-indexer/pkg/webhook"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	// Define command-line flags
	var (
		configFile  = flag.String("config", "", "Path to configuration file (YAML)")
		showVersion = flag.Bool("version", false, "Show version information and exit")
		rpcEndpoint = flag.String("rpc", "", "Ethereum RPC endpoint URL")
		contract    = flag.String("contract", "", "Marketplace contract address")
		startBlock  = flag.Uint64("start-block", 0, "Block to start the historical fetch from")
		dbPath      = flag.String("db", "", "Database path")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "", "Log format (json, console)")
		applyEvents = flag.Bool("apply-handlers", false, "Apply historical and live events to the repository")

		// API server flags
		enableAPI = flag.Bool("api", false, "Enable API server")
		apiHost   = flag.String("api-host", "", "API server host")
		apiPort   = flag.Int("api-port", 0, "API server port")
	)

	flag.Parse()

	// Show version and exit if requested
	if *showVersion {
		fmt.Printf("market-indexer version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	// Load configuration, command-line flags override file and environment
	cfg, err := loadConfig(*configFile, func(cfg *config.Config) {
		applyFlags(cfg, *rpcEndpoint, *contract, *startBlock, *dbPath, *logLevel, *logFormat, *applyEvents)
		applyAPIFlags(cfg, *enableAPI, *apiHost, *apiPort)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting market indexer",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_time", buildTime),
		zap.String("rpc_endpoint", cfg.RPC.Endpoint),
		zap.String("contract", cfg.ContractAddress().Hex()),
		zap.Uint64("start_block", cfg.Contract.StartBlock),
		zap.String("db_driver", cfg.Database.Driver),
		zap.Bool("apply_handlers", cfg.Feed.ApplyHandlers),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Info("Initializing components...")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Decoder
	decoder, err := newDecoder(cfg.Contract.ABIPath)
	if err != nil {
		log.Fatal("Failed to load contract ABI", zap.Error(err))
	}
	log.Info("Decoder initialized", zap.Strings("events", decoder.Registry().Names()))

	// Ethereum client
	ethClient, err := client.NewClient(&client.Config{
		Endpoint:   cfg.RPC.Endpoint,
		WSEndpoint: cfg.RPC.WSEndpoint,
		Timeout:    cfg.RPC.Timeout,
		Logger:     log,
	})
	if err != nil {
		log.Fatal("Failed to create Ethereum client", zap.Error(err))
	}
	defer ethClient.Close()

	chainID, err := ethClient.GetChainID(ctx)
	if err != nil {
		log.Fatal("Failed to get chain ID", zap.Error(err))
	}
	log.Info("Connected to chain",
		zap.String("endpoint", ethClient.Endpoint()),
		zap.String("chain_id", chainID.String()),
	)

	// Storage
	repo, err := openRepository(cfg, logger.WithComponent(log, logger.ComponentStorage))
	if err != nil {
		log.Fatal("Failed to open repository", zap.Error(err))
	}
	defer func() {
		if err := repo.Close(); err != nil {
			log.Error("Failed to close repository", zap.Error(err))
		}
	}()
	log.Info("Repository initialized", zap.String("driver", cfg.Database.Driver))

	// Processed-log ledger
	ledger, closeLedger, err := openLedger(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to open dedup ledger", zap.Error(err))
	}
	defer closeLedger()

	// Handlers
	handlerLog := logger.WithComponent(log, logger.ComponentHandlers)
	dispatcher, err := handlers.NewDispatcher(&handlers.DispatcherConfig{
		Ledger:  ledger,
		Logger:  handlerLog,
		Metrics: handlers.NewMetrics(registry),
	}, handlers.MarketplaceHandlers(repo, handlers.Config{
		AccessTTL:  cfg.Handlers.AccessTTL,
		UsageLimit: cfg.Handlers.UsageLimit,
	}, handlerLog)...)
	if err != nil {
		log.Fatal("Failed to create dispatcher", zap.Error(err))
	}

	// Historical fetch strategies in priority order
	fetchLog := logger.WithComponent(log, logger.ComponentFetcher)
	fetchMetrics := fetch.NewMetrics(registry)
	sources, err := buildSources(cfg, ethClient, fetchLog, fetchMetrics)
	if err != nil {
		log.Fatal("Failed to create log sources", zap.Error(err))
	}
	fetcher := fetch.NewFetcher(&fetch.Config{
		StrategyTimeout: cfg.Feed.StrategyTimeout,
		Logger:          fetchLog,
		Metrics:         fetchMetrics,
	}, sources...)
	log.Info("Fetcher initialized", zap.Strings("sources", fetcher.Sources()))

	// Activity feed
	feedMetrics := events.NewMetrics(registry)
	reconciler := events.NewReconciler(decoder, &events.ReconcilerConfig{
		MaxEvents:       cfg.Feed.MaxEvents,
		SecondsPerBlock: cfg.Feed.SecondsPerBlock,
		Logger:          logger.WithComponent(log, logger.ComponentReconciler),
		Metrics:         feedMetrics,
	})
	subscriber, err := events.NewLiveSubscriber(ethClient, &events.SubscriberConfig{
		Address: cfg.ContractAddress(),
		Logger:  logger.WithComponent(log, logger.ComponentSubscriber),
		Metrics: feedMetrics,
	})
	if err != nil {
		log.Fatal("Failed to create live subscriber", zap.Error(err))
	}

	var sinks []events.Sink
	var wsServer *websocket.Server
	if cfg.API.Enabled {
		wsServer = websocket.NewServer(logger.WithComponent(log, logger.ComponentAPI).Named("websocket"))
		sinks = append(sinks, api.NewActivitySink(reconciler, wsServer))
	}
	if cfg.Feed.ApplyHandlers {
		sinks = append(sinks, dispatcher)
	}

	session, err := events.NewSession(&events.SessionConfig{
		Address:    cfg.ContractAddress(),
		StartBlock: cfg.Contract.StartBlock,
		Logger:     logger.WithComponent(log, logger.ComponentReconciler),
	}, reconciler, fetcher, ethClient, subscriber, sinks...)
	if err != nil {
		log.Fatal("Failed to create session", zap.Error(err))
	}

	// Initialize and start API server if enabled
	var apiServer *api.Server
	if cfg.API.Enabled {
		log.Info("Initializing API server...")

		hook, err := webhook.NewHandler(&webhook.Config{
			SigningKey: cfg.API.WebhookSigningKey,
			Address:    cfg.ContractAddress(),
			Logger:     logger.WithComponent(log, logger.ComponentWebhook),
			Metrics:    webhook.NewMetrics(registry),
		}, decoder, dispatcher, session)
		if err != nil {
			log.Fatal("Failed to create webhook handler", zap.Error(err))
		}
		if cfg.API.WebhookSigningKey == "" {
			log.Warn("Webhook signing key not configured, deliveries are not verified")
		}

		health := api.NewHealthChecker(version)
		health.AddCheck("storage", true, api.StorageCheck(repo))
		health.AddCheck("feed", false, api.FeedCheck(reconciler))
		health.AddCheck("rpc", false, ethClient.Ping)
		if pinger, ok := ledger.(interface{ Ping(context.Context) error }); ok {
			health.AddCheck("dedup", false, pinger.Ping)
		}

		apiConfig := api.DefaultConfig()
		apiConfig.Host = cfg.API.Host
		apiConfig.Port = cfg.API.Port
		apiConfig.EnableCORS = cfg.API.EnableCORS
		apiConfig.AllowedOrigins = cfg.API.AllowedOrigins
		apiConfig.EnableRateLimit = cfg.API.EnableRateLimit
		apiConfig.WebhookPath = cfg.API.WebhookPath

		apiServer, err = api.NewServer(apiConfig, logger.WithComponent(log, logger.ComponentAPI), &api.ServerOptions{
			Feed:      reconciler,
			Resources: repo,
			Webhook:   hook,
			WebSocket: wsServer,
			Health:    health,
			Gatherer:  registry,
		})
		if err != nil {
			log.Fatal("Failed to create API server", zap.Error(err))
		}

		// Start API server in goroutine
		go func() {
			if err := apiServer.Start(); err != nil {
				log.Error("API server failed", zap.Error(err))
			}
		}()

		log.Info("API server started",
			zap.String("address", apiConfig.Address()),
			zap.String("webhook_path", apiConfig.WebhookPath),
			zap.String("websocket_path", apiConfig.WebSocketPath),
		)
	}

	// Start session in goroutine
	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting activity feed")
		errChan <- session.Run(ctx)
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal",
			zap.String("signal", sig.String()),
		)
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Session stopped with error", zap.Error(err))
		}
	}

	log.Info("Shutting down gracefully...")

	// Stop API server if it was started
	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.Error("Failed to stop API server gracefully", zap.Error(err))
		}
	}

	snap := reconciler.Snapshot()
	log.Info("Final statistics",
		zap.String("feed_status", string(snap.Status)),
		zap.Int("feed_events", len(snap.Events)),
	)

	log.Info("Market indexer stopped")
}

// loadConfig loads configuration from file, environment variables and overrides
func loadConfig(configFile string, overrides ...func(*config.Config)) (*config.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg, err := config.Load(configFile, overrides...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// loadDotEnv loads environment variables from a .env file if it exists.
func loadDotEnv() error {
	info, err := os.Stat(".env")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat .env: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf(".env exists but is a directory")
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// applyFlags applies command-line flags to configuration
func applyFlags(cfg *config.Config, rpcEndpoint, contract string, startBlock uint64, dbPath, logLevel, logFormat string, applyHandlers bool) {
	if rpcEndpoint != "" {
		cfg.RPC.Endpoint = rpcEndpoint
	}
	if contract != "" {
		cfg.Contract.Address = contract
	}
	if startBlock > 0 {
		cfg.Contract.StartBlock = startBlock
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if applyHandlers {
		cfg.Feed.ApplyHandlers = true
	}
}

// applyAPIFlags applies API-related command-line flags to configuration
func applyAPIFlags(cfg *config.Config, enableAPI bool, apiHost string, apiPort int) {
	if enableAPI {
		cfg.API.Enabled = true
	}
	if apiHost != "" {
		cfg.API.Host = apiHost
	}
	if apiPort > 0 {
		cfg.API.Port = apiPort
	}
}

// newDecoder loads the ABI override or falls back to the embedded marketplace ABI
func newDecoder(abiPath string) (*abi.Decoder, error) {
	if abiPath != "" {
		return abi.LoadDecoder(abiPath)
	}
	return abi.NewMarketplaceDecoder()
}

// openRepository opens the configured repository backend
func openRepository(cfg *config.Config, log *zap.Logger) (storage.Repository, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return storage.NewPostgresRepository(cfg.Database.DSN, &storage.PostgresConfig{Logger: log})
	default:
		pebbleConfig := storage.DefaultPebbleConfig(cfg.Database.Path)
		pebbleConfig.Logger = log
		return storage.NewPebbleRepository(pebbleConfig)
	}
}

// openLedger opens the processed-log ledger and returns its closer
func openLedger(ctx context.Context, cfg *config.Config) (dedup.Ledger, func(), error) {
	if cfg.Dedup.Backend == "redis" {
		ledger, err := dedup.NewRedisLedger(ctx, &dedup.RedisConfig{
			Addr:     cfg.Dedup.Redis.Addr,
			Password: cfg.Dedup.Redis.Password,
			DB:       cfg.Dedup.Redis.DB,
			TTL:      cfg.Dedup.TTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return ledger, func() { _ = ledger.Close() }, nil
	}

	ledger, err := dedup.NewMemoryLedger(cfg.Dedup.Size)
	if err != nil {
		return nil, nil, err
	}
	return ledger, func() {}, nil
}

// buildSources returns the historical log strategies, explorer first when enabled
func buildSources(cfg *config.Config, ethClient *client.Client, log *zap.Logger, metrics *fetch.Metrics) ([]fetch.LogSource, error) {
	var sources []fetch.LogSource

	if cfg.Explorer.Enabled {
		explorer, err := fetch.NewExplorerSource(&fetch.ExplorerConfig{
			BaseURL:   cfg.Explorer.BaseURL,
			APIKey:    cfg.Explorer.APIKey,
			Timeout:   cfg.Explorer.Timeout,
			RateLimit: cfg.Explorer.RateLimit,
			Logger:    log,
		})
		if err != nil {
			return nil, err
		}
		sources = append(sources, explorer)
	}

	rpcSource, err := fetch.NewRPCSource(ethClient, &fetch.RPCConfig{
		MaxBlockRange: cfg.RPC.MaxBlockRange,
		Logger:        log,
		Metrics:       metrics,
	})
	if err != nil {
		return nil, err
	}
	return append(sources, rpcSource), nil
}
