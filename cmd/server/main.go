package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/thraizz/nightfall-server/internal/actions"
	"github.com/thraizz/nightfall-server/internal/broadcast"
	"github.com/thraizz/nightfall-server/internal/config"
	"github.com/thraizz/nightfall-server/internal/engine"
	"github.com/thraizz/nightfall-server/internal/matchmaking"
	"github.com/thraizz/nightfall-server/internal/repository"
	"github.com/thraizz/nightfall-server/internal/server"
	"github.com/thraizz/nightfall-server/internal/state"
	"github.com/thraizz/nightfall-server/internal/telemetry"
	"github.com/thraizz/nightfall-server/internal/watchdog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath = flag.String("config", "config/config.yaml", "path to configuration file")
	version    = "dev" // set via ldflags during build
)

// matchStore is the durable side shared by matchmaking, engines and the API
type matchStore interface {
	matchmaking.MatchCreator
	engine.DurableStore
	server.MatchReader
	server.AuditReader
}

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	instanceID := cfg.Server.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	logger = logger.With(zap.String("instance_id", instanceID))

	logger.Info("starting nightfall server",
		zap.String("version", version),
		zap.String("config", *configPath),
	)

	// Create context that listens for termination signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	// Initialize durable store
	matches, stats, closeDB := openStores(ctx, cfg, logger)
	defer closeDB()

	// Initialize shared fast state
	redisClient, err := state.NewClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()
	fast := state.NewStore(redisClient, logger)
	logger.Info("shared state initialized", zap.String("address", cfg.Redis.Address))

	// Initialize broadcast hub
	hub := broadcast.NewHub(cfg.Server.WebSocket, logger)
	go hub.Run(ctx)

	// Initialize engine registry
	engineCfg := engine.ConfigFrom(cfg.Game)
	engineCfg.RecoveryWindow = cfg.Watchdog.RecoveryWindow
	registry := engine.NewRegistry(ctx, instanceID, engineCfg, engine.Deps{
		State:   fast,
		Store:   matches,
		Stats:   stats,
		Gateway: hub,
	}, logger)

	queue := matchmaking.NewQueue(matchmaking.ConfigFrom(cfg.Game), fast, matches, registry, hub, logger)
	logger.Info("matchmaking queue initialized",
		zap.Int("match_size", cfg.Game.MatchSize),
		zap.Int("minority_size", cfg.Game.MinoritySize),
	)

	actionSvc := actions.NewService(fast, registry, cfg.Game.MatchCacheTTL, logger)

	// Start recovery watchdog
	go watchdog.New(cfg.Watchdog, fast, registry, logger).Run(ctx)

	httpServer := server.NewHTTPServer(cfg.Server.HTTP, server.API{
		Queue:   queue,
		Waiting: fast,
		Actions: actionSvc,
		Cache:   fast,
		Archive: matches,
		History: matches,
		Engines: registry,
		Events:  hub,
	}, logger)
	grpcServer := server.NewGRPCServer(cfg.Server.GRPC, logger)

	// Start HTTP server
	go func() {
		if serveErr := httpServer.ListenAndServe(); serveErr != nil {
			logger.Error("HTTP server error", zap.Error(serveErr))
		}
	}()

	// Start gRPC health server
	go func() {
		if serveErr := grpcServer.ListenAndServe(); serveErr != nil {
			logger.Error("gRPC server error", zap.Error(serveErr))
		}
	}()

	logger.Info("nightfall server initialized",
		zap.String("version", version),
		zap.String("http_address", cfg.Server.HTTP.Address),
		zap.String("grpc_address", cfg.Server.GRPC.Address),
	)

	// Wait for termination signal
	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	// Graceful shutdown
	logger.Info("shutting down gracefully...")
	grpcServer.SetServing(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	// Running matches are left to the watchdog of another instance
	registry.StopAll()
	cancel()
	grpcServer.Stop()

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("failed to flush traces", zap.Error(err))
	}

	logger.Info("nightfall server stopped")
}

// openStores connects to PostgreSQL, or falls back to an in-memory store
// when no database is configured
func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (matchStore, engine.StatsStore, func()) {
	if cfg.Database.URL == "" {
		logger.Warn("no database configured; match history is kept in memory only")
		mem := repository.NewMemoryStore()
		return mem, mem, func() {}
	}

	db, err := repository.NewDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}

	// Log database stats
	stats := db.Stats()
	logger.Info("database connection pool initialized",
		zap.Int32("total_conns", stats.TotalConns()),
		zap.Int32("idle_conns", stats.IdleConns()),
	)

	return repository.NewMatchRepository(db), repository.NewStatsRepository(db), db.Close
}

// initLogger initializes the zap logger based on configuration
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
