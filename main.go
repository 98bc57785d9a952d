package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"pump-trading-bot/config"
	"pump-trading-bot/internal/circuit"
	"pump-trading-bot/internal/engine"
	"pump-trading-bot/internal/events"
	"pump-trading-bot/internal/feed"
	"pump-trading-bot/internal/order"
	"pump-trading-bot/internal/risk"
	"pump-trading-bot/internal/session"
	"pump-trading-bot/internal/store"
	"pump-trading-bot/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Load falls back to defaults, an error here means the file was
		// present but unreadable
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := newLogger(cfg.LoggingConfig)
	logger.Info().Msg("Starting pump trading bot")

	bus := events.NewBus(logger)
	metrics := telemetry.NewRegistry()

	// Order execution with simulated market slippage
	seed := cfg.EngineConfig.SlippageSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	orderManager := order.NewManager(bus, order.NewSlippageSimulator(seed), logger)
	orderManager.Start()

	// Capital budget gating entry evaluation
	riskManager := risk.NewBudgetManager(risk.Config{
		AccountBalance:   cfg.RiskConfig.AccountBalance,
		MaxOpenPositions: cfg.RiskConfig.MaxOpenPositions,
		MaxDailyDrawdown: cfg.RiskConfig.MaxDailyDrawdown,
		MaxPositionPct:   cfg.RiskConfig.MaxPositionPct,
	}, logger)

	// The state-machine engine
	strategyManager := engine.NewStrategyManager(engine.Config{
		MaxConcurrentSignals: cfg.EngineConfig.MaxConcurrentSignals,
		MaxEvalsPerSecond:    cfg.EngineConfig.MaxEvalsPerSecond,
		MaxSlippagePct:       cfg.EngineConfig.MaxSlippagePct,
	}, bus, orderManager, riskManager, metrics, logger)
	strategyManager.Start()

	// Persistence is optional: the bot trades in-memory without it
	var (
		db           *store.DB
		tradeStore   *store.TradeStore
		positionRepo *store.PositionStateRepository
	)

	if cfg.DatabaseConfig.Enabled {
		db, err = store.NewDB(store.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Database,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()

		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := db.RunMigrations(migrateCtx); err != nil {
			cancel()
			logger.Fatal().Err(err).Msg("Failed to run migrations")
		}
		cancel()

		tradeStore = store.NewTradeStore(db, logger)

		// Load persisted strategies into the engine
		loadCtx, cancelLoad := context.WithTimeout(context.Background(), 10*time.Second)
		strategies, err := store.NewStrategyStore(db, logger).LoadEnabled(loadCtx)
		cancelLoad()
		if err != nil {
			logger.Error().Err(err).Msg("Failed to load strategies, starting with none")
		}
		for _, st := range strategies {
			if err := strategyManager.AddStrategy(st); err != nil {
				logger.Error().Err(err).Str("strategy", st.Name).Msg("Rejected stored strategy")
			}
		}
		logger.Info().Int("count", len(strategies)).Msg("Strategies loaded")
	}

	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		defer redisClient.Close()
	}
	positionRepo = store.NewPositionStateRepository(redisClient, logger)

	// Recover positions that survived a restart
	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 10*time.Second)
	persisted, err := positionRepo.LoadAll(recoverCtx)
	cancelRecover()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load persisted positions")
	}
	for _, pos := range persisted {
		orderManager.RestorePosition(pos)
	}

	recorder := store.NewRecorder(bus, tradeStore, positionRepo, logger)
	recorder.Start()

	// Market data feed, shared by all sessions
	marketStream := feed.NewMarketStream(cfg.FeedConfig.URL, bus, logger)
	if cfg.FeedConfig.Enabled {
		marketStream.Start()
	}

	// Session admission control with shared per-symbol breakers
	breakers := circuit.NewRegistry(circuit.Config{
		FailureThreshold: cfg.CircuitConfig.FailureThreshold,
		Timeout:          cfg.CircuitConfig.Timeout(),
		SuccessThreshold: cfg.CircuitConfig.SuccessThreshold,
	})
	sessionManager := session.NewManager(session.Config{
		MaxSessionsPerClient: cfg.SessionConfig.MaxSessionsPerClient,
		MaxTotalSessions:     cfg.SessionConfig.MaxTotalSessions,
		MaxSymbolsPerSession: cfg.SessionConfig.MaxSymbolsPerSession,
		OpsPerSecond:         cfg.SessionConfig.OpsPerSecond,
		OpsPerMinute:         cfg.SessionConfig.OpsPerMinute,
		BurstLimit:           cfg.SessionConfig.BurstLimit,
		HeartbeatInterval:    cfg.SessionConfig.Heartbeat(),
		InactivityTimeout:    cfg.SessionConfig.Inactivity(),
		SweepInterval:        cfg.SessionConfig.Sweep(),
		MaxSessionAge:        cfg.SessionConfig.MaxAge(),
	}, marketStream, breakers, bus, logger)
	sessionManager.Start()

	logger.Info().
		Int("max_concurrent_signals", cfg.EngineConfig.MaxConcurrentSignals).
		Bool("persistence", cfg.DatabaseConfig.Enabled).
		Bool("redis", cfg.RedisConfig.Enabled).
		Msg("All components running")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutting down")

	// Tear down in reverse dependency order
	sessionManager.Stop()
	marketStream.Stop()
	recorder.Stop()
	strategyManager.Shutdown()
	orderManager.Stop()

	logger.Info().Msg("Shutdown complete")
}

// newLogger builds the root zerolog logger from the logging config
func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out = zerolog.New(os.Stdout)
	if !cfg.JSONFormat {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return out.Level(level).With().Timestamp().Logger()
}
