// Package config loads the bot configuration from an optional JSON file
// with environment variable overrides taking precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	EngineConfig   EngineConfig   `json:"engine"`
	SessionConfig  SessionConfig  `json:"session"`
	RiskConfig     RiskConfig     `json:"risk"`
	CircuitConfig  CircuitConfig  `json:"circuit_breaker"`
	FeedConfig     FeedConfig     `json:"feed"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

// EngineConfig holds the strategy engine policy
type EngineConfig struct {
	MaxConcurrentSignals int     `json:"max_concurrent_signals"` // global signal slot budget
	MaxEvalsPerSecond    int     `json:"max_evals_per_second"`   // evaluation throttle
	MaxSlippagePct       float64 `json:"max_slippage_pct"`       // market order slippage cap
	SlippageSeed         int64   `json:"slippage_seed"`          // 0 = time-seeded
}

// SessionConfig holds the admission-control policy for client sessions
type SessionConfig struct {
	MaxSessionsPerClient int `json:"max_sessions_per_client"`
	MaxTotalSessions     int `json:"max_total_sessions"`
	MaxSymbolsPerSession int `json:"max_symbols_per_session"`
	OpsPerSecond         int `json:"ops_per_second"`
	OpsPerMinute         int `json:"ops_per_minute"`
	BurstLimit           int `json:"burst_limit"`
	HeartbeatSeconds     int `json:"heartbeat_seconds"`
	InactivitySeconds    int `json:"inactivity_seconds"`
	SweepSeconds         int `json:"sweep_seconds"`
	MaxSessionAgeHours   int `json:"max_session_age_hours"`
}

// RiskConfig holds the capital budget policy
type RiskConfig struct {
	AccountBalance   float64 `json:"account_balance"`
	MaxOpenPositions int     `json:"max_open_positions"`
	MaxDailyDrawdown float64 `json:"max_daily_drawdown"` // percentage
	MaxPositionPct   float64 `json:"max_position_pct"`   // single-position cap as pct of balance
}

// CircuitConfig holds the per-symbol circuit breaker thresholds
type CircuitConfig struct {
	FailureThreshold int `json:"failure_threshold"`
	TimeoutSeconds   int `json:"timeout_seconds"`
	SuccessThreshold int `json:"success_threshold"`
}

// FeedConfig holds the market-data WebSocket settings
type FeedConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// DatabaseConfig holds QuestDB connection settings (Postgres wire protocol)
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"sslmode"`
}

// RedisConfig holds Redis settings for the position state mirror
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // console writer when false
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Engine config
	cfg.EngineConfig.MaxConcurrentSignals = getEnvIntOrDefault("ENGINE_MAX_CONCURRENT_SIGNALS", 3)
	cfg.EngineConfig.MaxEvalsPerSecond = getEnvIntOrDefault("ENGINE_MAX_EVALS_PER_SECOND", 50)
	cfg.EngineConfig.MaxSlippagePct = getEnvFloatOrDefault("ENGINE_MAX_SLIPPAGE_PCT", 0.5)
	cfg.EngineConfig.SlippageSeed = int64(getEnvIntOrDefault("ENGINE_SLIPPAGE_SEED", 0))

	// Session config
	cfg.SessionConfig.MaxSessionsPerClient = getEnvIntOrDefault("SESSION_MAX_PER_CLIENT", 5)
	cfg.SessionConfig.MaxTotalSessions = getEnvIntOrDefault("SESSION_MAX_TOTAL", 50)
	cfg.SessionConfig.MaxSymbolsPerSession = getEnvIntOrDefault("SESSION_MAX_SYMBOLS", 20)
	cfg.SessionConfig.OpsPerSecond = getEnvIntOrDefault("SESSION_OPS_PER_SECOND", 10)
	cfg.SessionConfig.OpsPerMinute = getEnvIntOrDefault("SESSION_OPS_PER_MINUTE", 300)
	cfg.SessionConfig.BurstLimit = getEnvIntOrDefault("SESSION_BURST_LIMIT", 50)
	cfg.SessionConfig.HeartbeatSeconds = getEnvIntOrDefault("SESSION_HEARTBEAT_SECONDS", 30)
	cfg.SessionConfig.InactivitySeconds = getEnvIntOrDefault("SESSION_INACTIVITY_SECONDS", 300)
	cfg.SessionConfig.SweepSeconds = getEnvIntOrDefault("SESSION_SWEEP_SECONDS", 300)
	cfg.SessionConfig.MaxSessionAgeHours = getEnvIntOrDefault("SESSION_MAX_AGE_HOURS", 24)

	// Risk config
	cfg.RiskConfig.AccountBalance = getEnvFloatOrDefault("RISK_ACCOUNT_BALANCE", 10000)
	cfg.RiskConfig.MaxOpenPositions = getEnvIntOrDefault("RISK_MAX_OPEN_POSITIONS", 3)
	cfg.RiskConfig.MaxDailyDrawdown = getEnvFloatOrDefault("RISK_MAX_DAILY_DRAWDOWN", 10.0)
	cfg.RiskConfig.MaxPositionPct = getEnvFloatOrDefault("RISK_MAX_POSITION_PCT", 25.0)

	// Circuit breaker config
	cfg.CircuitConfig.FailureThreshold = getEnvIntOrDefault("CIRCUIT_FAILURE_THRESHOLD", 5)
	cfg.CircuitConfig.TimeoutSeconds = getEnvIntOrDefault("CIRCUIT_TIMEOUT_SECONDS", 60)
	cfg.CircuitConfig.SuccessThreshold = getEnvIntOrDefault("CIRCUIT_SUCCESS_THRESHOLD", 3)

	// Feed config
	cfg.FeedConfig.Enabled = getEnvOrDefault("FEED_ENABLED", "true") == "true"
	cfg.FeedConfig.URL = getEnvOrDefault("FEED_WS_URL", "ws://localhost:9000/stream")

	// Database config
	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DB_ENABLED", "false") == "true"
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", "localhost")
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", 8812)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", "admin")
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", "quest")
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", "qdb")
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "false") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", "")
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
}

// Heartbeat returns the session heartbeat interval as a duration
func (c SessionConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// Inactivity returns the session inactivity timeout as a duration
func (c SessionConfig) Inactivity() time.Duration {
	return time.Duration(c.InactivitySeconds) * time.Second
}

// Sweep returns the session expiry sweep interval as a duration
func (c SessionConfig) Sweep() time.Duration {
	return time.Duration(c.SweepSeconds) * time.Second
}

// MaxAge returns the maximum session age as a duration
func (c SessionConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxSessionAgeHours) * time.Hour
}

// Timeout returns the breaker open-state timeout as a duration
func (c CircuitConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{
		EngineConfig: EngineConfig{
			MaxConcurrentSignals: 3,
			MaxEvalsPerSecond:    50,
			MaxSlippagePct:       0.5,
		},
		SessionConfig: SessionConfig{
			MaxSessionsPerClient: 5,
			MaxTotalSessions:     50,
			MaxSymbolsPerSession: 20,
			OpsPerSecond:         10,
			OpsPerMinute:         300,
			BurstLimit:           50,
			HeartbeatSeconds:     30,
			InactivitySeconds:    300,
			SweepSeconds:         300,
			MaxSessionAgeHours:   24,
		},
		RiskConfig: RiskConfig{
			AccountBalance:   10000,
			MaxOpenPositions: 3,
			MaxDailyDrawdown: 10.0,
			MaxPositionPct:   25.0,
		},
		CircuitConfig: CircuitConfig{
			FailureThreshold: 5,
			TimeoutSeconds:   60,
			SuccessThreshold: 3,
		},
		FeedConfig: FeedConfig{
			Enabled: true,
			URL:     "ws://localhost:9000/stream",
		},
		DatabaseConfig: DatabaseConfig{
			Enabled:  false,
			Host:     "localhost",
			Port:     8812,
			User:     "admin",
			Password: "quest",
			Database: "qdb",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Enabled: false,
			Address: "localhost:6379",
		},
		LoggingConfig: LoggingConfig{
			Level:      "info",
			JSONFormat: true,
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
