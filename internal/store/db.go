// Package store persists strategies, trades and position state. Strategy
// documents and trade history go to QuestDB over its Postgres wire protocol;
// live position state is mirrored to Redis with an in-memory fallback so a
// restart can recover open positions.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the QuestDB connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database connection settings
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB opens a connection pool and verifies connectivity
func NewDB(cfg Config, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "Store").Logger()
	log.Info().Str("database", cfg.Database).Msg("Database connected")

	return &DB{Pool: pool, logger: log}, nil
}

// Close shuts down the connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// RunMigrations creates the schema if it is missing
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS strategies (
			name STRING,
			document STRING,
			enabled BOOLEAN,
			deleted BOOLEAN,
			updated_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			order_id LONG,
			symbol STRING,
			side STRING,
			quantity DOUBLE,
			price DOUBLE,
			slippage_pct DOUBLE,
			strategy_name STRING,
			ts TIMESTAMP
		) timestamp(ts)`,
		`CREATE TABLE IF NOT EXISTS signals (
			signal_id STRING,
			signal_type STRING,
			symbol STRING,
			action STRING,
			strategy_name STRING,
			price DOUBLE,
			quantity DOUBLE,
			ts TIMESTAMP
		) timestamp(ts)`,
	}

	for _, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	db.logger.Info().Msg("Migrations complete")
	return nil
}
