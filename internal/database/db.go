package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection from a connection URI
func NewDB(uri string, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
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
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "database").Logger()
	log.Info().Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations")

	migrations := []string{
		// Exchange catalog
		`CREATE TABLE IF NOT EXISTS exchanges (
			id VARCHAR(40) PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`INSERT INTO exchanges (id, name) VALUES
			('binance', 'Binance'),
			('kraken', 'Kraken')
		ON CONFLICT (id) DO NOTHING`,

		// Per-user exchange links; credential material lives in the vault
		`CREATE TABLE IF NOT EXISTS user_exchanges (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL,
			exchange_id VARCHAR(40) NOT NULL REFERENCES exchanges(id),
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			linked_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, exchange_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_exchanges_user ON user_exchanges(user_id)`,

		// Strategies: rules and tracking ride along as JSONB subdocuments
		`CREATE TABLE IF NOT EXISTS strategies (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL,
			exchange_id VARCHAR(40) NOT NULL REFERENCES exchanges(id),
			token VARCHAR(20) NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			needs_repair BOOLEAN NOT NULL DEFAULT FALSE,
			rules JSONB NOT NULL,
			tracking JSONB NOT NULL,
			lease_until TIMESTAMPTZ,
			lease_token VARCHAR(64),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_strategies_user_active ON strategies(user_id, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_strategies_lease ON strategies(lease_until)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_strategies_unique_active
			ON strategies(user_id, exchange_id, token) WHERE is_active`,

		// Execution audit doubles as the idempotency ledger
		`CREATE TABLE IF NOT EXISTS strategy_executions (
			id BIGSERIAL PRIMARY KEY,
			strategy_id UUID NOT NULL REFERENCES strategies(id) ON DELETE CASCADE,
			order_ref VARCHAR(80) NOT NULL,
			action VARCHAR(4) NOT NULL,
			reason VARCHAR(40) NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			pnl_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			executed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (strategy_id, order_ref)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_strategy_executions_strategy
			ON strategy_executions(strategy_id, executed_at DESC)`,

		// Positions with append-only purchase/sale histories
		`CREATE TABLE IF NOT EXISTS positions (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL,
			exchange_id VARCHAR(40) NOT NULL REFERENCES exchanges(id),
			token VARCHAR(20) NOT NULL,
			amount DOUBLE PRECISION NOT NULL DEFAULT 0,
			entry_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_invested DOUBLE PRECISION NOT NULL DEFAULT 0,
			purchases JSONB NOT NULL DEFAULT '[]',
			sales JSONB NOT NULL DEFAULT '[]',
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, exchange_id, token)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_user ON positions(user_id)`,

		// Append-only balance snapshots
		`CREATE TABLE IF NOT EXISTS balance_history (
			id BIGSERIAL PRIMARY KEY,
			user_id UUID NOT NULL,
			total_usd DOUBLE PRECISION NOT NULL,
			total_brl DOUBLE PRECISION NOT NULL,
			exchanges JSONB NOT NULL DEFAULT '[]',
			snapshot_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_balance_history_user
			ON balance_history(user_id, snapshot_at DESC)`,

		// Best-effort user notifications
		`CREATE TABLE IF NOT EXISTS notifications (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL,
			type VARCHAR(40) NOT NULL,
			title VARCHAR(200) NOT NULL,
			message TEXT NOT NULL,
			data JSONB,
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user
			ON notifications(user_id, is_read, created_at DESC)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Msg("Database migrations completed")
	return nil
}
