package database

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

type Database struct {
	conn *sql.DB
}

func New(ctx context.Context, dsn string) (*Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{conn: db}, nil
}

func (d *Database) Conn() *sql.DB {
	return d.conn
}

func (d *Database) Close() error {
	return d.conn.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

func (d *Database) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		business_id TEXT,
		plan TEXT NOT NULL CHECK (plan IN ('starter', 'professional', 'enterprise')),
		status TEXT NOT NULL CHECK (status IN ('active', 'trialing', 'past_due', 'cancelled')),
		amount NUMERIC(10, 2) NOT NULL DEFAULT 0,
		usage JSONB NOT NULL DEFAULT '{}',
		limits JSONB NOT NULL DEFAULT '{}',
		is_trialing BOOLEAN NOT NULL DEFAULT false,
		trial_start TIMESTAMPTZ,
		trial_end TIMESTAMPTZ,
		current_period_start TIMESTAMPTZ NOT NULL,
		current_period_end TIMESTAMPTZ NOT NULL,
		canceled_at TIMESTAMPTZ,
		version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS security_events (
		id UUID PRIMARY KEY,
		event_type TEXT NOT NULL,
		severity TEXT NOT NULL CHECK (severity IN ('low', 'medium', 'high', 'critical')),
		description TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		user_id TEXT,
		ip_address TEXT,
		user_agent TEXT,
		resolved BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ip_blocks (
		ip TEXT PRIMARY KEY,
		reason TEXT NOT NULL,
		blocked_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		key_hash TEXT UNIQUE NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT true,
		rate_limit INT NOT NULL DEFAULT 0,
		rate_window_secs INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	DROP INDEX IF EXISTS idx_subscriptions_user;
	DROP INDEX IF EXISTS idx_subscriptions_business;
	CREATE UNIQUE INDEX IF NOT EXISTS uq_subscriptions_user ON subscriptions(user_id) WHERE business_id IS NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS uq_subscriptions_business ON subscriptions(business_id) WHERE business_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_security_events_created ON security_events(created_at);
	CREATE INDEX IF NOT EXISTS idx_security_events_user ON security_events(user_id);
	CREATE INDEX IF NOT EXISTS idx_security_events_ip ON security_events(ip_address);
	CREATE INDEX IF NOT EXISTS idx_ip_blocks_expires ON ip_blocks(expires_at);
	CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id);
	`
	_, err := d.conn.ExecContext(ctx, schema)
	return err
}
