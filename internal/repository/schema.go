package repository

import (
	"context"
	"database/sql"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// schema - таблицы хранилища; создаются при старте, если их нет
var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		order_key VARCHAR(128) PRIMARY KEY,
		order_id VARCHAR(128) NOT NULL DEFAULT '',
		client_order_id VARCHAR(128) NOT NULL,
		market_id VARCHAR(128) NOT NULL,
		exchange VARCHAR(50) NOT NULL,
		side VARCHAR(4) NOT NULL,
		order_type VARCHAR(10) NOT NULL,
		price NUMERIC(30, 10) NOT NULL,
		size NUMERIC(30, 10) NOT NULL,
		filled_size NUMERIC(30, 10) NOT NULL DEFAULT 0,
		status VARCHAR(20) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_client_id ON orders (client_order_id)`,
	`CREATE TABLE IF NOT EXISTS fills (
		dedup_key VARCHAR(256) PRIMARY KEY,
		fill_id VARCHAR(128) NOT NULL DEFAULT '',
		order_id VARCHAR(128) NOT NULL,
		market_id VARCHAR(128) NOT NULL DEFAULT '',
		exchange VARCHAR(50) NOT NULL,
		side VARCHAR(4) NOT NULL,
		price NUMERIC(30, 10) NOT NULL,
		size NUMERIC(30, 10) NOT NULL,
		fee NUMERIC(30, 10) NOT NULL DEFAULT 0,
		filled_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS double_limits (
		id VARCHAR(64) PRIMARY KEY,
		pair_key VARCHAR(256) NOT NULL,
		order_a_ref VARCHAR(128) NOT NULL,
		order_a_client_id VARCHAR(128) NOT NULL DEFAULT '',
		order_a_exchange VARCHAR(50) NOT NULL,
		order_b_ref VARCHAR(128) NOT NULL,
		order_b_client_id VARCHAR(128) NOT NULL DEFAULT '',
		order_b_exchange VARCHAR(50) NOT NULL,
		state VARCHAR(16) NOT NULL,
		triggered_order_id VARCHAR(128),
		cancelled_order_id VARCHAR(128),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_double_limits_a ON double_limits (order_a_ref)`,
	`CREATE INDEX IF NOT EXISTS idx_double_limits_b ON double_limits (order_b_ref)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id BIGSERIAL PRIMARY KEY,
		entry_order_id VARCHAR(128) NOT NULL,
		hedge_order_id TEXT NOT NULL,
		event_id VARCHAR(128) NOT NULL,
		entry_exchange VARCHAR(50) NOT NULL,
		hedge_exchange VARCHAR(200) NOT NULL,
		entry_price NUMERIC(30, 10) NOT NULL,
		hedge_price NUMERIC(30, 10) NOT NULL,
		size NUMERIC(30, 10) NOT NULL,
		hedge_size NUMERIC(30, 10) NOT NULL,
		pnl_estimate NUMERIC(30, 10) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS incidents (
		id BIGSERIAL PRIMARY KEY,
		level VARCHAR(10) NOT NULL,
		message TEXT NOT NULL,
		details JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS order_events (
		id BIGSERIAL PRIMARY KEY,
		order_id VARCHAR(128) NOT NULL,
		stage VARCHAR(32) NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS positions (
		event_id VARCHAR(128) PRIMARY KEY,
		net_position NUMERIC(30, 10) NOT NULL,
		last_price NUMERIC(30, 10) NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id SERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		type VARCHAR(50) NOT NULL,
		severity VARCHAR(10) NOT NULL DEFAULT 'info',
		message TEXT NOT NULL,
		meta JSONB NOT NULL DEFAULT '{}'
	)`,
}

// Migrate создаёт недостающие таблицы и индексы
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// encodeJSON сериализует map для JSONB колонки; nil = "{}"
func encodeJSON(v map[string]interface{}) (string, error) {
	if len(v) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeJSON разбирает JSONB колонку; пустое значение = nil
func decodeJSON(raw []byte) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
