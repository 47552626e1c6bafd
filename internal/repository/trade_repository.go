package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"time"

	"crossarb/internal/models"
)

var ErrForeignTx = errors.New("transaction was not opened by this repository")

// TradeRepository - запись результатов хеджа
type TradeRepository struct {
	db *sql.DB
}

// NewTradeRepository создает новый экземпляр репозитория
func NewTradeRepository(db *sql.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// BeginTx открывает транзакцию для SaveTrade
func (r *TradeRepository) BeginTx(ctx context.Context) (driver.Tx, error) {
	return r.db.BeginTx(ctx, nil)
}

// SaveTrade пишет сделку в рамках tx и проставляет trade.ID
func (r *TradeRepository) SaveTrade(ctx context.Context, tx driver.Tx, trade *models.Trade) error {
	sqlTx, ok := tx.(*sql.Tx)
	if !ok {
		return ErrForeignTx
	}

	createdAt := trade.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO trades (entry_order_id, hedge_order_id, event_id, entry_exchange, hedge_exchange,
			entry_price, hedge_price, size, hedge_size, pnl_estimate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`

	return sqlTx.QueryRowContext(ctx, query,
		trade.EntryOrderID,
		trade.HedgeOrderID,
		trade.EventID,
		trade.EntryExchange,
		trade.HedgeExchange,
		trade.EntryPrice,
		trade.HedgePrice,
		trade.Size,
		trade.HedgeSize,
		trade.PnLEstimate,
		createdAt,
	).Scan(&trade.ID)
}

// GetTradesByEvent возвращает сделки события, новые первыми
func (r *TradeRepository) GetTradesByEvent(ctx context.Context, eventID string, limit int) ([]*models.Trade, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, entry_order_id, hedge_order_id, event_id, entry_exchange, hedge_exchange,
			entry_price, hedge_price, size, hedge_size, pnl_estimate, created_at
		FROM trades
		WHERE event_id = $1
		ORDER BY id DESC
		LIMIT $2`, eventID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*models.Trade
	for rows.Next() {
		t := &models.Trade{}
		err := rows.Scan(
			&t.ID,
			&t.EntryOrderID,
			&t.HedgeOrderID,
			&t.EventID,
			&t.EntryExchange,
			&t.HedgeExchange,
			&t.EntryPrice,
			&t.HedgePrice,
			&t.Size,
			&t.HedgeSize,
			&t.PnLEstimate,
			&t.Timestamp,
		)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return trades, nil
}
