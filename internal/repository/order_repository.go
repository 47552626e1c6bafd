package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"crossarb/internal/models"
)

// Ошибки репозитория ордеров
var (
	ErrOrderNotFound = errors.New("order not found")
)

// pgUniqueViolation - код ошибки postgres для нарушения уникальности
const pgUniqueViolation = "23505"

// OrderRepository - работа с таблицами orders, fills и order_events
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository создает новый экземпляр репозитория
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// SaveOrder сохраняет ордер; повторное сохранение обновляет статус
func (r *OrderRepository) SaveOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (order_key, order_id, client_order_id, market_id, exchange, side, order_type,
			price, size, filled_size, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (order_key) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`

	createdAt := order.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, query,
		order.Key(),
		order.OrderID,
		order.ClientOrderID,
		order.MarketID,
		order.Exchange,
		string(order.Side),
		string(order.Type),
		order.Price,
		order.Size,
		order.FilledSize,
		string(order.Status),
		createdAt,
		time.Now().UTC(),
	)
	return err
}

// GetOrder возвращает ордер по ключу или client id
func (r *OrderRepository) GetOrder(ctx context.Context, orderRef string) (*models.Order, error) {
	query := `
		SELECT order_id, client_order_id, market_id, exchange, side, order_type, price, size, filled_size, status, created_at
		FROM orders
		WHERE order_key = $1 OR client_order_id = $1
		LIMIT 1`

	order := &models.Order{}
	var side, orderType, status string
	err := r.db.QueryRowContext(ctx, query, orderRef).Scan(
		&order.OrderID,
		&order.ClientOrderID,
		&order.MarketID,
		&order.Exchange,
		&side,
		&orderType,
		&order.Price,
		&order.Size,
		&order.FilledSize,
		&status,
		&order.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	order.Side = models.Side(side)
	order.Type = models.OrderType(orderType)
	order.Status = models.OrderStatus(status)
	return order, nil
}

// UpdateOrderStatus обновляет статус ордера
func (r *OrderRepository) UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error {
	query := `
		UPDATE orders
		SET status = $1, updated_at = $2
		WHERE order_key = $3 OR client_order_id = $3`

	result, err := r.db.ExecContext(ctx, query, string(status), time.Now().UTC(), orderID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrOrderNotFound
	}

	return nil
}

// UpdateOrderFill записывает fill и увеличивает filled_size не выше size
//
// Fill с уже известным ключом дедупликации (23505) считается записанным:
// транзакция откатывается, ошибка не возвращается. Fill по ордеру,
// которого нет в таблице, сохраняется без обновления orders.
func (r *OrderRepository) UpdateOrderFill(ctx context.Context, orderID string, increment decimal.Decimal, fill *models.Fill) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fill tx: %w", err)
	}

	if fill != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO fills (dedup_key, fill_id, order_id, market_id, exchange, side, price, size, fee, filled_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			fill.DedupKey(),
			fill.FillID,
			orderID,
			fill.MarketID,
			fill.Exchange,
			string(fill.Side),
			fill.Price,
			fill.Size,
			fill.Fee,
			fill.Timestamp.UTC(),
		)
		if err != nil {
			tx.Rollback()
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
				return nil
			}
			return fmt.Errorf("insert fill: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET filled_size = LEAST(size, filled_size + $1), updated_at = $2
		WHERE order_key = $3 OR client_order_id = $3`,
		increment, time.Now().UTC(), orderID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("update filled size: %w", err)
	}

	return tx.Commit()
}

// FetchFillKeys возвращает ключи дедупликации всех записанных fill
func (r *OrderRepository) FetchFillKeys(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT dedup_key FROM fills`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return keys, nil
}

// LogOrderEvent пишет этап жизненного цикла ордера
func (r *OrderRepository) LogOrderEvent(ctx context.Context, orderID, stage string, payload map[string]interface{}) error {
	encoded, err := encodeJSON(payload)
	if err != nil {
		return fmt.Errorf("encode order event payload: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO order_events (order_id, stage, payload, created_at) VALUES ($1, $2, $3, $4)`,
		orderID, stage, encoded, time.Now().UTC())
	return err
}

// GetOrderEvents возвращает журнал этапов ордера в хронологическом порядке
func (r *OrderRepository) GetOrderEvents(ctx context.Context, orderID string) ([]OrderEvent, error) {
	query := `
		SELECT stage, payload, created_at
		FROM order_events
		WHERE order_id = $1
		ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []OrderEvent
	for rows.Next() {
		var (
			e   OrderEvent
			raw []byte
		)
		if err := rows.Scan(&e.Stage, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Payload, err = decodeJSON(raw); err != nil {
			return nil, fmt.Errorf("decode order event payload: %w", err)
		}
		e.OrderID = orderID
		events = append(events, e)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

// OrderEvent - запись журнала этапов ордера
type OrderEvent struct {
	OrderID   string                 `json:"order_id"`
	Stage     string                 `json:"stage"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
