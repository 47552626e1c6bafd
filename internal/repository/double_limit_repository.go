package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"crossarb/internal/models"
)

var (
	ErrDoubleLimitNotFound = errors.New("double limit record not found")
)

// DoubleLimitRepository - записи связок двух лимитных ордеров
type DoubleLimitRepository struct {
	db *sql.DB
}

// NewDoubleLimitRepository создает новый экземпляр репозитория
func NewDoubleLimitRepository(db *sql.DB) *DoubleLimitRepository {
	return &DoubleLimitRepository{db: db}
}

// SaveDoubleLimitPair сохраняет новую запись
func (r *DoubleLimitRepository) SaveDoubleLimitPair(ctx context.Context, record *models.DoubleLimitRecord) error {
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	query := `
		INSERT INTO double_limits (id, pair_key, order_a_ref, order_a_client_id, order_a_exchange,
			order_b_ref, order_b_client_id, order_b_exchange, state, triggered_order_id, cancelled_order_id,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.db.ExecContext(ctx, query,
		record.ID,
		record.PairKey,
		record.OrderARef,
		record.OrderAClientID,
		record.OrderAExchange,
		record.OrderBRef,
		record.OrderBClientID,
		record.OrderBExchange,
		string(record.State),
		nullString(record.TriggeredOrderID),
		nullString(record.CancelledOrderID),
		record.CreatedAt,
		record.UpdatedAt,
	)
	return err
}

// GetDoubleLimitByOrder ищет запись по ref или client id любой ноги; nil, если нет
func (r *DoubleLimitRepository) GetDoubleLimitByOrder(ctx context.Context, orderRef string) (*models.DoubleLimitRecord, error) {
	query := `
		SELECT id, pair_key, order_a_ref, order_a_client_id, order_a_exchange,
			order_b_ref, order_b_client_id, order_b_exchange, state, triggered_order_id, cancelled_order_id,
			created_at, updated_at
		FROM double_limits
		WHERE order_a_ref = $1 OR order_a_client_id = $1 OR order_b_ref = $1 OR order_b_client_id = $1
		ORDER BY created_at DESC
		LIMIT 1`

	rec := &models.DoubleLimitRecord{}
	var state string
	var triggered, cancelled sql.NullString
	err := r.db.QueryRowContext(ctx, query, orderRef).Scan(
		&rec.ID,
		&rec.PairKey,
		&rec.OrderARef,
		&rec.OrderAClientID,
		&rec.OrderAExchange,
		&rec.OrderBRef,
		&rec.OrderBClientID,
		&rec.OrderBExchange,
		&state,
		&triggered,
		&cancelled,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	rec.State = models.DoubleLimitState(state)
	rec.TriggeredOrderID = triggered.String
	rec.CancelledOrderID = cancelled.String
	return rec, nil
}

// UpdateDoubleLimitState меняет состояние записи.
// Пустые id ордеров не затирают уже сохранённые значения.
func (r *DoubleLimitRepository) UpdateDoubleLimitState(ctx context.Context, recordID string, state models.DoubleLimitState, triggeredOrderID, cancelledOrderID string) error {
	query := `
		UPDATE double_limits
		SET state = $1,
			triggered_order_id = COALESCE($2, triggered_order_id),
			cancelled_order_id = COALESCE($3, cancelled_order_id),
			updated_at = $4
		WHERE id = $5`

	result, err := r.db.ExecContext(ctx, query,
		string(state),
		nullString(triggeredOrderID),
		nullString(cancelledOrderID),
		time.Now().UTC(),
		recordID,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrDoubleLimitNotFound
	}

	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
