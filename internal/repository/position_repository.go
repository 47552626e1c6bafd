package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"crossarb/internal/models"
)

// PositionRepository - чистая позиция по событию
type PositionRepository struct {
	db *sql.DB
}

// NewPositionRepository создает новый экземпляр репозитория
func NewPositionRepository(db *sql.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// UpsertPosition сохраняет позицию, перезаписывая предыдущую
func (r *PositionRepository) UpsertPosition(ctx context.Context, position *models.Position) error {
	updatedAt := position.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO positions (event_id, net_position, last_price, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO UPDATE SET
			net_position = EXCLUDED.net_position,
			last_price = EXCLUDED.last_price,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		position.EventID,
		position.NetPosition,
		position.LastPrice,
		updatedAt,
	)
	return err
}

// GetPosition возвращает позицию по событию; nil, если её ещё нет
func (r *PositionRepository) GetPosition(ctx context.Context, eventID string) (*models.Position, error) {
	query := `
		SELECT event_id, net_position, last_price, updated_at
		FROM positions
		WHERE event_id = $1`

	p := &models.Position{}
	err := r.db.QueryRowContext(ctx, query, eventID).Scan(
		&p.EventID,
		&p.NetPosition,
		&p.LastPrice,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return p, nil
}
