package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"crossarb/internal/models"
)

// NotificationRepository - работа с таблицей notifications
//
// Функции:
// - Create: сохранить уведомление оператору
// - GetRecent: последние N уведомлений (новые первыми)
// - DeleteOlderThan: очистка старых уведомлений
type NotificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository создает новый экземпляр репозитория
func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create сохраняет уведомление и проставляет ему ID
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	meta, err := encodeJSON(n.Meta)
	if err != nil {
		return fmt.Errorf("encode notification meta: %w", err)
	}

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO notifications (timestamp, type, severity, message, meta)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	return r.db.QueryRowContext(ctx, query,
		n.Timestamp,
		n.Type,
		n.Severity,
		n.Message,
		meta,
	).Scan(&n.ID)
}

// GetRecent возвращает последние limit уведомлений
func (r *NotificationRepository) GetRecent(ctx context.Context, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, timestamp, type, severity, message, meta
		FROM notifications
		ORDER BY timestamp DESC, id DESC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []*models.Notification
	for rows.Next() {
		n := &models.Notification{}
		var meta []byte
		if err := rows.Scan(&n.ID, &n.Timestamp, &n.Type, &n.Severity, &n.Message, &meta); err != nil {
			return nil, err
		}
		if n.Meta, err = decodeJSON(meta); err != nil {
			return nil, fmt.Errorf("decode notification meta: %w", err)
		}
		notifications = append(notifications, n)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return notifications, nil
}

// DeleteOlderThan удаляет уведомления старше before, возвращает число удалённых
func (r *NotificationRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM notifications WHERE timestamp < $1`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
