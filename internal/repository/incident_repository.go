package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"crossarb/internal/models"
)

// IncidentRepository - журнал инцидентов (ошибки хеджа, неудачные отмены)
type IncidentRepository struct {
	db *sql.DB
}

// NewIncidentRepository создает новый экземпляр репозитория
func NewIncidentRepository(db *sql.DB) *IncidentRepository {
	return &IncidentRepository{db: db}
}

// RecordIncident сохраняет инцидент
func (r *IncidentRepository) RecordIncident(ctx context.Context, level, message string, details map[string]interface{}) error {
	encoded, err := encodeJSON(details)
	if err != nil {
		return fmt.Errorf("encode incident details: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO incidents (level, message, details, created_at) VALUES ($1, $2, $3, $4)`,
		level, message, encoded, time.Now().UTC())
	return err
}

// GetRecentIncidents возвращает последние limit инцидентов
func (r *IncidentRepository) GetRecentIncidents(ctx context.Context, limit int) ([]*models.Incident, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, level, message, details, created_at
		FROM incidents
		ORDER BY id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incidents []*models.Incident
	for rows.Next() {
		inc := &models.Incident{}
		var details []byte
		if err := rows.Scan(&inc.ID, &inc.Level, &inc.Message, &details, &inc.CreatedAt); err != nil {
			return nil, err
		}
		if inc.Details, err = decodeJSON(details); err != nil {
			return nil, fmt.Errorf("decode incident details: %w", err)
		}
		incidents = append(incidents, inc)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return incidents, nil
}
