package handlers

import (
	"net/http"
	"strconv"
	"time"

	"crossarb/internal/service"
)

// NotificationHandler отдаёт журнал алертов оператору
//
// Endpoints:
// - GET /api/v1/notifications - последние уведомления
// - GET /api/v1/notifications?limit=50 - с ограничением количества
type NotificationHandler struct {
	notificationService service.NotificationServiceInterface
}

// NewNotificationHandler создает новый NotificationHandler с внедрением зависимости
func NewNotificationHandler(notificationService service.NotificationServiceInterface) *NotificationHandler {
	return &NotificationHandler{
		notificationService: notificationService,
	}
}

// GetNotificationsResponse представляет ответ списка уведомлений
type GetNotificationsResponse struct {
	Notifications []NotificationDTO `json:"notifications"`
	Total         int               `json:"total"`
}

// NotificationDTO представляет уведомление в API
type NotificationDTO struct {
	ID        int                    `json:"id"`
	Timestamp string                 `json:"timestamp"`
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// GetNotifications возвращает последние уведомления (новые сверху)
//
// GET /api/v1/notifications
//
// Query параметры:
// - limit (int): количество записей (по умолчанию 100, максимум 500)
func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	notifications, err := h.notificationService.GetNotifications(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get notifications", err.Error())
		return
	}

	dtos := make([]NotificationDTO, 0, len(notifications))
	for _, n := range notifications {
		dtos = append(dtos, NotificationDTO{
			ID:        n.ID,
			Timestamp: n.Timestamp.Format(time.RFC3339),
			Type:      n.Type,
			Severity:  n.Severity,
			Message:   n.Message,
			Meta:      n.Meta,
		})
	}

	respondJSON(w, http.StatusOK, GetNotificationsResponse{
		Notifications: dtos,
		Total:         len(dtos),
	})
}
