package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// Лимиты выборки уведомлений
const (
	defaultNotificationLimit = 100
	maxNotificationLimit     = 500
)

// NotificationService доставляет алерты ядра оператору.
//
// Отвечает за:
// - Классификацию текста алерта (тип, важность)
// - Сохранение уведомления в БД
// - Broadcast через WebSocket hub
// - Очистку старых уведомлений
//
// SendMessage никогда не возвращает ошибку: ядро не должно
// останавливаться из-за недоступного канала уведомлений.
type NotificationService struct {
	notificationRepo NotificationRepositoryInterface
	wsHub            WebSocketBroadcaster
	logger           *utils.Logger
}

// NewNotificationService создает новый экземпляр NotificationService.
func NewNotificationService(notificationRepo NotificationRepositoryInterface, logger *utils.Logger) *NotificationService {
	if logger == nil {
		logger = utils.L()
	}
	return &NotificationService{
		notificationRepo: notificationRepo,
		logger:           logger.WithComponent("notifications"),
	}
}

// SetWebSocketHub устанавливает WebSocket hub для broadcast уведомлений.
//
// Вызывается после инициализации Hub в main.go:
//
//	notifService := service.NewNotificationService(store.Notifications, logger)
//	notifService.SetWebSocketHub(wsHub)
func (s *NotificationService) SetWebSocketHub(hub WebSocketBroadcaster) {
	s.wsHub = hub
}

// SendMessage сохраняет и рассылает текстовый алерт.
// false - уведомление не удалось сохранить (broadcast всё равно выполняется).
func (s *NotificationService) SendMessage(ctx context.Context, text string) bool {
	notifType, severity := models.ClassifyMessage(text)
	notif := &models.Notification{
		Timestamp: time.Now().UTC(),
		Type:      notifType,
		Severity:  severity,
		Message:   text,
	}

	s.log(severity, "operator alert", zap.String("type", notifType), zap.String("message", text))

	delivered := true
	if s.notificationRepo != nil {
		if err := s.notificationRepo.Create(ctx, notif); err != nil {
			s.logger.Warn("failed to persist notification", zap.Error(err), zap.String("type", notifType))
			delivered = false
		}
	}

	// Broadcast через WebSocket hub для real-time обновления UI
	if s.wsHub != nil {
		s.wsHub.BroadcastNotification(notif)
	}

	return delivered
}

// GetNotifications возвращает последние уведомления (новые сверху).
func (s *NotificationService) GetNotifications(ctx context.Context, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = defaultNotificationLimit
	}
	if limit > maxNotificationLimit {
		limit = maxNotificationLimit
	}
	return s.notificationRepo.GetRecent(ctx, limit)
}

// CleanupOld удаляет уведомления старше maxAge.
func (s *NotificationService) CleanupOld(ctx context.Context, maxAge time.Duration) (int64, error) {
	return s.notificationRepo.DeleteOlderThan(ctx, time.Now().UTC().Add(-maxAge))
}

// RunRetention раз в interval удаляет уведомления старше maxAge, пока ctx не отменён.
func (s *NotificationService) RunRetention(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.CleanupOld(ctx, maxAge)
			if err != nil {
				s.logger.Warn("notification cleanup failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				s.logger.Debug("old notifications removed", zap.Int64("deleted", deleted))
			}
		}
	}
}

func (s *NotificationService) log(severity, msg string, fields ...zap.Field) {
	switch severity {
	case models.SeverityError:
		s.logger.Error(msg, fields...)
	case models.SeverityWarn:
		s.logger.Warn(msg, fields...)
	default:
		s.logger.Info(msg, fields...)
	}
}
