package service

import (
	"context"
	"time"

	"crossarb/internal/bot"
	"crossarb/internal/models"
	"crossarb/internal/repository"
)

// NotificationRepositoryInterface определяет интерфейс репозитория уведомлений
type NotificationRepositoryInterface interface {
	Create(ctx context.Context, notif *models.Notification) error
	GetRecent(ctx context.Context, limit int) ([]*models.Notification, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// WebSocketBroadcaster - интерфейс для отправки WebSocket сообщений
//
// Позволяет избежать циклических зависимостей между пакетами
// и упрощает тестирование (можно подставить mock)
type WebSocketBroadcaster interface {
	BroadcastNotification(notif *models.Notification)
}

// Проверяем, что реальный репозиторий реализует интерфейс
var _ NotificationRepositoryInterface = (*repository.NotificationRepository)(nil)

// ============ Интерфейсы сервисов для Dependency Injection ============

// NotificationServiceInterface определяет интерфейс сервиса уведомлений
type NotificationServiceInterface interface {
	SendMessage(ctx context.Context, text string) bool
	GetNotifications(ctx context.Context, limit int) ([]*models.Notification, error)
}

// Проверяем, что реальный сервис реализует интерфейсы
var _ NotificationServiceInterface = (*NotificationService)(nil)
var _ bot.Notifier = (*NotificationService)(nil)
