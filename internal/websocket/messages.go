package websocket

import (
	"time"

	"crossarb/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeNotification - алерт ядра (хедж, ошибка хеджа, автоотмена, остановка пары)
	MessageTypeNotification MessageType = "notification"

	// MessageTypeHello - первое сообщение после подключения
	MessageTypeHello MessageType = "hello"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// NotificationMessage - сообщение о новом уведомлении
type NotificationMessage struct {
	BaseMessage
	Data *NotificationData `json:"data"`
}

// NotificationData - данные уведомления
type NotificationData struct {
	// ID уведомления в БД (0, если сохранить не удалось)
	ID int `json:"id"`

	// Тип уведомления (HEDGE, HEDGE_FAILURE, CANCEL_FAILURE, AUTO_CANCEL, PAIR, INFO)
	Type string `json:"type"`

	// Уровень важности (info, warn, error)
	Severity string `json:"severity"`

	Message string                 `json:"message"`
	Meta    map[string]interface{} `json:"meta,omitempty"`

	// Время создания уведомления
	Timestamp time.Time `json:"timestamp"`
}

// HelloMessage - приветствие с числом подключенных операторов
type HelloMessage struct {
	BaseMessage
	Clients int `json:"clients"`
}

// NewNotificationMessage создает сообщение уведомления
func NewNotificationMessage(notif *models.Notification) *NotificationMessage {
	return &NotificationMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeNotification,
			Timestamp: time.Now(),
		},
		Data: &NotificationData{
			ID:        notif.ID,
			Type:      notif.Type,
			Severity:  notif.Severity,
			Message:   notif.Message,
			Meta:      notif.Meta,
			Timestamp: notif.Timestamp,
		},
	}
}

// NewHelloMessage создает приветственное сообщение
func NewHelloMessage(clients int) *HelloMessage {
	return &HelloMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeHello,
			Timestamp: time.Now(),
		},
		Clients: clients,
	}
}
