package models

import (
	"strings"
	"time"
)

// Notification - сообщение оператору
type Notification struct {
	ID        int                    `json:"id" db:"id"`
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
	Type      string                 `json:"type" db:"type"`
	Severity  string                 `json:"severity" db:"severity"` // info, warn, error
	Message   string                 `json:"message" db:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty" db:"meta"`
}

// Типы уведомлений
const (
	NotificationTypeHedge         = "HEDGE"          // хедж выполнен
	NotificationTypeHedgeFailure  = "HEDGE_FAILURE"  // хедж не выполнен или пропущен
	NotificationTypeCancelFailure = "CANCEL_FAILURE" // превышен порог неудачных отмен
	NotificationTypeAutoCancel    = "AUTO_CANCEL"    // сработал таймер автоотмены
	NotificationTypePair          = "PAIR"           // пара остановлена
	NotificationTypeInfo          = "INFO"
)

// Уровни важности
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// ClassifyMessage определяет тип и важность текстового алерта ядра
func ClassifyMessage(text string) (notificationType, severity string) {
	switch {
	case strings.HasPrefix(text, "[Hedge Failure]"):
		return NotificationTypeHedgeFailure, SeverityError
	case strings.HasPrefix(text, "Cancel failures exceeded"):
		return NotificationTypeCancelFailure, SeverityError
	case strings.HasPrefix(text, "Auto-cancel triggered"):
		return NotificationTypeAutoCancel, SeverityWarn
	case strings.HasPrefix(text, "Hedged "):
		return NotificationTypeHedge, SeverityInfo
	case strings.HasPrefix(text, "Pair "):
		return NotificationTypePair, SeverityWarn
	default:
		return NotificationTypeInfo, SeverityInfo
	}
}

// Incident - запись об инциденте (ошибка хеджа, неудачная отмена)
type Incident struct {
	ID        int64                  `json:"id" db:"id"`
	Level     string                 `json:"level" db:"level"` // WARNING, ERROR
	Message   string                 `json:"message" db:"message"`
	Details   map[string]interface{} `json:"details,omitempty" db:"details"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// Уровни инцидентов
const (
	IncidentWarning = "WARNING"
	IncidentError   = "ERROR"
)
