package repository

import (
	"database/sql"
)

// Store объединяет репозитории таблиц ядра
//
// Реализует bot.OrderStore, bot.TradeStore, bot.PositionStore и
// bot.FillKeySource поверх одного пула соединений.
type Store struct {
	*OrderRepository
	*DoubleLimitRepository
	*TradeRepository
	*PositionRepository
	*IncidentRepository

	Notifications *NotificationRepository
}

// NewStore создает хранилище на db
func NewStore(db *sql.DB) *Store {
	return &Store{
		OrderRepository:       NewOrderRepository(db),
		DoubleLimitRepository: NewDoubleLimitRepository(db),
		TradeRepository:       NewTradeRepository(db),
		PositionRepository:    NewPositionRepository(db),
		IncidentRepository:    NewIncidentRepository(db),
		Notifications:         NewNotificationRepository(db),
	}
}
