package bot

import (
	"context"
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"

	"crossarb/internal/exchange"
	"crossarb/internal/models"
)

// ============================================================
// Контракты внешних коллабораторов ядра
// ============================================================
//
// Ядро не знает о конкретном хранилище: repository.Store реализует
// все интерфейсы ниже, в тестах их реализует fakeStore.

// StatusWriter - сохранение статуса ордера (нужен машине состояний)
type StatusWriter interface {
	UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error
}

// IncidentRecorder - журнал инцидентов
type IncidentRecorder interface {
	RecordIncident(ctx context.Context, level, message string, details map[string]interface{}) error
}

// OrderStore - операции OrderManager над хранилищем
type OrderStore interface {
	StatusWriter
	IncidentRecorder

	SaveOrder(ctx context.Context, order *models.Order) error
	// UpdateOrderFill увеличивает filled_size (не выше size) и сохраняет fill
	UpdateOrderFill(ctx context.Context, orderID string, increment decimal.Decimal, fill *models.Fill) error

	SaveDoubleLimitPair(ctx context.Context, record *models.DoubleLimitRecord) error
	// GetDoubleLimitByOrder ищет запись по ref или client id любой ноги, nil если нет
	GetDoubleLimitByOrder(ctx context.Context, orderRef string) (*models.DoubleLimitRecord, error)
	UpdateDoubleLimitState(ctx context.Context, recordID string, state models.DoubleLimitState, triggeredOrderID, cancelledOrderID string) error

	// LogOrderEvent - журнал этапов ордера, best-effort
	LogOrderEvent(ctx context.Context, orderID, stage string, payload map[string]interface{}) error
}

// TradeStore - транзакционная запись результата хеджа
//
// Транзакция - driver.Tx (Commit/Rollback), SaveTrade пишет в её рамках.
type TradeStore interface {
	IncidentRecorder

	BeginTx(ctx context.Context) (driver.Tx, error)
	SaveTrade(ctx context.Context, tx driver.Tx, trade *models.Trade) error
}

// PositionStore - хранение чистой позиции по событию
type PositionStore interface {
	UpsertPosition(ctx context.Context, position *models.Position) error
	// GetPosition возвращает nil, если позиции ещё нет
	GetPosition(ctx context.Context, eventID string) (*models.Position, error)
}

// FillKeySource - ключи уже обработанных fill для затравки дедупликации
type FillKeySource interface {
	FetchFillKeys(ctx context.Context) ([]string, error)
}

// Notifier - алерты оператору, best-effort
type Notifier interface {
	SendMessage(ctx context.Context, text string) bool
}

// MarketMapper - двунаправленное соответствие рынков площадок
type MarketMapper interface {
	FindCounterpart(sourceVenue, targetVenue, marketID string) (string, bool)
}

// HedgeExecutor - исполнитель хеджа (Hedger или тестовый двойник)
type HedgeExecutor interface {
	Hedge(ctx context.Context, req HedgeRequest) (*HedgeResult, error)
}

// ============================================================
// Источники клиентов площадок
// ============================================================

// VenueSource выдаёт клиент площадки на время одной операции.
// release обязателен к вызову и возвращает аккаунт в пул.
type VenueSource interface {
	Acquire(ctx context.Context, venue string) (client exchange.Venue, release func(), err error)
}

// StaticVenues - фиксированные клиенты по имени площадки
type StaticVenues map[string]exchange.Venue

// Acquire возвращает клиент без резервирования
func (s StaticVenues) Acquire(_ context.Context, venue string) (exchange.Venue, func(), error) {
	client, ok := s[venue]
	if !ok || client == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownVenue, venue)
	}
	return client, func() {}, nil
}

type nopNotifier struct{}

func (nopNotifier) SendMessage(context.Context, string) bool { return false }
