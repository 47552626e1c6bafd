package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// Venue - унифицированный интерфейс торговой площадки
//
// Реализация одна на площадку; ядро не знает ни подписи запросов,
// ни формата эндпоинтов.
type Venue interface {
	// Name возвращает имя площадки (ключ маршрутизации в ядре)
	Name() string

	// PlaceLimitOrder размещает лимитный ордер
	PlaceLimitOrder(ctx context.Context, marketID string, side models.Side, price, size decimal.Decimal, clientOrderID string) (*models.Order, error)

	// PlaceMarketOrder размещает рыночный ордер (нога хеджа)
	PlaceMarketOrder(ctx context.Context, marketID string, side models.Side, size decimal.Decimal, clientOrderID string) (*models.Order, error)

	// CancelOrder отменяет ордер; отказ площадки возвращается ошибкой
	CancelOrder(ctx context.Context, orderID string) (bool, error)

	// GetOrderBook получает стакан, уровни от лучшего к худшему
	GetOrderBook(ctx context.Context, marketID string) (*OrderBook, error)

	// GetBalances возвращает доступные остатки по активам
	GetBalances(ctx context.Context) (map[string]decimal.Decimal, error)
}

// FillListener - push-доставка исполнений
//
// ListenFills блокируется до отмены ctx и вызывает handler на каждое сообщение.
type FillListener interface {
	ListenFills(ctx context.Context, handler func(raw []byte)) error
}

// FillPoller - pull-доставка исполнений
type FillPoller interface {
	FetchUserTrades(ctx context.Context, since time.Time) ([]*models.Fill, error)
}

// FillDecoder превращает push-сообщение площадки в Fill.
// nil без ошибки означает «сообщение не об исполнении».
type FillDecoder func(exchange string, raw []byte) (*models.Fill, error)

// OrderBook представляет стакан ордеров
type OrderBook struct {
	MarketID  string                 `json:"market_id"`
	Bids      []utils.OrderBookLevel `json:"bids"` // заявки на покупку, по убыванию цены
	Asks      []utils.OrderBookLevel `json:"asks"` // заявки на продажу, по возрастанию цены
	Timestamp time.Time              `json:"-"`
}

// Depth возвращает сторону стакана, по которой исполнится рыночный ордер side
func (ob *OrderBook) Depth(side models.Side) []utils.OrderBookLevel {
	if side == models.SideBuy {
		return ob.Asks
	}
	return ob.Bids
}

// ExchangeError представляет ошибку от площадки
//
// Recoverable = true для сетевых сбоев, 429 и 5xx: транспорт повторит запрос.
type ExchangeError struct {
	Exchange    string
	Code        string
	Message     string
	Recoverable bool
	Original    error
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return e.Exchange + ": " + e.Code + " " + e.Message
	}
	return e.Exchange + ": " + e.Message
}

// Unwrap возвращает оригинальную ошибку для errors.Is() и errors.As()
func (e *ExchangeError) Unwrap() error {
	return e.Original
}

// Retryable реализует retry.RetryableError
func (e *ExchangeError) Retryable() bool {
	return e.Recoverable
}
