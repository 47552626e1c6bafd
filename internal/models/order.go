package models

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side - сторона ордера
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite возвращает противоположную сторону (сторона хеджа)
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ParseSide приводит строку площадки к Side; всё, что не SELL, считается BUY
func ParseSide(raw string) Side {
	if strings.EqualFold(strings.TrimSpace(raw), string(SideSell)) {
		return SideSell
	}
	return SideBuy
}

// OrderType - тип ордера
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus - статус ордера в хранилище
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// Order - ордер на площадке
//
// Идентификаторы неизменяемы; FilledSize меняется только событиями fill/cancel
// и никогда не превышает Size.
type Order struct {
	OrderID       string          `json:"order_id" db:"order_id"`
	ClientOrderID string          `json:"client_order_id" db:"client_order_id"`
	MarketID      string          `json:"market_id" db:"market_id"`
	Exchange      string          `json:"exchange" db:"exchange"`
	Side          Side            `json:"side" db:"side"`
	Type          OrderType       `json:"type" db:"order_type"`
	Price         decimal.Decimal `json:"price" db:"price"`
	Size          decimal.Decimal `json:"size" db:"size"`
	FilledSize    decimal.Decimal `json:"filled_size" db:"filled_size"`
	Status        OrderStatus     `json:"status" db:"status"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Key - локальный ключ ордера: id площадки, либо client id
func (o *Order) Key() string {
	if o.OrderID != "" {
		return o.OrderID
	}
	return o.ClientOrderID
}

// Fill - отчёт об исполнении, неизменяем после получения
type Fill struct {
	FillID    string          `json:"fill_id,omitempty" db:"fill_id"`
	OrderID   string          `json:"order_id" db:"order_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Exchange  string          `json:"exchange" db:"exchange"`
	Side      Side            `json:"side" db:"side"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Size      decimal.Decimal `json:"size" db:"size"`
	Fee       decimal.Decimal `json:"fee" db:"fee"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Trade - результат хеджа, создаётся ровно один раз на успешный хедж
type Trade struct {
	ID            int64           `json:"id" db:"id"`
	EntryOrderID  string          `json:"entry_order_id" db:"entry_order_id"`
	HedgeOrderID  string          `json:"hedge_order_id" db:"hedge_order_id"` // через запятую при нескольких ногах
	EventID       string          `json:"event_id" db:"event_id"`
	EntryExchange string          `json:"entry_exchange" db:"entry_exchange"`
	HedgeExchange string          `json:"hedge_exchange" db:"hedge_exchange"`
	EntryPrice    decimal.Decimal `json:"entry_price" db:"entry_price"`
	HedgePrice    decimal.Decimal `json:"hedge_price" db:"hedge_price"`
	Size          decimal.Decimal `json:"size" db:"size"`
	HedgeSize     decimal.Decimal `json:"hedge_size" db:"hedge_size"`
	PnLEstimate   decimal.Decimal `json:"pnl_estimate" db:"pnl_estimate"`
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
}

// Position - чистая позиция по событию (+ BUY, - SELL)
type Position struct {
	EventID     string          `json:"event_id" db:"event_id"`
	NetPosition decimal.Decimal `json:"net_position" db:"net_position"`
	LastPrice   decimal.Decimal `json:"last_price" db:"last_price"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// DedupKey - ключ дедупликации fill: площадка, fill id (или order id), время в мс
func (f *Fill) DedupKey() string {
	ref := f.FillID
	if ref == "" {
		ref = f.OrderID
	}
	return f.Exchange + ":" + ref + ":" + strconv.FormatInt(f.Timestamp.UnixMilli(), 10)
}
