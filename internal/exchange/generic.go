package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/models"
	"crossarb/pkg/ratelimit"
	"crossarb/pkg/utils"
)

// Endpoints - пути REST API площадки; {id} в Cancel заменяется id ордера
type Endpoints struct {
	Orders    string
	Cancel    string
	OrderBook string
	Balances  string
	Trades    string
}

// DefaultEndpoints возвращает пути по умолчанию
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Orders:    "/orders",
		Cancel:    "/orders/{id}",
		OrderBook: "/orderbook",
		Balances:  "/balances",
		Trades:    "/trades",
	}
}

// GenericConfig - настройки площадки с JSON REST + WebSocket API
type GenericConfig struct {
	Name              string
	BaseURL           string
	WSURL             string
	Credentials       Credentials
	RequestsPerMinute int
	Burst             int
	Endpoints         Endpoints
	HTTP              HTTPClientConfig
	Stream            StreamConfig
}

// GenericVenue - площадка с унифицированным JSON API
//
// Реализует Venue, FillListener и FillPoller. Все REST вызовы подписываются
// ключами аккаунта и проходят через общий RateLimiter площадки.
type GenericVenue struct {
	cfg    GenericConfig
	rest   *RESTClient
	logger *utils.Logger
}

// NewGenericVenue создаёт клиента площадки
func NewGenericVenue(cfg GenericConfig) (*GenericVenue, error) {
	if cfg.Name == "" {
		return nil, errors.New("venue name required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s: base url required", cfg.Name)
	}
	if cfg.Endpoints == (Endpoints{}) {
		cfg.Endpoints = DefaultEndpoints()
	}
	if cfg.HTTP == (HTTPClientConfig{}) {
		cfg.HTTP = DefaultHTTPClientConfig()
	}
	if cfg.Stream == (StreamConfig{}) {
		cfg.Stream = DefaultStreamConfig()
	}

	var limiter *ratelimit.RateLimiter
	if cfg.RequestsPerMinute > 0 {
		limiter = ratelimit.NewRateLimiter(cfg.RequestsPerMinute, cfg.Burst)
	}

	return &GenericVenue{
		cfg:    cfg,
		rest:   NewRESTClient(cfg.Name, strings.TrimRight(cfg.BaseURL, "/"), cfg.Credentials, limiter, cfg.HTTP),
		logger: utils.L().WithComponent("venue").WithExchange(cfg.Name),
	}, nil
}

// Name возвращает имя площадки
func (v *GenericVenue) Name() string {
	return v.cfg.Name
}

type orderRequest struct {
	MarketID      string           `json:"market_id"`
	Side          models.Side      `json:"side"`
	Type          models.OrderType `json:"type"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Size          decimal.Decimal  `json:"size"`
	ClientOrderID string           `json:"client_order_id"`
}

type orderResponse struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Status        string          `json:"status"`
	Price         decimal.Decimal `json:"price"`
	Size          decimal.Decimal `json:"size"`
	FilledSize    decimal.Decimal `json:"filled_size"`
	CreatedAt     interface{}     `json:"created_at"`
}

// PlaceLimitOrder размещает лимитный ордер
func (v *GenericVenue) PlaceLimitOrder(ctx context.Context, marketID string, side models.Side, price, size decimal.Decimal, clientOrderID string) (*models.Order, error) {
	req := orderRequest{
		MarketID:      marketID,
		Side:          side,
		Type:          models.OrderTypeLimit,
		Price:         &price,
		Size:          size,
		ClientOrderID: clientOrderID,
	}
	return v.placeOrder(ctx, req, models.OrderStatusOpen)
}

// PlaceMarketOrder размещает рыночный ордер
func (v *GenericVenue) PlaceMarketOrder(ctx context.Context, marketID string, side models.Side, size decimal.Decimal, clientOrderID string) (*models.Order, error) {
	req := orderRequest{
		MarketID:      marketID,
		Side:          side,
		Type:          models.OrderTypeMarket,
		Size:          size,
		ClientOrderID: clientOrderID,
	}
	return v.placeOrder(ctx, req, models.OrderStatusFilled)
}

func (v *GenericVenue) placeOrder(ctx context.Context, req orderRequest, defaultStatus models.OrderStatus) (*models.Order, error) {
	var resp orderResponse
	if err := v.rest.Do(ctx, http.MethodPost, v.cfg.Endpoints.Orders, nil, req, true, &resp); err != nil {
		return nil, err
	}
	if resp.OrderID == "" {
		return nil, &ExchangeError{Exchange: v.cfg.Name, Message: "order response without order_id"}
	}

	order := &models.Order{
		OrderID:       resp.OrderID,
		ClientOrderID: req.ClientOrderID,
		MarketID:      req.MarketID,
		Exchange:      v.cfg.Name,
		Side:          req.Side,
		Type:          req.Type,
		Size:          req.Size,
		FilledSize:    resp.FilledSize,
		Status:        parseOrderStatus(resp.Status, defaultStatus),
		CreatedAt:     time.Now().UTC(),
	}
	if resp.ClientOrderID != "" {
		order.ClientOrderID = resp.ClientOrderID
	}
	if req.Price != nil {
		order.Price = *req.Price
	}
	if resp.Price.IsPositive() {
		order.Price = resp.Price
	}
	if resp.Size.IsPositive() {
		order.Size = resp.Size
	}
	if ts, ok := utils.ParseTimestamp(resp.CreatedAt); ok {
		order.CreatedAt = ts
	}

	v.logger.Info("order placed",
		utils.OrderID(order.OrderID),
		utils.MarketID(order.MarketID),
		utils.Side(string(order.Side)),
		utils.String("type", string(order.Type)),
		utils.Price(order.Price),
		utils.Volume(order.Size),
	)
	return order, nil
}

// parseOrderStatus принимает как наши статусы, так и распространённые синонимы
func parseOrderStatus(raw string, fallback models.OrderStatus) models.OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PENDING", "NEW":
		return models.OrderStatusPending
	case "OPEN", "LIVE", "ACCEPTED":
		return models.OrderStatusOpen
	case "PARTIALLY_FILLED", "PARTIAL":
		return models.OrderStatusPartiallyFilled
	case "FILLED", "MATCHED":
		return models.OrderStatusFilled
	case "CANCELED", "CANCELLED":
		return models.OrderStatusCanceled
	case "REJECTED":
		return models.OrderStatusRejected
	default:
		return fallback
	}
}

// CancelOrder отменяет ордер; {"success": false} превращается в ошибку
func (v *GenericVenue) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	path := strings.ReplaceAll(v.cfg.Endpoints.Cancel, "{id}", url.PathEscape(orderID))

	var resp struct {
		Success *bool  `json:"success"`
		Message string `json:"message"`
	}
	if err := v.rest.Do(ctx, http.MethodDelete, path, nil, nil, true, &resp); err != nil {
		return false, err
	}
	if resp.Success != nil && !*resp.Success {
		return false, &ExchangeError{Exchange: v.cfg.Name, Code: "cancel_rejected", Message: resp.Message}
	}

	v.logger.Info("order cancelled", utils.OrderID(orderID))
	return true, nil
}

// GetOrderBook получает стакан рынка
func (v *GenericVenue) GetOrderBook(ctx context.Context, marketID string) (*OrderBook, error) {
	var book OrderBook
	query := url.Values{"market_id": []string{marketID}}
	if err := v.rest.Do(ctx, http.MethodGet, v.cfg.Endpoints.OrderBook, query, nil, false, &book); err != nil {
		return nil, err
	}
	if book.MarketID == "" {
		book.MarketID = marketID
	}
	if err := utils.ValidateOrderBook(book.MarketID, book.Bids, book.Asks); err != nil {
		return nil, err
	}
	if book.Timestamp.IsZero() {
		book.Timestamp = time.Now().UTC()
	}
	return &book, nil
}

// GetBalances возвращает доступные остатки
func (v *GenericVenue) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	var resp struct {
		Balances map[string]decimal.Decimal `json:"balances"`
	}
	if err := v.rest.Do(ctx, http.MethodGet, v.cfg.Endpoints.Balances, nil, nil, true, &resp); err != nil {
		return nil, err
	}
	if resp.Balances == nil {
		resp.Balances = make(map[string]decimal.Decimal)
	}
	return resp.Balances, nil
}

// FetchUserTrades возвращает исполнения не раньше since
func (v *GenericVenue) FetchUserTrades(ctx context.Context, since time.Time) ([]*models.Fill, error) {
	query := url.Values{}
	if !since.IsZero() {
		query.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
	}

	var resp struct {
		Trades []map[string]interface{} `json:"trades"`
	}
	if err := v.rest.Do(ctx, http.MethodGet, v.cfg.Endpoints.Trades, query, nil, true, &resp); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	fills := make([]*models.Fill, 0, len(resp.Trades))
	for _, raw := range resp.Trades {
		fill, err := normalizeFillObject(v.cfg.Name, raw, now)
		if err != nil {
			v.logger.Warn("skip malformed trade", utils.Err(err))
			continue
		}
		if fill != nil {
			fills = append(fills, fill)
		}
	}
	return fills, nil
}

// ListenFills подписывается на приватный канал исполнений и блокируется до отмены ctx
func (v *GenericVenue) ListenFills(ctx context.Context, handler func(raw []byte)) error {
	if v.cfg.WSURL == "" {
		return fmt.Errorf("%s: websocket url not configured", v.cfg.Name)
	}

	stream := NewStream(v.cfg.Name, v.cfg.WSURL, v.cfg.Stream)
	stream.SetOnMessage(handler)
	stream.SetAuth(v.authenticate)
	if err := stream.AddSubscription(map[string]string{"op": "subscribe", "channel": "fills"}); err != nil {
		return err
	}
	if err := stream.Connect(ctx); err != nil {
		return err
	}
	defer stream.Close()

	<-ctx.Done()
	return nil
}

// authenticate отправляет подписанный login: sign(ts, "GET", "/ws/auth", "")
func (v *GenericVenue) authenticate(s *Stream) error {
	if v.cfg.Credentials.APIKey == "" {
		return nil
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return s.Send(map[string]string{
		"op":        "auth",
		"api_key":   v.cfg.Credentials.APIKey,
		"timestamp": ts,
		"signature": v.rest.Sign(ts, http.MethodGet, "/ws/auth", ""),
	})
}

// Close освобождает HTTP соединения
func (v *GenericVenue) Close() error {
	v.rest.Close()
	return nil
}

var (
	_ Venue        = (*GenericVenue)(nil)
	_ FillListener = (*GenericVenue)(nil)
	_ FillPoller   = (*GenericVenue)(nil)
)
