package bot

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/exchange"
	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// ============ Mock Store ============

type storedIncident struct {
	level   string
	message string
	details map[string]interface{}
}

type storedEvent struct {
	orderID string
	stage   string
	payload map[string]interface{}
}

// MockStore реализует OrderStore, TradeStore, PositionStore и FillKeySource
type MockStore struct {
	mu sync.Mutex

	orders       map[string]*models.Order
	statuses     map[string][]models.OrderStatus
	fills        []*models.Fill
	doubleLimits map[string]*models.DoubleLimitRecord
	incidents    []storedIncident
	events       []storedEvent
	trades       []*models.Trade
	positions    map[string]*models.Position
	fillKeys     []string

	begun, committed, rolledBack int

	saveOrderErr       error
	updateFillErr      error
	saveDoubleLimitErr error
	updateStateErr     error
	beginErr           error
	saveTradeErr       error
	fetchKeysErr       error
}

func NewMockStore() *MockStore {
	return &MockStore{
		orders:       make(map[string]*models.Order),
		statuses:     make(map[string][]models.OrderStatus),
		doubleLimits: make(map[string]*models.DoubleLimitRecord),
		positions:    make(map[string]*models.Position),
	}
}

func (m *MockStore) SaveOrder(_ context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveOrderErr != nil {
		return m.saveOrderErr
	}
	copied := *order
	m.orders[order.Key()] = &copied
	return nil
}

func (m *MockStore) UpdateOrderStatus(_ context.Context, orderID string, status models.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[orderID] = append(m.statuses[orderID], status)
	return nil
}

func (m *MockStore) UpdateOrderFill(_ context.Context, orderID string, increment decimal.Decimal, fill *models.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateFillErr != nil {
		return m.updateFillErr
	}
	if o, ok := m.orders[orderID]; ok {
		filled := o.FilledSize.Add(increment)
		if filled.GreaterThan(o.Size) {
			filled = o.Size
		}
		o.FilledSize = filled
	}
	m.fills = append(m.fills, fill)
	return nil
}

func (m *MockStore) SaveDoubleLimitPair(_ context.Context, record *models.DoubleLimitRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveDoubleLimitErr != nil {
		return m.saveDoubleLimitErr
	}
	copied := *record
	m.doubleLimits[record.ID] = &copied
	return nil
}

func (m *MockStore) GetDoubleLimitByOrder(_ context.Context, orderRef string) (*models.DoubleLimitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.doubleLimits {
		switch orderRef {
		case r.OrderARef, r.OrderAClientID, r.OrderBRef, r.OrderBClientID:
			copied := *r
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *MockStore) UpdateDoubleLimitState(_ context.Context, recordID string, state models.DoubleLimitState, triggered, cancelled string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateStateErr != nil {
		return m.updateStateErr
	}
	r, ok := m.doubleLimits[recordID]
	if !ok {
		return errors.New("record not found")
	}
	r.State = state
	r.TriggeredOrderID = triggered
	r.CancelledOrderID = cancelled
	return nil
}

func (m *MockStore) LogOrderEvent(_ context.Context, orderID, stage string, payload map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, storedEvent{orderID: orderID, stage: stage, payload: payload})
	return nil
}

func (m *MockStore) RecordIncident(_ context.Context, level, message string, details map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents = append(m.incidents, storedIncident{level: level, message: message, details: details})
	return nil
}

func (m *MockStore) BeginTx(context.Context) (driver.Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	m.begun++
	return &mockTx{store: m}, nil
}

func (m *MockStore) SaveTrade(_ context.Context, _ driver.Tx, trade *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveTradeErr != nil {
		return m.saveTradeErr
	}
	m.trades = append(m.trades, trade)
	return nil
}

func (m *MockStore) UpsertPosition(_ context.Context, position *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *position
	m.positions[position.EventID] = &copied
	return nil
}

func (m *MockStore) GetPosition(_ context.Context, eventID string) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[eventID]; ok {
		copied := *p
		return &copied, nil
	}
	return nil, nil
}

func (m *MockStore) FetchFillKeys(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchKeysErr != nil {
		return nil, m.fetchKeysErr
	}
	return append([]string(nil), m.fillKeys...), nil
}

func (m *MockStore) eventsByStage(stage string) []storedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storedEvent
	for _, e := range m.events {
		if e.stage == stage {
			out = append(out, e)
		}
	}
	return out
}

func (m *MockStore) incidentsByMessage(message string) []storedIncident {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storedIncident
	for _, i := range m.incidents {
		if i.message == message {
			out = append(out, i)
		}
	}
	return out
}

func (m *MockStore) record(id string) *models.DoubleLimitRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.doubleLimits[id]; ok {
		copied := *r
		return &copied
	}
	return nil
}

func (m *MockStore) onlyRecord() *models.DoubleLimitRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.doubleLimits {
		copied := *r
		return &copied
	}
	return nil
}

func (m *MockStore) txCounts() (begun, committed, rolledBack int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.begun, m.committed, m.rolledBack
}

func (m *MockStore) tradeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trades)
}

type mockTx struct {
	store *MockStore
	done  bool
}

func (tx *mockTx) Commit() error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if tx.done {
		return errors.New("tx already finished")
	}
	tx.done = true
	tx.store.committed++
	return nil
}

func (tx *mockTx) Rollback() error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if tx.done {
		return errors.New("tx already finished")
	}
	tx.done = true
	tx.store.rolledBack++
	return nil
}

// ============ Mock Venue ============

type placedOrder struct {
	marketID string
	side     models.Side
	price    decimal.Decimal
	size     decimal.Decimal
	cid      string
	market   bool
}

// MockVenue - площадка в памяти. Первые failCancels отмен возвращают cancelErr.
type MockVenue struct {
	name string

	mu          sync.Mutex
	book        *exchange.OrderBook
	balances    map[string]decimal.Decimal
	placed      []placedOrder
	cancelCalls []string
	nextID      int

	placeErr    error
	cancelErr   error
	failCancels int
	rejectAll   bool
	bookErr     error
	balancesErr error
}

func NewMockVenue(name string) *MockVenue {
	return &MockVenue{
		name:     name,
		balances: map[string]decimal.Decimal{"USDC": decimal.NewFromInt(10000)},
		book: &exchange.OrderBook{
			MarketID: name + "-market",
			Bids:     []utils.OrderBookLevel{{Price: dec("0.49"), Size: dec("1000")}},
			Asks:     []utils.OrderBookLevel{{Price: dec("0.51"), Size: dec("1000")}},
		},
	}
}

func (v *MockVenue) Name() string { return v.name }

func (v *MockVenue) PlaceLimitOrder(_ context.Context, marketID string, side models.Side, price, size decimal.Decimal, cid string) (*models.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.placeErr != nil {
		return nil, v.placeErr
	}
	v.nextID++
	v.placed = append(v.placed, placedOrder{marketID: marketID, side: side, price: price, size: size, cid: cid})
	return &models.Order{
		OrderID:       fmt.Sprintf("%s-%d", v.name, v.nextID),
		ClientOrderID: cid,
		MarketID:      marketID,
		Exchange:      v.name,
		Side:          side,
		Type:          models.OrderTypeLimit,
		Price:         price,
		Size:          size,
		Status:        models.OrderStatusOpen,
	}, nil
}

func (v *MockVenue) PlaceMarketOrder(_ context.Context, marketID string, side models.Side, size decimal.Decimal, cid string) (*models.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.placeErr != nil {
		return nil, v.placeErr
	}
	v.nextID++
	v.placed = append(v.placed, placedOrder{marketID: marketID, side: side, size: size, cid: cid, market: true})
	return &models.Order{
		OrderID:       fmt.Sprintf("%s-m%d", v.name, v.nextID),
		ClientOrderID: cid,
		MarketID:      marketID,
		Exchange:      v.name,
		Side:          side,
		Type:          models.OrderTypeMarket,
		Size:          size,
		Status:        models.OrderStatusFilled,
	}, nil
}

func (v *MockVenue) CancelOrder(_ context.Context, orderID string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelCalls = append(v.cancelCalls, orderID)
	if v.failCancels > 0 {
		v.failCancels--
		return false, v.cancelErr
	}
	if v.rejectAll {
		return false, nil
	}
	return true, nil
}

func (v *MockVenue) GetOrderBook(_ context.Context, marketID string) (*exchange.OrderBook, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.bookErr != nil {
		return nil, v.bookErr
	}
	book := *v.book
	book.MarketID = marketID
	return &book, nil
}

func (v *MockVenue) GetBalances(context.Context) (map[string]decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.balancesErr != nil {
		return nil, v.balancesErr
	}
	out := make(map[string]decimal.Decimal, len(v.balances))
	for k, b := range v.balances {
		out[k] = b
	}
	return out, nil
}

func (v *MockVenue) setBook(bids, asks []utils.OrderBookLevel) {
	v.mu.Lock()
	v.book = &exchange.OrderBook{Bids: bids, Asks: asks}
	v.mu.Unlock()
}

func (v *MockVenue) cancels() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.cancelCalls...)
}

func (v *MockVenue) placedOrders() []placedOrder {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]placedOrder(nil), v.placed...)
}

// ============ Mock Notifier ============

type MockNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *MockNotifier) SendMessage(_ context.Context, text string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
	return true
}

func (n *MockNotifier) Messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

// ============ Mock Hedger ============

type MockHedger struct {
	mu     sync.Mutex
	calls  []HedgeRequest
	err    error
	result *HedgeResult
	delay  time.Duration
}

func (h *MockHedger) Hedge(_ context.Context, req HedgeRequest) (*HedgeResult, error) {
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, req)
	if h.err != nil {
		return nil, h.err
	}
	if h.result != nil {
		return h.result, nil
	}
	return &HedgeResult{Legs: []LegExecution{{OrderID: "hedge-1", Exchange: req.Legs[0].Exchange, Size: req.Size}}}, nil
}

func (h *MockHedger) Calls() []HedgeRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HedgeRequest(nil), h.calls...)
}

// ============ Mock Mapper ============

type MockMapper map[string]string

func (m MockMapper) FindCounterpart(source, target, marketID string) (string, bool) {
	v, ok := m[source+"/"+target+"/"+marketID]
	return v, ok
}

// ============ Fill sources ============

// MockFillFeed - push и pull источник одновременно
type MockFillFeed struct {
	mu       sync.Mutex
	messages [][]byte
	polls    [][]*models.Fill
	pollErrs []error
	sinces   []time.Time
	listens  int
}

func (f *MockFillFeed) ListenFills(ctx context.Context, handler func(raw []byte)) error {
	f.mu.Lock()
	f.listens++
	messages := f.messages
	f.messages = nil
	f.mu.Unlock()

	for _, m := range messages {
		handler(m)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *MockFillFeed) FetchUserTrades(_ context.Context, since time.Time) ([]*models.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinces = append(f.sinces, since)
	if len(f.pollErrs) > 0 {
		err := f.pollErrs[0]
		f.pollErrs = f.pollErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.polls) == 0 {
		return nil, nil
	}
	batch := f.polls[0]
	f.polls = f.polls[1:]
	return batch, nil
}

func (f *MockFillFeed) Sinces() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.sinces...)
}

// ============ Helpers ============

func testLogger() *utils.Logger {
	return utils.InitLogger(utils.LogConfig{Level: "error", Format: "console"})
}

// waitFor опрашивает cond до истечения timeout
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
