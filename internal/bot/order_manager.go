package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"crossarb/internal/exchange"
	"crossarb/internal/models"
	"crossarb/pkg/retry"
	"crossarb/pkg/utils"
)

// FillEpsilon - допуск сравнения накопленного объёма с размером ордера
var FillEpsilon = decimal.New(1, -9)

// maxSeenFills - порог очистки множества обработанных fill
const maxSeenFills = 10000

// OrderManagerConfig - параметры OrderManager
type OrderManagerConfig struct {
	// EventID - событие пары; пусто = экспозиция учитывается по market id
	EventID            string
	DryRun             bool
	DoubleLimitEnabled bool

	// CancelAfter - автоотмена неисполненного ордера, 0 = выключена
	CancelAfter time.Duration

	CancelRetryAttempts  int
	CancelRetryBase      time.Duration
	CancelAlertThreshold int

	// MarketMap - рынок пары на каждой площадке
	MarketMap map[string]string
}

// DefaultOrderManagerConfig возвращает конфигурацию по умолчанию
func DefaultOrderManagerConfig() OrderManagerConfig {
	return OrderManagerConfig{
		CancelRetryAttempts:  3,
		CancelRetryBase:      500 * time.Millisecond,
		CancelAlertThreshold: 3,
	}
}

// trackedOrder - локальное состояние ордера
type trackedOrder struct {
	venue       string
	exposureKey string
	size        decimal.Decimal
	progress    decimal.Decimal
	fsm         *OrderStateMachine
}

// cancelTimer - таймер автоотмены одного ордера
type cancelTimer struct {
	stop context.CancelFunc
	done chan struct{}
}

// OrderManager - координатор исполнения
//
// Выставление (одиночное и double-limit), обработка fill с отменой
// встречной ноги и хеджем, отмены с повторами, таймеры автоотмены.
// Операции над ордерами одной площадки сериализованы venue-локом.
type OrderManager struct {
	venues    map[string]exchange.Venue
	store     OrderStore
	positions *PositionTracker
	hedger    HedgeExecutor
	risk      *RiskManager
	notifier  Notifier
	mapper    MarketMapper
	cfg       OrderManagerConfig
	logger    *utils.Logger

	routingMu sync.RWMutex
	primary   string
	secondary string

	venueLocks  map[string]*sync.Mutex
	recordLocks *keyedMutex

	ordersMu sync.RWMutex
	orders   map[string]*trackedOrder

	fillMu    sync.Mutex
	seenFills map[string]struct{}

	cancelFailMu   sync.Mutex
	cancelFailures int

	timersMu sync.Mutex
	timers   map[string]*cancelTimer
	timersWg sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc
	closed     atomic.Bool
	draining   atomic.Bool
}

// NewOrderManager создаёт менеджер для набора площадок
func NewOrderManager(
	venues map[string]exchange.Venue,
	store OrderStore,
	positions *PositionTracker,
	hedger HedgeExecutor,
	risk *RiskManager,
	notifier Notifier,
	mapper MarketMapper,
	cfg OrderManagerConfig,
	logger *utils.Logger,
) *OrderManager {
	if logger == nil {
		logger = utils.L()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if cfg.CancelRetryAttempts < 1 {
		cfg.CancelRetryAttempts = 3
	}
	if cfg.CancelRetryBase <= 0 {
		cfg.CancelRetryBase = 500 * time.Millisecond
	}
	if cfg.CancelAlertThreshold < 1 {
		cfg.CancelAlertThreshold = 3
	}
	if cfg.MarketMap == nil {
		cfg.MarketMap = make(map[string]string)
	}

	locks := make(map[string]*sync.Mutex, len(venues))
	for name := range venues {
		locks[name] = &sync.Mutex{}
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	component := logger.WithComponent("order_manager")
	if cfg.EventID != "" {
		component = component.WithEventID(cfg.EventID)
	}

	return &OrderManager{
		venues:      venues,
		store:       store,
		positions:   positions,
		hedger:      hedger,
		risk:        risk,
		notifier:    notifier,
		mapper:      mapper,
		cfg:         cfg,
		logger:      component,
		venueLocks:  locks,
		recordLocks: newKeyedMutex(),
		orders:      make(map[string]*trackedOrder),
		seenFills:   make(map[string]struct{}),
		timers:      make(map[string]*cancelTimer),
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
	}
}

// SetRouting задаёт основную и вторую площадку
func (om *OrderManager) SetRouting(primary, secondary string) {
	om.routingMu.Lock()
	om.primary, om.secondary = primary, secondary
	om.routingMu.Unlock()
}

// Routing возвращает основную и вторую площадку
func (om *OrderManager) Routing() (primary, secondary string) {
	om.routingMu.RLock()
	defer om.routingMu.RUnlock()
	return om.primary, om.secondary
}

// EventID - событие, которым управляет менеджер
func (om *OrderManager) EventID() string {
	return om.cfg.EventID
}

// DoubleLimitEnabled - включён ли протокол double-limit
func (om *OrderManager) DoubleLimitEnabled() bool {
	return om.cfg.DoubleLimitEnabled
}

// HandlesMarket - относится ли рынок к паре этого менеджера
func (om *OrderManager) HandlesMarket(marketID string) bool {
	for _, m := range om.cfg.MarketMap {
		if m == marketID {
			return true
		}
	}
	return false
}

// Tracks - отслеживает ли менеджер ордер с таким ключом
func (om *OrderManager) Tracks(orderKey string) bool {
	om.ordersMu.RLock()
	defer om.ordersMu.RUnlock()
	_, ok := om.orders[orderKey]
	return ok
}

// State возвращает состояние отслеживаемого ордера
func (om *OrderManager) State(orderKey string) (OrderState, bool) {
	om.ordersMu.RLock()
	defer om.ordersMu.RUnlock()
	o, ok := om.orders[orderKey]
	if !ok {
		return "", false
	}
	return o.fsm.State(), true
}

// CancelFailures - текущий счётчик неудачных серий отмен
func (om *OrderManager) CancelFailures() int {
	om.cancelFailMu.Lock()
	defer om.cancelFailMu.Unlock()
	return om.cancelFailures
}

func (om *OrderManager) venue(name string) (exchange.Venue, *sync.Mutex, error) {
	v, ok := om.venues[name]
	if !ok || v == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownVenue, name)
	}
	return v, om.venueLocks[name], nil
}

// ============================================================
// Выставление
// ============================================================

// PlacePrimaryLimit выставляет лимитный ордер
//
// Под venue-локом: риск-лимиты и баланс, выставление (или синтез
// в dry-run), сохранение, регистрация FSM -> PLACED, таймер автоотмены.
// Резерв экспозиции освобождается, если ордер не выставлен. Ордер,
// принятый площадкой, но не сохранённый, снимается там же; если снять
// не удалось, он остаётся отслеживаемым и резерв сохраняется.
func (om *OrderManager) PlacePrimaryLimit(ctx context.Context, venueName, marketID string, side models.Side, price, size decimal.Decimal, clientOrderID string) (order *models.Order, err error) {
	if om.closed.Load() {
		return nil, ErrManagerClosed
	}
	if om.draining.Load() {
		return nil, ErrManagerDraining
	}
	v, lock, err := om.venue(venueName)
	if err != nil {
		return nil, err
	}

	lock.Lock()
	defer lock.Unlock()

	exposureKey := om.cfg.EventID
	if exposureKey == "" {
		exposureKey = marketID
	}
	if err := om.risk.CheckLimits(exposureKey, size); err != nil {
		return nil, err
	}
	keepReservation := false
	defer func() {
		if err != nil && !keepReservation {
			om.risk.Decrement(exposureKey, size)
		}
	}()

	if err := om.risk.CheckBalance(ctx, v, price.Mul(size)); err != nil {
		return nil, err
	}

	if clientOrderID == "" {
		clientOrderID = uuid.NewString()
	}

	mode := "live"
	if om.cfg.DryRun {
		mode = "dry_run"
		order = &models.Order{
			OrderID:       "dry-" + clientOrderID,
			ClientOrderID: clientOrderID,
			MarketID:      marketID,
			Exchange:      venueName,
			Side:          side,
			Type:          models.OrderTypeLimit,
			Price:         price,
			Size:          size,
			FilledSize:    decimal.Zero,
			Status:        models.OrderStatusPending,
			CreatedAt:     time.Now().UTC(),
		}
	} else {
		start := time.Now()
		order, err = v.PlaceLimitOrder(ctx, marketID, side, price, size, clientOrderID)
		OrderPlacementLatency.WithLabelValues(venueName).Observe(float64(time.Since(start).Microseconds()) / 1000)
		if err != nil {
			return nil, fmt.Errorf("place limit on %s: %w", venueName, err)
		}
		fillOrderDefaults(order, venueName, marketID, side, price, size, clientOrderID)
	}

	registerErr := utils.ValidateOrder(order.ClientOrderID, order.Exchange, order.MarketID, order.Size, order.Price, order.FilledSize)
	if registerErr == nil {
		if serr := om.store.SaveOrder(ctx, order); serr != nil {
			registerErr = fmt.Errorf("save order: %w", serr)
		}
	}
	if registerErr != nil {
		if om.cfg.DryRun || om.withdrawUnregistered(ctx, v, order, registerErr) {
			return nil, registerErr
		}
		// ордер живёт на площадке: отслеживаем, чтобы fill и автоотмена до него дошли
		keepReservation = true
		om.track(ctx, order, venueName, exposureKey)
		om.armCancelTimer(order.Key(), venueName)
		return nil, registerErr
	}

	key := order.Key()
	om.track(ctx, order, venueName, exposureKey)

	OrdersPlaced.WithLabelValues(venueName, mode).Inc()
	om.logger.Info("limit order placed",
		utils.OrderID(key), utils.MarketID(marketID), utils.Exchange(venueName),
		utils.Side(string(side)), utils.Price(price), utils.Volume(size))

	om.armCancelTimer(key, venueName)
	return order, nil
}

// track регистрирует FSM ордера и переводит её в PLACED
func (om *OrderManager) track(ctx context.Context, order *models.Order, venueName, exposureKey string) {
	key := order.Key()
	fsm := NewOrderStateMachine(key, StateNew, om.store, om.logger)
	om.ordersMu.Lock()
	om.orders[key] = &trackedOrder{
		venue:       venueName,
		exposureKey: exposureKey,
		size:        order.Size,
		progress:    decimal.Zero,
		fsm:         fsm,
	}
	om.ordersMu.Unlock()

	if _, err := fsm.Transition(ctx, EventPlace, nil, "place-"+key); err != nil {
		om.logger.Warn("order state not persisted", utils.OrderID(key), utils.Err(err))
	}
}

// withdrawUnregistered снимает с площадки ордер, который не удалось
// зарегистрировать. Вызывается под venue-локом. false = ордер остался живым,
// записан инцидент.
func (om *OrderManager) withdrawUnregistered(ctx context.Context, v exchange.Venue, order *models.Order, cause error) bool {
	key := order.Key()
	ok, err := v.CancelOrder(ctx, key)
	if err == nil && ok {
		om.logger.Warn("unregistered order withdrawn",
			utils.OrderID(key), utils.Exchange(order.Exchange), utils.Err(cause))
		return true
	}
	if err == nil {
		err = ErrCancelRejected
	}

	om.logger.Error("unregistered order left live on venue",
		utils.OrderID(key), utils.Exchange(order.Exchange), utils.Err(err))
	if ierr := om.store.RecordIncident(ctx, models.IncidentError, "unregistered_order_live", map[string]interface{}{
		"order_id":  key,
		"exchange":  order.Exchange,
		"market_id": order.MarketID,
		"size":      order.Size.String(),
		"cause":     cause.Error(),
		"error":     err.Error(),
	}); ierr != nil {
		om.logger.Warn("failed to record unregistered order incident", utils.Err(ierr))
	}
	om.notifier.SendMessage(ctx, fmt.Sprintf("Order %s on %s placed but not registered, cancel failed: %v", key, order.Exchange, err))
	return false
}

// fillOrderDefaults дополняет поля, которые площадка не вернула
func fillOrderDefaults(order *models.Order, venueName, marketID string, side models.Side, price, size decimal.Decimal, clientOrderID string) {
	if order.Exchange == "" {
		order.Exchange = venueName
	}
	if order.MarketID == "" {
		order.MarketID = marketID
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = clientOrderID
	}
	if order.Side == "" {
		order.Side = side
	}
	if order.Type == "" {
		order.Type = models.OrderTypeLimit
	}
	if order.Size.IsZero() {
		order.Size = size
	}
	if order.Price.IsZero() {
		order.Price = price
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
}

// ============================================================
// Отмена
// ============================================================

// CancelLimit отменяет ордер на площадке
//
// FSM: CANCEL_REQUEST -> отмена на площадке -> CANCEL_ACK. Для ордеров
// без FSM статус пишется напрямую. После отмены освобождается
// неисполненный остаток экспозиции.
func (om *OrderManager) CancelLimit(ctx context.Context, venueName, orderID string) error {
	v, lock, err := om.venue(venueName)
	if err != nil {
		return err
	}

	lock.Lock()
	defer lock.Unlock()

	fsm := om.lookupFSM(orderID)
	if fsm != nil {
		if _, err := fsm.Transition(ctx, EventCancelRequest, nil, "cancel-req-"+orderID); err != nil {
			om.logger.Warn("cancel request not persisted", utils.OrderID(orderID), utils.Err(err))
		}
	}

	if !om.cfg.DryRun {
		ok, err := v.CancelOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("cancel %s on %s: %w", orderID, venueName, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s on %s", ErrCancelRejected, orderID, venueName)
		}
	}

	if fsm != nil {
		if _, err := fsm.Transition(ctx, EventCancelAck, nil, "cancel-ack-"+orderID); err != nil {
			om.logger.Warn("cancel ack not persisted", utils.OrderID(orderID), utils.Err(err))
		}
	} else if om.cfg.DryRun {
		om.afterCancel(orderID)
		return nil
	} else if err := om.store.UpdateOrderStatus(ctx, orderID, models.OrderStatusCanceled); err != nil {
		om.logger.Warn("cancel status not persisted", utils.OrderID(orderID), utils.Err(err))
	}

	om.afterCancel(orderID)
	om.logger.Info("limit order cancelled", utils.OrderID(orderID), utils.Exchange(venueName))
	return nil
}

// afterCancel снимает таймер и освобождает неисполненный остаток
func (om *OrderManager) afterCancel(orderID string) {
	om.clearCancelTimer(orderID)

	om.ordersMu.RLock()
	o, ok := om.orders[orderID]
	var remaining decimal.Decimal
	var key string
	if ok {
		remaining = utils.FloorZero(o.size.Sub(o.progress))
		key = o.exposureKey
	}
	om.ordersMu.RUnlock()

	if ok && remaining.IsPositive() {
		om.risk.Decrement(key, remaining)
	}
}

// CancelAllOpenOrders параллельно отменяет все ордера в отменяемом состоянии
// и ордера, чья прошлая отмена не прошла (CANCELLING).
// Ошибки собираются, пакет не прерывается. Затем снимаются все таймеры.
func (om *OrderManager) CancelAllOpenOrders(ctx context.Context) error {
	type target struct{ key, venue string }

	om.ordersMu.RLock()
	targets := make([]target, 0, len(om.orders))
	for key, o := range om.orders {
		if state := o.fsm.State(); state.IsCancellable() || state == StateCancelling {
			targets = append(targets, target{key: key, venue: o.venue})
		}
	}
	om.ordersMu.RUnlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			if err := om.CancelLimit(ctx, t.venue, t.key); err != nil {
				om.logger.Warn("cancel during cancel-all failed", utils.OrderID(t.key), utils.Exchange(t.venue), utils.Err(err))
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()

	om.cancelAllTimers()
	return errs
}

// cancelWithRetry отменяет встречный ордер с экспоненциальными повторами.
// Паузы между попытками прерываются и контекстом вызова, и Shutdown.
func (om *OrderManager) cancelWithRetry(ctx context.Context, sourceOrderID, venueName, orderID string) (success bool, attempts int, lastErr error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(om.baseCtx, cancel)
	defer stop()

	cfg := retry.CancelConfig(om.cfg.CancelRetryAttempts, om.cfg.CancelRetryBase)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		om.logger.Warn("cancel attempt failed",
			utils.OrderID(orderID), utils.Exchange(venueName), utils.Attempt(attempt),
			utils.Dur("retry_in", delay), utils.Err(err))
	}

	lastErr = retry.Do(ctx, func() error {
		attempts++
		CancelAttempts.Inc()
		om.logOrderEvent(ctx, orderID, "cancel_attempt", map[string]interface{}{
			"source_order_id": sourceOrderID,
			"exchange":        venueName,
			"attempt":         attempts,
		})
		return om.CancelLimit(ctx, venueName, orderID)
	}, cfg)
	if lastErr == nil {
		return true, attempts, nil
	}

	om.recordCancelFailure(ctx, orderID, venueName, lastErr, attempts)
	return false, attempts, lastErr
}

// recordCancelFailure пишет инцидент и поднимает алерт при достижении порога.
// Счётчик сбрасывается после алерта.
func (om *OrderManager) recordCancelFailure(ctx context.Context, orderID, venueName string, cause error, attempts int) {
	CancelFailures.Inc()

	errText := "unknown"
	if cause != nil {
		errText = cause.Error()
	}
	if err := om.store.RecordIncident(ctx, models.IncidentWarning, "cancel_failure", map[string]interface{}{
		"order_id": orderID,
		"exchange": venueName,
		"error":    errText,
		"attempts": attempts,
	}); err != nil {
		om.logger.Warn("failed to record cancel incident", utils.Err(err))
	}
	om.logger.Error("counterpart cancel exhausted retries",
		utils.OrderID(orderID), utils.Exchange(venueName), utils.Int("attempts", attempts), utils.Err(cause))

	om.cancelFailMu.Lock()
	om.cancelFailures++
	fire := om.cancelFailures >= om.cfg.CancelAlertThreshold
	if fire {
		om.cancelFailures = 0
	}
	om.cancelFailMu.Unlock()

	if fire {
		om.notifier.SendMessage(ctx, fmt.Sprintf(
			"Cancel failures exceeded threshold (%d). Investigate exchange reliability.", om.cfg.CancelAlertThreshold))
	}
}

// ============================================================
// Таймеры автоотмены
// ============================================================

// armCancelTimer запускает таймер автоотмены, заменяя предыдущий
func (om *OrderManager) armCancelTimer(orderKey, venueName string) {
	if om.cfg.CancelAfter <= 0 || om.cfg.DryRun || om.closed.Load() {
		return
	}
	om.clearCancelTimer(orderKey)

	ctx, stop := context.WithCancel(om.baseCtx)
	t := &cancelTimer{stop: stop, done: make(chan struct{})}

	om.timersMu.Lock()
	om.timers[orderKey] = t
	om.timersWg.Add(1)
	om.timersMu.Unlock()

	go func() {
		defer om.timersWg.Done()
		defer close(t.done)
		defer stop()

		timer := time.NewTimer(om.cfg.CancelAfter)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// таймер снимает себя сам, иначе отмена ниже ждала бы его же
		om.timersMu.Lock()
		if om.timers[orderKey] != t {
			om.timersMu.Unlock()
			return
		}
		delete(om.timers, orderKey)
		om.timersMu.Unlock()

		om.onCancelTimeout(ctx, orderKey, venueName)
	}()
}

func (om *OrderManager) onCancelTimeout(ctx context.Context, orderKey, venueName string) {
	if fsm := om.lookupFSM(orderKey); fsm != nil && fsm.State().IsTerminal() {
		return
	}

	ms := om.cfg.CancelAfter.Milliseconds()
	om.logOrderEvent(ctx, orderKey, "cancel_timeout", map[string]interface{}{
		"reason": "cancel_unfilled_after_ms",
		"ms":     ms,
	})
	om.notifier.SendMessage(ctx, fmt.Sprintf("Auto-cancel triggered for order %s after %dms", orderKey, ms))
	om.logger.Warn("auto-cancel triggered", utils.OrderID(orderKey), utils.Int64("after_ms", ms))

	if err := om.CancelLimit(ctx, venueName, orderKey); err != nil {
		om.logger.Error("auto-cancel failed", utils.OrderID(orderKey), utils.Exchange(venueName), utils.Err(err))
	}
}

// clearCancelTimer останавливает таймер ордера и ждёт его выхода
func (om *OrderManager) clearCancelTimer(orderKey string) {
	om.timersMu.Lock()
	t, ok := om.timers[orderKey]
	if ok {
		delete(om.timers, orderKey)
	}
	om.timersMu.Unlock()

	if ok {
		t.stop()
		<-t.done
	}
}

func (om *OrderManager) cancelAllTimers() {
	om.timersMu.Lock()
	timers := om.timers
	om.timers = make(map[string]*cancelTimer)
	om.timersMu.Unlock()

	for _, t := range timers {
		t.stop()
	}
	for _, t := range timers {
		<-t.done
	}
}

// StopPlacements переводит менеджер в режим дренажа: новые ордера
// не выставляются, fill по уже выставленным обрабатываются как обычно
func (om *OrderManager) StopPlacements() {
	om.draining.Store(true)
}

// OpenOrders - число отслеживаемых ордеров в нетерминальном состоянии
func (om *OrderManager) OpenOrders() int {
	om.ordersMu.RLock()
	defer om.ordersMu.RUnlock()
	n := 0
	for _, o := range om.orders {
		if !o.fsm.State().IsTerminal() {
			n++
		}
	}
	return n
}

// PendingTimers - число взведённых таймеров автоотмены
func (om *OrderManager) PendingTimers() int {
	om.timersMu.Lock()
	defer om.timersMu.Unlock()
	return len(om.timers)
}

// Shutdown прекращает приём fill, снимает таймеры и ждёт их завершения
func (om *OrderManager) Shutdown() {
	if !om.closed.CompareAndSwap(false, true) {
		return
	}
	om.cancelAllTimers()
	om.baseCancel()
	om.timersWg.Wait()
	om.logger.Info("order manager stopped")
}

// ============================================================
// Вспомогательное
// ============================================================

func (om *OrderManager) lookupFSM(orderKey string) *OrderStateMachine {
	om.ordersMu.RLock()
	defer om.ordersMu.RUnlock()
	if o, ok := om.orders[orderKey]; ok {
		return o.fsm
	}
	return nil
}

// trackedFSM возвращает FSM ордера, создавая её в PLACED для неизвестных
// ордеров (например, выставленных до рестарта)
func (om *OrderManager) trackedFSM(orderKey, venueName string) *OrderStateMachine {
	om.ordersMu.Lock()
	defer om.ordersMu.Unlock()

	if o, ok := om.orders[orderKey]; ok {
		return o.fsm
	}
	fsm := NewOrderStateMachine(orderKey, StatePlaced, om.store, om.logger)
	om.orders[orderKey] = &trackedOrder{venue: venueName, fsm: fsm}
	return fsm
}

// logOrderEvent - журнал этапов ордера, ошибки только в debug
func (om *OrderManager) logOrderEvent(ctx context.Context, orderID, stage string, payload map[string]interface{}) {
	if err := om.store.LogOrderEvent(ctx, orderID, stage, payload); err != nil {
		om.logger.Debug("order event log failed", utils.OrderID(orderID), utils.String("stage", stage), utils.Err(err))
	}
}

// resolveHedgeMarket: маппер, затем рынок пары на целевой площадке, затем исходный рынок
func (om *OrderManager) resolveHedgeMarket(source, target, marketID string) string {
	if om.mapper != nil {
		if mapped, ok := om.mapper.FindCounterpart(source, target, marketID); ok && mapped != "" {
			return mapped
		}
	}
	if m := om.cfg.MarketMap[target]; m != "" {
		return m
	}
	return marketID
}

func compactUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
