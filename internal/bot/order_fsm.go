package bot

import (
	"context"
	"fmt"
	"sync"

	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// OrderState - состояние жизненного цикла ордера
type OrderState string

const (
	StateNew             OrderState = "NEW"
	StatePlaced          OrderState = "PLACED"
	StateDoubleLinked    OrderState = "DOUBLE_LINKED"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateFilled          OrderState = "FILLED"
	StateCancelling      OrderState = "CANCELLING"
	StateCancelled       OrderState = "CANCELLED"
	StateFailed          OrderState = "FAILED"
)

// OrderEvent - входное событие машины состояний
type OrderEvent string

const (
	EventPlace         OrderEvent = "PLACE"
	EventAck           OrderEvent = "ACK"
	EventDoubleLinked  OrderEvent = "DOUBLE_LINKED"
	EventFillPartial   OrderEvent = "FILL_PARTIAL"
	EventFillFull      OrderEvent = "FILL_FULL"
	EventCancelRequest OrderEvent = "CANCEL_REQUEST"
	EventCancelAck     OrderEvent = "CANCEL_ACK"
	EventError         OrderEvent = "ERROR"
)

// AllOrderStates - все состояния (для проверки тотальности)
var AllOrderStates = []OrderState{
	StateNew, StatePlaced, StateDoubleLinked, StatePartiallyFilled,
	StateFilled, StateCancelling, StateCancelled, StateFailed,
}

// AllOrderEvents - все события
var AllOrderEvents = []OrderEvent{
	EventPlace, EventAck, EventDoubleLinked, EventFillPartial,
	EventFillFull, EventCancelRequest, EventCancelAck, EventError,
}

// openTransitions - переходы из выставленного ордера (PLACED и DOUBLE_LINKED)
var openTransitions = map[OrderEvent]OrderState{
	EventFillPartial:   StatePartiallyFilled,
	EventFillFull:      StateFilled,
	EventCancelRequest: StateCancelling,
	EventError:         StateFailed,
}

// orderTransitions - таблица переходов. Отсутствие пары = no-op.
// Терминальные состояния (FILLED, CANCELLED, FAILED) переходов не имеют.
var orderTransitions = map[OrderState]map[OrderEvent]OrderState{
	StateNew: {
		EventPlace: StatePlaced,
		EventAck:   StatePlaced,
		EventError: StateFailed,
	},
	StatePlaced:          withEvent(openTransitions, EventDoubleLinked, StateDoubleLinked),
	StateDoubleLinked:    openTransitions,
	StatePartiallyFilled: openTransitions,
	StateCancelling: {
		EventCancelAck: StateCancelled,
		EventFillFull:  StateFilled,
		EventError:     StateFailed,
	},
}

func withEvent(base map[OrderEvent]OrderState, event OrderEvent, next OrderState) map[OrderEvent]OrderState {
	out := make(map[OrderEvent]OrderState, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out[event] = next
	return out
}

// stateStatus - статус ордера в хранилище для каждого состояния
var stateStatus = map[OrderState]models.OrderStatus{
	StateNew:             models.OrderStatusPending,
	StatePlaced:          models.OrderStatusOpen,
	StateDoubleLinked:    models.OrderStatusOpen,
	StatePartiallyFilled: models.OrderStatusPartiallyFilled,
	StateFilled:          models.OrderStatusFilled,
	StateCancelling:      models.OrderStatusCanceled,
	StateCancelled:       models.OrderStatusCanceled,
	StateFailed:          models.OrderStatusRejected,
}

// NextState возвращает состояние после события; ok = false, если событие не применимо
func NextState(state OrderState, event OrderEvent) (OrderState, bool) {
	next, ok := orderTransitions[state][event]
	return next, ok
}

// Status - статус хранилища для состояния
func (s OrderState) Status() models.OrderStatus {
	return stateStatus[s]
}

// IsTerminal - FILLED, CANCELLED или FAILED
func (s OrderState) IsTerminal() bool {
	return s == StateFilled || s == StateCancelled || s == StateFailed
}

// IsCancellable - ордер висит на площадке и его можно отменить
func (s OrderState) IsCancellable() bool {
	return s == StatePlaced || s == StateDoubleLinked || s == StatePartiallyFilled
}

// StateCallback вызывается при входе в состояние.
// Не должен вызывать Transition той же машины.
type StateCallback func(ctx context.Context, sm *OrderStateMachine, payload map[string]interface{}) error

// OrderStateMachine - машина состояний одного ордера
//
// Transition сериализованы. Повтор события с тем же eventID и событие,
// недопустимое из текущего состояния, - no-op. Статус сохраняется
// до вызова колбэков: упавший колбэк не портит состояние.
type OrderStateMachine struct {
	orderID string
	store   StatusWriter
	logger  *utils.Logger

	transitionMu sync.Mutex

	mu          sync.RWMutex
	state       OrderState
	lastEventID string
	callbacks   map[OrderState][]StateCallback
}

// NewOrderStateMachine создаёт машину в начальном состоянии initial
func NewOrderStateMachine(orderID string, initial OrderState, store StatusWriter, logger *utils.Logger) *OrderStateMachine {
	if logger == nil {
		logger = utils.L()
	}
	if initial == "" {
		initial = StateNew
	}
	return &OrderStateMachine{
		orderID:   orderID,
		store:     store,
		logger:    logger.With(utils.OrderID(orderID)),
		state:     initial,
		callbacks: make(map[OrderState][]StateCallback),
	}
}

// OrderID - локальный ключ ордера
func (sm *OrderStateMachine) OrderID() string {
	return sm.orderID
}

// State - текущее состояние
func (sm *OrderStateMachine) State() OrderState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// OnEnter регистрирует колбэк входа в состояние (в порядке регистрации)
func (sm *OrderStateMachine) OnEnter(state OrderState, cb StateCallback) {
	sm.mu.Lock()
	sm.callbacks[state] = append(sm.callbacks[state], cb)
	sm.mu.Unlock()
}

// Transition применяет событие.
//
// changed = true, если состояние изменилось. Ошибка возвращается только
// при сбое сохранения статуса: состояние в памяти к этому моменту уже
// изменено. Ошибки колбэков логируются.
func (sm *OrderStateMachine) Transition(ctx context.Context, event OrderEvent, payload map[string]interface{}, eventID string) (bool, error) {
	sm.transitionMu.Lock()
	defer sm.transitionMu.Unlock()

	sm.mu.Lock()
	current := sm.state
	if eventID != "" && eventID == sm.lastEventID {
		sm.mu.Unlock()
		sm.logger.Debug("duplicate order event ignored",
			utils.String("event", string(event)), utils.String("event_id", eventID))
		return false, nil
	}

	next, ok := NextState(current, event)
	if !ok {
		sm.mu.Unlock()
		sm.logger.Debug("order event not applicable",
			utils.State(string(current)), utils.String("event", string(event)))
		return false, nil
	}
	if next == current {
		sm.mu.Unlock()
		sm.logger.Debug("order state unchanged", utils.State(string(current)), utils.String("event", string(event)))
		return false, nil
	}

	sm.state = next
	sm.lastEventID = eventID
	callbacks := append([]StateCallback(nil), sm.callbacks[next]...)
	sm.mu.Unlock()

	FSMTransitions.WithLabelValues(string(current), string(next)).Inc()
	sm.logger.Debug("order state changed",
		utils.String("from", string(current)), utils.String("to", string(next)), utils.String("event", string(event)))

	if sm.store != nil {
		if err := sm.store.UpdateOrderStatus(ctx, sm.orderID, next.Status()); err != nil {
			sm.logger.Error("failed to persist order status", utils.State(string(next)), utils.Err(err))
			return true, fmt.Errorf("persist status %s for %s: %w", next, sm.orderID, err)
		}
	}

	for _, cb := range callbacks {
		if err := cb(ctx, sm, payload); err != nil {
			sm.logger.Warn("order state callback failed", utils.State(string(next)), utils.Err(err))
		}
	}
	return true, nil
}
