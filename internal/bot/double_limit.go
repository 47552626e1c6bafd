package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// keyedMutex - мьютекс на ключ, создаётся при первом обращении
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock захватывает мьютекс ключа и возвращает функцию освобождения
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// DoubleLimitLeg - параметры одной ноги double-limit
type DoubleLimitLeg struct {
	Side  models.Side
	Price decimal.Decimal
	Size  decimal.Decimal
}

// PlaceDoubleLimit выставляет связанную пару лимитных ордеров
//
// Сначала основная нога, затем вторая. Если вторая не выставилась,
// первая отменяется best-effort и ошибка возвращается. Запись
// DoubleLimitRecord (ACTIVE) сохраняется только для двух живых ног.
func (om *OrderManager) PlaceDoubleLimit(ctx context.Context, pairKey string, primaryLeg, secondaryLeg DoubleLimitLeg) (*models.Order, *models.Order, error) {
	if !om.cfg.DoubleLimitEnabled {
		return nil, nil, ErrDoubleLimitDisabled
	}
	primary, secondary := om.Routing()
	if primary == "" || secondary == "" {
		return nil, nil, ErrRoutingNotSet
	}
	primaryMarket := om.cfg.MarketMap[primary]
	secondaryMarket := om.cfg.MarketMap[secondary]
	if primaryMarket == "" || secondaryMarket == "" {
		return nil, nil, fmt.Errorf("%w: %s=%q %s=%q", ErrMarketNotMapped, primary, primaryMarket, secondary, secondaryMarket)
	}

	suffix := compactUUID()
	primaryOrder, err := om.PlacePrimaryLimit(ctx, primary, primaryMarket, primaryLeg.Side, primaryLeg.Price, primaryLeg.Size, primary+"-"+suffix)
	if err != nil {
		return nil, nil, fmt.Errorf("primary leg: %w", err)
	}

	secondaryOrder, err := om.PlacePrimaryLimit(ctx, secondary, secondaryMarket, secondaryLeg.Side, secondaryLeg.Price, secondaryLeg.Size, secondary+"-"+suffix)
	if err != nil {
		om.attemptCancel(ctx, primary, primaryOrder.Key())
		return nil, nil, fmt.Errorf("secondary leg: %w", err)
	}

	if pairKey == "" {
		pairKey = om.pairKey(primaryMarket, secondaryMarket)
	}
	now := time.Now().UTC()
	record := &models.DoubleLimitRecord{
		ID:             compactUUID(),
		PairKey:        pairKey,
		OrderARef:      primaryOrder.Key(),
		OrderAClientID: primaryOrder.ClientOrderID,
		OrderAExchange: primary,
		OrderBRef:      secondaryOrder.Key(),
		OrderBClientID: secondaryOrder.ClientOrderID,
		OrderBExchange: secondary,
		State:          models.DoubleLimitActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := om.store.SaveDoubleLimitPair(ctx, record); err != nil {
		// без записи связки fill не найдёт встречную ногу
		om.attemptCancel(ctx, primary, primaryOrder.Key())
		om.attemptCancel(ctx, secondary, secondaryOrder.Key())
		return nil, nil, fmt.Errorf("save double limit pair: %w", err)
	}

	for _, key := range []string{record.OrderARef, record.OrderBRef} {
		if fsm := om.lookupFSM(key); fsm != nil {
			if _, err := fsm.Transition(ctx, EventDoubleLinked, nil, "double-"+record.ID+"-"+key); err != nil {
				om.logger.Warn("double link state not persisted", utils.OrderID(key), utils.Err(err))
			}
		}
	}

	om.logger.Info("double limit placed",
		utils.RecordID(record.ID),
		utils.String("pair_key", pairKey),
		utils.String("order_a", record.OrderARef),
		utils.String("order_b", record.OrderBRef))
	return primaryOrder, secondaryOrder, nil
}

// pairKey: событие пары, затем событие менеджера, затем "рынок:рынок"
func (om *OrderManager) pairKey(primaryMarket, secondaryMarket string) string {
	if om.cfg.EventID != "" {
		return om.cfg.EventID
	}
	return primaryMarket + ":" + secondaryMarket
}

// attemptCancel - отмена без повторов, ошибка только логируется
func (om *OrderManager) attemptCancel(ctx context.Context, venueName, orderID string) {
	if err := om.CancelLimit(ctx, venueName, orderID); err != nil {
		om.logger.Error("rollback cancel failed", utils.OrderID(orderID), utils.Exchange(venueName), utils.Err(err))
	}
}

// ============================================================
// Обработка fill
// ============================================================

// HandleFill обрабатывает исполнение ордера
//
// Идемпотентна: повтор того же fill (order id, size, время) возвращает
// пустой ключ без побочных эффектов. Отметка о fill ставится до любых
// действий, которые могут упасть. Ошибки отмены встречной ноги и хеджа
// не возвращаются: исполнение уже произошло и хедж обязателен.
func (om *OrderManager) HandleFill(ctx context.Context, fill *models.Fill) (string, error) {
	if om.closed.Load() {
		return "", ErrManagerClosed
	}
	if fill == nil {
		return "", fmt.Errorf("%w: nil fill", ErrValidation)
	}
	if err := utils.ValidateFill(fill.OrderID, fill.Size, fill.Price, string(fill.Side)); err != nil {
		return "", err
	}

	key := fillKey(fill)
	if !om.markFillProcessed(key) {
		FillDuplicates.WithLabelValues("order_manager").Inc()
		om.logger.Debug("duplicate fill ignored", utils.OrderID(fill.OrderID), utils.String("fill_key", key))
		return "", nil
	}

	venueName := fill.Exchange
	eventID := om.cfg.EventID
	if eventID == "" {
		eventID = fill.MarketID
	}
	log := om.logger.With(utils.OrderID(fill.OrderID), utils.Exchange(venueName))

	if err := om.store.UpdateOrderFill(ctx, fill.OrderID, fill.Size, fill); err != nil {
		log.Error("failed to persist fill", utils.Err(err))
	}

	fsm := om.trackedFSM(fill.OrderID, venueName)
	isFull := om.applyProgress(fill.OrderID, fill.Size)
	event := EventFillPartial
	if isFull {
		event = EventFillFull
	}
	fsmEventID := fmt.Sprintf("fill-%s-%d", fill.OrderID, fill.Timestamp.UnixNano())
	if _, err := fsm.Transition(ctx, event, map[string]interface{}{"size": fill.Size.String()}, fsmEventID); err != nil {
		log.Warn("fill state not persisted", utils.Err(err))
	}

	if om.positions != nil {
		if _, err := om.positions.AddFill(ctx, eventID, fill.Size, fill.Price, fill.Side); err != nil {
			log.Warn("position update failed", utils.Err(err))
		}
	}

	om.logOrderEvent(ctx, fill.OrderID, "fill", map[string]interface{}{
		"exchange":  venueName,
		"market_id": fill.MarketID,
		"size":      fill.Size.String(),
		"price":     fill.Price.String(),
		"is_full":   isFull,
	})
	log.Info("fill processed",
		utils.MarketID(fill.MarketID), utils.Volume(fill.Size), utils.Price(fill.Price), utils.Bool("is_full", isFull))

	om.cancelCounterpart(ctx, fill)
	om.hedgeFill(ctx, fill, eventID)

	if isFull {
		om.clearCancelTimer(fill.OrderID)
	}
	return key, nil
}

// fillKey - ключ дедупликации внутри менеджера: order id, размер, время
func fillKey(fill *models.Fill) string {
	return fill.OrderID + ":" + fill.Size.String() + ":" + utils.TimestampKey(fill.Timestamp)
}

// markFillProcessed возвращает false, если fill уже обработан
func (om *OrderManager) markFillProcessed(key string) bool {
	om.fillMu.Lock()
	defer om.fillMu.Unlock()

	if _, seen := om.seenFills[key]; seen {
		return false
	}
	if len(om.seenFills) >= maxSeenFills {
		om.seenFills = make(map[string]struct{})
	}
	om.seenFills[key] = struct{}{}
	return true
}

// applyProgress накапливает объём ордера и сообщает, исполнен ли он полностью.
// Для ордеров неизвестного размера fill всегда частичный.
func (om *OrderManager) applyProgress(orderKey string, size decimal.Decimal) bool {
	om.ordersMu.Lock()
	defer om.ordersMu.Unlock()

	o, ok := om.orders[orderKey]
	if !ok {
		return false
	}
	o.progress = o.progress.Add(size)
	if !o.size.IsPositive() {
		return false
	}
	if o.progress.GreaterThanOrEqual(o.size.Sub(FillEpsilon)) {
		o.progress = o.size
		return true
	}
	return false
}

// cancelCounterpart срабатывает связку и отменяет встречную ногу с повторами
func (om *OrderManager) cancelCounterpart(ctx context.Context, fill *models.Fill) {
	var (
		counterID, counterVenue, recordID string
		ok                                bool
	)
	if om.cfg.DoubleLimitEnabled {
		counterID, counterVenue, recordID, ok = om.triggerDoubleLimit(ctx, fill)
	}

	summary := map[string]interface{}{
		"attempted": ok,
		"order_id":  nilIfEmpty(counterID),
		"exchange":  nilIfEmpty(counterVenue),
	}
	if ok {
		success, attempts, err := om.cancelWithRetry(ctx, fill.OrderID, counterVenue, counterID)
		summary["success"] = success
		summary["attempts"] = attempts
		summary["double_limit_id"] = recordID
		if err != nil {
			summary["error"] = err.Error()
		} else {
			summary["error"] = nil
		}
	} else {
		summary["skipped"] = true
	}
	om.logOrderEvent(ctx, fill.OrderID, "cancel_result", summary)
}

// triggerDoubleLimit - единственная точка линеаризации связки
//
// Запись перечитывается под локом записи: переход ACTIVE -> TRIGGERED
// выполняет ровно один fill, остальные видят TRIGGERED и ничего не делают.
func (om *OrderManager) triggerDoubleLimit(ctx context.Context, fill *models.Fill) (counterID, counterVenue, recordID string, ok bool) {
	record, err := om.store.GetDoubleLimitByOrder(ctx, fill.OrderID)
	if err != nil {
		om.logger.Error("double limit lookup failed", utils.OrderID(fill.OrderID), utils.Err(err))
		return "", "", "", false
	}
	if record == nil || record.ID == "" {
		return "", "", "", false
	}

	unlock := om.recordLocks.Lock(record.ID)
	defer unlock()

	latest, err := om.store.GetDoubleLimitByOrder(ctx, fill.OrderID)
	if err != nil {
		om.logger.Error("double limit re-read failed", utils.RecordID(record.ID), utils.Err(err))
		return "", "", "", false
	}
	if latest == nil || latest.State != models.DoubleLimitActive {
		return "", "", "", false
	}
	counterID, counterVenue, found := latest.Counterparty(fill.OrderID)
	if !found {
		return "", "", "", false
	}

	om.logger.Debug("double limit trigger",
		utils.RecordID(latest.ID), utils.Exchange(fill.Exchange), utils.OrderID(fill.OrderID))

	if err := om.store.UpdateDoubleLimitState(ctx, latest.ID, models.DoubleLimitTriggered, fill.OrderID, counterID); err != nil {
		// состояние не записано: отмена без записи могла бы повториться вторым fill
		om.logger.Error("double limit state not persisted", utils.RecordID(latest.ID), utils.Err(err))
		if ierr := om.store.RecordIncident(ctx, models.IncidentError, "double_limit_state_failure", map[string]interface{}{
			"record_id": latest.ID,
			"order_id":  fill.OrderID,
			"error":     err.Error(),
		}); ierr != nil {
			om.logger.Warn("failed to record double limit incident", utils.Err(ierr))
		}
		return "", "", "", false
	}
	return counterID, counterVenue, latest.ID, true
}

// hedgeFill хеджирует исполненный объём на другой площадке пары
func (om *OrderManager) hedgeFill(ctx context.Context, fill *models.Fill, eventID string) {
	primary, secondary := om.Routing()
	hedgeVenue := primary
	if fill.Exchange == primary {
		hedgeVenue = secondary
	}
	if hedgeVenue == "" || om.hedger == nil {
		om.logger.Error("hedge exchange not configured", utils.OrderID(fill.OrderID), utils.Exchange(fill.Exchange))
		om.logOrderEvent(ctx, fill.OrderID, "hedge", map[string]interface{}{
			"hedge_exchange": nilIfEmpty(hedgeVenue),
			"size":           fill.Size.String(),
			"status":         "failed",
			"error":          "hedge not configured",
		})
		if err := om.store.RecordIncident(ctx, models.IncidentError, "hedge_not_configured", map[string]interface{}{
			"order_id":  fill.OrderID,
			"exchange":  fill.Exchange,
			"market_id": fill.MarketID,
			"size":      fill.Size.String(),
		}); err != nil {
			om.logger.Warn("failed to record hedge incident", utils.Err(err))
		}
		return
	}

	hedgeSide := fill.Side.Opposite()
	hedgeMarket := om.resolveHedgeMarket(fill.Exchange, hedgeVenue, fill.MarketID)
	payload := map[string]interface{}{
		"hedge_exchange": hedgeVenue,
		"market_id":      hedgeMarket,
		"size":           fill.Size.String(),
		"side":           string(hedgeSide),
	}

	result, err := om.hedger.Hedge(ctx, HedgeRequest{
		Legs:           []HedgeLeg{{Exchange: hedgeVenue, MarketID: hedgeMarket, Weight: decimal.NewFromInt(1)}},
		EventID:        eventID,
		Side:           hedgeSide,
		Size:           fill.Size,
		ReferencePrice: fill.Price,
		EntryOrderID:   fill.OrderID,
		EntryExchange:  fill.Exchange,
	})
	switch {
	case err != nil:
		om.logger.Error("hedging failed", utils.OrderID(fill.OrderID), utils.Exchange(hedgeVenue), utils.Err(err))
		payload["status"] = "failed"
		payload["error"] = err.Error()
	case result != nil && result.Skipped:
		payload["status"] = "skipped"
	default:
		legs := 0
		if result != nil {
			legs = len(result.Legs)
		}
		payload["status"] = "success"
		payload["legs"] = legs
		om.releaseExposure(fill.OrderID, eventID, fill.Size)
	}
	om.logOrderEvent(ctx, fill.OrderID, "hedge", payload)
}

// releaseExposure снимает захеджированный объём с экспозиции, под которой ордер выставлялся
func (om *OrderManager) releaseExposure(orderKey, fallback string, size decimal.Decimal) {
	key := fallback
	om.ordersMu.RLock()
	if o, ok := om.orders[orderKey]; ok && o.exposureKey != "" {
		key = o.exposureKey
	}
	om.ordersMu.RUnlock()
	om.risk.Decrement(key, size)
}

func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
