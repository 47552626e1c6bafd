package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"crossarb/internal/exchange"
	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// PairConfig - пара рынков одного события на двух площадках
type PairConfig struct {
	EventID         string          `json:"event_id"`
	PrimaryVenue    string          `json:"primary_venue"`
	SecondaryVenue  string          `json:"secondary_venue"`
	PrimaryMarket   string          `json:"primary_market"`
	SecondaryMarket string          `json:"secondary_market"`
	Size            decimal.Decimal `json:"size"` // 0 = размер по умолчанию
}

// PairStatus - снимок пары для ops API
type PairStatus struct {
	PairConfig
	StartedAt      time.Time `json:"started_at"`
	PendingTimers  int       `json:"pending_timers"`
	CancelFailures int       `json:"cancel_failures"`
	OpenOrders     int       `json:"open_orders"`
	Draining       bool      `json:"draining"`
}

// PairController управляет торговыми циклами пар
type PairController interface {
	StartPair(ctx context.Context, cfg PairConfig) error
	StopPair(ctx context.Context, eventID, reason string) error
	OrderManagers() []*OrderManager
}

// SupervisorConfig - зависимости и параметры супервизора
type SupervisorConfig struct {
	Store     OrderStore
	Positions *PositionTracker
	Hedger    HedgeExecutor
	Risk      *RiskManager
	Notifier  Notifier
	Mapper    MarketMapper
	Venues    VenueSource
	Spread    *SpreadCalculator

	// Manager - шаблон конфигурации OrderManager; EventID и MarketMap задаются парой
	Manager OrderManagerConfig

	MinSpread    decimal.Decimal // минимальный чистый спред на единицу
	DefaultSize  decimal.Decimal
	EvalInterval time.Duration
	ErrorBackoff time.Duration
}

// minPairSize - нижняя граница размера ордера пары
var minPairSize = decimal.RequireFromString("0.01")

type pairRuntime struct {
	cfg       PairConfig
	manager   *OrderManager
	release   []func()
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	closeOnce sync.Once
}

// Supervisor - PairController с одним циклом решений на событие
//
// Остановленная пара, у которой остались живые ордера, уходит в draining:
// цикл стоит, новых ордеров нет, но fill по её ордерам обрабатываются,
// пока все ордера не станут терминальными.
type Supervisor struct {
	cfg    SupervisorConfig
	logger *utils.Logger

	mu       sync.Mutex
	pairs    map[string]*pairRuntime
	draining map[*pairRuntime]struct{}
}

var _ PairController = (*Supervisor)(nil)

// NewSupervisor создаёт супервизор пар
func NewSupervisor(cfg SupervisorConfig, logger *utils.Logger) *Supervisor {
	if logger == nil {
		logger = utils.L()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.Spread == nil {
		cfg.Spread = NewSpreadCalculator()
	}
	if !cfg.DefaultSize.IsPositive() {
		cfg.DefaultSize = decimal.NewFromInt(10)
	}
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	return &Supervisor{
		cfg:    cfg,
		logger: logger.WithComponent("pair_supervisor"),
		pairs:    make(map[string]*pairRuntime),
		draining: make(map[*pairRuntime]struct{}),
	}
}

// StartPair поднимает OrderManager пары и запускает её цикл.
// Повторный запуск того же события игнорируется с предупреждением.
func (s *Supervisor) StartPair(ctx context.Context, cfg PairConfig) error {
	if cfg.EventID == "" {
		return fmt.Errorf("%w: pair must provide event_id", ErrValidation)
	}
	if cfg.PrimaryVenue == "" || cfg.SecondaryVenue == "" {
		return ErrRoutingNotSet
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, running := s.pairs[cfg.EventID]; running {
		s.logger.Warn("pair already running", utils.EventID(cfg.EventID))
		return nil
	}

	runtime, err := s.spawn(ctx, cfg)
	if err != nil {
		s.logger.Error("failed to start pair", utils.EventID(cfg.EventID), utils.Err(err))
		return err
	}
	s.pairs[cfg.EventID] = runtime
	ActivePairs.Set(float64(len(s.pairs)))

	s.logger.Info("pair started",
		utils.EventID(cfg.EventID),
		utils.String("primary", cfg.PrimaryVenue+"/"+cfg.PrimaryMarket),
		utils.String("secondary", cfg.SecondaryVenue+"/"+cfg.SecondaryMarket))
	return nil
}

func (s *Supervisor) spawn(ctx context.Context, cfg PairConfig) (*pairRuntime, error) {
	clients := make(map[string]exchange.Venue, 2)
	var releases []func()
	for _, venue := range []string{cfg.PrimaryVenue, cfg.SecondaryVenue} {
		client, release, err := s.cfg.Venues.Acquire(ctx, venue)
		if err != nil {
			for _, r := range releases {
				r()
			}
			return nil, fmt.Errorf("acquire %s: %w", venue, err)
		}
		clients[venue] = client
		releases = append(releases, release)
	}

	managerCfg := s.cfg.Manager
	managerCfg.EventID = cfg.EventID
	managerCfg.MarketMap = map[string]string{
		cfg.PrimaryVenue:   cfg.PrimaryMarket,
		cfg.SecondaryVenue: cfg.SecondaryMarket,
	}
	manager := NewOrderManager(clients, s.cfg.Store, s.cfg.Positions, s.cfg.Hedger, s.cfg.Risk,
		s.cfg.Notifier, s.cfg.Mapper, managerCfg, s.logger)
	manager.SetRouting(cfg.PrimaryVenue, cfg.SecondaryVenue)

	loopCtx, cancel := context.WithCancel(context.Background())
	runtime := &pairRuntime{
		cfg:       cfg,
		manager:   manager,
		release:   releases,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now().UTC(),
	}
	go s.runLoop(loopCtx, runtime, clients)
	return runtime, nil
}

// StopPair останавливает цикл пары и отменяет её открытые ордера.
// Если часть ордеров отменить не удалось, пара остаётся в draining;
// повторный StopPair того же события повторяет отмены.
func (s *Supervisor) StopPair(ctx context.Context, eventID, reason string) error {
	s.mu.Lock()
	var targets []*pairRuntime
	active, ok := s.pairs[eventID]
	if ok {
		delete(s.pairs, eventID)
		s.draining[active] = struct{}{}
		ActivePairs.Set(float64(len(s.pairs)))
		targets = append(targets, active)
	}
	for rt := range s.draining {
		if rt != active && rt.cfg.EventID == eventID {
			targets = append(targets, rt)
		}
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return fmt.Errorf("%w: %s", ErrPairNotFound, eventID)
	}

	var errs error
	for _, rt := range targets {
		if rt == active {
			rt.manager.StopPlacements()
			rt.cancel()
			<-rt.done
		}
		errs = multierr.Append(errs, s.drain(ctx, rt, reason))
	}
	return errs
}

// drain отменяет открытые ордера пары и закрывает её, если живых не осталось
func (s *Supervisor) drain(ctx context.Context, rt *pairRuntime, reason string) error {
	eventID := rt.cfg.EventID
	err := rt.manager.CancelAllOpenOrders(ctx)
	if err != nil {
		s.logger.Warn("open orders not fully cancelled", utils.EventID(eventID), utils.Err(err))
	}

	if open := rt.manager.OpenOrders(); open > 0 {
		s.logger.Warn("pair draining", utils.EventID(eventID), utils.Int("open_orders", open))
		s.cfg.Notifier.SendMessage(ctx, fmt.Sprintf(
			"Pair %s stopping: %d orders still open, fills will be handled until they close", eventID, open))
		return err
	}

	s.closeRuntime(rt)
	if reason != "" {
		s.cfg.Notifier.SendMessage(ctx, fmt.Sprintf("Pair %s stopped: %s", eventID, reason))
	}
	s.logger.Info("pair stopped", utils.EventID(eventID), utils.String("reason", reason))
	return err
}

// closeRuntime убирает пару из draining, гасит менеджер и возвращает клиентов
func (s *Supervisor) closeRuntime(rt *pairRuntime) {
	s.mu.Lock()
	delete(s.draining, rt)
	s.mu.Unlock()

	rt.closeOnce.Do(func() {
		rt.manager.Shutdown()
		for _, release := range rt.release {
			release()
		}
	})
}

// Shutdown останавливает все пары. Пары с живыми ордерами закрываются
// принудительно, по каждой пишется инцидент.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pairs))
	for id := range s.pairs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs error
	for _, id := range ids {
		errs = multierr.Append(errs, s.StopPair(ctx, id, "shutdown"))
	}

	s.mu.Lock()
	leftovers := make([]*pairRuntime, 0, len(s.draining))
	for rt := range s.draining {
		leftovers = append(leftovers, rt)
	}
	s.mu.Unlock()

	for _, rt := range leftovers {
		open := rt.manager.OpenOrders()
		s.logger.Error("pair closed with open orders", utils.EventID(rt.cfg.EventID), utils.Int("open_orders", open))
		s.recordIncident(ctx, models.IncidentError, "pair_closed_with_open_orders", map[string]interface{}{
			"event_id":    rt.cfg.EventID,
			"open_orders": open,
		})
		s.cfg.Notifier.SendMessage(ctx, fmt.Sprintf(
			"Pair %s closed on shutdown with %d orders still open. Check venues manually.", rt.cfg.EventID, open))
		s.closeRuntime(rt)
	}
	return errs
}

// OrderManagers возвращает менеджеры запущенных пар
func (s *Supervisor) OrderManagers() []*OrderManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*OrderManager, 0, len(s.pairs))
	for _, rt := range s.pairs {
		out = append(out, rt.manager)
	}
	return out
}

// Pairs - снимок запущенных и draining пар, по event id
func (s *Supervisor) Pairs() []PairStatus {
	s.mu.Lock()
	out := make([]PairStatus, 0, len(s.pairs)+len(s.draining))
	for _, rt := range s.pairs {
		out = append(out, rt.status(false))
	}
	for rt := range s.draining {
		out = append(out, rt.status(true))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].EventID != out[j].EventID {
			return out[i].EventID < out[j].EventID
		}
		return !out[i].Draining && out[j].Draining
	})
	return out
}

func (rt *pairRuntime) status(draining bool) PairStatus {
	return PairStatus{
		PairConfig:     rt.cfg,
		StartedAt:      rt.startedAt,
		PendingTimers:  rt.manager.PendingTimers(),
		CancelFailures: rt.manager.CancelFailures(),
		OpenOrders:     rt.manager.OpenOrders(),
		Draining:       draining,
	}
}

// DispatchFill передаёт fill менеджеру пары, которой принадлежит ордер
// или рынок; draining-пары тоже получают fill. Fill, который некому
// обработать, пишется инцидентом и уходит алертом.
func (s *Supervisor) DispatchFill(ctx context.Context, fill *models.Fill) error {
	target, draining := s.route(fill)
	if target == nil {
		s.reportUnrouted(ctx, fill, "unmanaged_market")
		return nil
	}

	_, err := target.manager.HandleFill(ctx, fill)
	if errors.Is(err, ErrManagerClosed) {
		s.reportUnrouted(ctx, fill, "manager_closed")
		return nil
	}

	if draining && target.manager.OpenOrders() == 0 {
		s.closeRuntime(target)
		s.logger.Info("pair drained", utils.EventID(target.cfg.EventID))
	}
	return err
}

// route: менеджер, отслеживающий ордер, затем по рынку; запущенные пары раньше draining
func (s *Supervisor) route(fill *models.Fill) (rt *pairRuntime, draining bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, byOrder := range []bool{true, false} {
		for _, candidate := range s.pairs {
			if matchesFill(candidate.manager, fill, byOrder) {
				return candidate, false
			}
		}
		for candidate := range s.draining {
			if matchesFill(candidate.manager, fill, byOrder) {
				return candidate, true
			}
		}
	}
	return nil, false
}

func matchesFill(om *OrderManager, fill *models.Fill, byOrder bool) bool {
	if byOrder {
		return om.Tracks(fill.OrderID)
	}
	return om.HandlesMarket(fill.MarketID)
}

// reportUnrouted - fill без менеджера: хеджа не будет, нужен оператор
func (s *Supervisor) reportUnrouted(ctx context.Context, fill *models.Fill, reason string) {
	FillsUnrouted.WithLabelValues(reason).Inc()
	s.logger.Error("fill not routed to any pair",
		utils.OrderID(fill.OrderID), utils.MarketID(fill.MarketID), utils.Exchange(fill.Exchange),
		utils.String("reason", reason))

	s.recordIncident(ctx, models.IncidentError, "unrouted_fill", map[string]interface{}{
		"order_id":  fill.OrderID,
		"market_id": fill.MarketID,
		"exchange":  fill.Exchange,
		"side":      string(fill.Side),
		"size":      fill.Size.String(),
		"price":     fill.Price.String(),
		"reason":    reason,
	})
	s.cfg.Notifier.SendMessage(ctx, fmt.Sprintf(
		"Unhedged fill: order %s on %s (%s %s @ %s), %s",
		fill.OrderID, fill.Exchange, fill.Side, fill.Size, fill.Price, reason))
}

func (s *Supervisor) recordIncident(ctx context.Context, level, message string, details map[string]interface{}) {
	if s.cfg.Store == nil {
		return
	}
	if err := s.cfg.Store.RecordIncident(ctx, level, message, details); err != nil {
		s.logger.Warn("failed to record incident", utils.String("incident", message), utils.Err(err))
	}
}

// ============================================================
// Цикл пары
// ============================================================

func (s *Supervisor) runLoop(ctx context.Context, rt *pairRuntime, clients map[string]exchange.Venue) {
	defer close(rt.done)

	size := s.cfg.DefaultSize
	if rt.cfg.Size.IsPositive() {
		size = rt.cfg.Size
	}
	if size.LessThan(minPairSize) {
		size = minPairSize
	}
	log := s.logger.WithEventID(rt.cfg.EventID)

	for {
		wait := s.cfg.EvalInterval
		if err := s.evaluateOnce(ctx, rt, clients, size); err != nil && ctx.Err() == nil {
			log.Error("pair loop error", utils.Err(err))
			wait += s.cfg.ErrorBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// evaluateOnce: стаканы обеих площадок -> спред -> выставление
func (s *Supervisor) evaluateOnce(ctx context.Context, rt *pairRuntime, clients map[string]exchange.Venue, size decimal.Decimal) error {
	cfg := rt.cfg
	primaryBook, err := clients[cfg.PrimaryVenue].GetOrderBook(ctx, cfg.PrimaryMarket)
	if err != nil {
		return fmt.Errorf("primary orderbook: %w", err)
	}
	secondaryBook, err := clients[cfg.SecondaryVenue].GetOrderBook(ctx, cfg.SecondaryMarket)
	if err != nil {
		return fmt.Errorf("secondary orderbook: %w", err)
	}

	opp := s.cfg.Spread.Evaluate(cfg.PrimaryVenue, cfg.SecondaryVenue, primaryBook, secondaryBook, size)
	if opp == nil || opp.NetTotal.LessThan(s.cfg.MinSpread.Mul(size)) {
		return nil
	}
	primaryLeg, ok1 := opp.Legs[cfg.PrimaryVenue]
	secondaryLeg, ok2 := opp.Legs[cfg.SecondaryVenue]
	if !ok1 || !ok2 {
		return nil
	}

	if rt.manager.DoubleLimitEnabled() {
		_, _, err = rt.manager.PlaceDoubleLimit(ctx, cfg.EventID,
			DoubleLimitLeg{Side: primaryLeg.Side, Price: primaryLeg.Price, Size: size},
			DoubleLimitLeg{Side: secondaryLeg.Side, Price: secondaryLeg.Price, Size: size})
		return err
	}
	_, err = rt.manager.PlacePrimaryLimit(ctx, cfg.PrimaryVenue, cfg.PrimaryMarket, primaryLeg.Side, primaryLeg.Price, size, "")
	return err
}
