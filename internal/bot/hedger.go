package bot

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// HedgeStrategy - поведение при ноге, которую нельзя исполнить безопасно
type HedgeStrategy string

const (
	// StrategyFull - любая неудачная нога отменяет весь хедж
	StrategyFull HedgeStrategy = "FULL"
	// StrategyPartialIfSafer - неудачные ноги пропускаются
	StrategyPartialIfSafer HedgeStrategy = "PARTIAL_IF_SAFER"
	// StrategySkipIfTooExpensive - хедж отменяется без ошибки
	StrategySkipIfTooExpensive HedgeStrategy = "SKIP_IF_TOO_EXPENSIVE"
)

// ParseHedgeStrategy приводит строку к стратегии, неизвестное = FULL
func ParseHedgeStrategy(raw string) HedgeStrategy {
	switch s := HedgeStrategy(strings.ToUpper(strings.TrimSpace(raw))); s {
	case StrategyPartialIfSafer, StrategySkipIfTooExpensive:
		return s
	default:
		return StrategyFull
	}
}

// HedgerConfig - параметры хеджера
type HedgerConfig struct {
	Ratio    decimal.Decimal // доля хеджируемого объёма
	SizeStep decimal.Decimal // шаг уменьшения ноги (доля исходного размера)
	Strategy HedgeStrategy
	DryRun   bool
}

// DefaultHedgerConfig возвращает конфигурацию по умолчанию
func DefaultHedgerConfig() HedgerConfig {
	return HedgerConfig{
		Ratio:    decimal.NewFromInt(1),
		SizeStep: decimal.RequireFromString("0.1"),
		Strategy: StrategyFull,
	}
}

// HedgeLeg - одна нога хеджа: площадка, рынок, вес
type HedgeLeg struct {
	Exchange string
	MarketID string
	Weight   decimal.Decimal
}

// HedgeRequest - запрос на хедж исполненного объёма
type HedgeRequest struct {
	Legs           []HedgeLeg
	EventID        string
	Side           models.Side
	Size           decimal.Decimal
	ReferencePrice decimal.Decimal
	EntryOrderID   string
	EntryExchange  string
}

// LegExecution - исполненная нога
type LegExecution struct {
	OrderID  string          `json:"order_id"`
	Exchange string          `json:"exchange"`
	MarketID string          `json:"market_id"`
	Size     decimal.Decimal `json:"size"`
	Price    decimal.Decimal `json:"price"`
	Slippage decimal.Decimal `json:"slippage"`
}

// HedgeResult - итог хеджа. Skipped = стратегия отказалась от хеджа.
type HedgeResult struct {
	Trade   *models.Trade
	Legs    []LegExecution
	Skipped bool
}

// Hedger исполняет хедж рыночными ордерами на встречной площадке
//
// Вся операция идёт в транзакции хранилища: Trade сохраняется и
// коммитится только вместе с успешным исполнением. Любая ошибка
// после begin - rollback, инцидент и алерт.
type Hedger struct {
	venues   VenueSource
	store    TradeStore
	risk     *RiskManager
	notifier Notifier
	cfg      HedgerConfig
	logger   *utils.Logger
	now      func() time.Time
}

// NewHedger создаёт хеджер
func NewHedger(venues VenueSource, store TradeStore, risk *RiskManager, notifier Notifier, cfg HedgerConfig, logger *utils.Logger) *Hedger {
	if logger == nil {
		logger = utils.L()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if !cfg.Ratio.IsPositive() {
		cfg.Ratio = decimal.NewFromInt(1)
	}
	if !cfg.SizeStep.IsPositive() {
		cfg.SizeStep = decimal.RequireFromString("0.1")
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyFull
	}
	return &Hedger{
		venues:   venues,
		store:    store,
		risk:     risk,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.WithComponent("hedger"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Hedge распределяет Size × Ratio по ногам пропорционально весам и исполняет их
func (h *Hedger) Hedge(ctx context.Context, req HedgeRequest) (*HedgeResult, error) {
	if !req.Size.IsPositive() || len(req.Legs) == 0 {
		HedgesTotal.WithLabelValues("failed").Inc()
		return nil, &HedgingError{Reason: "no hedge legs provided"}
	}

	target := req.Size.Mul(h.cfg.Ratio)
	weights := make([]decimal.Decimal, len(req.Legs))
	for i, leg := range req.Legs {
		weights[i] = leg.Weight
	}
	legSizes := utils.SplitByWeights(target, weights)

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		HedgesTotal.WithLabelValues("failed").Inc()
		return nil, &HedgingError{Reason: "begin transaction", Err: err}
	}

	result, err := h.execute(ctx, tx, req, legSizes)
	if err != nil {
		h.rollback(tx)
		HedgesTotal.WithLabelValues("failed").Inc()
		h.handleFailure(ctx, "hedge failed", req, err)

		var hedgeErr *HedgingError
		if errors.As(err, &hedgeErr) {
			return nil, err
		}
		return nil, &HedgingError{Reason: "hedge failed", Err: err}
	}
	if result.Skipped {
		HedgesTotal.WithLabelValues("skipped").Inc()
		return result, nil
	}

	HedgesTotal.WithLabelValues("success").Inc()
	trade := result.Trade
	h.notifier.SendMessage(ctx, fmt.Sprintf("Hedged %s units across %d leg(s) at %s. Estimated PnL: %s",
		trade.HedgeSize.StringFixed(2), len(result.Legs), trade.HedgePrice.StringFixed(4), trade.PnLEstimate.StringFixed(4)))
	h.logger.Info("hedge completed",
		utils.EventID(req.EventID),
		utils.OrderID(req.EntryOrderID),
		utils.Int("legs", len(result.Legs)),
		utils.String("hedge_size", trade.HedgeSize.String()),
		utils.String("hedge_price", trade.HedgePrice.String()),
		utils.String("pnl_estimate", trade.PnLEstimate.String()),
	)
	return result, nil
}

// execute исполняет ноги и сохраняет Trade в рамках tx
func (h *Hedger) execute(ctx context.Context, tx driver.Tx, req HedgeRequest, legSizes []decimal.Decimal) (*HedgeResult, error) {
	executed := make([]LegExecution, 0, len(req.Legs))

	for i, leg := range req.Legs {
		if !legSizes[i].IsPositive() {
			continue
		}

		execution, err := h.executeLeg(ctx, leg, req.Side, legSizes[i])
		if err != nil {
			if !IsRiskError(err) && !IsHedgingError(err) {
				return nil, err
			}
			switch h.cfg.Strategy {
			case StrategyPartialIfSafer:
				h.logger.Warn("hedge leg skipped", utils.Exchange(leg.Exchange), utils.MarketID(leg.MarketID), utils.Err(err))
				continue
			case StrategySkipIfTooExpensive:
				h.rollback(tx)
				h.handleFailure(ctx, "hedge skipped due to strategy", req, err)
				return &HedgeResult{Skipped: true}, nil
			default:
				return nil, err
			}
		}
		executed = append(executed, *execution)
	}

	if len(executed) == 0 {
		return nil, &HedgingError{Reason: "no hedge legs executed"}
	}

	prices := make([]decimal.Decimal, len(executed))
	sizes := make([]decimal.Decimal, len(executed))
	ids := make([]string, len(executed))
	total := decimal.Zero
	for i, e := range executed {
		prices[i], sizes[i], ids[i] = e.Price, e.Size, e.OrderID
		total = total.Add(e.Size)
	}
	weightedPrice := utils.WeightedAverage(prices, sizes)

	trade := &models.Trade{
		EntryOrderID:  req.EntryOrderID,
		HedgeOrderID:  strings.Join(ids, ","),
		EventID:       req.EventID,
		EntryExchange: req.EntryExchange,
		HedgeExchange: executed[0].Exchange,
		EntryPrice:    req.ReferencePrice,
		HedgePrice:    weightedPrice,
		Size:          req.Size,
		HedgeSize:     total,
		PnLEstimate:   req.ReferencePrice.Sub(weightedPrice).Mul(total),
		Timestamp:     h.now(),
	}
	if err := utils.ValidateTrade(trade.EntryOrderID, trade.HedgeOrderID, trade.Size, trade.HedgeSize); err != nil {
		return nil, err
	}
	if err := h.store.SaveTrade(ctx, tx, trade); err != nil {
		return nil, fmt.Errorf("save trade: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit trade: %w", err)
	}

	return &HedgeResult{Trade: trade, Legs: executed}, nil
}

// executeLeg подбирает размер ноги под порог проскальзывания и исполняет её
func (h *Hedger) executeLeg(ctx context.Context, leg HedgeLeg, side models.Side, size decimal.Decimal) (*LegExecution, error) {
	client, release, err := h.venues.Acquire(ctx, leg.Exchange)
	if err != nil {
		return nil, err
	}
	defer release()

	book, err := client.GetOrderBook(ctx, leg.MarketID)
	if err != nil {
		return nil, fmt.Errorf("orderbook %s/%s: %w", leg.Exchange, leg.MarketID, err)
	}
	if AvailableDepth(book, side).IsZero() {
		return nil, &HedgingError{Reason: fmt.Sprintf("no liquidity on %s for %s", leg.Exchange, leg.MarketID)}
	}

	avgPrice, slippage := EstimateSlippage(book, side, size)
	if err := h.risk.CheckSlippage(slippage); err != nil {
		reduced := reduceForSlippage(book, side, size, size.Mul(h.cfg.SizeStep), h.risk.MaxSlippage())
		if !reduced.IsPositive() {
			return nil, err
		}
		h.logger.Info("hedge leg reduced for slippage",
			utils.Exchange(leg.Exchange), utils.String("requested", size.String()), utils.String("reduced", reduced.String()))
		size = reduced
		avgPrice, slippage = EstimateSlippage(book, side, size)
		if err := h.risk.CheckSlippage(slippage); err != nil {
			return nil, err
		}
	}

	orderID := "dry-run"
	if !h.cfg.DryRun {
		cid := "hedge-" + compactUUID()
		order, err := client.PlaceMarketOrder(ctx, leg.MarketID, side, size, cid)
		if err != nil {
			return nil, fmt.Errorf("market order %s/%s: %w", leg.Exchange, leg.MarketID, err)
		}
		orderID = order.Key()
	}

	HedgeSlippage.Observe(slippage.InexactFloat64())
	return &LegExecution{
		OrderID:  orderID,
		Exchange: leg.Exchange,
		MarketID: leg.MarketID,
		Size:     size,
		Price:    avgPrice,
		Slippage: slippage,
	}, nil
}

func (h *Hedger) rollback(tx driver.Tx) {
	if err := tx.Rollback(); err != nil {
		h.logger.Debug("rollback after hedge", utils.Err(err))
	}
}

// handleFailure пишет инцидент и алерт
func (h *Hedger) handleFailure(ctx context.Context, message string, req HedgeRequest, cause error) {
	details := map[string]interface{}{
		"error":          cause.Error(),
		"entry_order_id": req.EntryOrderID,
		"event_id":       req.EventID,
		"size":           req.Size.String(),
	}
	if err := h.store.RecordIncident(ctx, models.IncidentError, message, details); err != nil {
		h.logger.Warn("failed to record hedge incident", utils.Err(err))
	}
	h.notifier.SendMessage(ctx, fmt.Sprintf("[Hedge Failure] %s: %s", message, cause.Error()))
	h.logger.Error(message, utils.EventID(req.EventID), utils.OrderID(req.EntryOrderID), utils.Err(cause))
}
