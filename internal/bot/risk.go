package bot

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"crossarb/pkg/utils"
)

// RiskConfig - лимиты риск-менеджера
type RiskConfig struct {
	// MaxPerMarket - максимальный размер одного ордера
	MaxPerMarket decimal.Decimal
	// MaxPerEvent - максимальная суммарная экспозиция по событию
	MaxPerEvent decimal.Decimal
	// MaxSlippage - допустимое проскальзывание хеджа (в единицах цены)
	MaxSlippage decimal.Decimal
	// BalanceAsset - актив, в котором проверяется баланс
	BalanceAsset string
}

// DefaultRiskConfig возвращает конфигурацию по умолчанию
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxPerMarket: decimal.NewFromInt(100),
		MaxPerEvent:  decimal.NewFromInt(250),
		MaxSlippage:  decimal.RequireFromString("0.02"),
		BalanceAsset: "USDC",
	}
}

// BalanceSource - источник балансов площадки (exchange.Venue подходит)
type BalanceSource interface {
	GetBalances(ctx context.Context) (map[string]decimal.Decimal, error)
}

// RiskManager - пре-трейд проверки и учёт экспозиции по событиям
//
// CheckLimits резервирует экспозицию, Decrement освобождает её
// (не ниже нуля). Все проверки вызываются до исходящего действия:
// отказ означает, что действие не выполняется вовсе.
type RiskManager struct {
	cfg    RiskConfig
	logger *utils.Logger

	mu       sync.Mutex
	exposure map[string]decimal.Decimal
}

// NewRiskManager создаёт риск-менеджер
func NewRiskManager(cfg RiskConfig, logger *utils.Logger) *RiskManager {
	if logger == nil {
		logger = utils.L()
	}
	if cfg.BalanceAsset == "" {
		cfg.BalanceAsset = "USDC"
	}
	return &RiskManager{
		cfg:      cfg,
		logger:   logger.WithComponent("risk"),
		exposure: make(map[string]decimal.Decimal),
	}
}

// CheckLimits проверяет лимиты и при успехе резервирует size под eventID
func (r *RiskManager) CheckLimits(eventID string, size decimal.Decimal) error {
	if size.GreaterThan(r.cfg.MaxPerMarket) {
		return riskError("size exceeds per-market limit (%s > %s)", size, r.cfg.MaxPerMarket)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.exposure[eventID]
	if current.Add(size).GreaterThan(r.cfg.MaxPerEvent) {
		return riskError("size exceeds per-event limit (%s + %s > %s)", current, size, r.cfg.MaxPerEvent)
	}

	updated := current.Add(size)
	r.exposure[eventID] = updated
	ExposureGauge.WithLabelValues(eventID).Set(updated.InexactFloat64())
	return nil
}

// Decrement уменьшает экспозицию события, не опуская её ниже нуля
func (r *RiskManager) Decrement(eventID string, size decimal.Decimal) {
	if !size.IsPositive() {
		return
	}

	r.mu.Lock()
	updated := utils.FloorZero(r.exposure[eventID].Sub(size))
	r.exposure[eventID] = updated
	r.mu.Unlock()

	ExposureGauge.WithLabelValues(eventID).Set(updated.InexactFloat64())
	r.logger.Debug("exposure released", utils.EventID(eventID), utils.Volume(size), utils.String("exposure", updated.String()))
}

// Exposure возвращает текущую экспозицию события
func (r *RiskManager) Exposure(eventID string) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exposure[eventID]
}

// Snapshot - копия карты экспозиций
func (r *RiskManager) Snapshot() map[string]decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(r.exposure))
	for k, v := range r.exposure {
		out[k] = v
	}
	return out
}

// CheckBalance проверяет, что на площадке хватает BalanceAsset на required
func (r *RiskManager) CheckBalance(ctx context.Context, venue BalanceSource, required decimal.Decimal) error {
	balances, err := venue.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("fetch balances: %w", err)
	}

	available := balances[r.cfg.BalanceAsset]
	if available.LessThan(required) {
		return riskError("insufficient balance (%s %s < %s)", available, r.cfg.BalanceAsset, required)
	}
	return nil
}

// CheckSlippage проверяет проскальзывание против MaxSlippage
func (r *RiskManager) CheckSlippage(observed decimal.Decimal) error {
	if observed.GreaterThan(r.cfg.MaxSlippage) {
		return riskError("slippage exceeds threshold (%s > %s)", observed, r.cfg.MaxSlippage)
	}
	return nil
}

// MaxSlippage - текущий порог проскальзывания
func (r *RiskManager) MaxSlippage() decimal.Decimal {
	return r.cfg.MaxSlippage
}
