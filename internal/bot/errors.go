package bot

import (
	"errors"
	"fmt"

	"crossarb/pkg/utils"
)

// ============================================================
// Таксономия ошибок ядра
// ============================================================
//
// Validation - некорректный fill/ордер, не обрабатывается.
// Risk       - нарушение лимита/баланса/проскальзывания, действие отменяется.
// Hedging    - хедж не выполнен, fill всё равно считается обработанным.
// Ошибки площадок - *exchange.ExchangeError.

// ErrValidation - некорректные входные данные (errors.Is совместим с utils.ErrInvalidPayload)
var ErrValidation = utils.ErrInvalidPayload

var (
	ErrUnknownVenue         = errors.New("unknown venue")
	ErrRoutingNotSet        = errors.New("primary/secondary routing not configured")
	ErrDoubleLimitDisabled  = errors.New("double-limit mode disabled")
	ErrMarketNotMapped      = errors.New("market id not resolved for venue")
	ErrCancelRejected       = errors.New("cancel rejected by venue")
	ErrManagerClosed        = errors.New("order manager is shut down")
	ErrManagerDraining      = errors.New("order manager accepts no new orders")
	ErrNoAvailableAccount   = errors.New("no account available for venue")
	ErrPairNotFound         = errors.New("pair not found")
)

// RiskCheckError - отказ риск-менеджера
type RiskCheckError struct {
	Reason string
}

func (e *RiskCheckError) Error() string {
	return "risk check failed: " + e.Reason
}

func riskError(format string, args ...interface{}) *RiskCheckError {
	return &RiskCheckError{Reason: fmt.Sprintf(format, args...)}
}

// HedgingError - хедж не удалось выполнить безопасно
type HedgingError struct {
	Reason string
	Err    error
}

func (e *HedgingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hedge failed: %s: %v", e.Reason, e.Err)
	}
	return "hedge failed: " + e.Reason
}

func (e *HedgingError) Unwrap() error {
	return e.Err
}

// IsRiskError проверяет, является ли ошибка отказом риск-менеджера
func IsRiskError(err error) bool {
	var riskErr *RiskCheckError
	return errors.As(err, &riskErr)
}

// IsHedgingError проверяет, является ли ошибка ошибкой хеджа
func IsHedgingError(err error) bool {
	var hedgeErr *HedgingError
	return errors.As(err, &hedgeErr)
}
