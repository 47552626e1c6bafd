package utils

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// validator.go - проверка входящих торговых данных
//
// Вызывается до любых побочных эффектов: невалидный fill или ордер
// отклоняется целиком и не доходит до хранилища и хеджера.

// ErrInvalidPayload - базовая ошибка валидации (для errors.Is)
var ErrInvalidPayload = errors.New("invalid payload")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// ValidateSide проверяет сторону сделки (BUY/SELL)
func ValidateSide(side string) error {
	switch strings.ToUpper(side) {
	case "BUY", "SELL":
		return nil
	default:
		return invalid("side %q invalid", side)
	}
}

// ValidateFill проверяет отчёт об исполнении
func ValidateFill(orderID string, size, price decimal.Decimal, side string) error {
	if orderID == "" {
		return invalid("fill order_id required")
	}
	if !size.IsPositive() {
		return invalid("fill size must be positive, got %s", size)
	}
	if !price.IsPositive() {
		return invalid("fill price must be positive, got %s", price)
	}
	return ValidateSide(side)
}

// ValidateOrder проверяет ордер, вернувшийся с площадки (или синтезированный в dry-run)
func ValidateOrder(clientOrderID, exchange, marketID string, size, price, filled decimal.Decimal) error {
	if clientOrderID == "" {
		return invalid("client_order_id required")
	}
	if exchange == "" {
		return invalid("exchange required")
	}
	if marketID == "" {
		return invalid("market_id required")
	}
	if !size.IsPositive() {
		return invalid("order size must be positive, got %s", size)
	}
	if price.IsNegative() {
		return invalid("order price must be positive when provided, got %s", price)
	}
	if filled.IsNegative() {
		return invalid("filled_size cannot be negative, got %s", filled)
	}
	return nil
}

// ValidateOrderBook проверяет уровни стакана
func ValidateOrderBook(marketID string, bids, asks []OrderBookLevel) error {
	if marketID == "" {
		return invalid("orderbook market_id required")
	}
	for _, side := range [][]OrderBookLevel{bids, asks} {
		for _, level := range side {
			if !level.Price.IsPositive() || level.Size.IsNegative() {
				return invalid("orderbook level %s@%s invalid", level.Size, level.Price)
			}
		}
	}
	return nil
}

// ValidateTrade проверяет запись о хедже перед сохранением
func ValidateTrade(entryOrderID, hedgeOrderID string, size, hedgeSize decimal.Decimal) error {
	if entryOrderID == "" || hedgeOrderID == "" {
		return invalid("trade order ids required")
	}
	if !size.IsPositive() || !hedgeSize.IsPositive() {
		return invalid("trade sizes must be positive")
	}
	return nil
}
