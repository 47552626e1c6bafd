package utils

import (
	"github.com/shopspring/decimal"
)

// math.go - математические утилиты для исполнения и хеджирования
//
// Все функции чистые и работают с decimal.Decimal: размеры и цены
// накапливаются без ошибок плавающей точки.

// OrderBookLevel представляет один уровень стакана ордеров
type OrderBookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// walkDepth проходит уровни стакана от лучшего к худшему, набирая targetSize.
// Уровни с неположительной ценой или объёмом пропускаются.
func walkDepth(levels []OrderBookLevel, targetSize decimal.Decimal) (avgPrice, filled decimal.Decimal) {
	if len(levels) == 0 || !targetSize.IsPositive() {
		return decimal.Zero, decimal.Zero
	}

	cost := decimal.Zero // Σ(price × take)
	remaining := targetSize

	for _, level := range levels {
		if !level.Price.IsPositive() || !level.Size.IsPositive() {
			continue
		}

		take := decimal.Min(remaining, level.Size)
		cost = cost.Add(level.Price.Mul(take))
		filled = filled.Add(take)
		remaining = remaining.Sub(take)

		if !remaining.IsPositive() {
			break
		}
	}

	if filled.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	return cost.Div(filled), filled
}

// SimulateMarketBuy моделирует рыночную покупку по уровням Ask.
//
// Возвращает:
//   - avgPrice: средневзвешенная по глубине цена
//   - filled: доступный объём (может быть меньше targetSize)
//   - slippage: avgPrice - лучший Ask, в единицах цены (>= 0)
func SimulateMarketBuy(asks []OrderBookLevel, targetSize decimal.Decimal) (avgPrice, filled, slippage decimal.Decimal) {
	avgPrice, filled = walkDepth(asks, targetSize)
	if filled.IsZero() {
		return decimal.Zero, decimal.Zero, decimal.Zero
	}
	return avgPrice, filled, avgPrice.Sub(asks[0].Price)
}

// SimulateMarketSell моделирует рыночную продажу по уровням Bid.
//
// slippage = лучший Bid - avgPrice, тоже неотрицательный при
// корректно отсортированном стакане.
func SimulateMarketSell(bids []OrderBookLevel, targetSize decimal.Decimal) (avgPrice, filled, slippage decimal.Decimal) {
	avgPrice, filled = walkDepth(bids, targetSize)
	if filled.IsZero() {
		return decimal.Zero, decimal.Zero, decimal.Zero
	}
	return avgPrice, filled, bids[0].Price.Sub(avgPrice)
}

// BestPriceForSize возвращает цену уровня, на котором набирается size целиком.
// ok = false, если глубины не хватает.
func BestPriceForSize(levels []OrderBookLevel, size decimal.Decimal) (price decimal.Decimal, ok bool) {
	remaining := size
	for _, level := range levels {
		if level.Size.GreaterThanOrEqual(remaining) {
			return level.Price, true
		}
		remaining = remaining.Sub(level.Size)
	}
	return decimal.Zero, false
}

// WeightedAverage - средневзвешенное значение (VWAP).
// Отрицательные веса пропускаются, при нулевой сумме весов возвращает 0.
func WeightedAverage(values, weights []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 || len(values) != len(weights) {
		return decimal.Zero
	}

	sumWeighted := decimal.Zero
	sumWeights := decimal.Zero
	for i := range values {
		if weights[i].IsNegative() {
			continue
		}
		sumWeighted = sumWeighted.Add(values[i].Mul(weights[i]))
		sumWeights = sumWeights.Add(weights[i])
	}

	if sumWeights.IsZero() {
		return decimal.Zero
	}
	return sumWeighted.Div(sumWeights)
}

// SplitByWeights делит total пропорционально весам.
//
// Если все веса неположительные - делит поровну. Иначе ноги с
// неположительным весом получают 0, и сумма частей равна total.
func SplitByWeights(total decimal.Decimal, weights []decimal.Decimal) []decimal.Decimal {
	parts := make([]decimal.Decimal, len(weights))
	if len(weights) == 0 {
		return parts
	}

	sum := decimal.Zero
	for _, w := range weights {
		if w.IsPositive() {
			sum = sum.Add(w)
		}
	}

	if sum.IsZero() {
		share := total.Div(decimal.NewFromInt(int64(len(weights))))
		for i := range parts {
			parts[i] = share
		}
		return parts
	}

	for i, w := range weights {
		if w.IsPositive() {
			parts[i] = total.Mul(w).Div(sum)
		} else {
			parts[i] = decimal.Zero
		}
	}
	return parts
}

// FloorZero возвращает max(0, v)
func FloorZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
