package bot

import (
	"github.com/shopspring/decimal"

	"crossarb/internal/exchange"
	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// EstimateSlippage оценивает исполнение рыночного ордера size по стакану.
//
// Возвращает средневзвешенную по глубине цену и проскальзывание
// относительно лучшего уровня (>= 0). Пустая сторона стакана даёт (0, 0).
func EstimateSlippage(book *exchange.OrderBook, side models.Side, size decimal.Decimal) (avgPrice, slippage decimal.Decimal) {
	if book == nil {
		return decimal.Zero, decimal.Zero
	}
	if side == models.SideBuy {
		avgPrice, _, slippage = utils.SimulateMarketBuy(book.Asks, size)
	} else {
		avgPrice, _, slippage = utils.SimulateMarketSell(book.Bids, size)
	}
	return avgPrice, slippage.Abs()
}

// AvailableDepth - суммарный объём стороны стакана, по которой исполнится side
func AvailableDepth(book *exchange.OrderBook, side models.Side) decimal.Decimal {
	total := decimal.Zero
	if book == nil {
		return total
	}
	for _, level := range book.Depth(side) {
		if level.Price.IsPositive() && level.Size.IsPositive() {
			total = total.Add(level.Size)
		}
	}
	return total
}

// BestPriceForSize - цена уровня, на котором набирается size
func BestPriceForSize(book *exchange.OrderBook, side models.Side, size decimal.Decimal) (decimal.Decimal, bool) {
	if book == nil {
		return decimal.Zero, false
	}
	return utils.BestPriceForSize(book.Depth(side), size)
}

// reduceForSlippage уменьшает size шагами step, пока проскальзывание
// не уложится в maxSlippage. Возвращает 0, если такого размера нет.
func reduceForSlippage(book *exchange.OrderBook, side models.Side, size, step, maxSlippage decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return decimal.Zero
	}
	for current := size; current.IsPositive(); current = current.Sub(step) {
		if _, slip := EstimateSlippage(book, side, current); slip.LessThanOrEqual(maxSlippage) {
			return current
		}
	}
	return decimal.Zero
}
