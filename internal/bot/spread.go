package bot

import (
	"sync"

	"github.com/shopspring/decimal"

	"crossarb/internal/exchange"
	"crossarb/internal/models"
)

// ============================================================
// SpreadCalculator - межплощадочный спред с учётом комиссий
// ============================================================

// defaultTakerFee - комиссия площадки, для которой она не задана
var defaultTakerFee = decimal.RequireFromString("0.0005")

// LegQuote - сторона и цена ноги возможности
type LegQuote struct {
	Side  models.Side
	Price decimal.Decimal
}

// Opportunity - найденная возможность для пары
type Opportunity struct {
	BuyVenue  string
	SellVenue string

	// Legs - нога на каждой площадке пары
	Legs map[string]LegQuote

	RawSpread decimal.Decimal // bid - ask на единицу
	NetSpread decimal.Decimal // после комиссий обеих сделок
	NetTotal  decimal.Decimal // NetSpread × size
}

// SpreadCalculator ищет возможность: купить по ask одной площадки,
// продать по bid другой. Цена уровня берётся с учётом глубины под size.
type SpreadCalculator struct {
	feesMu sync.RWMutex
	fees   map[string]decimal.Decimal // площадка -> taker fee (0.0005 = 0.05%)
}

// NewSpreadCalculator создаёт калькулятор
func NewSpreadCalculator() *SpreadCalculator {
	return &SpreadCalculator{fees: make(map[string]decimal.Decimal)}
}

// SetFee устанавливает комиссию площадки
func (sc *SpreadCalculator) SetFee(venue string, fee decimal.Decimal) {
	sc.feesMu.Lock()
	sc.fees[venue] = fee
	sc.feesMu.Unlock()
}

func (sc *SpreadCalculator) fee(venue string) decimal.Decimal {
	sc.feesMu.RLock()
	defer sc.feesMu.RUnlock()
	if fee, ok := sc.fees[venue]; ok {
		return fee
	}
	return defaultTakerFee
}

// Evaluate возвращает лучшую из двух сторон или nil, если чистый спред не положителен
func (sc *SpreadCalculator) Evaluate(primary, secondary string, primaryBook, secondaryBook *exchange.OrderBook, size decimal.Decimal) *Opportunity {
	a := sc.direction(primary, secondary, primaryBook, secondaryBook, size)
	b := sc.direction(secondary, primary, secondaryBook, primaryBook, size)

	best := a
	if best == nil || (b != nil && b.NetSpread.GreaterThan(best.NetSpread)) {
		best = b
	}
	if best == nil || !best.NetSpread.IsPositive() {
		return nil
	}
	return best
}

// direction: покупка на buyVenue, продажа на sellVenue
func (sc *SpreadCalculator) direction(buyVenue, sellVenue string, buyBook, sellBook *exchange.OrderBook, size decimal.Decimal) *Opportunity {
	ask, ok := BestPriceForSize(buyBook, models.SideBuy, size)
	if !ok || !ask.IsPositive() {
		return nil
	}
	bid, ok := BestPriceForSize(sellBook, models.SideSell, size)
	if !ok || !bid.IsPositive() {
		return nil
	}

	raw := bid.Sub(ask)
	fees := ask.Mul(sc.fee(buyVenue)).Add(bid.Mul(sc.fee(sellVenue)))
	net := raw.Sub(fees)

	return &Opportunity{
		BuyVenue:  buyVenue,
		SellVenue: sellVenue,
		Legs: map[string]LegQuote{
			buyVenue:  {Side: models.SideBuy, Price: ask},
			sellVenue: {Side: models.SideSell, Price: bid},
		},
		RawSpread: raw,
		NetSpread: net,
		NetTotal:  net.Mul(size),
	}
}
