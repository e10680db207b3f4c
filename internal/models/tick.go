package models

import "github.com/shopspring/decimal"

// tickBand maps a price ceiling (exclusive) to the tick size below it.
type tickBand struct {
	below decimal.Decimal
	tick  decimal.Decimal
}

// Exchange price ladder. Prices at or above the last ceiling use the
// final tick.
var tickLadder = []tickBand{
	{decimal.NewFromInt(2), decimal.NewFromFloat(0.01)},
	{decimal.NewFromInt(3), decimal.NewFromFloat(0.02)},
	{decimal.NewFromInt(4), decimal.NewFromFloat(0.05)},
	{decimal.NewFromInt(6), decimal.NewFromFloat(0.1)},
	{decimal.NewFromInt(10), decimal.NewFromFloat(0.2)},
	{decimal.NewFromInt(20), decimal.NewFromFloat(0.5)},
	{decimal.NewFromInt(30), decimal.NewFromInt(1)},
	{decimal.NewFromInt(50), decimal.NewFromInt(2)},
}

var maxTick = decimal.NewFromInt(5)

// TickSize returns the minimum price increment at the given odds.
func TickSize(price decimal.Decimal) decimal.Decimal {
	for _, band := range tickLadder {
		if price.LessThan(band.below) {
			return band.tick
		}
	}
	return maxTick
}

// SnapToTick rounds a price down to the nearest valid ladder increment.
// Orders with off-ladder prices are rejected by the exchange.
func SnapToTick(price decimal.Decimal) decimal.Decimal {
	tick := TickSize(price)
	steps := price.Div(tick).Floor()
	return steps.Mul(tick)
}

// WithinOneTick reports whether two lay prices are equal or no more than
// one ladder increment apart. The tick is taken at the lower price.
func WithinOneTick(a, b decimal.Decimal) bool {
	lo, hi := a, b
	if hi.LessThan(lo) {
		lo, hi = hi, lo
	}
	return hi.Sub(lo).LessThanOrEqual(TickSize(lo))
}
