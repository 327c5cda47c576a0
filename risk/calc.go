package risk

import (
	"github.com/rustyeddy/jarvis/market"
	"github.com/shopspring/decimal"
)

// riskPlaces bounds the one division a ratio rate needs. The result is
// truncated, never rounded up.
const riskPlaces = 16

// RewardRisk is |takeProfit - entry| / |entry - stop|, or zero when the stop
// distance is zero.
func RewardRisk(entry, stop, takeProfit decimal.Decimal) decimal.Decimal {
	risk := entry.Sub(stop).Abs()
	if risk.IsZero() {
		return decimal.Zero
	}
	return takeProfit.Sub(entry).Abs().Div(risk)
}

// PlannedRisk is the account-currency loss if the stop is hit.
func PlannedRisk(units int64, entry, stop decimal.Decimal, rate market.Rate) decimal.Decimal {
	quote := decimal.NewFromInt(units).Abs().Mul(entry.Sub(stop).Abs()).Mul(rate.Num)
	if rate.Den.Equal(decimal.NewFromInt(1)) {
		return quote
	}
	q, _ := quote.QuoRem(rate.Den, riskPlaces)
	return q
}

// maxUnits is the largest whole size whose loss at stop fits budget.
func maxUnits(budget, entry, stop decimal.Decimal, rate market.Rate) int64 {
	perUnit := entry.Sub(stop).Abs().Mul(rate.Num)
	whole, _ := budget.Mul(rate.Den).QuoRem(perUnit, 0)
	return whole.IntPart()
}
