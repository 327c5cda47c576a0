package sim

import "github.com/shopspring/decimal"

// UnrealizedPL values an open trade at price, in account currency.
func UnrealizedPL(t Trade, price, quoteToAccount decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(t.Units).Mul(price.Sub(t.EntryPrice)).Mul(quoteToAccount)
}
