package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CeilingRiskPct is the hard upper bound any policy may allow per trade.
var CeilingRiskPct = decimal.RequireFromString("0.05")

type Policy struct {
	// Risk limits, as fractions of equity.
	DefaultRiskPct decimal.Decimal // used when a signal does not ask for one, e.g. 0.01
	MaxRiskPct     decimal.Decimal // per-trade ceiling, at most CeilingRiskPct

	// MaxRiskAmount caps the currency at risk regardless of percentage. It
	// guards against a bad equity read. Zero disables the cap.
	MaxRiskAmount decimal.Decimal

	// Used when a signal carries no stop / target.
	DefaultStopPips   decimal.Decimal
	DefaultTargetPips decimal.Decimal // zero means no derived take-profit
}

// DefaultPolicy risks 1% per trade with a 2% ceiling.
func DefaultPolicy() Policy {
	return Policy{
		DefaultRiskPct:    decimal.RequireFromString("0.01"),
		MaxRiskPct:        decimal.RequireFromString("0.02"),
		MaxRiskAmount:     decimal.NewFromInt(1000),
		DefaultStopPips:   decimal.NewFromInt(20),
		DefaultTargetPips: decimal.NewFromInt(40),
	}
}

func (p Policy) Validate() error {
	if !p.MaxRiskPct.IsPositive() || p.MaxRiskPct.GreaterThan(CeilingRiskPct) {
		return fmt.Errorf("max risk pct %s must be in (0, %s]", p.MaxRiskPct, CeilingRiskPct)
	}
	if !p.DefaultRiskPct.IsPositive() || p.DefaultRiskPct.GreaterThan(p.MaxRiskPct) {
		return fmt.Errorf("default risk pct %s must be in (0, %s]", p.DefaultRiskPct, p.MaxRiskPct)
	}
	if p.MaxRiskAmount.IsNegative() {
		return fmt.Errorf("max risk amount must not be negative")
	}
	if !p.DefaultStopPips.IsPositive() {
		return fmt.Errorf("default stop pips must be positive")
	}
	if p.DefaultTargetPips.IsNegative() {
		return fmt.Errorf("default target pips must not be negative")
	}
	return nil
}

// effectiveRiskPct applies the policy default and ceiling to a requested
// fraction.
func (p Policy) effectiveRiskPct(requested decimal.Decimal) (pct decimal.Decimal, capped bool) {
	if !requested.IsPositive() {
		requested = p.DefaultRiskPct
	}
	ceiling := decimal.Min(p.MaxRiskPct, CeilingRiskPct)
	if requested.GreaterThan(ceiling) {
		return ceiling, true
	}
	return requested, false
}
