package risk

import (
	"fmt"

	"github.com/rustyeddy/jarvis/market"
	"github.com/rustyeddy/jarvis/signal"
	"github.com/shopspring/decimal"
)

// SizedOrder is a risk-bounded order. Prices are unrounded until the guard
// approves it.
type SizedOrder struct {
	Instrument market.Instrument
	Direction  market.Direction
	Units      int64 // positive buys, negative sells

	Entry      decimal.Decimal // reference price used for sizing
	StopLoss   decimal.Decimal
	TakeProfit *decimal.Decimal

	StopPips   decimal.Decimal
	RiskPct    decimal.Decimal // fraction actually applied
	RiskCapped bool            // requested fraction exceeded the ceiling
	RiskBudget decimal.Decimal // equity * RiskPct
	RiskAmount decimal.Decimal // |Units| * stop distance * Rate, <= RiskBudget
	Rate       market.Rate     // quote to account conversion used for sizing

	// Approved is set by the price guard once prices are validated and rounded.
	Approved bool
}

// RejectedError is returned when no safe size exists. The sizer never
// shrinks an order to make it fit.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "risk rejected: " + e.Reason }

func (e *RejectedError) Code() string { return "RISK_REJECTED" }

func rejected(format string, args ...any) error {
	return &RejectedError{Reason: fmt.Sprintf(format, args...)}
}

// Sizer computes position sizes under a fixed Policy.
type Sizer struct {
	policy Policy
}

func NewSizer(p Policy) *Sizer {
	return &Sizer{policy: p}
}

func (s *Sizer) Policy() Policy { return s.policy }

// Size computes units so that hitting the stop loses at most
// equity * min(riskPercent, ceiling). rate converts one unit of
// the instrument's quote currency into account currency.
//
// The only rounding is the final truncation to whole units; intermediate
// quantities stay exact, including an inverted rate.
func (s *Sizer) Size(sig signal.TradeSignal, inst market.Instrument, equity decimal.Decimal, rate market.Rate) (SizedOrder, error) {
	if !sig.Direction.Valid() {
		return SizedOrder{}, rejected("invalid direction")
	}
	if sig.Entry == nil || !sig.Entry.IsPositive() {
		return SizedOrder{}, rejected("entry price unavailable")
	}
	if !equity.IsPositive() {
		return SizedOrder{}, rejected("account equity %s is not positive", equity)
	}
	if !rate.Valid() {
		return SizedOrder{}, rejected("quote conversion rate %s is not positive", rate)
	}

	entry := *sig.Entry
	sign := decimal.NewFromInt(sig.Direction.Sign())
	pip := inst.PipSize()

	var stop, distance decimal.Decimal
	if sig.StopLoss != nil {
		stop = *sig.StopLoss
		distance = entry.Sub(stop).Abs()
	} else {
		distance = s.policy.DefaultStopPips.Mul(pip)
		stop = entry.Sub(sign.Mul(distance))
	}
	if !distance.IsPositive() {
		return SizedOrder{}, rejected("stop distance is zero")
	}

	var tp *decimal.Decimal
	if sig.TakeProfit != nil {
		v := *sig.TakeProfit
		tp = &v
	} else if s.policy.DefaultTargetPips.IsPositive() {
		v := entry.Add(sign.Mul(s.policy.DefaultTargetPips.Mul(pip)))
		tp = &v
	}

	pct, capped := s.policy.effectiveRiskPct(sig.RiskPercent)
	budget := equity.Mul(pct)
	if s.policy.MaxRiskAmount.IsPositive() && budget.GreaterThan(s.policy.MaxRiskAmount) {
		return SizedOrder{}, rejected("risk budget %s exceeds absolute cap %s", budget.StringFixed(2), s.policy.MaxRiskAmount)
	}

	units := maxUnits(budget, entry, stop, rate)

	minUnits := inst.MinUnits
	if minUnits < 1 {
		minUnits = 1
	}
	if units < minUnits {
		return SizedOrder{}, rejected("computed size %d units is below minimum %d", units, minUnits)
	}

	return SizedOrder{
		Instrument: inst,
		Direction:  sig.Direction,
		Units:      sig.Direction.Sign() * units,
		Entry:      entry,
		StopLoss:   stop,
		TakeProfit: tp,
		StopPips:   inst.Pips(distance),
		RiskPct:    pct,
		RiskCapped: capped,
		RiskBudget: budget,
		RiskAmount: PlannedRisk(units, entry, stop, rate),
		Rate:       rate,
	}, nil
}

// AtStop returns o with its stop moved to stop and the risk restated on it.
// When the move widens the stop past the budget the size is floored again
// on the new distance; it never grows.
func (o SizedOrder) AtStop(stop decimal.Decimal) (SizedOrder, error) {
	if !o.Rate.Valid() {
		return o, rejected("quote conversion rate %s is not positive", o.Rate)
	}
	if o.Entry.Equal(stop) {
		return o, rejected("stop distance is zero")
	}

	sign, units := int64(1), o.Units
	if units < 0 {
		sign, units = -1, -units
	}
	amount := PlannedRisk(units, o.Entry, stop, o.Rate)
	if amount.GreaterThan(o.RiskBudget) {
		units = maxUnits(o.RiskBudget, o.Entry, stop, o.Rate)
		minUnits := o.Instrument.MinUnits
		if minUnits < 1 {
			minUnits = 1
		}
		if units < minUnits {
			return o, rejected("size %d units at stop %s is below minimum %d", units, stop, minUnits)
		}
		amount = PlannedRisk(units, o.Entry, stop, o.Rate)
	}

	o.Units = sign * units
	o.StopLoss = stop
	o.StopPips = o.Instrument.Pips(o.Entry.Sub(stop))
	o.RiskAmount = amount
	return o, nil
}
