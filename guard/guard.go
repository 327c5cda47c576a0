// Package guard validates the protective prices of a sized order and rounds
// them to broker precision.
package guard

import (
	"fmt"

	"github.com/rustyeddy/jarvis/market"
	"github.com/rustyeddy/jarvis/risk"
	"github.com/shopspring/decimal"
)

const (
	LegStopLoss   = "stop_loss"
	LegTakeProfit = "take_profit"
)

// DirectionError means a protective leg sits on the wrong side of entry.
type DirectionError struct {
	Leg       string
	Direction market.Direction
	Entry     decimal.Decimal
	Price     decimal.Decimal
}

func (e *DirectionError) Error() string {
	side := "below"
	if (e.Leg == LegStopLoss) == (e.Direction == market.Sell) {
		side = "above"
	}
	return fmt.Sprintf("%s %s must be %s entry %s for a %s", e.Leg, e.Price, side, e.Entry, e.Direction)
}

func (e *DirectionError) Code() string { return "DIRECTION_ERROR" }

// DistanceError means a leg is closer to entry than the instrument allows.
type DistanceError struct {
	Leg      string
	Distance decimal.Decimal
	Min      decimal.Decimal
}

func (e *DistanceError) Error() string {
	return fmt.Sprintf("%s distance %s is below minimum %s", e.Leg, e.Distance, e.Min)
}

func (e *DistanceError) Code() string { return "DISTANCE_ERROR" }

type RewardRiskError struct {
	RR  decimal.Decimal
	Min decimal.Decimal
}

func (e *RewardRiskError) Error() string {
	return fmt.Sprintf("reward/risk %s below minimum %s", e.RR.StringFixed(2), e.Min)
}

func (e *RewardRiskError) Code() string { return "RR_TOO_LOW" }

type Option func(*Guard)

// WithMinRewardRisk rejects orders whose target is less than rr times the
// stop distance. Zero disables the check.
func WithMinRewardRisk(rr decimal.Decimal) Option {
	return func(g *Guard) { g.minRR = rr }
}

type Guard struct {
	minRR decimal.Decimal
}

func New(opts ...Option) *Guard {
	g := &Guard{}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Validate checks direction and distance on the exact prices, then rounds
// each leg once. It never moves a stop to make an order pass.
func (g *Guard) Validate(o risk.SizedOrder) (risk.SizedOrder, error) {
	inst := o.Instrument
	entry := o.Entry

	if err := checkSide(o.Direction, LegStopLoss, entry, o.StopLoss); err != nil {
		return o, err
	}
	if o.TakeProfit != nil {
		if err := checkSide(o.Direction, LegTakeProfit, entry, *o.TakeProfit); err != nil {
			return o, err
		}
	}

	if err := checkDistance(LegStopLoss, entry, o.StopLoss, inst.MinDistance); err != nil {
		return o, err
	}
	if o.TakeProfit != nil {
		if err := checkDistance(LegTakeProfit, entry, *o.TakeProfit, inst.MinDistance); err != nil {
			return o, err
		}
	}

	if g.minRR.IsPositive() && o.TakeProfit != nil {
		if rr := risk.RewardRisk(entry, o.StopLoss, *o.TakeProfit); rr.LessThan(g.minRR) {
			return o, &RewardRiskError{RR: rr, Min: g.minRR}
		}
	}

	// Risk is restated on the stop actually sent.
	o, err := o.AtStop(roundLeg(inst, entry, o.StopLoss))
	if err != nil {
		return o, err
	}
	if o.TakeProfit != nil {
		tp := roundLeg(inst, entry, *o.TakeProfit)
		o.TakeProfit = &tp
	}
	o.Approved = true
	return o, nil
}

func checkSide(d market.Direction, leg string, entry, price decimal.Decimal) error {
	// A buy stop and a sell target sit below entry.
	below := (leg == LegStopLoss) == (d == market.Buy)
	if below && price.LessThan(entry) || !below && price.GreaterThan(entry) {
		return nil
	}
	return &DirectionError{Leg: leg, Direction: d, Entry: entry, Price: price}
}

func checkDistance(leg string, entry, price, min decimal.Decimal) error {
	dist := entry.Sub(price).Abs()
	if dist.LessThan(min) {
		return &DistanceError{Leg: leg, Distance: dist, Min: min}
	}
	return nil
}

// roundLeg rounds half away from zero, falling back to rounding away from
// entry when that would bring the leg inside the minimum distance.
func roundLeg(inst market.Instrument, entry, price decimal.Decimal) decimal.Decimal {
	r := inst.Round(price)
	if entry.Sub(r).Abs().GreaterThanOrEqual(inst.MinDistance) {
		return r
	}
	if price.LessThan(entry) {
		return price.RoundFloor(inst.PricePrecision)
	}
	return price.RoundCeil(inst.PricePrecision)
}
