package market

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// Rate converts quote currency into account currency as the ratio Num/Den.
// Inverted prices stay a ratio so callers can divide once, at the end.
type Rate struct {
	Num decimal.Decimal
	Den decimal.Decimal
}

// RateOf is a rate that needs no division.
func RateOf(v decimal.Decimal) Rate {
	return Rate{Num: v, Den: one}
}

func (r Rate) Valid() bool {
	return r.Num.IsPositive() && r.Den.IsPositive()
}

// Decimal returns the rate as a single value, rounded to 16 places when it
// is a true ratio.
func (r Rate) Decimal() decimal.Decimal {
	if r.Den.Equal(one) {
		return r.Num
	}
	return r.Num.DivRound(r.Den, 16)
}

func (r Rate) String() string {
	if r.Den.Equal(one) {
		return r.Num.String()
	}
	return r.Num.String() + "/" + r.Den.String()
}

// QuoteToAccount returns how many units of account currency one unit of
// the instrument's quote currency is worth.
//
//	EUR_USD, USD account -> 1
//	USD_JPY, USD account -> 1 / USDJPY mid
//	EUR_GBP, USD account -> GBP_USD mid (or 1 / USD_GBP mid)
func QuoteToAccount(ctx context.Context, inst Instrument, accountCurrency string, prices TickSource) (Rate, error) {
	if inst.QuoteCurrency == accountCurrency {
		return RateOf(one), nil
	}

	if inst.BaseCurrency == accountCurrency {
		px, err := prices.GetQuote(ctx, inst.Code)
		if err != nil {
			return Rate{}, fmt.Errorf("quote %s: %w", inst.Code, err)
		}
		return invert(px.Mid(), inst.Code)
	}

	// Cross: find the quote currency against the account currency.
	direct := inst.QuoteCurrency + "_" + accountCurrency
	if px, err := prices.GetQuote(ctx, direct); err == nil {
		if !px.Mid().IsPositive() {
			return Rate{}, fmt.Errorf("non-positive mid price for %s", direct)
		}
		return RateOf(px.Mid()), nil
	}
	inverse := accountCurrency + "_" + inst.QuoteCurrency
	px, err := prices.GetQuote(ctx, inverse)
	if err != nil {
		return Rate{}, fmt.Errorf(
			"no conversion for %s -> %s: tried %s and %s: %w",
			inst.QuoteCurrency, accountCurrency, direct, inverse, err)
	}
	return invert(px.Mid(), inverse)
}

// QuoteToAccountRate is QuoteToAccount collapsed to one value, for
// valuations that do not feed sizing.
func QuoteToAccountRate(ctx context.Context, inst Instrument, accountCurrency string, prices TickSource) (decimal.Decimal, error) {
	r, err := QuoteToAccount(ctx, inst, accountCurrency, prices)
	if err != nil {
		return decimal.Zero, err
	}
	return r.Decimal(), nil
}

func invert(mid decimal.Decimal, code string) (Rate, error) {
	if !mid.IsPositive() {
		return Rate{}, fmt.Errorf("non-positive mid price for %s", code)
	}
	return Rate{Num: one, Den: mid}, nil
}
