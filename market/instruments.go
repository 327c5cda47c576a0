package market

import (
	"github.com/shopspring/decimal"
)

// Instrument is static broker reference data for one tradable symbol.
type Instrument struct {
	Code          string // broker-canonical, e.g. "EUR_USD"
	BaseCurrency  string
	QuoteCurrency string

	PipLocation    int             // pip size is 10^PipLocation
	PricePrecision int32           // decimal places the broker accepts
	MinDistance    decimal.Decimal // minimum SL/TP distance from entry, in price units
	MinUnits       int64
}

// PipSize returns the price value of one pip.
func (i Instrument) PipSize() decimal.Decimal {
	return decimal.New(1, int32(i.PipLocation))
}

// Pips converts a price distance into pips.
func (i Instrument) Pips(distance decimal.Decimal) decimal.Decimal {
	return distance.Abs().Div(i.PipSize())
}

// Round rounds p to the broker's price precision, half away from zero.
func (i Instrument) Round(p decimal.Decimal) decimal.Decimal {
	return p.Round(i.PricePrecision)
}

func fx(base, quote string, pipLocation int, precision int32, minPips int64) Instrument {
	pip := decimal.New(1, int32(pipLocation))
	return Instrument{
		Code:           base + "_" + quote,
		BaseCurrency:   base,
		QuoteCurrency:  quote,
		PipLocation:    pipLocation,
		PricePrecision: precision,
		MinDistance:    pip.Mul(decimal.NewFromInt(minPips)),
		MinUnits:       1,
	}
}

// DefaultInstruments is the FX table for a standard OANDA practice account.
// Minimum stop distance is one pip everywhere.
func DefaultInstruments() []Instrument {
	return []Instrument{
		fx("EUR", "USD", -4, 5, 1),
		fx("GBP", "USD", -4, 5, 1),
		fx("AUD", "USD", -4, 5, 1),
		fx("NZD", "USD", -4, 5, 1),
		fx("USD", "CAD", -4, 5, 1),
		fx("USD", "CHF", -4, 5, 1),
		fx("USD", "JPY", -2, 3, 1),
		fx("EUR", "GBP", -4, 5, 1),
		fx("EUR", "CHF", -4, 5, 1),
		fx("EUR", "JPY", -2, 3, 1),
		fx("GBP", "JPY", -2, 3, 1),
		fx("AUD", "JPY", -2, 3, 1),
	}
}
