// Package signal turns heterogeneous alert payloads into a canonical
// TradeSignal. Nothing in this package performs I/O.
package signal

import (
	"fmt"
	"time"

	"github.com/rustyeddy/jarvis/market"
	"github.com/shopspring/decimal"
)

// TradeSignal is a canonical intent to trade.
type TradeSignal struct {
	ID            string
	InstrumentRaw string
	Direction     market.Direction

	// Optional prices. A nil Entry means "trade at the current quote".
	Entry      *decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal

	Confidence  decimal.Decimal // [0,1]
	RiskPercent decimal.Decimal // fraction of equity; zero means use the policy default

	Source     string
	ReceivedAt time.Time
}

// MalformedError reports a payload that cannot become a TradeSignal.
type MalformedError struct {
	Field  string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed signal: %s: %s", e.Field, e.Reason)
}

func (e *MalformedError) Code() string { return "MALFORMED_SIGNAL" }

func malformed(field, format string, args ...any) error {
	return &MalformedError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
