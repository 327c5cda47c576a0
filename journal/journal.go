// Package journal is the append-only audit ledger: one entry per signal,
// whatever became of it.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("ledger entry not found")

type Decision string

const (
	Rejected Decision = "REJECTED"
	Executed Decision = "EXECUTED"
	Failed   Decision = "FAILED"
)

func (d Decision) Valid() bool {
	switch d {
	case Rejected, Executed, Failed:
		return true
	}
	return false
}

func ParseDecision(s string) (Decision, error) {
	d := Decision(s)
	if !d.Valid() {
		return "", fmt.Errorf("unknown decision %q (want REJECTED|EXECUTED|FAILED)", s)
	}
	return d, nil
}

// Entry is one ledger row. Optional values are nil when the signal never
// got far enough to produce them.
type Entry struct {
	ID       string // arrival-ordered
	SignalID string
	Source   string
	Payload  string

	InstrumentRaw string
	Instrument    string // resolved broker code, empty if unresolved
	Direction     string

	Decision Decision
	Code     string
	Reason   string

	BrokerOrderID string
	BrokerTradeID string
	Units         int64
	EntryPrice    *decimal.Decimal // signal or quote price the order was sized off
	FilledPrice   *decimal.Decimal
	StopLoss      *decimal.Decimal
	TakeProfit    *decimal.Decimal
	RiskAmount    *decimal.Decimal

	ReceivedAt time.Time
	DecidedAt  time.Time
	FilledAt   time.Time // zero unless executed
}

func (e Entry) Validate() error {
	if e.ID == "" {
		return errors.New("entry id is required")
	}
	if !e.Decision.Valid() {
		return fmt.Errorf("entry %s: invalid decision %q", e.ID, e.Decision)
	}
	if e.ReceivedAt.IsZero() {
		return fmt.Errorf("entry %s: received time is required", e.ID)
	}
	return nil
}

// Filter selects entries. Zero fields match everything; the time range is
// [From, To) on ReceivedAt.
type Filter struct {
	Instrument string
	Decision   Decision
	SignalID   string
	From       time.Time
	To         time.Time
	Limit      int
}

// Ledger has no update or delete: entries are written once.
type Ledger interface {
	Record(ctx context.Context, e Entry) error
	Query(ctx context.Context, f Filter) ([]Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
	Close() error
}
