package market

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoTick is returned by TickStore when no price is known for an instrument.
var ErrNoTick = errors.New("price not found")

// TickSource provides the latest quote for an instrument.
type TickSource interface {
	GetQuote(ctx context.Context, instrument string) (Tick, error)
}

// Tick is a two-sided quote.
type Tick struct {
	Instrument string
	Time       time.Time
	Bid        decimal.Decimal
	Ask        decimal.Decimal
}

func (t Tick) Mid() decimal.Decimal {
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}

func (t Tick) Spread() decimal.Decimal {
	return t.Ask.Sub(t.Bid)
}

// EntryFor returns the side of the book a market order in direction d fills
// against: the ask for buys, the bid for sells.
func (t Tick) EntryFor(d Direction) decimal.Decimal {
	if d == Sell {
		return t.Bid
	}
	return t.Ask
}

// TickStore is a concurrency-safe map of latest ticks.
type TickStore struct {
	mu    sync.RWMutex
	ticks map[string]Tick
}

func NewTickStore() *TickStore {
	return &TickStore{ticks: make(map[string]Tick)}
}

func (ts *TickStore) Set(t Tick) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.ticks[t.Instrument] = t
}

func (ts *TickStore) Get(instr string) (Tick, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	t, ok := ts.ticks[instr]
	if !ok {
		return Tick{}, ErrNoTick
	}
	return t, nil
}

// GetQuote lets a TickStore serve as a TickSource.
func (ts *TickStore) GetQuote(_ context.Context, instr string) (Tick, error) {
	return ts.Get(instr)
}
