// Package broker defines the trading venue the executor talks to.
package broker

import (
	"context"
	"time"

	"github.com/rustyeddy/jarvis/market"
	"github.com/shopspring/decimal"
)

type Broker interface {
	GetEquity(ctx context.Context) (decimal.Decimal, error)
	GetQuote(ctx context.Context, instrument string) (market.Tick, error)
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (Fill, error)
	AttachProtectiveOrders(ctx context.Context, tradeID string, stopLoss decimal.Decimal, takeProfit *decimal.Decimal) error
	GetOpenPosition(ctx context.Context, instrument string) (Position, error)
}

// OrderRequest is a market order. A nil StopLoss and TakeProfit make it a
// plain order; otherwise the protective orders are placed on fill.
type OrderRequest struct {
	ClientID   string // echoed back on the resulting trade
	Instrument string
	Units      int64
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
}

// Plain returns the request without protective orders.
func (r OrderRequest) Plain() OrderRequest {
	r.StopLoss = nil
	r.TakeProfit = nil
	return r
}

type Fill struct {
	OrderID    string
	TradeID    string
	ClientID   string
	Instrument string
	Units      int64
	Price      decimal.Decimal
	Time       time.Time
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
}

// Protected reports whether the fill came with the given stop and target.
func (f Fill) Protected(sl decimal.Decimal, tp *decimal.Decimal) bool {
	return Trade{StopLoss: f.StopLoss, TakeProfit: f.TakeProfit}.Protected(sl, tp)
}

// Trade is one open trade within a position. OrderID is the order that
// opened it, when the broker reports one.
type Trade struct {
	ID         string
	OrderID    string
	ClientID   string
	Instrument string
	Units      int64
	Price      decimal.Decimal
	OpenTime   time.Time
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
}

func (t Trade) Fill() Fill {
	return Fill{
		OrderID:    t.OrderID,
		TradeID:    t.ID,
		ClientID:   t.ClientID,
		Instrument: t.Instrument,
		Units:      t.Units,
		Price:      t.Price,
		Time:       t.OpenTime,
		StopLoss:   t.StopLoss,
		TakeProfit: t.TakeProfit,
	}
}

// Protected reports whether the trade already carries the given stop and,
// when tp is non-nil, the given target.
func (t Trade) Protected(sl decimal.Decimal, tp *decimal.Decimal) bool {
	if t.StopLoss == nil || !t.StopLoss.Equal(sl) {
		return false
	}
	if tp == nil {
		return true
	}
	return t.TakeProfit != nil && t.TakeProfit.Equal(*tp)
}

// Position is the net exposure on one instrument.
type Position struct {
	Instrument string
	Units      int64
	Trades     []Trade
}

func (p Position) Open() bool {
	return p.Units != 0 || len(p.Trades) > 0
}

func (p Position) TradeByClientID(clientID string) (Trade, bool) {
	if clientID == "" {
		return Trade{}, false
	}
	for _, t := range p.Trades {
		if t.ClientID == clientID {
			return t, true
		}
	}
	return Trade{}, false
}

func (p Position) Trade(id string) (Trade, bool) {
	for _, t := range p.Trades {
		if t.ID == id {
			return t, true
		}
	}
	return Trade{}, false
}
