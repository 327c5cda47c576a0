package sim

import (
	"time"

	"github.com/rustyeddy/jarvis/broker"
	"github.com/shopspring/decimal"
)

type Trade struct {
	ID         string
	OrderID    string
	ClientID   string
	Instrument string
	Units      int64
	EntryPrice decimal.Decimal
	OpenTime   time.Time

	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal

	// Realized
	ClosePrice  decimal.Decimal
	CloseTime   time.Time
	CloseReason string
	RealizedPL  decimal.Decimal // account currency
	Open        bool
}

func (t *Trade) view() broker.Trade {
	return broker.Trade{
		ID:         t.ID,
		OrderID:    t.OrderID,
		ClientID:   t.ClientID,
		Instrument: t.Instrument,
		Units:      t.Units,
		Price:      t.EntryPrice,
		OpenTime:   t.OpenTime,
		StopLoss:   t.StopLoss,
		TakeProfit: t.TakeProfit,
	}
}

func hitStopLoss(t *Trade, price decimal.Decimal) bool {
	if t.StopLoss == nil {
		return false
	}
	if t.Units > 0 {
		return price.LessThanOrEqual(*t.StopLoss)
	}
	return price.GreaterThanOrEqual(*t.StopLoss)
}

func hitTakeProfit(t *Trade, price decimal.Decimal) bool {
	if t.TakeProfit == nil {
		return false
	}
	if t.Units > 0 {
		return price.GreaterThanOrEqual(*t.TakeProfit)
	}
	return price.LessThanOrEqual(*t.TakeProfit)
}
