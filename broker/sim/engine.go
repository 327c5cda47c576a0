// Package sim is an in-memory paper broker. It fills market orders at the
// current quote, enforces protective order placement rules and closes
// trades when a stop or target is touched.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rustyeddy/jarvis/broker"
	"github.com/rustyeddy/jarvis/id"
	"github.com/rustyeddy/jarvis/market"
	"github.com/shopspring/decimal"
)

var (
	ErrTradeNotFound      = errors.New("trade not found")
	ErrTradeAlreadyClosed = errors.New("trade already closed")
)

type Option func(*Engine)

func WithCatalog(c *market.Catalog) Option {
	return func(e *Engine) { e.catalog = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l.With().Str("component", "sim").Logger() }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRejectBrackets makes every order carrying a stop or target fail with
// a bracket rejection.
func WithRejectBrackets() Option {
	return func(e *Engine) { e.rejectBrackets = true }
}

// WithoutClientIDs hides client ids from position reads, like a venue that
// does not echo client extensions.
func WithoutClientIDs() Option {
	return func(e *Engine) { e.hideClientIDs = true }
}

type Engine struct {
	mu       sync.Mutex
	currency string
	balance  decimal.Decimal
	ticks    *market.TickStore
	catalog  *market.Catalog
	trades   map[string]*Trade
	order    []*Trade // open order of trades
	log      zerolog.Logger
	now      func() time.Time

	rejectBrackets bool
	hideClientIDs  bool

	faults map[Op][]Fault
	calls  map[Op]int
}

var _ broker.Broker = (*Engine)(nil)

func NewEngine(currency string, balance decimal.Decimal, opts ...Option) *Engine {
	e := &Engine{
		currency: currency,
		balance:  balance,
		ticks:    market.NewTickStore(),
		catalog:  market.DefaultCatalog(),
		trades:   make(map[string]*Trade),
		log:      zerolog.Nop(),
		now:      time.Now,
		faults:   make(map[Op][]Fault),
		calls:    make(map[Op]int),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Prices() *market.TickStore {
	return e.ticks
}

// intercept runs the pending fault for op. apply reports whether the
// operation should still be performed; err is what the call returns.
func (e *Engine) intercept(ctx context.Context, op Op) (apply bool, err error) {
	f, ok := e.begin(op)
	if !ok {
		return true, nil
	}
	if werr := wait(ctx, f.Delay); werr != nil {
		return f.Apply, broker.Ambiguous(werr)
	}
	if f.Err == nil {
		return true, nil
	}
	return f.Apply, f.Err
}

func (e *Engine) GetEquity(ctx context.Context) (decimal.Decimal, error) {
	if _, err := e.intercept(ctx, OpEquity); err != nil {
		return decimal.Zero, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	equity := e.balance
	for _, t := range e.order {
		if !t.Open {
			continue
		}
		pl, err := e.unrealizedLocked(ctx, t)
		if err != nil {
			return decimal.Zero, err
		}
		equity = equity.Add(pl)
	}
	return equity, nil
}

func (e *Engine) Balance() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance
}

func (e *Engine) GetQuote(ctx context.Context, instr string) (market.Tick, error) {
	if _, err := e.intercept(ctx, OpQuote); err != nil {
		return market.Tick{}, err
	}
	t, err := e.ticks.Get(instr)
	if err != nil {
		return market.Tick{}, fmt.Errorf("%s: %w", instr, err)
	}
	return t, nil
}

func (e *Engine) PlaceMarketOrder(ctx context.Context, req broker.OrderRequest) (broker.Fill, error) {
	apply, ferr := e.intercept(ctx, OpPlace)
	if !apply {
		return broker.Fill{}, ferr
	}
	fill, err := e.place(req)
	if ferr != nil {
		return broker.Fill{}, ferr
	}
	return fill, err
}

func (e *Engine) place(req broker.OrderRequest) (broker.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.Units == 0 {
		return broker.Fill{}, broker.Terminal("UNITS_INVALID", "units must be non-zero")
	}
	if _, ok := e.catalog.Lookup(req.Instrument); !ok {
		return broker.Fill{}, broker.Terminal("INSTRUMENT_NOT_TRADEABLE", req.Instrument)
	}
	p, err := e.ticks.Get(req.Instrument)
	if err != nil {
		return broker.Fill{}, broker.Terminal("MARKET_HALTED", "no price for "+req.Instrument)
	}

	price := p.Ask
	if req.Units < 0 {
		price = p.Bid
	}

	if req.StopLoss != nil || req.TakeProfit != nil {
		if e.rejectBrackets {
			return broker.Fill{}, broker.BracketRejected("STOP_LOSS_ON_FILL_REJECTED", "on-fill orders disabled")
		}
		if err := checkProtective(req.Units, price, req.StopLoss, req.TakeProfit); err != nil {
			return broker.Fill{}, err
		}
	}

	opened := p.Time
	if opened.IsZero() {
		opened = e.now()
	}

	t := &Trade{
		ID:         id.New(),
		OrderID:    id.New(),
		ClientID:   req.ClientID,
		Instrument: req.Instrument,
		Units:      req.Units,
		EntryPrice: price,
		OpenTime:   opened,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Open:       true,
	}
	e.trades[t.ID] = t
	e.order = append(e.order, t)

	e.log.Debug().
		Str("trade_id", t.ID).
		Str("instrument", t.Instrument).
		Int64("units", t.Units).
		Str("price", price.String()).
		Msg("filled")

	return t.view().Fill(), nil
}

// checkProtective rejects a stop or target on the losing side of the fill,
// the way a live venue rejects on-fill orders.
func checkProtective(units int64, fill decimal.Decimal, sl, tp *decimal.Decimal) error {
	long := units > 0
	if sl != nil && (long && !sl.LessThan(fill) || !long && !sl.GreaterThan(fill)) {
		return broker.BracketRejected("STOP_LOSS_ON_FILL_LOSS", fmt.Sprintf("stop %s vs fill %s", sl, fill))
	}
	if tp != nil && (long && !tp.GreaterThan(fill) || !long && !tp.LessThan(fill)) {
		return broker.BracketRejected("TAKE_PROFIT_ON_FILL_LOSS", fmt.Sprintf("target %s vs fill %s", tp, fill))
	}
	return nil
}

func (e *Engine) AttachProtectiveOrders(ctx context.Context, tradeID string, sl decimal.Decimal, tp *decimal.Decimal) error {
	apply, ferr := e.intercept(ctx, OpAttach)
	if !apply {
		return ferr
	}
	if err := e.attach(tradeID, sl, tp); err != nil {
		return err
	}
	return ferr
}

func (e *Engine) attach(tradeID string, sl decimal.Decimal, tp *decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.trades[tradeID]
	if !ok || !t.Open {
		return broker.Terminal("TRADE_DOESNT_EXIST", tradeID)
	}
	s := sl
	t.StopLoss = &s
	if tp != nil {
		v := *tp
		t.TakeProfit = &v
	}
	return nil
}

func (e *Engine) GetOpenPosition(ctx context.Context, instr string) (broker.Position, error) {
	if _, err := e.intercept(ctx, OpPosition); err != nil {
		return broker.Position{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pos := broker.Position{Instrument: instr}
	for _, t := range e.order {
		if !t.Open || t.Instrument != instr {
			continue
		}
		v := t.view()
		if e.hideClientIDs {
			v.ClientID = ""
		}
		pos.Units += t.Units
		pos.Trades = append(pos.Trades, v)
	}
	return pos, nil
}

// UpdatePrice records a new quote and closes any trade whose stop or target
// it touches.
func (e *Engine) UpdatePrice(ctx context.Context, p market.Tick) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ticks.Set(p)

	for _, t := range e.order {
		if !t.Open || t.Instrument != p.Instrument {
			continue
		}

		// Longs close on the bid, shorts on the ask.
		mark := p.Bid
		if t.Units < 0 {
			mark = p.Ask
		}

		reason := ""
		switch {
		case hitStopLoss(t, mark):
			reason = "StopLoss"
		case hitTakeProfit(t, mark):
			reason = "TakeProfit"
		}
		if reason != "" {
			if err := e.closeTradeLocked(ctx, t, mark, p.Time, reason); err != nil {
				return err
			}
		}
	}
	return nil
}

// CloseTrade closes an open trade at the current market price.
func (e *Engine) CloseTrade(ctx context.Context, tradeID string, reason string) error {
	if reason == "" {
		reason = "ManualClose"
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.trades[tradeID]
	if !ok {
		return fmt.Errorf("close trade: %w: %q", ErrTradeNotFound, tradeID)
	}
	if !t.Open {
		return fmt.Errorf("close trade: %w: %q", ErrTradeAlreadyClosed, tradeID)
	}

	p, err := e.ticks.Get(t.Instrument)
	if err != nil {
		return fmt.Errorf("close trade: no price for %q: %w", t.Instrument, err)
	}

	closePrice := p.Bid
	if t.Units < 0 {
		closePrice = p.Ask
	}
	return e.closeTradeLocked(ctx, t, closePrice, p.Time, reason)
}

// ClosedTrades returns copies of every closed trade, oldest first.
func (e *Engine) ClosedTrades() []Trade {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Trade
	for _, t := range e.order {
		if !t.Open {
			out = append(out, *t)
		}
	}
	return out
}

func (e *Engine) closeTradeLocked(ctx context.Context, t *Trade, closePrice decimal.Decimal, closeTime time.Time, reason string) error {
	inst, ok := e.catalog.Lookup(t.Instrument)
	if !ok {
		return fmt.Errorf("close trade: unknown instrument %q", t.Instrument)
	}
	rate, err := market.QuoteToAccountRate(ctx, inst, e.currency, e.ticks)
	if err != nil {
		return err
	}
	if closeTime.IsZero() {
		closeTime = e.now()
	}

	pl := UnrealizedPL(*t, closePrice, rate)

	t.ClosePrice = closePrice
	t.CloseTime = closeTime
	t.CloseReason = reason
	t.RealizedPL = pl
	t.Open = false

	e.balance = e.balance.Add(pl)

	e.log.Info().
		Str("trade_id", t.ID).
		Str("instrument", t.Instrument).
		Str("reason", reason).
		Str("pl", pl.StringFixed(2)).
		Msg("trade closed")
	return nil
}

func (e *Engine) unrealizedLocked(ctx context.Context, t *Trade) (decimal.Decimal, error) {
	p, err := e.ticks.Get(t.Instrument)
	if err != nil {
		return decimal.Zero, err
	}
	mark := p.Bid
	if t.Units < 0 {
		mark = p.Ask
	}
	inst, ok := e.catalog.Lookup(t.Instrument)
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown instrument %q", t.Instrument)
	}
	rate, err := market.QuoteToAccountRate(ctx, inst, e.currency, e.ticks)
	if err != nil {
		return decimal.Zero, err
	}
	return UnrealizedPL(*t, mark, rate), nil
}
