// Package pipeline runs one inbound signal through normalization, instrument
// resolution, sizing, price checks and execution, and records exactly one
// ledger entry for it whatever the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rustyeddy/jarvis/broker"
	"github.com/rustyeddy/jarvis/executor"
	"github.com/rustyeddy/jarvis/guard"
	"github.com/rustyeddy/jarvis/id"
	"github.com/rustyeddy/jarvis/journal"
	"github.com/rustyeddy/jarvis/market"
	"github.com/rustyeddy/jarvis/risk"
	"github.com/rustyeddy/jarvis/signal"
	"github.com/shopspring/decimal"
)

var ErrClosed = errors.New("pipeline closed")

const (
	CodeConfidenceTooLow = "CONFIDENCE_TOO_LOW"
	CodeInternal         = "INTERNAL_ERROR"
)

// ConfidenceError rejects signals below the configured confidence floor.
type ConfidenceError struct {
	Confidence decimal.Decimal
	Min        decimal.Decimal
}

func (e *ConfidenceError) Error() string {
	return fmt.Sprintf("confidence %s is below minimum %s", e.Confidence, e.Min)
}

func (e *ConfidenceError) Code() string { return CodeConfidenceTooLow }

// MarketDataError is a failed equity or quote read. No order was sent.
type MarketDataError struct {
	What string
	Err  error
}

func (e *MarketDataError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.What, e.Err)
}

func (e *MarketDataError) Unwrap() error { return e.Err }

func (e *MarketDataError) Code() string { return broker.CodeOf(e.Err) }

// Executor is the part of executor.Executor the pipeline drives.
type Executor interface {
	Execute(ctx context.Context, clientID string, o risk.SizedOrder) (executor.Result, error)
	Close(ctx context.Context) error
}

type Config struct {
	AccountCurrency string
	MinConfidence   decimal.Decimal // zero disables the gate
	CallTimeout     time.Duration   // per equity / quote read
}

type Pipeline struct {
	catalog  *market.Catalog
	sizer    *risk.Sizer
	guard    *guard.Guard
	executor Executor
	broker   broker.Broker
	ledger   journal.Ledger
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Deps are the stages a Pipeline is assembled from.
type Deps struct {
	Catalog  *market.Catalog
	Sizer    *risk.Sizer
	Guard    *guard.Guard
	Executor Executor
	Broker   broker.Broker
	Ledger   journal.Ledger
}

type Option func(*Pipeline)

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func New(deps Deps, cfg Config, log zerolog.Logger, opts ...Option) (*Pipeline, error) {
	switch {
	case deps.Catalog == nil:
		return nil, errors.New("pipeline: catalog is required")
	case deps.Sizer == nil:
		return nil, errors.New("pipeline: sizer is required")
	case deps.Guard == nil:
		return nil, errors.New("pipeline: guard is required")
	case deps.Executor == nil:
		return nil, errors.New("pipeline: executor is required")
	case deps.Broker == nil:
		return nil, errors.New("pipeline: broker is required")
	case deps.Ledger == nil:
		return nil, errors.New("pipeline: ledger is required")
	}
	if cfg.AccountCurrency == "" {
		cfg.AccountCurrency = "USD"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}

	p := &Pipeline{
		catalog:  deps.Catalog,
		sizer:    deps.Sizer,
		guard:    deps.Guard,
		executor: deps.Executor,
		broker:   deps.Broker,
		ledger:   deps.Ledger,
		cfg:      cfg,
		log:      log.With().Str("component", "pipeline").Logger(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *Pipeline) begin() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.wg.Add(1)
	return nil
}

// Process handles one raw payload and returns the ledger entry written for
// it. The error is non-nil only when the entry could not be recorded or the
// pipeline is closed; a rejected or failed signal is a successful Process.
func (p *Pipeline) Process(ctx context.Context, raw []byte, source string) (journal.Entry, error) {
	if err := p.begin(); err != nil {
		return journal.Entry{}, err
	}
	defer p.wg.Done()

	received := p.now().UTC()
	e := journal.Entry{
		ID:         id.At(received),
		Source:     source,
		Payload:    string(raw),
		ReceivedAt: received,
	}

	err := p.run(ctx, raw, &e)
	p.decide(&e, err)

	// The outcome is recorded even if the caller has gone away.
	if rerr := p.ledger.Record(context.WithoutCancel(ctx), e); rerr != nil {
		p.log.Error().Err(rerr).Str("entry_id", e.ID).Str("decision", string(e.Decision)).Msg("ledger write failed")
		return e, fmt.Errorf("record entry %s: %w", e.ID, rerr)
	}
	return e, nil
}

func (p *Pipeline) run(ctx context.Context, raw []byte, e *journal.Entry) error {
	sig, err := signal.Normalize(raw, signal.Meta{
		ID:         e.ID,
		Source:     e.Source,
		ReceivedAt: e.ReceivedAt,
	})
	if err != nil {
		return err
	}
	e.SignalID = sig.ID
	e.Source = sig.Source
	e.InstrumentRaw = sig.InstrumentRaw
	e.Direction = sig.Direction.String()
	e.EntryPrice = sig.Entry
	e.StopLoss = sig.StopLoss
	e.TakeProfit = sig.TakeProfit

	if p.cfg.MinConfidence.IsPositive() && sig.Confidence.LessThan(p.cfg.MinConfidence) {
		return &ConfidenceError{Confidence: sig.Confidence, Min: p.cfg.MinConfidence}
	}

	inst, err := p.catalog.Resolve(sig.InstrumentRaw)
	if err != nil {
		return err
	}
	e.Instrument = inst.Code

	equity, err := p.equity(ctx)
	if err != nil {
		return err
	}
	if sig.Entry == nil {
		px, err := p.entryPrice(ctx, inst, sig.Direction)
		if err != nil {
			return err
		}
		sig.Entry = &px
		e.EntryPrice = &px
	}
	rate, err := p.quoteRate(ctx, inst)
	if err != nil {
		return err
	}

	order, err := p.sizer.Size(sig, inst, equity, rate)
	if err != nil {
		return err
	}
	p.applyOrder(e, order)

	order, err = p.guard.Validate(order)
	if err != nil {
		return err
	}
	p.applyOrder(e, order)

	res, err := p.executor.Execute(ctx, sig.ID, order)
	if err != nil {
		return err
	}
	f := res.Fill
	e.BrokerOrderID = f.OrderID
	e.BrokerTradeID = f.TradeID
	e.Units = f.Units
	price := f.Price
	e.FilledPrice = &price
	e.FilledAt = f.Time
	if res.Duplicate {
		e.Reason = "duplicate signal; existing fill returned"
	}
	if res.ProtectionErr != nil {
		e.Reason = joinReason(e.Reason, "filled without protective orders: "+res.ProtectionErr.Error())
	}
	return nil
}

func (p *Pipeline) applyOrder(e *journal.Entry, o risk.SizedOrder) {
	e.Units = o.Units
	entry, sl, amt := o.Entry, o.StopLoss, o.RiskAmount
	e.EntryPrice = &entry
	e.StopLoss = &sl
	e.TakeProfit = o.TakeProfit
	e.RiskAmount = &amt
}

func (p *Pipeline) equity(ctx context.Context) (decimal.Decimal, error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	eq, err := p.broker.GetEquity(cctx)
	if err != nil {
		return decimal.Zero, &MarketDataError{What: "account equity", Err: err}
	}
	return eq, nil
}

func (p *Pipeline) entryPrice(ctx context.Context, inst market.Instrument, d market.Direction) (decimal.Decimal, error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	t, err := p.broker.GetQuote(cctx, inst.Code)
	if err != nil {
		return decimal.Zero, &MarketDataError{What: inst.Code + " quote", Err: err}
	}
	return t.EntryFor(d), nil
}

func (p *Pipeline) quoteRate(ctx context.Context, inst market.Instrument) (market.Rate, error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	rate, err := market.QuoteToAccount(cctx, inst, p.cfg.AccountCurrency, p.broker)
	if err != nil {
		return market.Rate{}, &MarketDataError{What: "quote conversion", Err: err}
	}
	return rate, nil
}

// decide maps the stage outcome onto the entry and logs it.
func (p *Pipeline) decide(e *journal.Entry, err error) {
	e.DecidedAt = p.now().UTC()
	log := p.log.With().
		Str("entry_id", e.ID).
		Str("signal_id", e.SignalID).
		Str("symbol", e.InstrumentRaw).
		Logger()

	if err == nil {
		e.Decision = journal.Executed
		log.Info().
			Str("instrument", e.Instrument).
			Int64("units", e.Units).
			Str("trade_id", e.BrokerTradeID).
			Msg("signal executed")
		return
	}

	e.Decision, e.Code = Classify(err)
	e.Reason = err.Error()
	if e.Decision == journal.Rejected {
		log.Warn().Str("code", e.Code).Str("reason", e.Reason).Msg("signal rejected")
		return
	}
	log.Error().Str("code", e.Code).Err(err).Msg("signal failed")
}

// Classify returns the ledger decision and code for a stage error. Validation
// errors are rejections; anything after a broker was consulted is a failure,
// except an execution refused because a position is already open.
func Classify(err error) (journal.Decision, string) {
	var fe *executor.FailedError
	if errors.As(err, &fe) {
		if fe.Rejection {
			return journal.Rejected, fe.Code()
		}
		return journal.Failed, fe.Code()
	}
	var md *MarketDataError
	if errors.As(err, &md) {
		return journal.Failed, md.Code()
	}
	if errors.Is(err, executor.ErrClosed) {
		return journal.Failed, "SHUTTING_DOWN"
	}

	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return journal.Rejected, coded.Code()
	}
	return journal.Failed, CodeInternal
}

func joinReason(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

// Close stops accepting signals, waits for in-flight ones to be recorded,
// then drains the executor and closes the ledger.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("pipeline close: %w", ctx.Err())
	}

	if err := p.executor.Close(ctx); err != nil {
		return err
	}
	return p.ledger.Close()
}
