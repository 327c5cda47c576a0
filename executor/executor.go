// Package executor submits approved orders to a broker exactly once per
// signal, retrying and reconciling around ambiguous broker failures.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rustyeddy/jarvis/broker"
	"github.com/rustyeddy/jarvis/risk"
	"github.com/shopspring/decimal"
)

var (
	ErrClosed      = errors.New("executor closed")
	ErrNotApproved = errors.New("order not approved by price guard")
)

const (
	CodePositionOpen     = "POSITION_ALREADY_OPEN"
	CodeOppositeOpen     = "OPPOSITE_POSITION_OPEN"
	CodeTimeout          = "TIMEOUT"
	CodeRetriesExhausted = "RETRIES_EXHAUSTED"
	CodeNotApproved      = "NOT_APPROVED"
)

// FailedError is an execution that did not produce a fill. Its code is the
// broker's reject reason when there is one.
type FailedError struct {
	code   string
	Reason string
	// Rejection marks failures decided before anything was sent, such as
	// an already open position.
	Rejection bool
	Err       error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("execution failed: %s: %s", e.code, e.Reason)
}

func (e *FailedError) Unwrap() error { return e.Err }

func (e *FailedError) Code() string { return e.code }

type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
	AllowStacking  bool
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		CallTimeout:    10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	return c
}

// Result describes a fill. ProtectionErr is set when the order filled but
// its stop or target could not be placed afterwards.
type Result struct {
	Fill          broker.Fill
	Duplicate     bool
	Attempts      int
	ProtectionErr error
}

type Executor struct {
	broker broker.Broker
	cfg    Config
	log    zerolog.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(b broker.Broker, cfg Config, log zerolog.Logger) *Executor {
	return &Executor{
		broker: b,
		cfg:    cfg.withDefaults(),
		log:    log.With().Str("component", "executor").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (e *Executor) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.wg.Add(1)
	return nil
}

func (e *Executor) lockFor(instrument string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[instrument]
	if !ok {
		l = &sync.Mutex{}
		e.locks[instrument] = l
	}
	return l
}

// Close stops accepting work and waits for in-flight executions.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor close: %w", ctx.Err())
	}
}

// Execute places o for the signal identified by clientID. Resubmitting the
// same clientID returns the existing fill instead of placing a second order.
func (e *Executor) Execute(ctx context.Context, clientID string, o risk.SizedOrder) (Result, error) {
	if err := e.begin(); err != nil {
		return Result{}, err
	}
	defer e.wg.Done()

	if !o.Approved {
		return Result{}, &FailedError{code: CodeNotApproved, Reason: "order reached the executor unapproved", Err: ErrNotApproved}
	}

	instrument := o.Instrument.Code
	l := e.lockFor(instrument)
	l.Lock()
	defer l.Unlock()

	// Broker calls outlive the caller: a request half sent must be seen
	// through to a known outcome.
	bctx := context.WithoutCancel(ctx)
	log := e.log.With().Str("client_id", clientID).Str("instrument", instrument).Int64("units", o.Units).Logger()

	pos, err := e.openPosition(bctx, instrument)
	if err != nil {
		return Result{}, e.failed(err)
	}
	if t, ok := pos.TradeByClientID(clientID); ok {
		log.Info().Str("trade_id", t.ID).Msg("duplicate signal, returning existing fill")
		res := Result{Fill: t.Fill(), Duplicate: true}
		if !t.Protected(o.StopLoss, o.TakeProfit) {
			res.ProtectionErr = e.protect(bctx, log, instrument, t.ID, o.StopLoss, o.TakeProfit)
		}
		return res, nil
	}
	if pos.Open() && !e.cfg.AllowStacking {
		return Result{}, &FailedError{
			code:      CodePositionOpen,
			Reason:    fmt.Sprintf("%s already has %d units open", instrument, pos.Units),
			Rejection: true,
		}
	}
	// Stacking adds to a position; an opposite order would net against it
	// instead of opening a trade.
	if pos.Units != 0 && (pos.Units > 0) != (o.Units > 0) {
		return Result{}, &FailedError{
			code:      CodeOppositeOpen,
			Reason:    fmt.Sprintf("%s has %d units open against a %d unit order", instrument, pos.Units, o.Units),
			Rejection: true,
		}
	}

	sl := o.StopLoss
	req := broker.OrderRequest{
		ClientID:   clientID,
		Instrument: instrument,
		Units:      o.Units,
		StopLoss:   &sl,
		TakeProfit: o.TakeProfit,
	}

	res, err := e.place(bctx, log, req, pos)
	if err != nil {
		log.Error().Err(err).Int("attempts", res.Attempts).Msg("order failed")
		return res, err
	}

	if !res.Fill.Protected(o.StopLoss, o.TakeProfit) {
		res.ProtectionErr = e.protect(bctx, log, instrument, res.Fill.TradeID, o.StopLoss, o.TakeProfit)
	}

	log.Info().
		Str("trade_id", res.Fill.TradeID).
		Str("price", res.Fill.Price.String()).
		Int("attempts", res.Attempts).
		Msg("order filled")
	return res, nil
}

// call runs one broker request on its own deadline.
func (e *Executor) call(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return fn(cctx)
}

func (e *Executor) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialBackoff
	b.MaxInterval = e.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.MaxAttempts-1)), ctx)
}

func (e *Executor) retry(ctx context.Context, log zerolog.Logger, what string, op backoff.Operation) error {
	return backoff.RetryNotify(op, e.policy(ctx), func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("backoff", wait).Msgf("%s failed, retrying", what)
	})
}

// permanent stops the retry loop for errors that repeating cannot fix.
func permanent(err error) error {
	if broker.Retryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

func (e *Executor) openPosition(ctx context.Context, instrument string) (broker.Position, error) {
	var pos broker.Position
	err := e.retry(ctx, e.log, "position read", func() error {
		return permanent(e.call(ctx, func(c context.Context) error {
			var err error
			pos, err = e.broker.GetOpenPosition(c, instrument)
			return err
		}))
	})
	return pos, err
}

func (e *Executor) place(ctx context.Context, log zerolog.Logger, req broker.OrderRequest, before broker.Position) (Result, error) {
	var (
		res     Result
		lastErr error
		plain   bool
	)

	send := func(r broker.OrderRequest) error {
		return e.call(ctx, func(c context.Context) error {
			f, err := e.broker.PlaceMarketOrder(c, r)
			if err == nil {
				res.Fill = f
			}
			return err
		})
	}

	op := func() error {
		res.Attempts++
		if res.Attempts > 1 {
			f, found, err := e.reconcile(ctx, req, before)
			if err != nil {
				lastErr = err
				return permanent(err)
			}
			if found {
				log.Info().Str("trade_id", f.TradeID).Msg("reconciled fill from earlier attempt")
				res.Fill = f
				return nil
			}
		}

		err := send(req)
		if err != nil && !plain && broker.KindOf(err) == broker.KindBracketRejected {
			log.Warn().Err(err).Msg("bracket rejected, placing plain order")
			plain = true
			req = req.Plain()
			err = send(req)
		}
		lastErr = err
		return permanent(err)
	}

	err := e.retry(ctx, log, "order placement", op)
	if err == nil {
		return res, nil
	}

	// The last attempt may have landed.
	if broker.KindOf(lastErr) == broker.KindAmbiguous {
		if f, found, rerr := e.reconcile(ctx, req, before); rerr == nil && found {
			res.Fill = f
			return res, nil
		}
	}
	return res, e.failed(lastErr)
}

// reconcile looks for the order's trade on the broker. It matches on client
// id, or, when the broker reports none, on a single new trade whose size
// accounts for the whole change in position.
func (e *Executor) reconcile(ctx context.Context, req broker.OrderRequest, before broker.Position) (broker.Fill, bool, error) {
	var pos broker.Position
	err := e.call(ctx, func(c context.Context) error {
		var err error
		pos, err = e.broker.GetOpenPosition(c, req.Instrument)
		return err
	})
	if err != nil {
		return broker.Fill{}, false, err
	}
	if t, ok := pos.TradeByClientID(req.ClientID); ok {
		return t.Fill(), true, nil
	}

	for _, t := range pos.Trades {
		if t.ClientID != "" {
			return broker.Fill{}, false, nil
		}
	}
	if pos.Units-before.Units != req.Units {
		return broker.Fill{}, false, nil
	}
	var fresh []broker.Trade
	for _, t := range pos.Trades {
		if _, seen := before.Trade(t.ID); !seen && t.Units == req.Units {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) != 1 {
		return broker.Fill{}, false, nil
	}
	return fresh[0].Fill(), true, nil
}

// protect attaches the stop and target to a filled trade, skipping the call
// when the trade already carries them.
func (e *Executor) protect(ctx context.Context, log zerolog.Logger, instrument, tradeID string, sl decimal.Decimal, tp *decimal.Decimal) error {
	err := e.retry(ctx, log, "protective attach", func() error {
		var pos broker.Position
		err := e.call(ctx, func(c context.Context) error {
			var err error
			pos, err = e.broker.GetOpenPosition(c, instrument)
			return err
		})
		if err != nil {
			return permanent(err)
		}
		if t, ok := pos.Trade(tradeID); ok && t.Protected(sl, tp) {
			return nil
		}
		return permanent(e.call(ctx, func(c context.Context) error {
			return e.broker.AttachProtectiveOrders(c, tradeID, sl, tp)
		}))
	})
	if err != nil {
		log.Error().Err(err).Str("trade_id", tradeID).Msg("filled without protective orders")
		return fmt.Errorf("attach protective orders to trade %s: %w", tradeID, err)
	}
	return nil
}

func (e *Executor) failed(err error) error {
	code := broker.CodeOf(err)
	switch broker.KindOf(err) {
	case broker.KindAmbiguous:
		code = CodeTimeout
	case broker.KindTransient:
		code = CodeRetriesExhausted
	}
	return &FailedError{code: code, Reason: err.Error(), Err: err}
}
