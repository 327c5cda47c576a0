package executor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rustyeddy/jarvis/broker"
	"github.com/rustyeddy/jarvis/broker/oanda"
	"github.com/rustyeddy/jarvis/broker/sim"
	"github.com/rustyeddy/jarvis/market"
	"github.com/rustyeddy/jarvis/risk"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func testConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		CallTimeout:    time.Second,
	}
}

func newSim(t *testing.T, opts ...sim.Option) *sim.Engine {
	t.Helper()
	e := sim.NewEngine("USD", d("10000"), opts...)
	require.NoError(t, e.UpdatePrice(context.Background(), market.Tick{
		Instrument: "EUR_USD",
		Time:       time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
		Bid:        d("1.1000"),
		Ask:        d("1.1002"),
	}))
	return e
}

func approved(t *testing.T, units int64) risk.SizedOrder {
	t.Helper()
	inst, ok := market.DefaultCatalog().Lookup("EUR_USD")
	require.True(t, ok)
	dir := market.Buy
	sl, tp := d("1.0950"), dp("1.1100")
	if units < 0 {
		dir = market.Sell
		sl, tp = d("1.1050"), dp("1.0900")
	}
	return risk.SizedOrder{
		Instrument: inst,
		Direction:  dir,
		Units:      units,
		Entry:      d("1.1001"),
		StopLoss:   sl,
		TakeProfit: tp,
		Approved:   true,
	}
}

func openTrades(t *testing.T, b broker.Broker) []broker.Trade {
	t.Helper()
	pos, err := b.GetOpenPosition(context.Background(), "EUR_USD")
	require.NoError(t, err)
	return pos.Trades
}

func requireFailed(t *testing.T, err error, code string) *FailedError {
	t.Helper()
	require.Error(t, err)
	var fe *FailedError
	require.True(t, errors.As(err, &fe), "want FailedError, got %T: %v", err, err)
	assert.Equal(t, code, fe.Code())
	return fe
}

func TestExecuteBracketOrder(t *testing.T) {
	t.Parallel()
	b := newSim(t)
	ex := New(b, testConfig(), zerolog.Nop())

	res, err := ex.Execute(context.Background(), "sig-1", approved(t, 1000))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Duplicate)
	assert.NoError(t, res.ProtectionErr)
	assert.Equal(t, "1.1002", res.Fill.Price.String())
	assert.Equal(t, int64(1000), res.Fill.Units)

	trades := openTrades(t, b)
	require.Len(t, trades, 1)
	assert.Equal(t, "sig-1", trades[0].ClientID)
	assert.True(t, trades[0].Protected(d("1.095"), dp("1.11")))
	assert.Equal(t, 0, b.Calls(sim.OpAttach))
}

func TestExecuteResubmissionIsIdempotent(t *testing.T) {
	t.Parallel()
	b := newSim(t)
	ex := New(b, testConfig(), zerolog.Nop())

	first, err := ex.Execute(context.Background(), "sig-1", approved(t, 1000))
	require.NoError(t, err)

	second, err := ex.Execute(context.Background(), "sig-1", approved(t, 1000))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Fill.TradeID, second.Fill.TradeID)
	assert.NotEmpty(t, second.Fill.OrderID)
	assert.Equal(t, first.Fill.OrderID, second.Fill.OrderID)
	assert.Equal(t, 1, b.Calls(sim.OpPlace))
	assert.Len(t, openTrades(t, b), 1)
}

// A timeout after the broker applied the order: the retry finds the trade
// instead of placing a second one, and a later resubmission of the same
// signal returns that fill too.
func TestExecuteTimeoutAfterApplyReconciles(t *testing.T) {
	t.Parallel()
	b := newSim(t)
	b.Inject(sim.Fault{Op: sim.OpPlace, Err: broker.Ambiguous(context.DeadlineExceeded), Apply: true})
	ex := New(b, testConfig(), zerolog.Nop())

	res, err := ex.Execute(context.Background(), "sig-5", approved(t, 1000))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, b.Calls(sim.OpPlace))

	trades := openTrades(t, b)
	require.Len(t, trades, 1)
	assert.Equal(t, trades[0].ID, res.Fill.TradeID)
	assert.NotEmpty(t, res.Fill.OrderID)
	assert.Equal(t, trades[0].OrderID, res.Fill.OrderID)

	again, err := ex.Execute(context.Background(), "sig-5", approved(t, 1000))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, res.Fill.TradeID, again.Fill.TradeID)
	assert.Len(t, openTrades(t, b), 1)
}

func TestExecuteTimeoutWithoutApplyRetries(t *testing.T) {
	t.Parallel()
	b := newSim(t)
	b.Inject(sim.Fault{Op: sim.OpPlace, Err: broker.Ambiguous(context.DeadlineExceeded)})
	ex := New(b, testConfig(), zerolog.Nop())

	res, err := ex.Execute(context.Background(), "sig-1", approved(t, 1000))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, b.Calls(sim.OpPlace))
	assert.Len(t, openTrades(t, b), 1)
}

func TestExecuteReconcilesByUnitsWithoutClientIDs(t *testing.T) {
	t.Parallel()
	b := newSim(t, sim.WithoutClientIDs())
	b.Inject(sim.Fault{Op: sim.OpPlace, Err: broker.Ambiguous(context.DeadlineExceeded), Apply: true})
	ex := New(b, testConfig(), zerolog.Nop())

	res, err := ex.Execute(context.Background(), "sig-1", approved(t, -700))
	require.NoError(t, err)
	assert.Equal(t, 1, b.Calls(sim.OpPlace))
	assert.Equal(t, int64(-700), res.Fill.Units)
	assert.Len(t, openTrades(t, b), 1)
}

func TestExecuteCallTimeoutIsRetried(t *testing.T) {
	t.Parallel()
	b := newSim(t)
	b.Inject(sim.Fault{Op: sim.OpPlace, Delay: time.Minute})

	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	ex := New(b, cfg, zerolog.Nop())

	res, err := ex.Execute(context.Background(), "sig-1", approved(t, 1000))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, openTrades(t, b), 1)
}

func TestExecuteTransientExhausts(t *testing.T) {
	t.Parallel()
	b := newSim(t)
	busy := broker.Transient("HTTP_503", "unavailable")
	b.Inject(
		sim.Fault{Op: sim.OpPlace, Err: busy},
		sim.Fault{Op: sim.OpPlace, Err: busy},
		sim.Fault{Op: sim.OpPlace, Err: busy},
	)
	ex := New(b, testConfig(), zerolog.Nop())

	res, err := ex.Execute(context.Background(), "sig-1", approved(t, 1000))
	fe := requireFailed(t, err, CodeRetriesExhausted)
	assert.False(t, fe.Rejection)
	assert.ErrorIs(t, err, busy)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, b.Calls(sim.OpPlace))
	assert.Empty(t, openTrades(t, b))
}

func TestExecuteAmbiguousExhaustsAsTimeout(t *testing.T) {
	t.Parallel()
	b := newSim(t)
	lost := broker.Ambiguous(errors.New("connection reset"))
	b.Inject(
		sim.Fault{Op: sim.OpPlace, Err: lost},
		sim.Fault{Op: sim.OpPlace, Err: lost},
		sim.Fault{Op: sim.OpPlace, Err: lost},
	)
	ex := New(b, testConfig(), zerolog.Nop())

	_, err := ex.Execute(context.Background(), "sig-1", approved(t, 1000))
	requireFailed(t, err, CodeTimeout)
	assert.Empty(t, openTrades(t, b))
}

func TestExecuteTerminalNotRetried(t *testing.T) {
	t.Parallel()
	b := newSim(t)
	b.Inject(sim.Fault{Op: sim.OpPlace, Err: broker.Terminal("INSUFFICIENT_MARGIN", "margin")})
	ex := New(b, testConfig(), zerolog.Nop())

	res, err := ex.Execute(context.Background(), "sig-1", approved(t, 1000))
	requireFailed(t, err, "INSUFFICIENT_MARGIN")
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, b.Calls(sim.OpPlace))
}

func TestExecuteBracketRejectedFallsBackToAttach(t *testing.T) {
	t.Parallel()
	b := newSim(t, sim.WithRejectBrackets())
	ex := New(b, testConfig(), zerolog.Nop())

	res, err := ex.Execute(context.Background(), "sig-1", approved(t, 1000))
	require.NoError(t, err)
	assert.NoError(t, res.ProtectionErr)
	assert.Equal(t, 2, b.Calls(sim.OpPlace))
	assert.Equal(t, 1, b.Calls(sim.OpAttach))

	trades := openTrades(t, b)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Protected(d("1.095"), dp("1.11")))
}

func TestExecuteAttachRetryIsIdempotent(t *testing.T) {
	t.Parallel()
	b := newSim(t, sim.WithRejectBrackets())
	// The first attach lands but its response is lost.
	b.Inject(sim.Fault{Op: sim.OpAttach, Err: broker.Ambiguous(context.DeadlineExceeded), Apply: true})
	ex := New(b, testConfig(), zerolog.Nop())

	res, err := ex.Execute(context.Background(), "sig-1", approved(t, 1000))
	require.NoError(t, err)
	assert.NoError(t, res.ProtectionErr)
	assert.Equal(t, 1, b.Calls(sim.OpAttach), "second attempt sees the orders and skips the call")
}

func TestExecuteProtectionFailureStillExecuted(t *testing.T) {
	t.Parallel()
	b := newSim(t, sim.WithRejectBrackets())
	b.Inject(sim.Fault{Op: sim.OpAttach, Err: broker.Terminal("STOP_LOSS_ON_FILL_LOSS", "nope")})
	ex := New(b, testConfig(), zerolog.Nop())

	res, err := ex.Execute(context.Background(), "sig-1", approved(t, 1000))
	require.NoError(t, err)
	require.Error(t, res.ProtectionErr)
	assert.Contains(t, res.ProtectionErr.Error(), "STOP_LOSS_ON_FILL_LOSS")
	assert.NotEmpty(t, res.Fill.TradeID)
	assert.Len(t, openTrades(t, b), 1)
}

func TestExecutePositionAlreadyOpen(t *testing.T) {
	t.Parallel()
	b := newSim(t)
	ex := New(b, testConfig(), zerolog.Nop())

	_, err := ex.Execute(context.Background(), "sig-1", approved(t, 1000))
	require.NoError(t, err)

	_, err = ex.Execute(context.Background(), "sig-2", approved(t, 500))
	fe := requireFailed(t, err, CodePositionOpen)
	assert.True(t, fe.Rejection)
	assert.Equal(t, 1, b.Calls(sim.OpPlace))
}

func TestExecuteAllowStacking(t *testing.T) {
	t.Parallel()
	b := newSim(t)
	cfg := testConfig()
	cfg.AllowStacking = true
	ex := New(b, cfg, zerolog.Nop())

	_, err := ex.Execute(context.Background(), "sig-1", approved(t, 1000))
	require.NoError(t, err)
	_, err = ex.Execute(context.Background(), "sig-2", approved(t, 500))
	require.NoError(t, err)
	assert.Len(t, openTrades(t, b), 2)
}

func TestExecuteStackingRejectsOppositeDirection(t *testing.T) {
	t.Parallel()
	b := newSim(t)
	cfg := testConfig()
	cfg.AllowStacking = true
	ex := New(b, cfg, zerolog.Nop())

	_, err := ex.Execute(context.Background(), "sig-1", approved(t, 1000))
	require.NoError(t, err)

	_, err = ex.Execute(context.Background(), "sig-2", approved(t, -500))
	fe := requireFailed(t, err, CodeOppositeOpen)
	assert.True(t, fe.Rejection)
	assert.Equal(t, 1, b.Calls(sim.OpPlace))
	assert.Len(t, openTrades(t, b), 1)
}

// oandaNetting serves an account whose /orders endpoint fills only against
// existing trades, the way a netting account treats an opposite order.
type oandaNetting struct {
	mu     sync.Mutex
	trades string
	posts  int
}

func (o *oandaNetting) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case strings.HasSuffix(r.URL.Path, "/openTrades"):
		_, _ = io.WriteString(w, `{"trades":[`+o.trades+`]}`)
	case strings.HasSuffix(r.URL.Path, "/orders") && r.Method == http.MethodPost:
		o.posts++
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{
			"orderCreateTransaction":{"id":"10"},
			"orderFillTransaction":{"id":"11","orderID":"10","instrument":"EUR_USD",
				"tradeReduced":{"tradeID":"7","units":"-3000","price":"1.10000"}}}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (o *oandaNetting) Posts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.posts
}

func newOandaExecutor(t *testing.T, h *oandaNetting) *Executor {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := oanda.New(oanda.Config{
		Token:     "tok",
		AccountID: "101-001-1-001",
		BaseURL:   srv.URL,
		Timeout:   time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)

	cfg := testConfig()
	cfg.AllowStacking = true
	return New(c, cfg, zerolog.Nop())
}

func TestExecuteOandaOppositeOrderNotSent(t *testing.T) {
	t.Parallel()
	h := &oandaNetting{trades: `{"id":"7","instrument":"EUR_USD","price":"1.1","currentUnits":"10000"}`}
	ex := newOandaExecutor(t, h)

	_, err := ex.Execute(context.Background(), "sig-sell", approved(t, -3000))
	fe := requireFailed(t, err, CodeOppositeOpen)
	assert.True(t, fe.Rejection)
	assert.Equal(t, 0, h.Posts())
}

func TestExecuteOandaReducingFillIsNotRetried(t *testing.T) {
	t.Parallel()
	// The position is not visible at the pre-check, so the order goes out
	// and fills against a trade the executor did not see.
	h := &oandaNetting{}
	ex := newOandaExecutor(t, h)

	_, err := ex.Execute(context.Background(), "sig-sell", approved(t, -3000))
	fe := requireFailed(t, err, oanda.CodePositionReduced)
	assert.False(t, fe.Rejection)
	assert.Equal(t, 1, h.Posts())
}

func TestExecuteRequiresApproval(t *testing.T) {
	t.Parallel()
	b := newSim(t)
	ex := New(b, testConfig(), zerolog.Nop())

	o := approved(t, 1000)
	o.Approved = false
	_, err := ex.Execute(context.Background(), "sig-1", o)
	requireFailed(t, err, CodeNotApproved)
	assert.ErrorIs(t, err, ErrNotApproved)
	assert.Equal(t, 0, b.Calls(sim.OpPlace))
}

func TestExecuteSurvivesCallerCancellation(t *testing.T) {
	t.Parallel()
	b := newSim(t)
	b.Inject(sim.Fault{Op: sim.OpPlace, Delay: 50 * time.Millisecond})
	ex := New(b, testConfig(), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	res, err := ex.Execute(ctx, "sig-1", approved(t, 1000))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, openTrades(t, b), 1)
}

func TestCloseDrainsInFlight(t *testing.T) {
	t.Parallel()
	b := newSim(t)
	b.Inject(sim.Fault{Op: sim.OpPlace, Delay: 100 * time.Millisecond})
	ex := New(b, testConfig(), zerolog.Nop())

	var (
		wg   sync.WaitGroup
		done bool
		mu   sync.Mutex
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := ex.Execute(context.Background(), "sig-1", approved(t, 1000))
		assert.NoError(t, err)
		mu.Lock()
		done = true
		mu.Unlock()
	}()

	require.Eventually(t, func() bool { return b.Calls(sim.OpPlace) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, ex.Close(context.Background()))

	mu.Lock()
	assert.True(t, done, "Close returned before the in-flight execution finished")
	mu.Unlock()
	wg.Wait()

	_, err := ex.Execute(context.Background(), "sig-2", approved(t, 1000))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseHonoursDeadline(t *testing.T) {
	t.Parallel()
	b := newSim(t)
	b.Inject(sim.Fault{Op: sim.OpPlace, Delay: 300 * time.Millisecond})
	ex := New(b, testConfig(), zerolog.Nop())

	go func() { _, _ = ex.Execute(context.Background(), "sig-1", approved(t, 1000)) }()
	require.Eventually(t, func() bool { return b.Calls(sim.OpPlace) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ex.Close(ctx), context.DeadlineExceeded)

	require.NoError(t, ex.Close(context.Background()))
}

func TestSerialisesPerInstrument(t *testing.T) {
	t.Parallel()
	b := newSim(t)
	ex := New(b, testConfig(), zerolog.Nop())

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ex.Execute(context.Background(), "sig-"+string(rune('a'+i)), approved(t, 1000))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		requireFailed(t, err, CodePositionOpen)
	}
	assert.Equal(t, 1, ok, "exactly one signal opens the position")
	assert.Len(t, openTrades(t, b), 1)
}
