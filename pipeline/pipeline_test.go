package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rustyeddy/jarvis/broker"
	"github.com/rustyeddy/jarvis/broker/sim"
	"github.com/rustyeddy/jarvis/executor"
	"github.com/rustyeddy/jarvis/guard"
	"github.com/rustyeddy/jarvis/journal"
	"github.com/rustyeddy/jarvis/market"
	"github.com/rustyeddy/jarvis/risk"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	p      *Pipeline
	sim    *sim.Engine
	ledger *journal.SQLite
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	b := sim.NewEngine("USD", d("10000"))
	for _, tk := range []market.Tick{
		{Instrument: "EUR_USD", Bid: d("1.08498"), Ask: d("1.08500")},
		{Instrument: "GBP_USD", Bid: d("1.26790"), Ask: d("1.26800")},
		{Instrument: "USD_JPY", Bid: d("150.000"), Ask: d("150.010")},
	} {
		tk.Time = time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
		require.NoError(t, b.UpdatePrice(context.Background(), tk))
	}

	ledger, err := journal.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	ex := executor.New(b, executor.Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		CallTimeout:    time.Second,
	}, zerolog.Nop())

	p, err := New(Deps{
		Catalog:  market.DefaultCatalog(),
		Sizer:    risk.NewSizer(risk.DefaultPolicy()),
		Guard:    guard.New(),
		Executor: ex,
		Broker:   b,
		Ledger:   ledger,
	}, cfg, zerolog.Nop())
	require.NoError(t, err)

	return &harness{p: p, sim: b, ledger: ledger}
}

func (h *harness) process(t *testing.T, payload string) journal.Entry {
	t.Helper()
	e, err := h.p.Process(context.Background(), []byte(payload), "test")
	require.NoError(t, err)
	return e
}

func (h *harness) entries(t *testing.T) []journal.Entry {
	t.Helper()
	all, err := h.ledger.Query(context.Background(), journal.Filter{})
	require.NoError(t, err)
	return all
}

func (h *harness) brokerCalls() int {
	n := 0
	for _, op := range []sim.Op{sim.OpEquity, sim.OpQuote, sim.OpPlace, sim.OpAttach, sim.OpPosition} {
		n += h.sim.Calls(op)
	}
	return n
}

func TestScenarioBuyEURUSDApproved(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	e := h.process(t, `{"symbol":"EURUSD","action":"buy","entry":1.08500,"stop_loss":1.08200,"take_profit":1.09000,"risk_percent":1}`)

	assert.Equal(t, journal.Executed, e.Decision)
	assert.Equal(t, "EUR_USD", e.Instrument)
	assert.Greater(t, e.Units, int64(0))
	require.NotNil(t, e.RiskAmount)
	assert.InDelta(t, 100, e.RiskAmount.InexactFloat64(), 0.01)
	assert.NotEmpty(t, e.BrokerTradeID)
	require.NotNil(t, e.FilledPrice)
	assert.Equal(t, "1.085", e.FilledPrice.String())

	stored := h.entries(t)
	require.Len(t, stored, 1)
	assert.Equal(t, e.ID, stored[0].ID)
	assert.Equal(t, journal.Executed, stored[0].Decision)

	pos, err := h.sim.GetOpenPosition(context.Background(), "EUR_USD")
	require.NoError(t, err)
	require.Len(t, pos.Trades, 1)
	require.NotNil(t, pos.Trades[0].StopLoss)
	assert.Equal(t, "1.082", pos.Trades[0].StopLoss.String())
}

func TestRiskRecordedOnRoundedStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	// The stop rounds out to 1.082, where 33377 units would risk 100.131.
	e := h.process(t, `{"symbol":"EURUSD","action":"buy","entry":1.08500,"stop_loss":1.082004,"risk_percent":1}`)

	require.Equal(t, journal.Executed, e.Decision, e.Reason)
	require.NotNil(t, e.StopLoss)
	assert.Equal(t, "1.082", e.StopLoss.String())
	assert.Equal(t, int64(33333), e.Units)
	require.NotNil(t, e.RiskAmount)
	assert.Equal(t, "99.999", e.RiskAmount.String())
	assert.NotEmpty(t, e.BrokerOrderID)
}

func TestScenarioSellStopBelowEntry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	e := h.process(t, `{"pair":"GBP/USD","side":"sell","entry":1.26800,"sl":1.26500}`)

	assert.Equal(t, journal.Rejected, e.Decision)
	assert.Equal(t, "DIRECTION_ERROR", e.Code)
	assert.Contains(t, e.Reason, "stop_loss")
	assert.Zero(t, h.sim.Calls(sim.OpPlace))

	stored := h.entries(t)
	require.Len(t, stored, 1)
	assert.NotEqual(t, journal.Executed, stored[0].Decision)
}

func TestScenarioCryptoNeverReachesBroker(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	e := h.process(t, `{"ticker":"ETHUSDT","action":"buy","price":3100}`)

	assert.Equal(t, journal.Rejected, e.Decision)
	assert.Equal(t, "INSTRUMENT_UNSUPPORTED", e.Code)
	assert.Equal(t, "ETHUSDT", e.InstrumentRaw)
	assert.Empty(t, e.Instrument)
	assert.Zero(t, h.brokerCalls())
	assert.Len(t, h.entries(t), 1)
}

func TestScenarioStopInsideMinDistance(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	e := h.process(t, `{"symbol":"EUR_USD","action":"buy","entry":"1.08500","stop":"1.08498","tp":"1.09000"}`)

	assert.Equal(t, journal.Rejected, e.Decision)
	assert.Equal(t, "DISTANCE_ERROR", e.Code)
	assert.Zero(t, h.sim.Calls(sim.OpPlace))
}

func TestScenarioTimeoutThenRetrySucceeds(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.sim.Inject(sim.Fault{Op: sim.OpPlace, Err: broker.Ambiguous(context.DeadlineExceeded)})

	e := h.process(t, `{"id":"alert-5","symbol":"EURUSD","action":"buy","entry":1.085,"stop_loss":1.082,"take_profit":1.09}`)

	assert.Equal(t, journal.Executed, e.Decision)
	assert.Equal(t, "alert-5", e.SignalID)
	assert.Equal(t, 2, h.sim.Calls(sim.OpPlace))

	stored := h.entries(t)
	require.Len(t, stored, 1)
	assert.Equal(t, journal.Executed, stored[0].Decision)

	pos, err := h.sim.GetOpenPosition(context.Background(), "EUR_USD")
	require.NoError(t, err)
	assert.Len(t, pos.Trades, 1)
}

func TestProcessRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		payload string
		code    string
	}{
		{"invalid json", Config{}, `{"symbol":`, "MALFORMED_SIGNAL"},
		{"missing action", Config{}, `{"symbol":"EURUSD","entry":1.085}`, "MALFORMED_SIGNAL"},
		{"unknown instrument", Config{}, `{"symbol":"XAUUSD","action":"buy"}`, "INSTRUMENT_UNSUPPORTED"},
		{"low confidence", Config{MinConfidence: d("0.6")}, `{"symbol":"EURUSD","action":"buy","confidence":40}`, CodeConfidenceTooLow},
		{"zero stop distance", Config{}, `{"symbol":"EURUSD","action":"buy","entry":1.085,"sl":1.085}`, "RISK_REJECTED"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, tt.cfg)
			e := h.process(t, tt.payload)
			assert.Equal(t, journal.Rejected, e.Decision)
			assert.Equal(t, tt.code, e.Code)
			assert.Equal(t, tt.payload, e.Payload)
			assert.Zero(t, h.sim.Calls(sim.OpPlace))
			assert.Len(t, h.entries(t), 1)
		})
	}
}

func TestProcessEntryFromQuote(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	e := h.process(t, `{"symbol":"EURUSD","action":"sell"}`)

	require.Equal(t, journal.Executed, e.Decision, e.Reason)
	require.NotNil(t, e.EntryPrice)
	assert.Equal(t, "1.08498", e.EntryPrice.String())
	assert.Less(t, e.Units, int64(0))
	require.NotNil(t, e.StopLoss)
	assert.True(t, e.StopLoss.GreaterThan(*e.EntryPrice))
}

func TestProcessPositionAlreadyOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	first := h.process(t, `{"id":"a","symbol":"EURUSD","action":"buy","entry":1.085,"sl":1.082}`)
	require.Equal(t, journal.Executed, first.Decision)

	second := h.process(t, `{"id":"b","symbol":"EURUSD","action":"buy","entry":1.085,"sl":1.082}`)
	assert.Equal(t, journal.Rejected, second.Decision)
	assert.Equal(t, executor.CodePositionOpen, second.Code)
	assert.Equal(t, 1, h.sim.Calls(sim.OpPlace))
}

func TestProcessDuplicateSignal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	payload := `{"id":"same","symbol":"EURUSD","action":"buy","entry":1.085,"sl":1.082}`

	first := h.process(t, payload)
	second := h.process(t, payload)

	require.Equal(t, journal.Executed, first.Decision)
	require.Equal(t, journal.Executed, second.Decision)
	assert.Equal(t, first.BrokerTradeID, second.BrokerTradeID)
	assert.Contains(t, second.Reason, "duplicate")
	assert.Equal(t, 1, h.sim.Calls(sim.OpPlace))
	assert.Len(t, h.entries(t), 2)
}

func TestProcessBrokerFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		fault sim.Fault
		code  string
	}{
		{"terminal reject", sim.Fault{Op: sim.OpPlace, Err: broker.Terminal("MARKET_HALTED", "market halted")}, "MARKET_HALTED"},
		{"equity unavailable", sim.Fault{Op: sim.OpEquity, Err: broker.Terminal("INVALID_AUTHORIZATION", "bad token")}, "INVALID_AUTHORIZATION"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{})
			h.sim.Inject(tt.fault)

			e := h.process(t, `{"symbol":"EURUSD","action":"buy","entry":1.085,"sl":1.082}`)
			assert.Equal(t, journal.Failed, e.Decision)
			assert.Equal(t, tt.code, e.Code)
			assert.Len(t, h.entries(t), 1)
		})
	}
}

func TestProcessConcurrentSignalsOneOpens(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	const n = 8
	var wg sync.WaitGroup
	results := make([]journal.Entry, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := fmt.Sprintf(`{"id":"sig-%d","symbol":"EURUSD","action":"buy","entry":1.085,"sl":1.082}`, i)
			e, err := h.p.Process(context.Background(), []byte(payload), "test")
			assert.NoError(t, err)
			results[i] = e
		}(i)
	}
	wg.Wait()

	executed := 0
	for _, e := range results {
		switch e.Decision {
		case journal.Executed:
			executed++
		default:
			assert.Equal(t, executor.CodePositionOpen, e.Code)
		}
	}
	assert.Equal(t, 1, executed)
	assert.Len(t, h.entries(t), n)
}

type failingLedger struct{ journal.Ledger }

func (failingLedger) Record(context.Context, journal.Entry) error { return errors.New("disk full") }

func TestProcessLedgerFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.p.ledger = failingLedger{}

	e, err := h.p.Process(context.Background(), []byte(`{"symbol":"ETHUSDT","action":"buy"}`), "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, journal.Rejected, e.Decision)
}

func TestProcessAfterClose(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	require.NoError(t, h.p.Close(context.Background()))
	_, err := h.p.Process(context.Background(), []byte(`{}`), "test")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		decision journal.Decision
		code     string
	}{
		{"guard", &guard.DistanceError{Leg: guard.LegStopLoss}, journal.Rejected, "DISTANCE_ERROR"},
		{"risk", &risk.RejectedError{Reason: "x"}, journal.Rejected, "RISK_REJECTED"},
		{"catalog", &market.UnsupportedError{Raw: "BTCUSD"}, journal.Rejected, "INSTRUMENT_UNSUPPORTED"},
		{"confidence", &ConfidenceError{}, journal.Rejected, CodeConfidenceTooLow},
		{"wrapped", fmt.Errorf("stage: %w", &risk.RejectedError{}), journal.Rejected, "RISK_REJECTED"},
		{"market data", &MarketDataError{What: "equity", Err: broker.Transient("HTTP_503", "down")}, journal.Failed, "HTTP_503"},
		{"closed", executor.ErrClosed, journal.Failed, "SHUTTING_DOWN"},
		{"unknown", errors.New("boom"), journal.Failed, CodeInternal},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			decision, code := Classify(tt.err)
			assert.Equal(t, tt.decision, decision)
			assert.Equal(t, tt.code, code)
		})
	}
}
