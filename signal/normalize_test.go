package signal

import (
	"errors"
	"testing"
	"time"

	"github.com/rustyeddy/jarvis/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMeta = Meta{
	ID:         "01HX0000000000000000000000",
	Source:     "test",
	ReceivedAt: time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
}

func requireMalformed(t *testing.T, err error, field string) *MalformedError {
	t.Helper()
	require.Error(t, err)
	var me *MalformedError
	require.True(t, errors.As(err, &me), "want MalformedError, got %T: %v", err, err)
	assert.Equal(t, field, me.Field)
	assert.Equal(t, "MALFORMED_SIGNAL", me.Code())
	return me
}

func TestNormalizeCanonicalPayload(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"pair": "EURUSD",
		"action": "buy",
		"entry": 1.08500,
		"stop_loss": "1.08200",
		"take_profit": 1.09,
		"confidence": 0.8,
		"risk_percent": 1,
		"source": "tradingview",
		"id": "alert-42"
	}`)

	sig, err := Normalize(raw, testMeta)
	require.NoError(t, err)

	assert.Equal(t, "alert-42", sig.ID)
	assert.Equal(t, "EURUSD", sig.InstrumentRaw)
	assert.Equal(t, market.Buy, sig.Direction)
	require.NotNil(t, sig.Entry)
	assert.Equal(t, "1.085", sig.Entry.String())
	require.NotNil(t, sig.StopLoss)
	assert.Equal(t, "1.082", sig.StopLoss.String())
	require.NotNil(t, sig.TakeProfit)
	assert.Equal(t, "1.09", sig.TakeProfit.String())
	assert.Equal(t, "0.8", sig.Confidence.String())
	assert.Equal(t, "0.01", sig.RiskPercent.String())
	assert.Equal(t, "tradingview", sig.Source)
	assert.Equal(t, testMeta.ReceivedAt, sig.ReceivedAt)
}

func TestNormalizeAliases(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		instr   string
		dir     market.Direction
		entry   string
		noEntry bool
	}{
		{
			name:  "symbol and side",
			raw:   `{"symbol":"GBP/USD","side":"SELL","price":"1.268"}`,
			instr: "GBP/USD", dir: market.Sell, entry: "1.268",
		},
		{
			name:  "ticker and nested strategy action",
			raw:   `{"ticker":"OANDA:USDJPY","strategy":{"order":{"action":"long"}},"close":150.25}`,
			instr: "OANDA:USDJPY", dir: market.Buy, entry: "150.25",
		},
		{
			name:  "flat dotted strategy key",
			raw:   `{"ticker":"EURUSD","strategy.order.action":"short"}`,
			instr: "EURUSD", dir: market.Sell, noEntry: true,
		},
		{
			name:  "most specific instrument wins",
			raw:   `{"pair":"EUR_USD","symbol":"EURUSD.x","ticker":"FX:EURUSD","side":"buy"}`,
			instr: "EUR_USD", dir: market.Buy, noEntry: true,
		},
		{
			name:  "entry preferred over price and close",
			raw:   `{"pair":"EUR_USD","side":"buy","close":1.1,"price":1.2,"entry":1.3}`,
			instr: "EUR_USD", dir: market.Buy, entry: "1.3",
		},
		{
			name:  "empty alias falls through",
			raw:   `{"pair":"","symbol":"EURUSD","side":"buy","entry":"","price":1.2}`,
			instr: "EURUSD", dir: market.Buy, entry: "1.2",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sig, err := Normalize([]byte(tt.raw), testMeta)
			require.NoError(t, err)
			assert.Equal(t, tt.instr, sig.InstrumentRaw)
			assert.Equal(t, tt.dir, sig.Direction)
			if tt.noEntry {
				assert.Nil(t, sig.Entry)
				return
			}
			require.NotNil(t, sig.Entry)
			assert.Equal(t, tt.entry, sig.Entry.String())
		})
	}
}

func TestNormalizeDefaults(t *testing.T) {
	t.Parallel()

	sig, err := Normalize([]byte(`{"pair":"EURUSD","side":"buy"}`), testMeta)
	require.NoError(t, err)

	assert.Equal(t, testMeta.ID, sig.ID)
	assert.Equal(t, "test", sig.Source)
	assert.Equal(t, "1", sig.Confidence.String())
	assert.True(t, sig.RiskPercent.IsZero())
	assert.Nil(t, sig.Entry)
	assert.Nil(t, sig.StopLoss)
	assert.Nil(t, sig.TakeProfit)
}

func TestNormalizeNeverDefaultsDirection(t *testing.T) {
	t.Parallel()

	_, err := Normalize([]byte(`{"pair":"EURUSD","entry":1.1}`), testMeta)
	requireMalformed(t, err, "action")
}

func TestNormalizeRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{"invalid json", `{"pair":`, "payload"},
		{"not an object", `["EURUSD","buy"]`, "payload"},
		{"missing instrument", `{"side":"buy"}`, "instrument"},
		{"instrument wrong type", `{"pair":{"a":1},"side":"buy"}`, "instrument"},
		{"unknown action", `{"pair":"EURUSD","side":"hold"}`, "action"},
		{"action wrong type", `{"pair":"EURUSD","side":1}`, "action"},
		{"conflicting actions", `{"pair":"EURUSD","side":"buy","action":"sell"}`, "action"},
		{"conflicting nested action", `{"pair":"EURUSD","strategy":{"order":{"action":"sell"}},"side":"long"}`, "action"},
		{"bad entry", `{"pair":"EURUSD","side":"buy","entry":"abc"}`, "entry"},
		{"negative stop", `{"pair":"EURUSD","side":"buy","sl":-1.08}`, "stop_loss"},
		{"zero take profit", `{"pair":"EURUSD","side":"buy","tp":0}`, "take_profit"},
		{"confidence too high", `{"pair":"EURUSD","side":"buy","confidence":150}`, "confidence"},
		{"negative confidence", `{"pair":"EURUSD","side":"buy","confidence":-0.1}`, "confidence"},
		{"risk over 100", `{"pair":"EURUSD","side":"buy","risk":101}`, "risk"},
		{"risk fraction over 1", `{"pair":"EURUSD","side":"buy","risk_fraction":2}`, "risk"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Normalize([]byte(tt.raw), testMeta)
			requireMalformed(t, err, tt.field)
		})
	}
}

func TestNormalizeConfidenceAndRiskScales(t *testing.T) {
	t.Parallel()

	sig, err := Normalize([]byte(`{"pair":"EURUSD","side":"buy","confidence":85,"risk_fraction":"0.02"}`), testMeta)
	require.NoError(t, err)
	assert.Equal(t, "0.85", sig.Confidence.String())
	assert.Equal(t, "0.02", sig.RiskPercent.String())

	sig, err = Normalize([]byte(`{"pair":"EURUSD","side":"buy","conf":"1","risk_pct":"0.5"}`), testMeta)
	require.NoError(t, err)
	assert.Equal(t, "1", sig.Confidence.String())
	assert.Equal(t, "0.005", sig.RiskPercent.String())
}

func TestNormalizeMapMatchesJSON(t *testing.T) {
	t.Parallel()

	payload := map[string]any{
		"symbol": "eur_usd",
		"strategy": map[string]any{
			"order": map[string]any{"action": "sell"},
		},
		"price":    1.085,
		"sl":       1.088,
		"tp":       1.08,
		"alert_id": 7,
	}

	sig, err := NormalizeMap(payload, testMeta)
	require.NoError(t, err)
	assert.Equal(t, "eur_usd", sig.InstrumentRaw)
	assert.Equal(t, market.Sell, sig.Direction)
	assert.Equal(t, "1.085", sig.Entry.String())
	assert.Equal(t, "1.088", sig.StopLoss.String())
	assert.Equal(t, "1.08", sig.TakeProfit.String())
	assert.Equal(t, "7", sig.ID)
}

func TestNormalizeMapUnencodable(t *testing.T) {
	t.Parallel()

	_, err := NormalizeMap(map[string]any{"pair": make(chan int)}, testMeta)
	requireMalformed(t, err, "payload")
}
