package signal

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rustyeddy/jarvis/market"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Alias paths, most specific first. Paths use gjson syntax; the escaped
// form matches producers that send the dotted name as a flat key.
var (
	instrumentPaths = []string{"pair", "symbol", "ticker", "instrument"}
	actionPaths     = []string{"strategy.order.action", `strategy\.order\.action`, "side", "action", "signal"}
	entryPaths      = []string{"entry", "entry_price", "price", "close"}
	stopPaths       = []string{"stop_loss", "stopLoss", "sl", "stop"}
	targetPaths     = []string{"take_profit", "takeProfit", "tp", "target"}
	confidencePaths = []string{"confidence", "conf"}
	riskPctPaths    = []string{"risk_percent", "risk_pct", "risk"}
	idPaths         = []string{"id", "signal_id", "alert_id"}
)

var (
	hundred = decimal.NewFromInt(100)
	unit    = decimal.NewFromInt(1)
)

// Meta carries what the transport knows about a payload.
type Meta struct {
	ID         string // used when the payload carries no id of its own
	Source     string
	ReceivedAt time.Time
}

// NormalizeMap normalizes an already-decoded payload.
func NormalizeMap(payload map[string]any, meta Meta) (TradeSignal, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return TradeSignal{}, malformed("payload", "cannot encode: %v", err)
	}
	return Normalize(raw, meta)
}

// Normalize parses a JSON payload into a TradeSignal. It never guesses a
// direction: a missing or conflicting action is an error.
func Normalize(raw []byte, meta Meta) (TradeSignal, error) {
	if !gjson.ValidBytes(raw) {
		return TradeSignal{}, malformed("payload", "invalid JSON")
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return TradeSignal{}, malformed("payload", "expected a JSON object")
	}

	sig := TradeSignal{
		ID:         meta.ID,
		Source:     meta.Source,
		ReceivedAt: meta.ReceivedAt,
		Confidence: unit,
	}

	instr, err := firstString(doc, "instrument", instrumentPaths)
	if err != nil {
		return TradeSignal{}, err
	}
	if instr == "" {
		return TradeSignal{}, malformed("instrument", "missing (expected one of %s)", strings.Join(instrumentPaths, ", "))
	}
	sig.InstrumentRaw = instr

	if sig.Direction, err = direction(doc); err != nil {
		return TradeSignal{}, err
	}

	if sig.Entry, err = price(doc, "entry", entryPaths); err != nil {
		return TradeSignal{}, err
	}
	if sig.StopLoss, err = price(doc, "stop_loss", stopPaths); err != nil {
		return TradeSignal{}, err
	}
	if sig.TakeProfit, err = price(doc, "take_profit", targetPaths); err != nil {
		return TradeSignal{}, err
	}

	if sig.Confidence, err = confidence(doc); err != nil {
		return TradeSignal{}, err
	}
	if sig.RiskPercent, err = riskFraction(doc); err != nil {
		return TradeSignal{}, err
	}

	if id, err := firstString(doc, "id", idPaths); err != nil {
		return TradeSignal{}, err
	} else if id != "" {
		sig.ID = id
	}
	if src := strings.TrimSpace(doc.Get("source").String()); src != "" {
		sig.Source = src
	}

	return sig, nil
}

// lookup returns the first alias that is present and not empty.
func lookup(doc gjson.Result, paths []string) (string, gjson.Result, bool) {
	for _, p := range paths {
		r := doc.Get(p)
		if !r.Exists() || r.Type == gjson.Null {
			continue
		}
		if r.Type == gjson.String && strings.TrimSpace(r.Str) == "" {
			continue
		}
		return p, r, true
	}
	return "", gjson.Result{}, false
}

func firstString(doc gjson.Result, field string, paths []string) (string, error) {
	_, r, ok := lookup(doc, paths)
	if !ok {
		return "", nil
	}
	switch r.Type {
	case gjson.String:
		return strings.TrimSpace(r.Str), nil
	case gjson.Number:
		return r.Raw, nil
	}
	return "", malformed(field, "expected a string, got %s", r.Type)
}

func parseDirection(s string) (market.Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long":
		return market.Buy, true
	case "sell", "short":
		return market.Sell, true
	}
	return 0, false
}

// direction takes the most specific action alias, but every alias present
// must agree with it.
func direction(doc gjson.Result) (market.Direction, error) {
	var (
		got  market.Direction
		from string
	)
	for _, p := range actionPaths {
		r := doc.Get(p)
		if !r.Exists() || r.Type == gjson.Null {
			continue
		}
		if r.Type != gjson.String {
			return 0, malformed("action", "%s: expected a string, got %s", p, r.Type)
		}
		d, ok := parseDirection(r.Str)
		if !ok {
			return 0, malformed("action", "%s: unrecognized action %q", p, r.Str)
		}
		if got == 0 {
			got, from = d, p
			continue
		}
		if d != got {
			return 0, malformed("action", "ambiguous: %s=%s but %s=%s", from, got, p, d)
		}
	}
	if got == 0 {
		return 0, malformed("action", "missing (expected one of strategy.order.action, side, action, signal)")
	}
	return got, nil
}

func number(field, path string, r gjson.Result) (decimal.Decimal, error) {
	var s string
	switch r.Type {
	case gjson.Number:
		s = r.Raw
	case gjson.String:
		s = strings.TrimSpace(r.Str)
	default:
		return decimal.Zero, malformed(field, "%s: expected a number, got %s", path, r.Type)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, malformed(field, "%s: %q is not a number", path, s)
	}
	return d, nil
}

func price(doc gjson.Result, field string, paths []string) (*decimal.Decimal, error) {
	p, r, ok := lookup(doc, paths)
	if !ok {
		return nil, nil
	}
	d, err := number(field, p, r)
	if err != nil {
		return nil, err
	}
	if !d.IsPositive() {
		return nil, malformed(field, "%s: price must be positive, got %s", p, d)
	}
	return &d, nil
}

// confidence accepts a fraction in [0,1] or a percentage in (1,100].
func confidence(doc gjson.Result) (decimal.Decimal, error) {
	p, r, ok := lookup(doc, confidencePaths)
	if !ok {
		return unit, nil
	}
	c, err := number("confidence", p, r)
	if err != nil {
		return decimal.Zero, err
	}
	if c.GreaterThan(unit) && c.LessThanOrEqual(hundred) {
		c = c.Div(hundred)
	}
	if c.IsNegative() || c.GreaterThan(unit) {
		return decimal.Zero, malformed("confidence", "%s: %s outside [0,1]", p, c)
	}
	return c, nil
}

// riskFraction reads risk_fraction as a fraction, or the percent aliases as
// percentage points (1 means 1%).
func riskFraction(doc gjson.Result) (decimal.Decimal, error) {
	if r := doc.Get("risk_fraction"); r.Exists() && r.Type != gjson.Null {
		f, err := number("risk", "risk_fraction", r)
		if err != nil {
			return decimal.Zero, err
		}
		if f.IsNegative() || f.GreaterThan(unit) {
			return decimal.Zero, malformed("risk", "risk_fraction: %s outside [0,1]", f)
		}
		return f, nil
	}

	p, r, ok := lookup(doc, riskPctPaths)
	if !ok {
		return decimal.Zero, nil
	}
	pct, err := number("risk", p, r)
	if err != nil {
		return decimal.Zero, err
	}
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return decimal.Zero, malformed("risk", "%s: %s%% outside [0,100]", p, pct)
	}
	return pct.Div(hundred), nil
}
