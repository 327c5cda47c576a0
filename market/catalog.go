package market

import (
	"fmt"
	"sort"
	"strings"
)

// Rejection reasons reported by Catalog.Resolve.
const (
	ReasonCrypto     = "crypto instruments are not tradable on this account"
	ReasonUnknown    = "unknown instrument"
	ReasonNotEnabled = "instrument not enabled"
	ReasonEmpty      = "empty instrument"
)

// UnsupportedError is returned when a raw symbol does not map to a tradable
// instrument. Raw is kept verbatim for operator review.
type UnsupportedError struct {
	Raw    string
	Reason string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("instrument %q unsupported: %s", e.Raw, e.Reason)
}

func (e *UnsupportedError) Code() string { return "INSTRUMENT_UNSUPPORTED" }

var cryptoSuffixes = []string{"USDT", "USDC", "BUSD", "PERP"}

var cryptoBases = map[string]bool{
	"BTC": true, "XBT": true, "ETH": true, "SOL": true, "XRP": true,
	"DOGE": true, "ADA": true, "BNB": true, "LTC": true, "DOT": true,
	"AVAX": true, "MATIC": true, "LINK": true, "TRX": true, "SHIB": true,
}

// Catalog resolves user-entered symbols to broker instruments. It is built
// once and never mutated, so it is safe for concurrent use.
type Catalog struct {
	byCompact map[string]Instrument // "EURUSD" -> EUR_USD
	enabled   map[string]bool       // nil means all enabled
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithEnabled restricts the catalog to the given broker codes. Codes not in
// the instrument table are ignored.
func WithEnabled(codes ...string) CatalogOption {
	return func(c *Catalog) {
		if len(codes) == 0 {
			return
		}
		c.enabled = make(map[string]bool, len(codes))
		for _, code := range codes {
			c.enabled[compact(code)] = true
		}
	}
}

// NewCatalog indexes instruments by their compact code.
func NewCatalog(instruments []Instrument, opts ...CatalogOption) *Catalog {
	c := &Catalog{byCompact: make(map[string]Instrument, len(instruments))}
	for _, inst := range instruments {
		c.byCompact[compact(inst.Code)] = inst
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultCatalog returns the FX-only catalog.
func DefaultCatalog(opts ...CatalogOption) *Catalog {
	return NewCatalog(DefaultInstruments(), opts...)
}

// Resolve maps spellings like "EURUSD", "eur_usd", "EUR/USD" or
// "OANDA:EURUSD" to the EUR_USD instrument.
func (c *Catalog) Resolve(raw string) (Instrument, error) {
	key := compact(stripExchange(raw))
	if key == "" {
		return Instrument{}, &UnsupportedError{Raw: raw, Reason: ReasonEmpty}
	}
	if isCrypto(key) {
		return Instrument{}, &UnsupportedError{Raw: raw, Reason: ReasonCrypto}
	}
	inst, ok := c.byCompact[key]
	if !ok {
		return Instrument{}, &UnsupportedError{Raw: raw, Reason: ReasonUnknown}
	}
	if c.enabled != nil && !c.enabled[key] {
		return Instrument{}, &UnsupportedError{Raw: raw, Reason: ReasonNotEnabled}
	}
	return inst, nil
}

// Lookup returns the instrument for an exact broker code.
func (c *Catalog) Lookup(code string) (Instrument, bool) {
	inst, ok := c.byCompact[compact(code)]
	return inst, ok
}

// Codes lists the broker codes the catalog will resolve.
func (c *Catalog) Codes() []string {
	out := make([]string, 0, len(c.byCompact))
	for key, inst := range c.byCompact {
		if c.enabled != nil && !c.enabled[key] {
			continue
		}
		out = append(out, inst.Code)
	}
	sort.Strings(out)
	return out
}

func stripExchange(s string) string {
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func compact(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToUpper(strings.TrimSpace(s)) {
		switch r {
		case '/', '_', '-', '.', ' ':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isCrypto(key string) bool {
	for _, suf := range cryptoSuffixes {
		if strings.HasSuffix(key, suf) && len(key) > len(suf) {
			return true
		}
	}
	for base := range cryptoBases {
		if strings.HasPrefix(key, base) {
			return true
		}
	}
	return false
}
