package journal

import (
	"fmt"
	"strings"
	"time"
)

// FormatEntryOrg renders an entry as an Org-mode block. Structured facts go
// in the PROPERTIES drawer; the Review section is left for notes.
func FormatEntryOrg(e Entry) string {
	inst := e.Instrument
	if inst == "" {
		inst = e.InstrumentRaw
	}

	var b strings.Builder
	fmt.Fprintf(&b, "** %s: %s %s (%s)\n", e.Decision, inst, e.Direction, shortID(e.ID))
	b.WriteString(":PROPERTIES:\n")
	prop := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, ":%s: %s\n", k, v)
		}
	}
	prop("ID", e.ID)
	prop("SIGNAL_ID", e.SignalID)
	prop("SOURCE", e.Source)
	prop("INSTRUMENT", e.Instrument)
	prop("INSTRUMENT_RAW", e.InstrumentRaw)
	prop("DIRECTION", e.Direction)
	prop("DECISION", string(e.Decision))
	prop("CODE", e.Code)
	if e.Units != 0 {
		prop("UNITS", fmt.Sprint(e.Units))
	}
	prop("ENTRY_PRICE", csvDecimal(e.EntryPrice))
	prop("STOP_LOSS", csvDecimal(e.StopLoss))
	prop("TAKE_PROFIT", csvDecimal(e.TakeProfit))
	prop("RISK_AMOUNT", csvDecimal(e.RiskAmount))
	prop("ORDER_ID", e.BrokerOrderID)
	prop("TRADE_ID", e.BrokerTradeID)
	prop("FILLED_PRICE", csvDecimal(e.FilledPrice))
	prop("RECEIVED", orgTime(e.ReceivedAt))
	prop("DECIDED", orgTime(e.DecidedAt))
	prop("FILLED", orgTime(e.FilledAt))
	b.WriteString(":END:\n\n")

	if e.Reason != "" {
		fmt.Fprintf(&b, "*** Outcome\n- %s\n\n", e.Reason)
	}
	b.WriteString("*** Review\n- \n")
	return b.String()
}

// FormatEntriesOrg renders entries separated by blank lines.
func FormatEntriesOrg(entries []Entry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(FormatEntryOrg(e))
	}
	return b.String()
}

func orgTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// shortID keeps the tail of a ULID, where the random part lives.
func shortID(full string) string {
	if len(full) <= 8 {
		return full
	}
	return full[len(full)-8:]
}
