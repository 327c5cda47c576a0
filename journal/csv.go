package journal

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

var csvHeader = []string{
	"id", "signal_id", "source", "received_at", "decided_at",
	"instrument_raw", "instrument", "direction", "decision", "code", "reason",
	"units", "entry_price", "stop_loss", "take_profit", "risk_amount",
	"broker_order_id", "broker_trade_id", "filled_price", "filled_at",
}

// WriteCSV writes entries with a header row. Missing values are empty cells.
func WriteCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		err := cw.Write([]string{
			e.ID,
			e.SignalID,
			e.Source,
			csvTime(e.ReceivedAt),
			csvTime(e.DecidedAt),
			e.InstrumentRaw,
			e.Instrument,
			e.Direction,
			string(e.Decision),
			e.Code,
			e.Reason,
			strconv.FormatInt(e.Units, 10),
			csvDecimal(e.EntryPrice),
			csvDecimal(e.StopLoss),
			csvDecimal(e.TakeProfit),
			csvDecimal(e.RiskAmount),
			e.BrokerOrderID,
			e.BrokerTradeID,
			csvDecimal(e.FilledPrice),
			csvTime(e.FilledAt),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func csvDecimal(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}
