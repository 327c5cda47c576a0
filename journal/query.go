package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const selectEntries = `
	SELECT id, signal_id, source, payload, instrument_raw, instrument, direction,
	       decision, code, reason, broker_order_id, broker_trade_id, units,
	       entry_price, filled_price, stop_loss, take_profit, risk_amount,
	       received_at, decided_at, filled_at
	FROM entries`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e                          Entry
		decision                   string
		entry, filled, sl, tp, rsk decimal.NullDecimal
		received, decided          string
		filledAt                   sql.NullString
	)
	err := s.Scan(
		&e.ID, &e.SignalID, &e.Source, &e.Payload, &e.InstrumentRaw, &e.Instrument, &e.Direction,
		&decision, &e.Code, &e.Reason, &e.BrokerOrderID, &e.BrokerTradeID, &e.Units,
		&entry, &filled, &sl, &tp, &rsk,
		&received, &decided, &filledAt,
	)
	if err != nil {
		return Entry{}, err
	}
	e.Decision = Decision(decision)
	e.EntryPrice = decimalPtr(entry)
	e.FilledPrice = decimalPtr(filled)
	e.StopLoss = decimalPtr(sl)
	e.TakeProfit = decimalPtr(tp)
	e.RiskAmount = decimalPtr(rsk)

	if e.ReceivedAt, err = parseTime(received); err != nil {
		return Entry{}, fmt.Errorf("entry %s: received_at: %w", e.ID, err)
	}
	if e.DecidedAt, err = parseTime(decided); err != nil {
		return Entry{}, fmt.Errorf("entry %s: decided_at: %w", e.ID, err)
	}
	if filledAt.Valid {
		if e.FilledAt, err = parseTime(filledAt.String); err != nil {
			return Entry{}, fmt.Errorf("entry %s: filled_at: %w", e.ID, err)
		}
	}
	return e, nil
}

// Get returns a single entry by ledger id.
func (j *SQLite) Get(ctx context.Context, id string) (Entry, error) {
	row := j.db.QueryRowContext(ctx, selectEntries+` WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, fmt.Errorf("entry %q: %w", id, ErrNotFound)
		}
		return Entry{}, err
	}
	return e, nil
}

// Query returns entries matching f in arrival order.
func (j *SQLite) Query(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Instrument != "" {
		where = append(where, "instrument = ?")
		args = append(args, f.Instrument)
	}
	if f.Decision != "" {
		where = append(where, "decision = ?")
		args = append(args, string(f.Decision))
	}
	if f.SignalID != "" {
		where = append(where, "signal_id = ?")
		args = append(args, f.SignalID)
	}
	if !f.From.IsZero() {
		where = append(where, "received_at >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "received_at < ?")
		args = append(args, formatTime(f.To))
	}

	q := selectEntries
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Summary tallies a set of entries.
type Summary struct {
	From, To   time.Time
	Total      int
	Executed   int
	Rejected   int
	Failed     int
	Codes      []CodeCount // most frequent first
	Instrument []InstrumentCount
	RiskTaken  decimal.Decimal // sum of risk on executed entries
}

type CodeCount struct {
	Code  string
	Count int
}

type InstrumentCount struct {
	Instrument string
	Executed   int
	Total      int
}

func Summarize(entries []Entry) Summary {
	s := Summary{RiskTaken: decimal.Zero}
	codes := map[string]int{}
	insts := map[string]*InstrumentCount{}

	for _, e := range entries {
		s.Total++
		if s.From.IsZero() || e.ReceivedAt.Before(s.From) {
			s.From = e.ReceivedAt
		}
		if e.ReceivedAt.After(s.To) {
			s.To = e.ReceivedAt
		}

		name := e.Instrument
		if name == "" {
			name = e.InstrumentRaw
		}
		ic, ok := insts[name]
		if !ok {
			ic = &InstrumentCount{Instrument: name}
			insts[name] = ic
		}
		ic.Total++

		switch e.Decision {
		case Executed:
			s.Executed++
			ic.Executed++
			if e.RiskAmount != nil {
				s.RiskTaken = s.RiskTaken.Add(*e.RiskAmount)
			}
		case Rejected:
			s.Rejected++
		case Failed:
			s.Failed++
		}
		if e.Code != "" {
			codes[e.Code]++
		}
	}

	for c, n := range codes {
		s.Codes = append(s.Codes, CodeCount{Code: c, Count: n})
	}
	sort.Slice(s.Codes, func(i, k int) bool {
		if s.Codes[i].Count != s.Codes[k].Count {
			return s.Codes[i].Count > s.Codes[k].Count
		}
		return s.Codes[i].Code < s.Codes[k].Code
	})
	for _, ic := range insts {
		s.Instrument = append(s.Instrument, *ic)
	}
	sort.Slice(s.Instrument, func(i, k int) bool {
		return s.Instrument[i].Instrument < s.Instrument[k].Instrument
	})
	return s
}
