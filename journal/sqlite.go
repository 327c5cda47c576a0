package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// timeLayout is fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLite is the durable ledger. Writes are serialised and synced before
// Record returns.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

var _ Ledger = (*SQLite)(nil)

func NewSQLite(path string) (*SQLite, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (j *SQLite) Record(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.DecidedAt.IsZero() {
		e.DecidedAt = e.ReceivedAt
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record %s: %w", e.ID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries
		(id, signal_id, source, payload, instrument_raw, instrument, direction,
		 decision, code, reason, broker_order_id, broker_trade_id, units,
		 entry_price, filled_price, stop_loss, take_profit, risk_amount,
		 received_at, decided_at, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SignalID, e.Source, e.Payload, e.InstrumentRaw, e.Instrument, e.Direction,
		string(e.Decision), e.Code, e.Reason, e.BrokerOrderID, e.BrokerTradeID, e.Units,
		nullDecimal(e.EntryPrice), nullDecimal(e.FilledPrice), nullDecimal(e.StopLoss),
		nullDecimal(e.TakeProfit), nullDecimal(e.RiskAmount),
		formatTime(e.ReceivedAt), formatTime(e.DecidedAt), nullTime(e.FilledAt),
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", e.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record %s: commit: %w", e.ID, err)
	}
	return nil
}

func (j *SQLite) Close() error {
	return j.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

func decimalPtr(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}
