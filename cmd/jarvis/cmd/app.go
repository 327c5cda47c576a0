package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rustyeddy/jarvis/broker"
	"github.com/rustyeddy/jarvis/broker/oanda"
	"github.com/rustyeddy/jarvis/broker/sim"
	"github.com/rustyeddy/jarvis/config"
	"github.com/rustyeddy/jarvis/executor"
	"github.com/rustyeddy/jarvis/guard"
	"github.com/rustyeddy/jarvis/journal"
	"github.com/rustyeddy/jarvis/logging"
	"github.com/rustyeddy/jarvis/market"
	"github.com/rustyeddy/jarvis/pipeline"
	"github.com/rustyeddy/jarvis/risk"
	"github.com/shopspring/decimal"
)

// app is the fully wired process: one config, one broker, one ledger.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	broker   broker.Broker
	ledger   *journal.SQLite
	executor *executor.Executor
	pipeline *pipeline.Pipeline
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile, envFile, func(c *config.Config) {
		if paper {
			c.Broker.Kind = "paper"
		}
		if dbPath != "" {
			c.Journal.DBPath = dbPath
		}
		if logLevel != "" {
			c.Log.Level = logLevel
		}
	})
}

func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	return logging.New(cfg.Log, os.Stderr)
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	b, err := newBroker(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	ec, err := cfg.ExecutorConfig()
	if err != nil {
		return nil, err
	}

	ledger, err := journal.NewSQLite(cfg.Journal.DBPath)
	if err != nil {
		return nil, err
	}

	ex := executor.New(b, ec, log)
	p, err := pipeline.New(pipeline.Deps{
		Catalog:  cfg.Catalog(),
		Sizer:    risk.NewSizer(cfg.RiskPolicy()),
		Guard:    guard.New(guard.WithMinRewardRisk(cfg.Guard.MinRewardRisk)),
		Executor: ex,
		Broker:   b,
		Ledger:   ledger,
	}, cfg.PipelineConfig(), log)
	if err != nil {
		ledger.Close()
		return nil, err
	}

	log.Info().
		Str("broker", cfg.Broker.Kind).
		Str("ledger", cfg.Journal.DBPath).
		Str("currency", cfg.Account.Currency).
		Msg("jarvis ready")

	return &app{
		cfg:      cfg,
		log:      log,
		broker:   b,
		ledger:   ledger,
		executor: ex,
		pipeline: p,
	}, nil
}

func newBroker(ctx context.Context, cfg *config.Config, log zerolog.Logger) (broker.Broker, error) {
	switch cfg.Broker.Kind {
	case "oanda":
		oc, err := cfg.OandaConfig()
		if err != nil {
			return nil, err
		}
		return oanda.New(oc, log)
	case "paper":
		e := sim.NewEngine(cfg.Account.Currency, cfg.Account.PaperBalance,
			sim.WithCatalog(market.DefaultCatalog()),
			sim.WithLogger(log),
		)
		now := time.Now().UTC()
		for _, q := range cfg.Broker.PaperQuotes {
			err := e.UpdatePrice(ctx, market.Tick{Instrument: q.Instrument, Time: now, Bid: q.Bid, Ask: q.Ask})
			if err != nil {
				return nil, fmt.Errorf("seed paper quote %s: %w", q.Instrument, err)
			}
		}
		return e, nil
	}
	return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
}

// Close drains in-flight signals, then closes the ledger.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	err := a.pipeline.Close(ctx)
	if err != nil {
		// The ledger must still be released if draining timed out.
		err = errors.Join(err, a.ledger.Close())
	}
	return err
}

// settlePaper closes every trade still open on the paper broker at the
// latest quote, so a paper session ends with its realized balance. It is a
// no-op against a live broker.
func (a *app) settlePaper(ctx context.Context) (paperSummary, bool, error) {
	e, ok := a.broker.(*sim.Engine)
	if !ok {
		return paperSummary{}, false, nil
	}
	for _, code := range a.cfg.Catalog().Codes() {
		pos, err := e.GetOpenPosition(ctx, code)
		if err != nil {
			return paperSummary{}, true, err
		}
		for _, t := range pos.Trades {
			if err := e.CloseTrade(ctx, t.ID, "SessionEnd"); err != nil {
				return paperSummary{}, true, err
			}
		}
	}

	s := paperSummary{Balance: e.Balance()}
	for _, t := range e.ClosedTrades() {
		s.Closed++
		s.Realized = s.Realized.Add(t.RealizedPL)
	}
	a.log.Info().
		Int("closed", s.Closed).
		Str("realized", s.Realized.String()).
		Str("balance", s.Balance.String()).
		Msg("paper session settled")
	return s, true, nil
}

type paperSummary struct {
	Closed   int
	Realized decimal.Decimal
	Balance  decimal.Decimal
}

func (s paperSummary) String() string {
	return fmt.Sprintf("paper: %d trades closed, realized=%s balance=%s",
		s.Closed, s.Realized.StringFixed(2), s.Balance.StringFixed(2))
}

func openLedger() (*journal.SQLite, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return journal.NewSQLite(cfg.Journal.DBPath)
}
