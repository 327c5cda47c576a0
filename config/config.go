// Package config holds the single configuration object the jarvis process is
// built from. Secrets never live in the file; they come from the
// environment, optionally via a .env file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rustyeddy/jarvis/broker/oanda"
	"github.com/rustyeddy/jarvis/executor"
	"github.com/rustyeddy/jarvis/logging"
	"github.com/rustyeddy/jarvis/market"
	"github.com/rustyeddy/jarvis/pipeline"
	"github.com/rustyeddy/jarvis/risk"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Environment variables read by ApplyEnv.
const (
	EnvOandaToken     = "OANDA_TOKEN"
	EnvOandaAccountID = "OANDA_ACCOUNT_ID"
	EnvOandaEnv       = "OANDA_ENV"
	EnvWebhookSecret  = "JARVIS_WEBHOOK_SECRET"
	EnvLedgerPath     = "JARVIS_LEDGER"
	EnvLogLevel       = "JARVIS_LOG_LEVEL"
)

type Config struct {
	Account  AccountConfig  `json:"account" yaml:"account"`
	Broker   BrokerConfig   `json:"broker" yaml:"broker"`
	Risk     RiskConfig     `json:"risk" yaml:"risk"`
	Guard    GuardConfig    `json:"guard" yaml:"guard"`
	Executor ExecutorConfig `json:"executor" yaml:"executor"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Journal  JournalConfig  `json:"journal" yaml:"journal"`
	Webhook  WebhookConfig  `json:"webhook" yaml:"webhook"`
	Log      logging.Config `json:"log" yaml:"log"`
}

type AccountConfig struct {
	Currency string `json:"currency" yaml:"currency"`
	// PaperBalance seeds the paper broker.
	PaperBalance decimal.Decimal `json:"paper_balance" yaml:"paper_balance"`
}

type BrokerConfig struct {
	Kind        string `json:"kind" yaml:"kind"`               // oanda | paper
	Environment string `json:"environment" yaml:"environment"` // practice | live
	BaseURL     string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Timeout     string `json:"timeout" yaml:"timeout"`
	AllowLive   bool   `json:"allow_live" yaml:"allow_live"`

	Token     string `json:"-" yaml:"-"`
	AccountID string `json:"-" yaml:"-"`

	// PaperQuotes are the opening prices of the paper broker.
	PaperQuotes []Quote `json:"paper_quotes,omitempty" yaml:"paper_quotes,omitempty"`
}

type Quote struct {
	Instrument string          `json:"instrument" yaml:"instrument"`
	Bid        decimal.Decimal `json:"bid" yaml:"bid"`
	Ask        decimal.Decimal `json:"ask" yaml:"ask"`
}

// RiskConfig percentages are fractions of equity.
type RiskConfig struct {
	DefaultRiskPct    decimal.Decimal `json:"default_risk_pct" yaml:"default_risk_pct"`
	MaxRiskPct        decimal.Decimal `json:"max_risk_pct" yaml:"max_risk_pct"`
	MaxRiskAmount     decimal.Decimal `json:"max_risk_amount" yaml:"max_risk_amount"`
	DefaultStopPips   decimal.Decimal `json:"default_stop_pips" yaml:"default_stop_pips"`
	DefaultTargetPips decimal.Decimal `json:"default_target_pips" yaml:"default_target_pips"`
}

type GuardConfig struct {
	MinRewardRisk decimal.Decimal `json:"min_reward_risk" yaml:"min_reward_risk"`
}

type ExecutorConfig struct {
	MaxAttempts    int    `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff string `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     string `json:"max_backoff" yaml:"max_backoff"`
	CallTimeout    string `json:"call_timeout" yaml:"call_timeout"`
	AllowStacking  bool   `json:"allow_stacking" yaml:"allow_stacking"`
}

type PipelineConfig struct {
	MinConfidence decimal.Decimal `json:"min_confidence" yaml:"min_confidence"`
	// Instruments restricts the catalog. Empty enables every known pair.
	Instruments []string `json:"instruments,omitempty" yaml:"instruments,omitempty"`
}

type JournalConfig struct {
	DBPath string `json:"db_path" yaml:"db_path"`
}

type WebhookConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Path     string `json:"path" yaml:"path"`
	MaxBody  int64  `json:"max_body" yaml:"max_body"`
	Shutdown string `json:"shutdown_timeout" yaml:"shutdown_timeout"`

	Secret string `json:"-" yaml:"-"`
}

// Default returns a paper-trading configuration that validates as is.
func Default() *Config {
	p := risk.DefaultPolicy()
	return &Config{
		Account: AccountConfig{
			Currency:     "USD",
			PaperBalance: decimal.NewFromInt(10000),
		},
		Broker: BrokerConfig{
			Kind:        "paper",
			Environment: "practice",
			Timeout:     "10s",
			PaperQuotes: []Quote{
				{Instrument: "EUR_USD", Bid: decimal.RequireFromString("1.08498"), Ask: decimal.RequireFromString("1.08500")},
				{Instrument: "GBP_USD", Bid: decimal.RequireFromString("1.26790"), Ask: decimal.RequireFromString("1.26800")},
				{Instrument: "USD_JPY", Bid: decimal.RequireFromString("150.000"), Ask: decimal.RequireFromString("150.010")},
			},
		},
		Risk: RiskConfig{
			DefaultRiskPct:    p.DefaultRiskPct,
			MaxRiskPct:        p.MaxRiskPct,
			MaxRiskAmount:     p.MaxRiskAmount,
			DefaultStopPips:   p.DefaultStopPips,
			DefaultTargetPips: p.DefaultTargetPips,
		},
		Executor: ExecutorConfig{
			MaxAttempts:    3,
			InitialBackoff: "250ms",
			MaxBackoff:     "2s",
			CallTimeout:    "10s",
		},
		Journal: JournalConfig{DBPath: "./jarvis.db"},
		Webhook: WebhookConfig{
			Addr:     ":8080",
			Path:     "/webhook",
			MaxBody:  64 << 10,
			Shutdown: "30s",
		},
		Log: logging.Config{Level: "info", Format: "console"},
	}
}

// LoadFromFile reads a YAML or JSON config over the defaults. It does not
// validate; call ApplyEnv first, then Validate.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	// YAML is a superset of JSON, but fall back for JSON-specific errors.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg = Default()
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}
	return cfg, nil
}

// Load reads path (defaults only when empty), then the environment, then
// applies overrides before validating.
func Load(path, envFile string, overrides ...func(*Config)) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := LoadEnvFile(envFile); err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	for _, o := range overrides {
		o(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadEnvFile loads a .env file into the process environment without
// overriding variables already set. A missing default .env is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv copies secrets and overrides from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvOandaToken); ok {
		c.Broker.Token = v
	}
	if v, ok := lookup(EnvOandaAccountID); ok {
		c.Broker.AccountID = v
	}
	if v, ok := lookup(EnvOandaEnv); ok && v != "" {
		c.Broker.Environment = v
	}
	if v, ok := lookup(EnvWebhookSecret); ok {
		c.Webhook.Secret = v
	}
	if v, ok := lookup(EnvLedgerPath); ok && v != "" {
		c.Journal.DBPath = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
}

// SaveToFile writes YAML for .yaml/.yml paths and JSON otherwise. Secrets
// are never written.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(c.Account.Currency) != 3 {
		add("account.currency must be a 3-letter code")
	}

	switch c.Broker.Kind {
	case "paper":
		if !c.Account.PaperBalance.IsPositive() {
			add("account.paper_balance must be positive")
		}
		for _, q := range c.Broker.PaperQuotes {
			if !q.Bid.IsPositive() || q.Ask.LessThan(q.Bid) {
				add("broker.paper_quotes %s: need 0 < bid <= ask", q.Instrument)
			}
		}
	case "oanda":
		if _, err := c.OandaConfig(); err != nil {
			errs = append(errs, err)
		}
	default:
		add("broker.kind must be 'oanda' or 'paper'")
	}

	if err := c.RiskPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("risk: %w", err))
	}
	if c.Guard.MinRewardRisk.IsNegative() {
		add("guard.min_reward_risk must not be negative")
	}
	if _, err := c.ExecutorConfig(); err != nil {
		errs = append(errs, err)
	}

	mc := c.Pipeline.MinConfidence
	if mc.IsNegative() || mc.GreaterThan(decimal.NewFromInt(1)) {
		add("pipeline.min_confidence must be in [0, 1]")
	}
	cat := market.DefaultCatalog()
	for _, code := range c.Pipeline.Instruments {
		if _, ok := cat.Lookup(code); !ok {
			add("pipeline.instruments: unknown instrument %s", code)
		}
	}

	if c.Journal.DBPath == "" {
		add("journal.db_path is required")
	}
	if _, err := parseDuration("webhook.shutdown_timeout", c.Webhook.Shutdown, 30*time.Second); err != nil {
		errs = append(errs, err)
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) RiskPolicy() risk.Policy {
	return risk.Policy{
		DefaultRiskPct:    c.Risk.DefaultRiskPct,
		MaxRiskPct:        c.Risk.MaxRiskPct,
		MaxRiskAmount:     c.Risk.MaxRiskAmount,
		DefaultStopPips:   c.Risk.DefaultStopPips,
		DefaultTargetPips: c.Risk.DefaultTargetPips,
	}
}

func (c *Config) ExecutorConfig() (executor.Config, error) {
	d := executor.DefaultConfig()
	ec := executor.Config{
		MaxAttempts:   c.Executor.MaxAttempts,
		AllowStacking: c.Executor.AllowStacking,
	}
	var err error
	if ec.InitialBackoff, err = parseDuration("executor.initial_backoff", c.Executor.InitialBackoff, d.InitialBackoff); err != nil {
		return ec, err
	}
	if ec.MaxBackoff, err = parseDuration("executor.max_backoff", c.Executor.MaxBackoff, d.MaxBackoff); err != nil {
		return ec, err
	}
	if ec.CallTimeout, err = parseDuration("executor.call_timeout", c.Executor.CallTimeout, d.CallTimeout); err != nil {
		return ec, err
	}
	if ec.MaxAttempts < 0 {
		return ec, fmt.Errorf("executor.max_attempts must not be negative")
	}
	return ec, nil
}

func (c *Config) OandaConfig() (oanda.Config, error) {
	timeout, err := parseDuration("broker.timeout", c.Broker.Timeout, 10*time.Second)
	if err != nil {
		return oanda.Config{}, err
	}
	oc := oanda.Config{
		Token:       c.Broker.Token,
		AccountID:   c.Broker.AccountID,
		Environment: c.Broker.Environment,
		BaseURL:     c.Broker.BaseURL,
		Timeout:     timeout,
		AllowLive:   c.Broker.AllowLive,
	}
	if err := oc.Validate(); err != nil {
		return oanda.Config{}, fmt.Errorf("broker: %w (set %s and %s)", err, EnvOandaToken, EnvOandaAccountID)
	}
	return oc, nil
}

func (c *Config) PipelineConfig() pipeline.Config {
	ec, _ := c.ExecutorConfig()
	return pipeline.Config{
		AccountCurrency: c.Account.Currency,
		MinConfidence:   c.Pipeline.MinConfidence,
		CallTimeout:     ec.CallTimeout,
	}
}

// Catalog returns the instrument catalog restricted to Pipeline.Instruments.
func (c *Config) Catalog() *market.Catalog {
	if len(c.Pipeline.Instruments) == 0 {
		return market.DefaultCatalog()
	}
	return market.DefaultCatalog(market.WithEnabled(c.Pipeline.Instruments...))
}

func (c *Config) ShutdownTimeout() time.Duration {
	d, _ := parseDuration("webhook.shutdown_timeout", c.Webhook.Shutdown, 30*time.Second)
	return d
}

// parseDuration accepts Go duration strings or bare seconds. Empty yields def.
func parseDuration(field, s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}
