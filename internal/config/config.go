package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"marketbook/internal/exchange"
	"marketbook/internal/factory"
	"marketbook/internal/reconciler"
	"marketbook/internal/supervisor"
	"marketbook/internal/types"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const envPrefix = "MARKETBOOK_"

// Config holds all application configuration
type Config struct {
	Exchanges   []ExchangeConfig  `yaml:"exchanges"`
	Display     DisplayConfig     `yaml:"display"`
	App         AppConfig         `yaml:"app"`
	Logging     LoggingConfig     `yaml:"logging"`
	Server      ServerConfig      `yaml:"server"`
	Reconciler  ReconcilerConfig  `yaml:"reconciler"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
}

// ExchangeConfig holds exchange-specific configuration
type ExchangeConfig struct {
	Name   exchange.ExchangeName `yaml:"name"`
	Symbol string                `yaml:"symbol"`
	// Endpoint overrides, empty means the venue's public endpoint
	WSURL   string `yaml:"ws_url"`
	RESTURL string `yaml:"rest_url"`
	Depth   int    `yaml:"depth"`
	// Denomination is USDT or USD
	Denomination string `yaml:"denomination"`
	Precision    int32  `yaml:"precision"`
}

// DisplayConfig holds display-related configuration
type DisplayConfig struct {
	Top            int           `yaml:"top"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// AppConfig holds general application configuration
type AppConfig struct {
	DefaultTickLevel types.TickLevel `yaml:"default_tick_level"`
	// StatusInterval is how often the venue status table is printed; zero disables it
	StatusInterval time.Duration `yaml:"status_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

type ReconcilerConfig struct {
	BufferSize int `yaml:"buffer_size"`
	// OverflowPolicy is drop_oldest or fail
	OverflowPolicy string `yaml:"overflow_policy"`
	// ResyncPolicy is serve_stale or clear_book
	ResyncPolicy string        `yaml:"resync_policy"`
	AckTimeout   time.Duration `yaml:"ack_timeout"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	// SnapshotsPerMinute caps snapshot fetches per venue
	SnapshotsPerMinute int `yaml:"snapshots_per_minute"`
}

type AggregationConfig struct {
	Precision    int32  `yaml:"precision"`
	IncludeStale bool   `yaml:"include_stale"`
	USDTRate     string `yaml:"usdt_rate"`
}

type SupervisorConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

// Default returns the default configuration for BTCUSDT on Binance and Bybit spot
func Default() Config {
	opts := reconciler.DefaultOptions()
	policy := supervisor.DefaultPolicy()
	return Config{
		Exchanges: []ExchangeConfig{
			{Name: exchange.Binance, Symbol: "BTCUSDT", Denomination: "USDT"},
			{Name: exchange.Bybit, Symbol: "BTCUSDT", Denomination: "USDT"},
		},
		Display: DisplayConfig{
			Top:            10,
			UpdateInterval: 2 * time.Second,
		},
		App: AppConfig{
			DefaultTickLevel: types.Tick1,
			StatusInterval:   10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Addr:         ":8086",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Reconciler: ReconcilerConfig{
			BufferSize:         opts.BufferSize,
			OverflowPolicy:     "drop_oldest",
			ResyncPolicy:       "serve_stale",
			AckTimeout:         opts.AckTimeout,
			FetchTimeout:       opts.FetchTimeout,
			SnapshotsPerMinute: 6,
		},
		Aggregation: AggregationConfig{
			Precision: types.DefaultPrecision,
			USDTRate:  "1",
		},
		Supervisor: SupervisorConfig{
			InitialBackoff: policy.InitialBackoff,
			MaxBackoff:     policy.MaxBackoff,
			MaxAttempts:    policy.MaxAttempts,
		},
	}
}

// NewCustom creates the default configuration for another trading pair
func NewCustom(symbol string) Config {
	cfg := Default()
	cfg.SetSymbol(symbol)
	return cfg
}

// SetSymbol points every configured exchange at symbol
func (c *Config) SetSymbol(symbol string) {
	for i := range c.Exchanges {
		c.Exchanges[i].Symbol = symbol
	}
}

// Load applies the YAML file at path (if any) over the defaults, then
// MARKETBOOK_* environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := getenv("LOG_PRETTY"); v == "1" || v == "true" {
		c.Logging.Pretty = true
	}
	if v := getenv("HTTP_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := getenv("SYMBOL"); v != "" {
		c.SetSymbol(v)
	}
	if v := getenv("EXCHANGES"); v != "" {
		symbol := "BTCUSDT"
		if len(c.Exchanges) > 0 {
			symbol = c.Exchanges[0].Symbol
		}
		c.Exchanges = c.Exchanges[:0]
		for _, name := range splitCSV(v) {
			c.Exchanges = append(c.Exchanges, ExchangeConfig{Name: exchange.ExchangeName(name), Symbol: symbol})
		}
	}
	if v := getenv("BUFFER_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sBUFFER_SIZE: %w", envPrefix, err)
		}
		c.Reconciler.BufferSize = n
	}
	if v := getenv("RESYNC_POLICY"); v != "" {
		c.Reconciler.ResyncPolicy = v
	}
	if v := getenv("OVERFLOW_POLICY"); v != "" {
		c.Reconciler.OverflowPolicy = v
	}
	if v := getenv("INCLUDE_STALE"); v == "1" || v == "true" {
		c.Aggregation.IncludeStale = true
	}
	if v := getenv("USDT_RATE"); v != "" {
		c.Aggregation.USDTRate = v
	}
	return nil
}

// Validate rejects configurations the service cannot run with
func (c Config) Validate() error {
	var errs []error
	if len(c.Exchanges) == 0 {
		errs = append(errs, errors.New("no exchanges configured"))
	}
	seen := make(map[exchange.ExchangeName]bool)
	for _, ex := range c.Exchanges {
		if !factory.ValidateExchangeName(string(ex.Name)) {
			errs = append(errs, fmt.Errorf("unsupported exchange %q", ex.Name))
		}
		if seen[ex.Name] {
			errs = append(errs, fmt.Errorf("exchange %q configured twice", ex.Name))
		}
		seen[ex.Name] = true
		if ex.Symbol == "" {
			errs = append(errs, fmt.Errorf("exchange %q: empty symbol", ex.Name))
		}
		switch ex.Denomination {
		case "", "USDT", "USD":
		default:
			errs = append(errs, fmt.Errorf("exchange %q: unknown denomination %q", ex.Name, ex.Denomination))
		}
	}
	if c.Reconciler.BufferSize <= 0 {
		errs = append(errs, errors.New("reconciler.buffer_size must be positive"))
	}
	if _, err := c.overflowPolicy(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.resyncPolicy(); err != nil {
		errs = append(errs, err)
	}
	if c.Reconciler.SnapshotsPerMinute <= 0 {
		errs = append(errs, errors.New("reconciler.snapshots_per_minute must be positive"))
	}
	if c.Display.Top <= 0 {
		errs = append(errs, errors.New("display.top must be positive"))
	}
	if c.Display.UpdateInterval <= 0 {
		errs = append(errs, errors.New("display.update_interval must be positive"))
	}
	if !types.IsValidTickLevel(c.App.DefaultTickLevel) {
		errs = append(errs, fmt.Errorf("invalid tick level %v", c.App.DefaultTickLevel))
	}
	if rate, err := decimal.NewFromString(c.Aggregation.USDTRate); err != nil || !rate.IsPositive() {
		errs = append(errs, fmt.Errorf("aggregation.usdt_rate %q must be a positive number", c.Aggregation.USDTRate))
	}
	if c.Supervisor.MaxAttempts <= 0 {
		errs = append(errs, errors.New("supervisor.max_attempts must be positive"))
	}
	return errors.Join(errs...)
}

// ReconcilerOptions converts the reconciler section; continuity is chosen
// per venue by the caller.
func (c Config) ReconcilerOptions() reconciler.Options {
	opts := reconciler.DefaultOptions()
	opts.BufferSize = c.Reconciler.BufferSize
	opts.AckTimeout = c.Reconciler.AckTimeout
	opts.FetchTimeout = c.Reconciler.FetchTimeout
	opts.OverflowPolicy, _ = c.overflowPolicy()
	opts.ResyncPolicy, _ = c.resyncPolicy()
	return opts
}

func (c Config) SupervisorPolicy() supervisor.Policy {
	return supervisor.Policy{
		InitialBackoff: c.Supervisor.InitialBackoff,
		MaxBackoff:     c.Supervisor.MaxBackoff,
		MaxAttempts:    c.Supervisor.MaxAttempts,
	}
}

// USDTRate parses the configured USD to USDT rate, falling back to parity
func (c Config) USDTRate() decimal.Decimal {
	rate, err := decimal.NewFromString(c.Aggregation.USDTRate)
	if err != nil || !rate.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return rate
}

func (c Config) overflowPolicy() (reconciler.OverflowPolicy, error) {
	switch c.Reconciler.OverflowPolicy {
	case "", "drop_oldest":
		return reconciler.DropOldest, nil
	case "fail":
		return reconciler.FailOnOverflow, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q", c.Reconciler.OverflowPolicy)
	}
}

func (c Config) resyncPolicy() (reconciler.ResyncPolicy, error) {
	switch c.Reconciler.ResyncPolicy {
	case "", "serve_stale":
		return reconciler.ServeStale, nil
	case "clear_book":
		return reconciler.ClearBook, nil
	default:
		return 0, fmt.Errorf("unknown resync policy %q", c.Reconciler.ResyncPolicy)
	}
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
