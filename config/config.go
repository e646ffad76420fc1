package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rustyeddy/strategylab/market"
	"github.com/rustyeddy/strategylab/session"
	"github.com/rustyeddy/strategylab/strategies"
	"gopkg.in/yaml.v3"
)

const (
	BrokerOANDA = "oanda"
	BrokerSim   = "sim"
)

// Config is the complete strategylab server configuration
type Config struct {
	Server          ServerConfig  `json:"server" yaml:"server"`
	Broker          BrokerConfig  `json:"broker" yaml:"broker"`
	Store           StoreConfig   `json:"store" yaml:"store"`
	Log             LogConfig     `json:"log" yaml:"log"`
	SessionDefaults SessionConfig `json:"session_defaults" yaml:"session_defaults"`
	Presets         PresetsConfig `json:"presets,omitempty" yaml:"presets,omitempty"`
}

// ServerConfig controls the HTTP listener and the broadcast hub.
// Durations are strings such as "2s" or "500ms".
type ServerConfig struct {
	Addr              string `json:"addr" yaml:"addr"`
	BroadcastInterval string `json:"broadcast_interval" yaml:"broadcast_interval"`
	WriteTimeout      string `json:"write_timeout" yaml:"write_timeout"`
	SendQueue         int    `json:"send_queue" yaml:"send_queue"`
	LivenessThreshold string `json:"liveness_threshold" yaml:"liveness_threshold"`
}

// BrokerConfig selects and configures the brokerage.
type BrokerConfig struct {
	Kind              string    `json:"kind" yaml:"kind"` // "oanda" or "sim"
	Env               string    `json:"env" yaml:"env"`   // "practice" or "live"
	Token             string    `json:"token,omitempty" yaml:"token,omitempty"`
	AccountID         string    `json:"account_id,omitempty" yaml:"account_id,omitempty"`
	RequestsPerSecond float64   `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int       `json:"burst" yaml:"burst"`
	Timeout           string    `json:"timeout" yaml:"timeout"`
	Sim               SimConfig `json:"sim" yaml:"sim"`
}

// SimConfig configures the offline paper broker.
type SimConfig struct {
	Seed      int64   `json:"seed" yaml:"seed"`
	Balance   float64 `json:"balance" yaml:"balance"`
	Currency  string  `json:"currency" yaml:"currency"`
	BasePrice float64 `json:"base_price" yaml:"base_price"`
	Step      float64 `json:"step" yaml:"step"`
}

// StoreConfig locates the SQLite journal. An empty path keeps sessions in
// memory only.
type StoreConfig struct {
	Path string `json:"path" yaml:"path"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "text" or "json"
}

// SessionConfig fills in what session create requests leave out.
type SessionConfig struct {
	Instrument          string  `json:"instrument" yaml:"instrument"`
	Granularity         string  `json:"granularity" yaml:"granularity"`
	PositionSizePercent float64 `json:"position_size_percent" yaml:"position_size_percent"`
	MaxDailyLoss        float64 `json:"max_daily_loss" yaml:"max_daily_loss"`
	// PollInterval, when set, overrides the granularity as the loop period.
	PollInterval string `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	WarmupBars   int    `json:"warmup_bars" yaml:"warmup_bars"`
}

// PresetsConfig is strategy -> preset name -> params.
type PresetsConfig map[string]map[string]map[string]any

// LoadFromFile loads configuration from a file (YAML or JSON)
func LoadFromFile(path string) (*Config, error) {
	cfg, err := parseFile(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load builds the runtime configuration: defaults, then the file at path
// (when given), then .env and environment overrides.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = parseFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Unset fields keep their defaults.
	cfg := Default()

	// Try YAML first, fall back to JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg = Default()
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	for _, key := range []string{"OANDA_PRACTICE_API_KEY", "OANDA_TOKEN"} {
		if v, ok := lookup(key); ok && v != "" {
			c.Broker.Token = v
		}
	}
	if v, ok := lookup("OANDA_ACCOUNT_ID"); ok && v != "" {
		c.Broker.AccountID = v
	}
	if v, ok := lookup("OANDA_ENV"); ok && v != "" {
		c.Broker.Env = strings.ToLower(v)
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v, ok := lookup("LOG_FORMAT"); ok && v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v, ok := lookup("STRATEGYLAB_ADDR"); ok && v != "" {
		c.Server.Addr = v
	}
	if v, ok := lookup("STRATEGYLAB_DB"); ok {
		c.Store.Path = v
	}
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	for name, d := range map[string]string{
		"server.broadcast_interval":      c.Server.BroadcastInterval,
		"server.write_timeout":           c.Server.WriteTimeout,
		"server.liveness_threshold":      c.Server.LivenessThreshold,
		"broker.timeout":                 c.Broker.Timeout,
		"session_defaults.poll_interval": c.SessionDefaults.PollInterval,
	} {
		if _, err := parseDuration(d); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Server.SendQueue < 0 {
		return fmt.Errorf("server.send_queue must not be negative")
	}

	switch c.Broker.Kind {
	case BrokerOANDA:
		if c.Broker.Env != "practice" && c.Broker.Env != "live" {
			return fmt.Errorf("broker.env must be 'practice' or 'live'")
		}
	case BrokerSim:
		if c.Broker.Sim.Balance < 0 {
			return fmt.Errorf("broker.sim.balance must not be negative")
		}
	default:
		return fmt.Errorf("broker.kind must be 'oanda' or 'sim'")
	}
	if c.Broker.RequestsPerSecond < 0 {
		return fmt.Errorf("broker.requests_per_second must not be negative")
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error")
	}
	if c.Log.Format != "" && c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be 'text' or 'json'")
	}

	d := c.SessionDefaults
	if d.Instrument != "" {
		if err := market.ValidateInstrument(d.Instrument); err != nil {
			return fmt.Errorf("session_defaults.instrument: %w", err)
		}
	}
	if d.Granularity != "" {
		if _, err := market.ParseGranularity(d.Granularity); err != nil {
			return fmt.Errorf("session_defaults.granularity: %w", err)
		}
	}
	if d.PositionSizePercent < 0 || d.MaxDailyLoss < 0 || d.WarmupBars < 0 {
		return fmt.Errorf("session_defaults values must not be negative")
	}

	if err := c.Presets.Apply(strategies.Builtin()); err != nil {
		return fmt.Errorf("presets: %w", err)
	}
	return nil
}

// Default returns a configuration that runs against the sim broker.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			BroadcastInterval: "2s",
			WriteTimeout:      "5s",
			SendQueue:         16,
			LivenessThreshold: "10s",
		},
		Broker: BrokerConfig{
			Kind:              BrokerSim,
			Env:               "practice",
			RequestsPerSecond: 20,
			Burst:             5,
			Timeout:           "30s",
			Sim: SimConfig{
				Seed:      1,
				Balance:   100000,
				Currency:  "USD",
				BasePrice: 1.10,
				Step:      0.0005,
			},
		},
		Store: StoreConfig{Path: "./strategylab.sqlite"},
		Log:   LogConfig{Level: "info", Format: "text"},
		SessionDefaults: SessionConfig{
			Instrument:          "EUR_USD",
			Granularity:         string(market.M15),
			PositionSizePercent: 1.0,
			MaxDailyLoss:        1000,
			WarmupBars:          100,
		},
	}
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", s)
	}
	return d, nil
}

// Duration parses a validated duration field; empty means zero.
func Duration(s string) time.Duration {
	d, _ := parseDuration(s)
	return d
}

// Session converts the defaults into the registry's form.
func (s SessionConfig) Session() session.Defaults {
	d := session.StandardDefaults()
	if s.Instrument != "" {
		d.Instrument = s.Instrument
	}
	if s.Granularity != "" {
		d.Granularity = market.Granularity(s.Granularity)
	}
	if s.PositionSizePercent > 0 {
		d.PositionSizePercent = s.PositionSizePercent
	}
	if s.MaxDailyLoss > 0 {
		d.MaxDailyLoss = s.MaxDailyLoss
	}
	return d
}

// Apply registers every preset with reg, in a stable order.
func (p PresetsConfig) Apply(reg *strategies.Registry) error {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, strategy := range keys {
		names := make([]string, 0, len(p[strategy]))
		for n := range p[strategy] {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := reg.AddPreset(strategy, name, p[strategy][name]); err != nil {
				return fmt.Errorf("%s/%s: %w", strategy, name, err)
			}
		}
	}
	return nil
}
