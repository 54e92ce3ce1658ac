// Package config loads agent configuration from YAML, validated and
// defaulted against an embedded CUE schema.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/derive/internal/operation"
	"github.com/roach88/derive/internal/tracker"
)

//go:embed schema.cue
var schemaSource string

// Log drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Wake drivers. DriverMemory and DriverPostgres also name wake drivers.
const (
	DriverWebSocket = "websocket"
)

// Config is the complete agent configuration.
type Config struct {
	Agent   AgentConfig   `json:"agent" yaml:"agent"`
	Log     LogConfig     `json:"log" yaml:"log"`
	Oplog   OplogConfig   `json:"oplog" yaml:"oplog"`
	Wake    WakeConfig    `json:"wake" yaml:"wake"`
	Tracker TrackerConfig `json:"tracker" yaml:"tracker"`
	Scope   ScopeConfig   `json:"scope" yaml:"scope"`
	Hub     HubConfig     `json:"hub" yaml:"hub"`
}

type AgentConfig struct {
	ID string `json:"id" yaml:"id"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level"`
}

// OplogConfig selects the operation log driver. Path is used by the
// sqlite driver, DSN by the postgres driver.
type OplogConfig struct {
	Driver    string `json:"driver" yaml:"driver"`
	Path      string `json:"path" yaml:"path"`
	DSN       string `json:"dsn" yaml:"dsn"`
	BatchSize int    `json:"batch_size" yaml:"batch_size"`
}

// WakeConfig selects the wake channel. DSN is used by the postgres
// driver, URL by the websocket driver.
type WakeConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	Topic  string `json:"topic" yaml:"topic"`
	DSN    string `json:"dsn" yaml:"dsn"`
	URL    string `json:"url" yaml:"url"`
}

type TrackerConfig struct {
	RetryDelay   Duration `json:"retry_delay" yaml:"retry_delay"`
	PollInterval Duration `json:"poll_interval" yaml:"poll_interval"`
}

type ScopeConfig struct {
	Abandon string `json:"abandon" yaml:"abandon"`
}

type HubConfig struct {
	Listen string `json:"listen" yaml:"listen"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, err := Parse(nil)
	if err != nil {
		panic(fmt.Sprintf("config: invalid embedded defaults: %v", err))
	}
	return cfg
}

// Parse validates YAML data against the schema and fills in defaults.
// Empty data yields the defaults.
func Parse(data []byte) (*Config, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	value := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(doc))
	if err := value.Validate(cue.Concrete(true), cue.Final()); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	encoded, err := value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("export config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(encoded, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyFallbacks()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyFallbacks() {
	if c.Wake.Driver == DriverPostgres && c.Wake.DSN == "" && c.Oplog.Driver == DriverPostgres {
		c.Wake.DSN = c.Oplog.DSN
	}
}

// Validate checks constraints that span fields.
func (c *Config) Validate() error {
	var errs []error
	if c.Oplog.Driver == DriverPostgres && c.Oplog.DSN == "" {
		errs = append(errs, errors.New("oplog.dsn is required for the postgres driver"))
	}
	if c.Wake.Driver == DriverPostgres && c.Wake.DSN == "" {
		errs = append(errs, errors.New("wake.dsn is required for the postgres driver"))
	}
	if c.Wake.Driver == DriverWebSocket && c.Wake.URL == "" {
		errs = append(errs, errors.New("wake.url is required for the websocket driver"))
	}
	if c.Tracker.RetryDelay <= 0 {
		errs = append(errs, errors.New("tracker.retry_delay must be positive"))
	}
	if c.Tracker.PollInterval <= 0 {
		errs = append(errs, errors.New("tracker.poll_interval must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// TrackerSettings returns the change tracker settings.
func (c *Config) TrackerSettings() tracker.Settings {
	return tracker.Settings{
		RetryDelay:   time.Duration(c.Tracker.RetryDelay),
		PollInterval: time.Duration(c.Tracker.PollInterval),
		BatchSize:    c.Oplog.BatchSize,
	}
}

// AbandonPolicy returns the policy for scopes closed without a decision.
func (c *Config) AbandonPolicy() (operation.AbandonPolicy, error) {
	return operation.ParseAbandonPolicy(c.Scope.Abandon)
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// YAML renders c as a YAML document.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
