package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"rs_grab/internal/negotiate"
	"rs_grab/internal/output"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config represents the top-level configuration structure.
type Config struct {
	Scan   ScanConfig   `yaml:"scan"`
	Output OutputConfig `yaml:"output"`
	Log    LogConfig    `yaml:"log"`
}

// ScanConfig holds all settings related to admission and connection handling.
type ScanConfig struct {
	Input               string   `yaml:"input"`                // Target file, empty or "-" for stdin
	Port                int      `yaml:"port"`                 // Destination TCP port
	MaxConcurrency      int      `yaml:"max_concurrency"`      // Open connection ceiling
	TTL                 Duration `yaml:"ttl"`                  // Per-connection lifetime
	Rate                float64  `yaml:"rate"`                 // New connections per second
	Skip                int      `yaml:"skip"`                 // Input lines to skip (resume offset)
	Negotiator          string   `yaml:"negotiator"`           // none, telnet, rules
	Rules               string   `yaml:"rules"`                // Rule file for the rules negotiator
	SweepInterval       Duration `yaml:"sweep_interval"`       // TTL sweep cadence
	IdleTimeout         Duration `yaml:"idle_timeout"`         // Poll bound when nothing is due
	RecalibrateInterval Duration `yaml:"recalibrate_interval"` // Rate window length
	MaxCapture          int      `yaml:"max_capture"`          // Bytes kept per connection, 0 = unlimited
}

// OutputConfig controls how results are reported.
type OutputConfig struct {
	File    string         `yaml:"file"`    // Result file, "-" for stdout
	Format  string         `yaml:"format"`  // text or json
	Append  *bool          `yaml:"append"`  // Append (default) or truncate
	Redis   *RedisOutput   `yaml:"redis"`   // Redis list sink
	Webhook *WebhookOutput `yaml:"webhook"` // Webhook HTTP POST sink
	Metrics string         `yaml:"metrics"` // Prometheus listen address
	Quiet   bool           `yaml:"quiet"`   // Silent mode
	NoTUI   bool           `yaml:"no_tui"`  // Disable TUI
}

// RedisOutput configures the Redis list sink.
type RedisOutput struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// WebhookOutput configures the webhook output sink.
type WebhookOutput struct {
	URL        string            `yaml:"url"`
	BatchSize  int               `yaml:"batch_size"`
	Timeout    Duration          `yaml:"timeout"`
	MaxRetries int               `yaml:"max_retries"`
	Headers    map[string]string `yaml:"headers"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Duration wraps time.Duration for YAML unmarshalling from strings like
// "5s" or bare integer seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if secs, err := strconv.Atoi(s); err == nil {
		d.Duration = time.Duration(secs) * time.Second
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	appendMode := true
	return &Config{
		Scan: ScanConfig{
			MaxConcurrency:      10,
			TTL:                 Duration{60 * time.Second},
			Rate:                1,
			Negotiator:          "none",
			SweepInterval:       Duration{time.Second},
			IdleTimeout:         Duration{time.Second},
			RecalibrateInterval: Duration{time.Second},
		},
		Output: OutputConfig{Format: "text", Append: &appendMode},
		Log:    LogConfig{Level: "info"},
	}
}

// LoadConfig reads a YAML configuration file from the specified path.
// Keys absent from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// AppendOutput reports whether the result file is opened for append.
func (c *Config) AppendOutput() bool {
	return c.Output.Append == nil || *c.Output.Append
}

// Validate checks ranges and cross-field requirements.
func (c *Config) Validate() error {
	s := c.Scan
	switch {
	case s.Port < 1 || s.Port > 65535:
		return fmt.Errorf("%w: port %d out of range 1-65535", ErrInvalid, s.Port)
	case s.MaxConcurrency < 1:
		return fmt.Errorf("%w: max_concurrency must be at least 1", ErrInvalid)
	case s.TTL.Duration <= 0:
		return fmt.Errorf("%w: ttl must be positive", ErrInvalid)
	case s.Rate <= 0:
		return fmt.Errorf("%w: rate must be positive", ErrInvalid)
	case s.Skip < 0:
		return fmt.Errorf("%w: skip must not be negative", ErrInvalid)
	case s.MaxCapture < 0:
		return fmt.Errorf("%w: max_capture must not be negative", ErrInvalid)
	}
	kind, err := negotiate.ParseKind(s.Negotiator)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if kind == negotiate.KindRules && s.Rules == "" {
		return fmt.Errorf("%w: negotiator rules needs a rule file", ErrInvalid)
	}
	if _, err := output.ParseFormat(c.Output.Format); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if r := c.Output.Redis; r != nil && r.Addr == "" {
		return fmt.Errorf("%w: output.redis needs an addr", ErrInvalid)
	}
	if w := c.Output.Webhook; w != nil && w.URL == "" {
		return fmt.Errorf("%w: output.webhook needs a url", ErrInvalid)
	}
	return nil
}
