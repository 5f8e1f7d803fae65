package iomanager

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joeycumines/logiface"
	"gopkg.in/yaml.v3"
)

// Config is the file form of the IOManager settings.
type Config struct {
	Name        string   `yaml:"name"`
	Threads     int      `yaml:"threads"`
	UseCaller   bool     `yaml:"use_caller"`
	IdleTimeout Duration `yaml:"idle_timeout"`
	MaxEvents   int      `yaml:"max_events"`
	LogLevel    string   `yaml:"log_level"`
}

// Duration is a time.Duration that marshals to YAML as a string like "3s".
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("iomanager: invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Name:        "iomanager",
		Threads:     1,
		UseCaller:   true,
		IdleTimeout: Duration(DefaultIdleTimeout),
		MaxEvents:   defaultMaxEvents,
		LogLevel:    "info",
	}
}

// LoadConfig reads a YAML file, filling unset fields from DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over DefaultConfig and validates the result.
// Unknown keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("iomanager: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal renders the config as YAML.
func (c Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Validate checks the config for values New would reject.
func (c Config) Validate() error {
	var errs []error
	if c.Threads < 1 {
		errs = append(errs, fmt.Errorf("threads must be at least 1, got %d", c.Threads))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("idle_timeout must be positive, got %s", time.Duration(c.IdleTimeout)))
	}
	if c.MaxEvents < 1 {
		errs = append(errs, fmt.Errorf("max_events must be at least 1, got %d", c.MaxEvents))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("iomanager: invalid config: %w", err)
	}
	return nil
}

// Options converts the config to the equivalent Option values.
func (c Config) Options() []Option {
	return []Option{
		WithIdleTimeout(time.Duration(c.IdleTimeout)),
		WithMaxEvents(c.MaxEvents),
	}
}

// NewFromConfig validates cfg and creates an IOManager from it. opts are
// applied after the config, so they take precedence.
func NewFromConfig(cfg Config, opts ...Option) (*IOManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return New(cfg.Threads, cfg.UseCaller, cfg.Name, append(cfg.Options(), opts...)...)
}

// ParseLogLevel maps a level keyword (as rendered by logiface.Level, plus a
// few common aliases) to a logiface.Level.
func ParseLogLevel(s string) (logiface.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "error":
		return logiface.LevelError, nil
	case "warn":
		return logiface.LevelWarning, nil
	case "information", "informational":
		return logiface.LevelInformational, nil
	case "off", "none":
		return logiface.LevelDisabled, nil
	}
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if level.String() == s {
			return level, nil
		}
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
