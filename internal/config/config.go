package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultName            = "crew-connect"
	DefaultMaxLineBytes    = 8 << 20
	DefaultShutdownTimeout = 30 * time.Second
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	// DefaultFile is read when no path is given; a missing file is fine.
	DefaultFile = "crew-connect.yaml"

	EnvPrefix = "CREW_CONNECT_"
)

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
}

type ConsoleConfig struct {
	HistoryFile string `yaml:"history_file,omitempty"`
	ModelBacked bool   `yaml:"model_backed"`
	Model       string `yaml:"model,omitempty"`
}

type Config struct {
	Name            string        `yaml:"name"`
	MaxLineBytes    int           `yaml:"max_line_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	StopOnShutdown  bool          `yaml:"stop_on_shutdown"`
	Log             LogConfig     `yaml:"log"`
	Console         ConsoleConfig `yaml:"console"`

	// Source is the file the config was read from, if any.
	Source string `yaml:"-"`
}

func Default() Config {
	return Config{
		Name:            DefaultName,
		MaxLineBytes:    DefaultMaxLineBytes,
		ShutdownTimeout: DefaultShutdownTimeout,
		StopOnShutdown:  true,
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// Load builds the effective config: defaults, then the YAML file, then
// CREW_CONNECT_* environment overrides. An explicit path that does not exist
// is an error; the default file is optional.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = strings.TrimSpace(os.Getenv(EnvPrefix + "CONFIG"))
		explicit = path != ""
	}
	if !explicit {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.Source = path
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := env("NAME"); v != "" {
		c.Name = v
	}
	if v := env("MAX_LINE_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxLineBytes = n
		}
	}
	if v := env("SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ShutdownTimeout = d
		}
	}
	if v := env("STOP_ON_SHUTDOWN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.StopOnShutdown = b
		}
	}
	if v := env("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := env("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := env("LOG_FILE"); v != "" {
		c.Log.File = v
	}
	if v := env("HISTORY_FILE"); v != "" {
		c.Console.HistoryFile = v
	}
	if v := env("MODEL"); v != "" {
		c.Console.Model = v
	}
}

func (c *Config) normalize() {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = DefaultMaxLineBytes
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	c.Log.File = strings.TrimSpace(c.Log.File)
}

// Validate reports values that normalize cannot repair.
func (c Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	return nil
}

// Normalize re-applies defaults after callers mutate the config, for
// instance from command-line flags.
func (c *Config) Normalize() error {
	c.normalize()
	return c.Validate()
}

// Write renders the config as YAML.
func (c Config) Write(out io.Writer) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + key))
}
