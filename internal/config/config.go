// Package config loads the YAML configuration of the odb tools.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/maruel/odb/internal/driver"
)

// minSecretLen is the minimum length of the JWT signing secret.
const minSecretLen = 16

// Config is the configuration file.
type Config struct {
	Driver    driver.Config `yaml:"driver"`
	LogLevel  string        `yaml:"log_level"`
	Workers   int           `yaml:"workers"`
	JWTSecret string        `yaml:"jwt_secret"`
	Listen    string        `yaml:"listen"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Driver:   driver.Config{Name: "memdb"},
		LogLevel: "info",
		Workers:  4,
		Listen:   "localhost:8080",
	}
}

// Load reads the file at path over the defaults. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, c.Validate()
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, c.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return c, nil
}

// Save writes c to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if names := driver.Drivers(); !slices.Contains(names, c.Driver.Name) {
		return fmt.Errorf("unknown driver %q, want one of %s", c.Driver.Name, strings.Join(names, ", "))
	}
	if c.Driver.Throttle < 0 {
		return errors.New("driver throttle must not be negative")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < minSecretLen {
		return fmt.Errorf("jwt_secret must be at least %d bytes", minSecretLen)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
}
