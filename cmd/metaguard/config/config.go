// Package config loads metaguard.toml.
//
// Example:
//
//	exempt_modules = ["std", "github.com/kolkov/metaguard", "golang.org/x/sys"]
//	log_level      = "info"
//	format         = "text"
//	workers        = 4
//
//	[cache]
//	path = "/tmp/metaguard.db"
//
// Command-line flags override values from the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// FileName is the name looked up in the module root when no -config flag is
// given.
const FileName = "metaguard.toml"

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// DefaultExemptModules lists the modules never instrumented: the standard
// library, the runtime layer itself and the system-call package it is built on.
var DefaultExemptModules = []string{"std", "github.com/kolkov/metaguard", "golang.org/x/sys"}

// Config is the metaguard configuration.
type Config struct {
	// ExemptModules lists module paths whose bodies are never instrumented.
	ExemptModules []string `toml:"exempt_modules"`
	// LogLevel is a logrus level name.
	LogLevel string `toml:"log_level"`
	// Format is the report format: text, json or yaml.
	Format string `toml:"format"`
	// Workers bounds concurrent package lowering. Zero means GOMAXPROCS.
	Workers int `toml:"workers"`

	Cache Cache `toml:"cache"`
}

// Cache configures the result cache.
type Cache struct {
	// Path of the cache database; empty disables caching.
	Path string `toml:"path"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		ExemptModules: append([]string(nil), DefaultExemptModules...),
		LogLevel:      logrus.InfoLevel.String(),
		Format:        FormatText,
		Workers:       runtime.GOMAXPROCS(0),
	}
}

// Load reads the configuration file at path on top of the defaults. Keys
// missing from the file keep their default values.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		logrus.WithField("keys", undecoded).Warn("Ignoring unknown config keys")
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

// Find loads FileName from dir if it exists, else returns the defaults.
func Find(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	} else if err != nil {
		return nil, err
	}
	return Load(path)
}

// Validate checks field values.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.Format {
	case FormatText, FormatJSON, FormatYAML:
	default:
		errs = append(errs, fmt.Errorf("unknown format %q", c.Format))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	return errors.Join(errs...)
}

// Level returns the parsed log level. Call Validate first.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
