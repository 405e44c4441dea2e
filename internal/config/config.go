// Package config loads the handful of settings the cmd/ binaries need:
// listen/dial address, retry timeout/count, and log level. Values come
// from an optional YAML file (gopkg.in/yaml.v3, grounded on
// doismellburning-samoyed's config loader) with flag values overriding
// whatever the file set, matching the teacher's convention elsewhere in
// the pack of flags winning over file defaults.
package config

import (
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/google/swtp/internal/protocol"
)

// Config holds the settings common to both cmd/ binaries.
type Config struct {
	Listen   string        `yaml:"listen"`
	Dial     string        `yaml:"dial"`
	Timeout  time.Duration `yaml:"timeout"`
	Retries  int           `yaml:"retries"`
	LogLevel string        `yaml:"log_level"`
	Metrics  string        `yaml:"metrics_addr"`
}

// Default returns a Config carrying the spec's default timeout/retry
// ceiling (§9: 200ms, 3 attempts) and the cmd/ binaries' default
// listen/dial addresses.
func Default() Config {
	return Config{
		Listen:   ":9870",
		Dial:     "127.0.0.1:9870",
		Timeout:  protocol.DefaultTimeout,
		Retries:  protocol.MaxRetries,
		LogLevel: "info",
	}
}

// Load reads path (if non-empty) as YAML over the defaults, then applies
// any flags in fs that were explicitly set, and returns the result.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if fs == nil {
		return cfg, nil
	}

	applyString(fs, "listen", &cfg.Listen)
	applyString(fs, "dial", &cfg.Dial)
	applyString(fs, "log-level", &cfg.LogLevel)
	applyString(fs, "metrics-addr", &cfg.Metrics)
	applyDuration(fs, "timeout", &cfg.Timeout)
	applyInt(fs, "retries", &cfg.Retries)

	return cfg, nil
}

func applyString(fs *pflag.FlagSet, name string, dst *string) {
	if fs.Changed(name) {
		if v, err := fs.GetString(name); err == nil {
			*dst = v
		}
	}
}

func applyDuration(fs *pflag.FlagSet, name string, dst *time.Duration) {
	if fs.Changed(name) {
		if v, err := fs.GetDuration(name); err == nil {
			*dst = v
		}
	}
}

func applyInt(fs *pflag.FlagSet, name string, dst *int) {
	if fs.Changed(name) {
		if v, err := fs.GetInt(name); err == nil {
			*dst = v
		}
	}
}
