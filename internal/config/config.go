// Package config loads the optional .runnotify.yml file and applies
// environment overrides on top of it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zk/runnotify/internal/logger"
	"github.com/zk/runnotify/internal/notify"
	"github.com/zk/runnotify/internal/tracker"
)

const (
	// PathEnv names a config file to load instead of the default
	PathEnv = "RUNNOTIFY_CONFIG"

	// DefaultFile is looked up in the working directory
	DefaultFile = ".runnotify.yml"
)

// Config is the on-disk configuration
type Config struct {
	// SuiteName overrides the outer suite name of native runs
	SuiteName    string             `yaml:"suite_name"`
	Disabled     bool               `yaml:"disabled"`
	LogLevel     string             `yaml:"log_level" validate:"omitempty,loglevel"`
	Notification NotificationConfig `yaml:"notification"`
}

// NotificationConfig controls the completion notification
type NotificationConfig struct {
	Title   string `yaml:"title"`
	AppName string `yaml:"app_name"`
	Icon    string `yaml:"icon"`
	// ExpireTimeoutMs is passed to the notification service; -1 leaves
	// the choice to the server and 0 never expires
	ExpireTimeoutMs *int                   `yaml:"expire_timeout_ms" validate:"omitempty,min=-1"`
	SendTimeoutMs   *int                   `yaml:"send_timeout_ms" validate:"omitempty,min=0"`
	Hints           map[string]interface{} `yaml:"hints"`
}

// Load reads and parses a YAML configuration file. Unknown keys are errors.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults reads a config file and applies default values.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	return cfg, nil
}

// Default returns the configuration used when no file exists
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Resolve loads the file named by RUNNOTIFY_CONFIG, or .runnotify.yml when
// it exists, applies defaults and environment overrides, and validates the
// result. A missing default file is not an error; a missing explicit one is.
func Resolve() (*Config, string, error) {
	path := os.Getenv(PathEnv)
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	var cfg *Config
	if _, err := os.Stat(path); err != nil && !explicit && errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		path = ""
	} else {
		cfg, err = LoadWithDefaults(path)
		if err != nil {
			return nil, path, err
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// applyEnv lets the environment win over the file
func applyEnv(cfg *Config) {
	if notify.Disabled() {
		cfg.Disabled = true
	}
	if level := os.Getenv(logger.LevelEnv); level != "" {
		cfg.LogLevel = level
	}
}

// Level returns the configured log level
func (c *Config) Level() logger.LogLevel {
	return logger.ParseLevel(c.LogLevel)
}

// ToOptions converts the notification settings for the tracker
func (c *Config) ToOptions() tracker.Options {
	opts := tracker.DefaultOptions()
	n := c.Notification

	if n.Title != "" {
		opts.Title = n.Title
	}
	if n.AppName != "" {
		opts.AppName = n.AppName
	}
	if n.Icon != "" {
		opts.Icon = n.Icon
	}
	if n.ExpireTimeoutMs != nil {
		opts.ExpireTimeout = millis(*n.ExpireTimeoutMs)
	}
	if n.SendTimeoutMs != nil {
		opts.SendTimeout = millis(*n.SendTimeoutMs)
	}
	for k, v := range n.Hints {
		if typed, err := notify.TypedHint(k, v); err == nil {
			v = typed
		}
		opts.Hints[k] = v
	}
	return opts
}

func millis(ms int) time.Duration {
	if ms < 0 {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}
