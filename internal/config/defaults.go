package config

import (
	"time"

	"github.com/zk/runnotify/internal/tracker"
)

// Default values for optional fields
const (
	DefaultLogLevel        = "WARN"
	DefaultExpireTimeoutMs = int(tracker.DefaultExpireTimeout / time.Millisecond)
	DefaultSendTimeoutMs   = int(tracker.DefaultSendTimeout / time.Millisecond)
)

// applyDefaults sets default values for optional fields.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	n := &cfg.Notification
	if n.Title == "" {
		n.Title = tracker.DefaultTitle
	}
	if n.AppName == "" {
		n.AppName = tracker.DefaultAppName
	}
	if n.Icon == "" {
		n.Icon = tracker.DefaultIcon
	}
	if n.ExpireTimeoutMs == nil {
		v := DefaultExpireTimeoutMs
		n.ExpireTimeoutMs = &v
	}
	if n.SendTimeoutMs == nil {
		v := DefaultSendTimeoutMs
		n.SendTimeoutMs = &v
	}
	if n.Hints == nil {
		n.Hints = map[string]interface{}{}
	}
}
