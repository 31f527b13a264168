// Package notify delivers desktop notifications through the freedesktop
// notification service on the session D-Bus.
//
// See https://specifications.freedesktop.org/notification-spec/latest/ for
// the meaning of the Notify arguments.
package notify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	// ServiceName is the well-known bus name of the notification service
	ServiceName = "org.freedesktop.Notifications"
	// ObjectPath is the object exporting the notification interface
	ObjectPath = "/org/freedesktop/Notifications"
	// Interface is the notification interface name
	Interface = "org.freedesktop.Notifications"

	// DisableEnv forces the no-op sender when set to a truthy value
	DisableEnv = "RUNNOTIFY_DISABLE"
)

// ErrTransportUnavailable is returned when no session bus or notification
// service is present. Callers treat it as "skip", not as a failure.
var ErrTransportUnavailable = errors.New("notification transport unavailable")

// TransportError reports a failed call to a notification service that was
// detected as present.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("notify: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Notification is one Notify request.
type Notification struct {
	AppName string
	// ReplacesID of 0 creates a new notification
	ReplacesID uint32
	AppIcon    string
	Summary    string
	Body       string
	// Actions is a flat list of key, label pairs
	Actions []string
	// Hints are passed to the service as variants, e.g. "x", "y", "desktop-entry"
	Hints map[string]interface{}
	// ExpireTimeout of 0 never expires; a negative value uses the server default
	ExpireTimeout time.Duration
}

// Sender delivers notifications.
type Sender interface {
	Send(ctx context.Context, n Notification) (uint32, error)
	Close() error
}

// Logger interface for debug logging
type Logger interface {
	Debug(format string, args ...interface{})
}

// NoopSender is selected when the transport is absent. It never performs I/O.
type NoopSender struct{}

// Send always reports ErrTransportUnavailable
func (NoopSender) Send(context.Context, Notification) (uint32, error) {
	return 0, ErrTransportUnavailable
}

// Close does nothing
func (NoopSender) Close() error { return nil }

// Disabled reports whether RUNNOTIFY_DISABLE asks for notifications to be turned off
func Disabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(DisableEnv))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// expireMillis converts the timeout to the int32 milliseconds the wire expects
func expireMillis(d time.Duration) int32 {
	if d < 0 {
		return -1
	}
	ms := d.Milliseconds()
	if ms > int64(^uint32(0)>>1) {
		ms = int64(^uint32(0) >> 1)
	}
	return int32(ms)
}
