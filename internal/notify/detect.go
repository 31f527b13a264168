package notify

import (
	"context"

	"github.com/godbus/dbus/v5"
)

const busInterface = "org.freedesktop.DBus"

// Detect probes the session bus once and returns the sender to use for the
// rest of the process: a DBusSender when the notification service is owned
// or activatable, a NoopSender otherwise.
func Detect(ctx context.Context, logger Logger) Sender {
	if logger == nil {
		logger = noopLogger{}
	}

	if Disabled() {
		logger.Debug("Notifications disabled by %s", DisableEnv)
		return NoopSender{}
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		logger.Debug("Session bus unavailable: %v", err)
		return NoopSender{}
	}

	if !serviceAvailable(ctx, conn.BusObject(), logger) {
		logger.Debug("%s is neither running nor activatable", ServiceName)
		_ = conn.Close()
		return NoopSender{}
	}

	logger.Debug("Using %s on the session bus", ServiceName)
	return NewDBusSender(conn)
}

// serviceAvailable asks the bus daemon whether the notification service can
// receive calls
func serviceAvailable(ctx context.Context, bus caller, logger Logger) bool {
	var owned bool
	call := bus.CallWithContext(ctx, busInterface+".NameHasOwner", 0, ServiceName)
	if call.Err == nil && call.Store(&owned) == nil && owned {
		return true
	}
	if call.Err != nil {
		logger.Debug("NameHasOwner failed: %v", call.Err)
	}

	var names []string
	call = bus.CallWithContext(ctx, busInterface+".ListActivatableNames", 0)
	if call.Err != nil {
		logger.Debug("ListActivatableNames failed: %v", call.Err)
		return false
	}
	if err := call.Store(&names); err != nil {
		return false
	}
	for _, name := range names {
		if name == ServiceName {
			return true
		}
	}
	return false
}

type noopLogger struct{}

func (noopLogger) Debug(format string, args ...interface{}) {}
