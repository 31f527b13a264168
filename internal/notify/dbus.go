package notify

import (
	"context"
	"io"
	"math"

	"github.com/godbus/dbus/v5"
)

// caller is the subset of dbus.BusObject used here
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// DBusSender calls org.freedesktop.Notifications.Notify on the session bus.
type DBusSender struct {
	obj  caller
	conn io.Closer
}

// NewDBusSender creates a sender bound to the notification object on conn.
// The sender owns conn and closes it in Close.
func NewDBusSender(conn *dbus.Conn) *DBusSender {
	return &DBusSender{
		obj:  conn.Object(ServiceName, dbus.ObjectPath(ObjectPath)),
		conn: conn,
	}
}

// Send delivers n and returns the id assigned by the notification service
func (s *DBusSender) Send(ctx context.Context, n Notification) (uint32, error) {
	actions := n.Actions
	if actions == nil {
		actions = []string{}
	}

	call := s.obj.CallWithContext(ctx, Interface+".Notify", 0,
		n.AppName,
		n.ReplacesID,
		n.AppIcon,
		n.Summary,
		n.Body,
		actions,
		variantHints(n.Hints),
		expireMillis(n.ExpireTimeout),
	)
	if call.Err != nil {
		return 0, &TransportError{Op: "Notify", Err: call.Err}
	}

	var id uint32
	if err := call.Store(&id); err != nil {
		return 0, &TransportError{Op: "Notify", Err: err}
	}
	return id, nil
}

// CloseNotification dismisses a notification before it expires
func (s *DBusSender) CloseNotification(ctx context.Context, id uint32) error {
	call := s.obj.CallWithContext(ctx, Interface+".CloseNotification", 0, id)
	if call.Err != nil {
		return &TransportError{Op: "CloseNotification", Err: call.Err}
	}
	return nil
}

// Close releases the bus connection
func (s *DBusSender) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// byteHints are the freedesktop hints typed "y"
var byteHints = map[string]bool{
	"urgency": true,
}

// variantHints wraps hint values as D-Bus variants. Integers become "y" for
// byte hints and "i" otherwise, since freedesktop defines numeric hints such
// as x and y as int32.
func variantHints(hints map[string]interface{}) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(hints))
	for key, value := range hints {
		switch v := value.(type) {
		case dbus.Variant:
			out[key] = v
		case int:
			out[key] = intVariant(key, int64(v))
		case int32:
			out[key] = intVariant(key, int64(v))
		case int64:
			out[key] = intVariant(key, v)
		default:
			out[key] = dbus.MakeVariant(v)
		}
	}
	return out
}

// intVariant never truncates: values outside int32 are sent as "x"
func intVariant(key string, n int64) dbus.Variant {
	switch {
	case byteHints[key] && n >= 0 && n <= math.MaxUint8:
		return dbus.MakeVariant(byte(n))
	case n >= math.MinInt32 && n <= math.MaxInt32:
		return dbus.MakeVariant(int32(n))
	default:
		return dbus.MakeVariant(n)
	}
}
