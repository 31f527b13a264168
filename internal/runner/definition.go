package runner

import (
	"github.com/zk/runnotify/internal/runner/definitions"
)

// Definition interface for test runner implementations
type Definition interface {
	// Name identifies the runner in logs and run metadata
	Name() string

	// Matches determines if this runner can handle the given command
	Matches(command []string) bool

	// BuildCommand returns the command to execute. eventsPath is where an
	// adapter should append lifecycle events.
	BuildCommand(args []string, eventsPath string) []string

	// InterpretExitCode maps exit codes to success/failure
	InterpretExitCode(code int) string
}

// NativeRunner interface for runners that process output directly without adapters
type NativeRunner interface {
	Definition
	// IsNative returns true if this runner processes output directly
	IsNative() bool
	// GetNativeDefinition returns the underlying native definition
	GetNativeDefinition() definitions.NativeDefinition
}

// BaseDefinition provides common functionality for test runners
type BaseDefinition struct {
	name string
}

// Name returns the runner name
func (b *BaseDefinition) Name() string {
	return b.name
}

// InterpretExitCode provides default exit code interpretation
func (b *BaseDefinition) InterpretExitCode(code int) string {
	if code == 0 {
		return "success"
	}
	return "failure"
}

// EventsDefinition runs any command whose test framework carries its own
// listener adapter. The adapter finds the event file through
// RUNNOTIFY_EVENTS_PATH, which the orchestrator sets for every run.
type EventsDefinition struct {
	BaseDefinition
}

// NewEventsDefinition creates the adapter-driven definition
func NewEventsDefinition() *EventsDefinition {
	return &EventsDefinition{
		BaseDefinition: BaseDefinition{name: "events"},
	}
}

// Matches accepts any non-empty command
func (e *EventsDefinition) Matches(command []string) bool {
	return len(command) > 0
}

// BuildCommand returns the command unchanged
func (e *EventsDefinition) BuildCommand(args []string, eventsPath string) []string {
	result := make([]string, len(args))
	copy(result, args)
	return result
}

// IsNative reports whether def translates output itself
func IsNative(def Definition) (definitions.NativeDefinition, bool) {
	native, ok := def.(NativeRunner)
	if !ok || !native.IsNative() {
		return nil, false
	}
	return native.GetNativeDefinition(), true
}
