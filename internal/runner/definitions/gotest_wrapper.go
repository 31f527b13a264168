package definitions

import (
	"io"

	"github.com/zk/runnotify/internal/tracker"
)

// NativeDefinition interface for test runners that process output directly
type NativeDefinition interface {
	// Name returns the name of the test runner
	Name() string

	// Detect checks if this runner can handle the given command
	Detect(args []string) bool

	// ModifyCommand modifies the command for proper execution
	ModifyCommand(cmd []string, eventsPath string) []string

	// DefaultSuiteName names the run when no suite name is configured
	DefaultSuiteName(args []string) string

	// SetSuiteName names the outer suite reported by ProcessOutput
	SetSuiteName(name string)

	// ProcessOutput translates the runner output into listener calls
	ProcessOutput(stdout io.Reader, l tracker.Listener) error
}

// GoTestWrapper wraps GoTestDefinition to implement the Definition interface from runner package
type GoTestWrapper struct {
	*GoTestDefinition
}

// NewGoTestWrapper creates a new wrapper for Go test support
func NewGoTestWrapper(logger Logger) *GoTestWrapper {
	return &GoTestWrapper{
		GoTestDefinition: NewGoTestDefinition(logger),
	}
}

// Matches checks if the command is for go test
func (g *GoTestWrapper) Matches(command []string) bool {
	return g.GoTestDefinition.Detect(command)
}

// BuildCommand builds the command with -json flag
func (g *GoTestWrapper) BuildCommand(args []string, eventsPath string) []string {
	return g.GoTestDefinition.ModifyCommand(args, eventsPath)
}

// InterpretExitCode provides exit code interpretation for Go test
func (g *GoTestWrapper) InterpretExitCode(code int) string {
	switch code {
	case 0:
		return "success"
	case 2:
		// bad flags or arguments
		return "usage error"
	default:
		return "failure"
	}
}

// IsNative returns true if this is a native runner (no adapter needed)
func (g *GoTestWrapper) IsNative() bool {
	return true
}

// GetNativeDefinition returns the underlying native definition
func (g *GoTestWrapper) GetNativeDefinition() NativeDefinition {
	return g.GoTestDefinition
}
