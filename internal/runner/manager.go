package runner

import (
	"fmt"

	"github.com/zk/runnotify/internal/runner/definitions"
)

// Manager manages test runner definitions
type Manager struct {
	runners map[string]Definition
	order   []string
	logger  definitions.Logger
}

// NewManager creates a new runner manager with the built-in runners.
// Runners are tried in registration order; events accepts anything, so it
// goes last.
func NewManager(logger definitions.Logger) *Manager {
	m := &Manager{
		runners: make(map[string]Definition),
		logger:  logger,
	}

	// Go test runner (native, no adapter)
	m.Register("go", definitions.NewGoTestWrapper(logger))
	m.Register("events", NewEventsDefinition())

	return m
}

// Register adds a new test runner definition. Registering an existing name
// replaces it in place.
func (m *Manager) Register(name string, def Definition) {
	if _, exists := m.runners[name]; !exists {
		m.order = append(m.order, name)
	}
	m.runners[name] = def
}

// Detect identifies the test runner from command and returns its definition
func (m *Manager) Detect(command []string) (Definition, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("no test command given")
	}

	for _, name := range m.order {
		def := m.runners[name]
		if def.Matches(command) {
			if m.logger != nil {
				m.logger.Debug("Detected runner %s for %v", name, command)
			}
			return def, nil
		}
	}

	return nil, fmt.Errorf("no test runner detected for command: %v", command)
}

