package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zk/runnotify/internal/tracker"
)

// PathEnv tells adapters running inside a wrapped test command where to
// append their lifecycle events
const PathEnv = "RUNNOTIFY_EVENTS_PATH"

// Writer appends lifecycle events to a JSONL file. It implements
// tracker.Listener so a run can be recorded alongside being tracked.
type Writer struct {
	path   string
	file   *os.File
	mu     sync.Mutex
	logger Logger
}

// NewWriter opens path for appending, creating parent directories
func NewWriter(path string, logger Logger) (*Writer, error) {
	if logger == nil {
		logger = &noopLogger{}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create event directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event file: %w", err)
	}
	return &Writer{path: path, file: file, logger: logger}, nil
}

// WriteEvent appends one event as a JSON line
func (w *Writer) WriteEvent(event Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("event writer for %s closed", w.path)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event to %s: %w", w.path, err)
	}
	return nil
}

// Close closes the underlying file
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *Writer) record(event Event) {
	if err := w.WriteEvent(event); err != nil {
		w.logger.Debug("Failed to record %s event: %v", event.EventType, err)
	}
}

func (w *Writer) StartTest(test tracker.Test) {
	w.record(NewTestEvent(EventTypeTestStarted, test, nil, 0))
}

func (w *Writer) EndTest(test tracker.Test, elapsed time.Duration) {
	w.record(NewTestEvent(EventTypeTestEnded, test, nil, elapsed))
}

func (w *Writer) AddError(test tracker.Test, cause error, elapsed time.Duration) {
	w.record(NewTestEvent(EventTypeTestError, test, cause, elapsed))
}

func (w *Writer) AddFailure(test tracker.Test, cause error, elapsed time.Duration) {
	w.record(NewTestEvent(EventTypeTestFailure, test, cause, elapsed))
}

func (w *Writer) AddIncomplete(test tracker.Test, cause error, elapsed time.Duration) {
	w.record(NewTestEvent(EventTypeTestIncomplete, test, cause, elapsed))
}

func (w *Writer) AddSkipped(test tracker.Test, cause error, elapsed time.Duration) {
	w.record(NewTestEvent(EventTypeTestSkipped, test, cause, elapsed))
}

func (w *Writer) StartSuite(suite tracker.Suite) {
	w.record(NewSuiteEvent(EventTypeSuiteStarted, suite.Name))
}

func (w *Writer) EndSuite(suite tracker.Suite) {
	w.record(NewSuiteEvent(EventTypeSuiteEnded, suite.Name))
}

// SendEvent appends one event to the file named by RUNNOTIFY_EVENTS_PATH.
// Go adapters running under a wrapped command use it directly.
func SendEvent(event Event) error {
	path := os.Getenv(PathEnv)
	if path == "" {
		return fmt.Errorf("%s not set", PathEnv)
	}

	w, err := NewWriter(path, nil)
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	return w.WriteEvent(event)
}
