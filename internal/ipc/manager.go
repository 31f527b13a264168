package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Manager follows a JSONL event file and delivers parsed events in file order
type Manager struct {
	Path      string
	watcher   *fsnotify.Watcher
	Events    chan Event
	stopChan  chan struct{}
	stopped   chan struct{}
	mu        sync.Mutex
	closeOnce sync.Once
	logger    Logger
	file      *os.File
	reader    *bufio.Reader
	readerMu  sync.Mutex
	pending   []byte
}

// Logger interface for debug logging
type Logger interface {
	Debug(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// NewManager creates a manager reading path, creating the file if needed
func NewManager(path string, logger Logger) (*Manager, error) {
	if logger == nil {
		logger = &noopLogger{}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create event directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event file: %w", err)
	}

	return &Manager{
		Path:     path,
		Events:   make(chan Event, 10000),
		stopChan: make(chan struct{}),
		stopped:  make(chan struct{}),
		logger:   logger,
		file:     file,
		reader:   bufio.NewReader(file),
	}, nil
}

// WatchEvents starts following the file. Existing content is read first.
func (m *Manager) WatchEvents() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	m.watcher = watcher

	if err := watcher.Add(m.Path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch event file: %w", err)
	}

	go m.watchLoop()
	go m.readEvents()

	return nil
}

// readEvents reads complete lines from the current position. A trailing
// partial line is kept until its newline arrives.
func (m *Manager) readEvents() {
	m.readerMu.Lock()
	defer m.readerMu.Unlock()

	if m.reader == nil {
		return
	}

	for {
		chunk, err := m.reader.ReadBytes('\n')
		if len(chunk) > 0 {
			m.pending = append(m.pending, chunk...)
		}
		if err != nil {
			if err != io.EOF {
				m.logger.Error("Error reading events: %v", err)
			}
			return
		}

		line := bytes.TrimSpace(m.pending)
		m.pending = nil
		if len(line) > 0 {
			m.parseAndSendEvent(line)
		}
	}
}

// watchLoop watches for file changes and triggers reads
func (m *Manager) watchLoop() {
	defer close(m.stopped)

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write {
				m.logger.Debug("Event file modified: %s", event.Name)
				m.readEvents()
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("Watcher error: %v", err)

		case <-m.stopChan:
			return
		}
	}
}

// parseAndSendEvent parses a JSON line and sends it as an event
func (m *Manager) parseAndSendEvent(line []byte) {
	var event Event
	if err := json.Unmarshal(line, &event); err != nil {
		m.logger.Debug("Failed to parse event: %v", err)
		return
	}

	if event.EventType == "" {
		m.logger.Error("Event missing eventType field")
		return
	}
	if !event.EventType.Known() {
		m.logger.Error("Unknown event type: %s", event.EventType)
		return
	}

	// Blocking send for natural backpressure
	m.Events <- event
	m.logger.Debug("Processing event: %s", event.EventType)
}

// Cleanup stops watching, reads whatever the writer appended last and
// closes Events
func (m *Manager) Cleanup() error {
	select {
	case <-m.stopChan:
	default:
		close(m.stopChan)
	}

	if m.watcher != nil {
		<-m.stopped
	}

	// Late writes may not have produced a notification yet
	m.readEvents()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watcher != nil {
		_ = m.watcher.Close()
		m.watcher = nil
	}

	m.readerMu.Lock()
	if m.file != nil {
		_ = m.file.Close()
		m.file = nil
		m.reader = nil
	}
	m.readerMu.Unlock()

	m.closeOnce.Do(func() {
		close(m.Events)
	})

	return nil
}

// noopLogger is a default logger that does nothing
type noopLogger struct{}

func (n *noopLogger) Debug(format string, args ...interface{}) {}
func (n *noopLogger) Error(format string, args ...interface{}) {}
