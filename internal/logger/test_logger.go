package logger

import (
	"fmt"
	"sync"
)

// TestLogger is a logger for testing that stores messages in memory
type TestLogger struct {
	mu            sync.Mutex
	debugMessages []string
	infoMessages  []string
	warnMessages  []string
	errorMessages []string
}

// NewTestLogger creates a new test logger
func NewTestLogger() *TestLogger {
	return &TestLogger{
		debugMessages: []string{},
		infoMessages:  []string{},
		warnMessages:  []string{},
		errorMessages: []string{},
	}
}

// Debug writes a debug message to memory
func (l *TestLogger) Debug(format string, args ...interface{}) {
	l.record(&l.debugMessages, format, args...)
}

// Info writes an info message to memory
func (l *TestLogger) Info(format string, args ...interface{}) {
	l.record(&l.infoMessages, format, args...)
}

// Warn writes a warning message to memory
func (l *TestLogger) Warn(format string, args ...interface{}) {
	l.record(&l.warnMessages, format, args...)
}

// Error writes an error message to memory
func (l *TestLogger) Error(format string, args ...interface{}) {
	l.record(&l.errorMessages, format, args...)
}

// Close does nothing for test logger
func (l *TestLogger) Close() error {
	return nil
}

// GetDebugMessages returns all debug messages
func (l *TestLogger) GetDebugMessages() []string {
	return l.snapshot(&l.debugMessages)
}

// GetInfoMessages returns all info messages
func (l *TestLogger) GetInfoMessages() []string {
	return l.snapshot(&l.infoMessages)
}

// GetWarnMessages returns all warning messages
func (l *TestLogger) GetWarnMessages() []string {
	return l.snapshot(&l.warnMessages)
}

// GetErrorMessages returns all error messages
func (l *TestLogger) GetErrorMessages() []string {
	return l.snapshot(&l.errorMessages)
}

func (l *TestLogger) record(messages *[]string, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*messages = append(*messages, fmt.Sprintf(format, args...))
}

func (l *TestLogger) snapshot(messages *[]string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	result := make([]string, len(*messages))
	copy(result, *messages)
	return result
}
