package ipc

import (
	"errors"
	"fmt"
	"time"

	"github.com/zk/runnotify/internal/tracker"
)

// EventType represents the type of a lifecycle event
type EventType string

const (
	EventTypeSuiteStarted   EventType = "suiteStarted"
	EventTypeSuiteEnded     EventType = "suiteEnded"
	EventTypeTestStarted    EventType = "testStarted"
	EventTypeTestEnded      EventType = "testEnded"
	EventTypeTestError      EventType = "testError"
	EventTypeTestFailure    EventType = "testFailure"
	EventTypeTestIncomplete EventType = "testIncomplete"
	EventTypeTestSkipped    EventType = "testSkipped"
)

// Known reports whether t is one of the lifecycle event types
func (t EventType) Known() bool {
	switch t {
	case EventTypeSuiteStarted, EventTypeSuiteEnded,
		EventTypeTestStarted, EventTypeTestEnded,
		EventTypeTestError, EventTypeTestFailure,
		EventTypeTestIncomplete, EventTypeTestSkipped:
		return true
	}
	return false
}

// Payload carries the fields of every event type; unused ones are omitted
type Payload struct {
	Suite      string  `json:"suite,omitempty"`
	Test       string  `json:"test,omitempty"`
	Message    string  `json:"message,omitempty"`
	DurationMs float64 `json:"durationMs,omitempty"`
	Timestamp  int64   `json:"timestamp,omitempty"` // Unix milliseconds
}

// Event is one line of the JSONL event file
type Event struct {
	EventType EventType `json:"eventType"`
	Payload   Payload   `json:"payload"`
}

// Type returns the event type
func (e Event) Type() EventType { return e.EventType }

// NewSuiteEvent builds a suiteStarted or suiteEnded event
func NewSuiteEvent(eventType EventType, suite string) Event {
	return Event{
		EventType: eventType,
		Payload: Payload{
			Suite:     suite,
			Timestamp: time.Now().UnixMilli(),
		},
	}
}

// NewTestEvent builds a test event. cause may be nil.
func NewTestEvent(eventType EventType, test tracker.Test, cause error, elapsed time.Duration) Event {
	e := Event{
		EventType: eventType,
		Payload: Payload{
			Suite:      test.Suite,
			Test:       test.Name,
			DurationMs: float64(elapsed) / float64(time.Millisecond),
			Timestamp:  time.Now().UnixMilli(),
		},
	}
	if cause != nil {
		e.Payload.Message = cause.Error()
	}
	return e
}

// Dispatch delivers e to l
func Dispatch(e Event, l tracker.Listener) error {
	test := tracker.Test{Name: e.Payload.Test, Suite: e.Payload.Suite}
	elapsed := time.Duration(e.Payload.DurationMs * float64(time.Millisecond))

	var cause error
	if e.Payload.Message != "" {
		cause = errors.New(e.Payload.Message)
	}

	switch e.EventType {
	case EventTypeSuiteStarted:
		l.StartSuite(tracker.Suite{Name: e.Payload.Suite})
	case EventTypeSuiteEnded:
		l.EndSuite(tracker.Suite{Name: e.Payload.Suite})
	case EventTypeTestStarted:
		l.StartTest(test)
	case EventTypeTestEnded:
		l.EndTest(test, elapsed)
	case EventTypeTestError:
		l.AddError(test, cause, elapsed)
	case EventTypeTestFailure:
		l.AddFailure(test, cause, elapsed)
	case EventTypeTestIncomplete:
		l.AddIncomplete(test, cause, elapsed)
	case EventTypeTestSkipped:
		l.AddSkipped(test, cause, elapsed)
	default:
		return fmt.Errorf("unknown event type: %s", e.EventType)
	}
	return nil
}
