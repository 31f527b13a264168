// Package tracker accumulates run statistics from test lifecycle events and
// sends one desktop notification when the outermost suite finishes.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zk/runnotify/internal/notify"
)

const (
	DefaultTitle         = "PHPUnit Test-Run Report"
	DefaultAppName       = "Whitewashing_PHPUnit"
	DefaultIcon          = "phpunit"
	DefaultExpireTimeout = 1000 * time.Millisecond
	DefaultSendTimeout   = 5 * time.Second
)

// Options controls the notification sent on completion
type Options struct {
	Title         string
	AppName       string
	Icon          string
	Hints         map[string]interface{}
	ExpireTimeout time.Duration
	// SendTimeout bounds the bus call; zero means no deadline
	SendTimeout time.Duration
}

// DefaultOptions returns the options used when nothing is configured
func DefaultOptions() Options {
	return Options{
		Title:         DefaultTitle,
		AppName:       DefaultAppName,
		Icon:          DefaultIcon,
		Hints:         map[string]interface{}{},
		ExpireTimeout: DefaultExpireTimeout,
		SendTimeout:   DefaultSendTimeout,
	}
}

// RunState holds the counters of one test run
type RunState struct {
	TestsStarted  int
	Errors        int
	Failures      int
	StartedAt     time.Time
	SuiteName     string
	SuitesStarted int
	SuitesEnded   int
}

// Outcome describes what happened to the completion notification
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSent
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSent:
		return "sent"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Logger interface for tracker logging
type Logger interface {
	Debug(format string, args ...interface{})
	Warn(format string, args ...interface{})
}

// Tracker implements Listener. It is driven sequentially by one event
// source; the mutex only guards reads from other goroutines.
type Tracker struct {
	mu     sync.Mutex
	state  RunState
	sender notify.Sender
	opts   Options
	logger Logger
	now    func() time.Time

	completed      bool
	outcome        Outcome
	notificationID uint32
	summary        string
	done           chan struct{}
}

// New creates a tracker. A nil sender behaves like an absent transport.
func New(sender notify.Sender, opts Options, logger Logger) *Tracker {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Tracker{
		sender: sender,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// StartTest counts a started test
func (t *Tracker) StartTest(test Test) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.TestsStarted++
}

// EndTest is a no-op
func (t *Tracker) EndTest(test Test, elapsed time.Duration) {}

// AddError counts an errored test
func (t *Tracker) AddError(test Test, cause error, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Errors++
}

// AddFailure counts a failed test
func (t *Tracker) AddFailure(test Test, cause error, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Failures++
}

// AddIncomplete is a no-op; incomplete tests stay in TestsStarted
func (t *Tracker) AddIncomplete(test Test, cause error, elapsed time.Duration) {}

// AddSkipped is a no-op; skipped tests stay in TestsStarted
func (t *Tracker) AddSkipped(test Test, cause error, elapsed time.Duration) {}

// StartSuite records the run start on the first suite and counts every suite
func (t *Tracker) StartSuite(suite Suite) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.SuitesStarted == 0 {
		t.state.StartedAt = t.now()
		t.state.SuiteName = suite.Name
	}
	t.state.SuitesStarted++
}

// EndSuite counts a finished suite and runs completion once the last open
// suite closes
func (t *Tracker) EndSuite(suite Suite) {
	t.mu.Lock()
	if t.state.SuitesEnded >= t.state.SuitesStarted {
		started := t.state.SuitesStarted
		t.mu.Unlock()
		if started == 0 {
			t.logger.Warn("Suite %q ended before any suite started, ignoring", suite.Name)
		} else {
			t.logger.Warn("Suite %q ended with no suite open, ignoring", suite.Name)
		}
		return
	}
	t.state.SuitesEnded++
	finished := t.state.SuitesEnded == t.state.SuitesStarted && !t.completed
	if finished {
		t.completed = true
	}
	t.mu.Unlock()

	if finished {
		t.complete()
	}
}

// CloseOpenSuites ends every suite still open so completion runs even when
// the event source stopped early. It returns how many suites it closed.
func (t *Tracker) CloseOpenSuites() int {
	t.mu.Lock()
	open := t.state.SuitesStarted - t.state.SuitesEnded
	t.mu.Unlock()

	for i := 0; i < open; i++ {
		t.EndSuite(Suite{Name: "(unterminated)"})
	}
	return open
}

// Snapshot returns a copy of the current counters
func (t *Tracker) Snapshot() RunState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Outcome returns the notification outcome and the id the service assigned
func (t *Tracker) Outcome() (Outcome, uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome, t.notificationID
}

// Summary returns the notification body, empty until completion
func (t *Tracker) Summary() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary
}

// Done is closed after the completion routine has run
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// complete builds the summary and hands it to the sender. Nothing here may
// escape to the event source.
func (t *Tracker) complete() {
	state := t.Snapshot()

	var elapsed time.Duration
	if !state.StartedAt.IsZero() {
		elapsed = t.now().Sub(state.StartedAt)
	}
	body := FormatSummary(state, elapsed)

	n := notify.Notification{
		AppName:       t.opts.AppName,
		ReplacesID:    0,
		AppIcon:       t.opts.Icon,
		Summary:       t.opts.Title,
		Body:          body,
		Actions:       []string{},
		Hints:         copyHints(t.opts.Hints),
		ExpireTimeout: t.opts.ExpireTimeout,
	}
	id, outcome := t.deliver(n)

	t.mu.Lock()
	t.summary = body
	t.outcome = outcome
	t.notificationID = id
	t.mu.Unlock()
	close(t.done)
}

func (t *Tracker) deliver(n notify.Notification) (id uint32, outcome Outcome) {
	if t.sender == nil {
		t.logger.Debug("No notification sender configured, skipping")
		return 0, OutcomeSkipped
	}

	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("Notification sender panicked: %v", r)
			id, outcome = 0, OutcomeFailed
		}
	}()

	ctx := context.Background()
	if t.opts.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.SendTimeout)
		defer cancel()
	}

	id, err := t.sender.Send(ctx, n)
	switch {
	case err == nil:
		t.logger.Debug("Notification %d sent", id)
		return id, OutcomeSent
	case errors.Is(err, notify.ErrTransportUnavailable):
		t.logger.Debug("Notification skipped: %v", err)
		return 0, OutcomeSkipped
	default:
		t.logger.Warn("Failed to send notification: %v", err)
		return 0, OutcomeFailed
	}
}

// FormatSummary renders the notification body
func FormatSummary(state RunState, elapsed time.Duration) string {
	return fmt.Sprintf("Suite: %s\n%d tests run in %s minutes.\n%d errors, %d failures...",
		state.SuiteName,
		state.TestsStarted,
		FormatElapsed(elapsed),
		state.Errors,
		state.Failures)
}

// FormatElapsed renders whole minutes and seconds as MM:SS. Minutes are not
// wrapped at the hour, so a 75 minute run reads 75:00 and not 15:00.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

func copyHints(hints map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(hints))
	for k, v := range hints {
		out[k] = v
	}
	return out
}

type noopLogger struct{}

func (noopLogger) Debug(format string, args ...interface{}) {}
func (noopLogger) Warn(format string, args ...interface{})  {}
