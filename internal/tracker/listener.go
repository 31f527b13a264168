package tracker

import "time"

// Test identifies a single test case reported by an event source
type Test struct {
	Name  string
	Suite string
}

// Suite identifies a named group of tests; suites may nest
type Suite struct {
	Name string
}

// Listener receives the lifecycle of a test run. Event sources call these
// methods sequentially, in the order the run actually happened, with every
// StartSuite eventually matched by an EndSuite.
type Listener interface {
	StartTest(test Test)
	EndTest(test Test, elapsed time.Duration)
	AddError(test Test, cause error, elapsed time.Duration)
	AddFailure(test Test, cause error, elapsed time.Duration)
	AddIncomplete(test Test, cause error, elapsed time.Duration)
	AddSkipped(test Test, cause error, elapsed time.Duration)
	StartSuite(suite Suite)
	EndSuite(suite Suite)
}

// multiListener forwards every call to each listener in order
type multiListener []Listener

// Multi combines listeners. Nil entries are dropped.
func Multi(listeners ...Listener) Listener {
	out := make(multiListener, 0, len(listeners))
	for _, l := range listeners {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

func (m multiListener) StartTest(test Test) {
	for _, l := range m {
		l.StartTest(test)
	}
}

func (m multiListener) EndTest(test Test, elapsed time.Duration) {
	for _, l := range m {
		l.EndTest(test, elapsed)
	}
}

func (m multiListener) AddError(test Test, cause error, elapsed time.Duration) {
	for _, l := range m {
		l.AddError(test, cause, elapsed)
	}
}

func (m multiListener) AddFailure(test Test, cause error, elapsed time.Duration) {
	for _, l := range m {
		l.AddFailure(test, cause, elapsed)
	}
}

func (m multiListener) AddIncomplete(test Test, cause error, elapsed time.Duration) {
	for _, l := range m {
		l.AddIncomplete(test, cause, elapsed)
	}
}

func (m multiListener) AddSkipped(test Test, cause error, elapsed time.Duration) {
	for _, l := range m {
		l.AddSkipped(test, cause, elapsed)
	}
}

func (m multiListener) StartSuite(suite Suite) {
	for _, l := range m {
		l.StartSuite(suite)
	}
}

func (m multiListener) EndSuite(suite Suite) {
	for _, l := range m {
		l.EndSuite(suite)
	}
}
