package orchestrator

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/zk/runnotify/internal/tracker"
)

func init() {
	color.NoColor = true
}

// newTestDisplay returns a display whose clock advances only when told
func newTestDisplay() (*Display, *bytes.Buffer, *time.Time) {
	var buf bytes.Buffer
	d := NewDisplay(&buf)
	now := d.start
	d.now = func() time.Time { return now }
	return d, &buf, &now
}

func runGroup(d *Display, name string, fail bool) {
	d.StartSuite(tracker.Suite{Name: name})
	pass := tracker.Test{Name: "TestOK", Suite: name}
	d.StartTest(pass)
	d.EndTest(pass, 0)
	if fail {
		bad := tracker.Test{Name: "TestBad", Suite: name}
		d.StartTest(bad)
		d.AddFailure(bad, errors.New("boom"), 0)
		d.EndTest(bad, 0)
	}
	d.EndSuite(tracker.Suite{Name: name})
}

func TestDisplayGroupWithFailures(t *testing.T) {
	d, buf, now := newTestDisplay()

	d.StartSuite(tracker.Suite{Name: "go test ./..."})
	*now = now.Add(2 * time.Second)
	runGroup(d, "example.com/a", true)
	d.EndSuite(tracker.Suite{Name: "go test ./..."})

	output := buf.String()
	if !strings.Contains(output, "[T+ 2s] FAIL example.com/a (2 tests, 1 failures)") {
		t.Errorf("Expected FAIL line for group, got:\n%s", output)
	}
	if !strings.Contains(output, "  x TestBad") {
		t.Errorf("Expected failed test to be listed, got:\n%s", output)
	}
	if strings.Contains(output, "go test ./...") {
		t.Errorf("Outer suite should not get its own line when groups were shown, got:\n%s", output)
	}
}

func TestDisplayGroupWithoutFailures(t *testing.T) {
	d, buf, _ := newTestDisplay()

	d.StartSuite(tracker.Suite{Name: "root"})
	runGroup(d, "pkg/one", false)
	runGroup(d, "pkg/two", false)
	d.EndSuite(tracker.Suite{Name: "root"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 group lines, got %d:\n%s", len(lines), buf.String())
	}
	if lines[0] != "[T+ 0s] PASS pkg/one (1 tests)" {
		t.Errorf("Unexpected first line: %q", lines[0])
	}
	if !strings.Contains(lines[1], "PASS pkg/two") {
		t.Errorf("Unexpected second line: %q", lines[1])
	}
}

func TestDisplayFlatSuite(t *testing.T) {
	d, buf, _ := newTestDisplay()

	runGroup(d, "AllTests", true)

	output := buf.String()
	if !strings.Contains(output, "FAIL AllTests (2 tests, 1 failures)") {
		t.Errorf("Expected the only suite to be shown as a group, got:\n%s", output)
	}
}

func TestDisplayNestedResultsCountTowardGroup(t *testing.T) {
	d, buf, _ := newTestDisplay()

	d.StartSuite(tracker.Suite{Name: "root"})
	d.StartSuite(tracker.Suite{Name: "Group"})
	d.StartSuite(tracker.Suite{Name: "Group::Nested"})
	test := tracker.Test{Name: "testDeep", Suite: "Group::Nested"}
	d.StartTest(test)
	d.AddError(test, errors.New("exception"), 0)
	d.EndTest(test, 0)
	skipped := tracker.Test{Name: "testLater", Suite: "Group::Nested"}
	d.StartTest(skipped)
	d.AddSkipped(skipped, nil, 0)
	d.EndTest(skipped, 0)
	d.EndSuite(tracker.Suite{Name: "Group::Nested"})
	d.EndSuite(tracker.Suite{Name: "Group"})
	d.EndSuite(tracker.Suite{Name: "root"})

	output := buf.String()
	if !strings.Contains(output, "FAIL Group (2 tests, 1 errors, 1 skipped)") {
		t.Errorf("Expected nested results in the group line, got:\n%s", output)
	}
	if strings.Contains(output, "Group::Nested (") {
		t.Errorf("Nested suites should not get their own line, got:\n%s", output)
	}
}

func TestDisplayListsLimitedFailures(t *testing.T) {
	d, buf, _ := newTestDisplay()

	d.StartSuite(tracker.Suite{Name: "many"})
	for i := 0; i < maxListedFailures+3; i++ {
		test := tracker.Test{Name: "TestFail", Suite: "many"}
		d.StartTest(test)
		d.AddFailure(test, nil, 0)
	}
	d.EndSuite(tracker.Suite{Name: "many"})

	if !strings.Contains(buf.String(), "  +3 more") {
		t.Errorf("Expected truncated failure list, got:\n%s", buf.String())
	}
}

func TestDisplayIgnoresUnbalancedEnd(t *testing.T) {
	d, buf, _ := newTestDisplay()
	d.EndSuite(tracker.Suite{Name: "stray"})
	if buf.Len() != 0 {
		t.Errorf("Expected no output, got %q", buf.String())
	}
}

func TestPrintSummary(t *testing.T) {
	tests := []struct {
		name     string
		fail     bool
		outcome  tracker.Outcome
		id       uint32
		expected []string
	}{
		{
			name:    "passed and sent",
			outcome: tracker.OutcomeSent,
			id:      42,
			expected: []string{
				"Splendid! All tests passed successfully",
				"Results:      1 tests, 0 errors, 0 failures, 0 skipped, 0 incomplete",
				"Notification: sent (id 42)",
			},
		},
		{
			name:    "failed and skipped",
			fail:    true,
			outcome: tracker.OutcomeSkipped,
			expected: []string{
				"Test failures!",
				"Results:      2 tests, 0 errors, 1 failures, 0 skipped, 0 incomplete",
				"Notification: skipped",
			},
		},
		{
			name:     "send failed",
			outcome:  tracker.OutcomeFailed,
			expected: []string{"Notification: failed"},
		},
		{
			name:     "never completed",
			outcome:  tracker.OutcomePending,
			expected: []string{"Notification: not sent"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, buf, now := newTestDisplay()
			runGroup(d, "suite", tt.fail)
			*now = now.Add(1500 * time.Millisecond)
			buf.Reset()

			d.PrintSummary(tt.outcome, tt.id)

			output := buf.String()
			for _, want := range tt.expected {
				if !strings.Contains(output, want) {
					t.Errorf("Expected %q in summary, got:\n%s", want, output)
				}
			}
			if !strings.Contains(output, "Total time:   1.500s") {
				t.Errorf("Expected total time, got:\n%s", output)
			}
		})
	}
}

func TestFormatElapsedTime(t *testing.T) {
	tests := []struct {
		name     string
		elapsed  int // seconds
		expected string
	}{
		{"under_minute", 45, "[T+ 45s]"},
		{"exactly_minute", 60, "[T+ 1m0s]"},
		{"minute_and_seconds", 75, "[T+ 1m15s]"},
		{"exactly_hour", 3600, "[T+ 1h0m0s]"},
		{"hour_minute_second", 3665, "[T+ 1h1m5s]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _, now := newTestDisplay()
			*now = now.Add(time.Duration(tt.elapsed) * time.Second)
			result := d.formatElapsedTime()
			if result != tt.expected {
				t.Errorf("formatElapsedTime() = %s, want %s", result, tt.expected)
			}
		})
	}
}
