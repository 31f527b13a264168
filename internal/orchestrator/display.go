package orchestrator

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/zk/runnotify/internal/tracker"
)

// maxListedFailures bounds the failing tests printed under a group
const maxListedFailures = 5

// groupStats counts the results of one displayed suite
type groupStats struct {
	tests      int
	errors     int
	failures   int
	skipped    int
	incomplete int
	failed     []string
}

func (g *groupStats) status() string {
	switch {
	case g.errors+g.failures > 0:
		return "FAIL"
	case g.tests == 0:
		return "NO_TESTS"
	case g.skipped+g.incomplete == g.tests:
		return "SKIP"
	default:
		return "PASS"
	}
}

// Display prints one line per finished group to the console. Groups are
// the suites directly below the outermost one; a run without nested
// suites is shown as a single group.
type Display struct {
	mu     sync.Mutex
	out    io.Writer
	start  time.Time
	now    func() time.Time
	stack  []string
	groups map[string]*groupStats
	shown  int
	totals groupStats
}

// NewDisplay creates a display writing to out
func NewDisplay(out io.Writer) *Display {
	return &Display{
		out:    out,
		start:  time.Now(),
		now:    time.Now,
		groups: make(map[string]*groupStats),
	}
}

// current returns the group the next result belongs to
func (d *Display) current() *groupStats {
	var name string
	switch {
	case len(d.stack) >= 2:
		name = d.stack[1]
	case len(d.stack) == 1:
		name = d.stack[0]
	default:
		return nil
	}
	g, ok := d.groups[name]
	if !ok {
		g = &groupStats{}
		d.groups[name] = g
	}
	return g
}

func (d *Display) record(fn func(g *groupStats)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.totals)
	if g := d.current(); g != nil {
		fn(g)
	}
}

func (d *Display) StartTest(test tracker.Test) {
	d.record(func(g *groupStats) { g.tests++ })
}

func (d *Display) EndTest(test tracker.Test, elapsed time.Duration) {}

func (d *Display) AddError(test tracker.Test, cause error, elapsed time.Duration) {
	d.record(func(g *groupStats) {
		g.errors++
		g.failed = append(g.failed, test.Name)
	})
}

func (d *Display) AddFailure(test tracker.Test, cause error, elapsed time.Duration) {
	d.record(func(g *groupStats) {
		g.failures++
		g.failed = append(g.failed, test.Name)
	})
}

func (d *Display) AddIncomplete(test tracker.Test, cause error, elapsed time.Duration) {
	d.record(func(g *groupStats) { g.incomplete++ })
}

func (d *Display) AddSkipped(test tracker.Test, cause error, elapsed time.Duration) {
	d.record(func(g *groupStats) { g.skipped++ })
}

func (d *Display) StartSuite(suite tracker.Suite) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stack = append(d.stack, suite.Name)
}

func (d *Display) EndSuite(suite tracker.Suite) {
	d.mu.Lock()
	defer d.mu.Unlock()

	depth := len(d.stack)
	if depth == 0 {
		return
	}
	name := d.stack[depth-1]
	d.stack = d.stack[:depth-1]

	switch {
	case depth == 2:
		d.printGroup(name, d.groups[name])
	case depth == 1 && d.shown == 0:
		// Nothing nested was shown, so the run itself is the group
		d.printGroup(name, d.groups[name])
	}
}

// printGroup writes the result line of a group, followed by the first few
// failing tests
func (d *Display) printGroup(name string, g *groupStats) {
	if g == nil {
		g = &groupStats{}
	}
	d.shown++

	var statusColor *color.Color
	status := g.status()
	switch status {
	case "FAIL":
		statusColor = color.New(color.FgRed, color.Bold)
	case "PASS":
		statusColor = color.New(color.FgGreen)
	default:
		statusColor = color.New(color.FgYellow)
	}

	counts := []string{fmt.Sprintf("%d tests", g.tests)}
	if g.errors > 0 {
		counts = append(counts, fmt.Sprintf("%d errors", g.errors))
	}
	if g.failures > 0 {
		counts = append(counts, fmt.Sprintf("%d failures", g.failures))
	}
	if g.skipped > 0 {
		counts = append(counts, fmt.Sprintf("%d skipped", g.skipped))
	}
	if g.incomplete > 0 {
		counts = append(counts, fmt.Sprintf("%d incomplete", g.incomplete))
	}

	dim := color.New(color.FgHiBlack)
	_, _ = fmt.Fprintf(d.out, "%s %s %s %s\n",
		dim.Sprint(d.formatElapsedTime()),
		statusColor.Sprint(status),
		name,
		dim.Sprintf("(%s)", strings.Join(counts, ", ")))

	for i, test := range g.failed {
		if i == maxListedFailures {
			_, _ = fmt.Fprintf(d.out, "  +%d more\n", len(g.failed)-maxListedFailures)
			break
		}
		_, _ = fmt.Fprintf(d.out, "  %s %s\n", color.RedString("x"), test)
	}
}

// formatElapsedTime formats the elapsed time from start in a progressive display
func (d *Display) formatElapsedTime() string {
	elapsed := d.now().Sub(d.start)
	if elapsed < 0 {
		elapsed = 0
	}
	totalSeconds := int(elapsed.Seconds())

	if totalSeconds < 60 {
		return fmt.Sprintf("[T+ %ds]", totalSeconds)
	} else if totalSeconds < 3600 {
		minutes := totalSeconds / 60
		seconds := totalSeconds % 60
		return fmt.Sprintf("[T+ %dm%ds]", minutes, seconds)
	}
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60
	return fmt.Sprintf("[T+ %dh%dm%ds]", hours, minutes, seconds)
}

// PrintSummary writes the closing block: a verdict, the totals and what
// happened to the notification
func (d *Display) PrintSummary(outcome tracker.Outcome, id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := d.totals
	_, _ = fmt.Fprintln(d.out)

	switch {
	case t.errors+t.failures > 0:
		exclamations := []string{
			"This is madness!",
			"We're doomed!",
			"Are you sure this thing is safe?",
		}
		exclamation := exclamations[d.now().UnixNano()%int64(len(exclamations))]
		_, _ = fmt.Fprintf(d.out, "%s %s\n", color.New(color.FgRed, color.Bold).Sprint("Test failures!"), exclamation)
	case t.tests > 0 && t.skipped+t.incomplete == t.tests:
		_, _ = fmt.Fprintln(d.out, color.YellowString("All tests were skipped"))
	case t.tests > 0:
		_, _ = fmt.Fprintln(d.out, color.GreenString("Splendid! All tests passed successfully"))
	}

	_, _ = fmt.Fprintf(d.out, "Results:      %d tests, %d errors, %d failures, %d skipped, %d incomplete\n",
		t.tests, t.errors, t.failures, t.skipped, t.incomplete)
	_, _ = fmt.Fprintf(d.out, "Total time:   %.3fs\n", d.now().Sub(d.start).Seconds())

	switch outcome {
	case tracker.OutcomeSent:
		_, _ = fmt.Fprintf(d.out, "Notification: sent (id %d)\n", id)
	case tracker.OutcomeSkipped:
		_, _ = fmt.Fprintln(d.out, "Notification: skipped (no notification service)")
	case tracker.OutcomeFailed:
		_, _ = fmt.Fprintln(d.out, color.YellowString("Notification: failed, see .runnotify/debug.log"))
	default:
		_, _ = fmt.Fprintln(d.out, "Notification: not sent (the run never finished its outermost suite)")
	}
}
