package definitions

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/zk/runnotify/internal/tracker"
)

// PackageTestName names the synthetic test that carries a package failure
// no individual test accounts for (build errors, TestMain exits)
const PackageTestName = "<package>"

// maxLineSize bounds a single go test -json line
const maxLineSize = 4 * 1024 * 1024

// Logger is the logging surface the definitions need
type Logger interface {
	Debug(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// GoTestDefinition translates go test -json output into listener calls.
// The whole run is one suite, each package a nested suite and every run
// event a test.
type GoTestDefinition struct {
	logger    Logger
	suiteName string

	mu       sync.Mutex
	listener tracker.Listener
	packages map[string]*packageState
	order    []string

	// build output is keyed by import path and may arrive before the
	// package's own events
	buildOutput map[string][]string
	buildFailed map[string]bool
}

// packageState tracks one package between its first event and its result
type packageState struct {
	name        string
	startTime   time.Time
	running     map[string]*TestState
	runOrder    []string
	failedTests int
	failedSubs  map[string]int
	errors      []string
	ended       bool
	noTestFiles bool
}

// TestState tracks the state of a running test
type TestState struct {
	Name      string
	Package   string
	StartTime time.Time
	Output    []string
}

// GoTestEvent represents a single event from go test -json output
type GoTestEvent struct {
	Time        time.Time `json:"Time"`
	Action      string    `json:"Action"`
	Package     string    `json:"Package"`
	ImportPath  string    `json:"ImportPath,omitempty"`
	Test        string    `json:"Test,omitempty"`
	Output      string    `json:"Output,omitempty"`
	Elapsed     float64   `json:"Elapsed,omitempty"`
	FailedBuild string    `json:"FailedBuild,omitempty"`
}

// NewGoTestDefinition creates a new Go test runner definition
func NewGoTestDefinition(logger Logger) *GoTestDefinition {
	if logger == nil {
		logger = noopLogger{}
	}
	return &GoTestDefinition{
		logger:      logger,
		packages:    make(map[string]*packageState),
		buildOutput: make(map[string][]string),
		buildFailed: make(map[string]bool),
	}
}

// Name returns the name of this test runner
func (g *GoTestDefinition) Name() string {
	return "go"
}

// SetSuiteName names the outer suite. Empty restores the default.
func (g *GoTestDefinition) SetSuiteName(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.suiteName = name
}

// Detect checks if the command is for go test
func (g *GoTestDefinition) Detect(args []string) bool {
	if len(args) < 2 {
		return false
	}

	// Check for "go test" command
	if args[0] == "go" && args[1] == "test" {
		return true
	}

	// Check for full path to go binary
	if strings.HasSuffix(args[0], "/go") && args[1] == "test" {
		return true
	}

	return false
}

// ModifyCommand ensures the -json flag is present in the go test command
func (g *GoTestDefinition) ModifyCommand(cmd []string, eventsPath string) []string {
	result := make([]string, 0, len(cmd)+1)
	hasJSON := false

	for _, arg := range cmd {
		if arg == "-json" || arg == "-json=true" {
			hasJSON = true
		}
	}

	for i, arg := range cmd {
		result = append(result, arg)

		// -json goes right after the test subcommand
		if i == 1 && arg == "test" && !hasJSON {
			result = append(result, "-json")
		}
	}

	return result
}

// DefaultSuiteName names the run after the go test invocation and its
// package patterns
func (g *GoTestDefinition) DefaultSuiteName(args []string) string {
	patterns := g.extractPackagePatterns(args)
	if len(patterns) == 0 {
		patterns = []string{"."}
	}
	return "go test " + strings.Join(patterns, " ")
}

// ProcessOutput reads go test JSON output and reports it to l. The outer
// suite is always started and ended, so a run that produced no events
// still completes.
func (g *GoTestDefinition) ProcessOutput(stdout io.Reader, l tracker.Listener) error {
	g.mu.Lock()
	g.listener = l
	suite := tracker.Suite{Name: g.suiteName}
	if suite.Name == "" {
		suite.Name = "go test"
	}
	g.mu.Unlock()

	l.StartSuite(suite)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var event GoTestEvent
		if err := json.Unmarshal(line, &event); err != nil {
			// Non-JSON line (likely build error)
			g.logger.Debug("Non-JSON output: %s", string(line))
			continue
		}

		if err := g.processEvent(&event); err != nil {
			g.logger.Error("Failed to process event: %v", err)
		}
	}
	scanErr := scanner.Err()

	g.finishAll()
	l.EndSuite(suite)

	if scanErr != nil {
		return fmt.Errorf("error reading output: %w", scanErr)
	}
	return nil
}

// processEvent handles a single go test JSON event
func (g *GoTestDefinition) processEvent(event *GoTestEvent) error {
	if event == nil {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.listener == nil {
		return errors.New("no listener attached")
	}

	switch event.Action {
	case "start":
		if event.Test == "" {
			g.ensurePackage(event.Package, event.Time)
		}

	case "run":
		if event.Test != "" {
			g.handleTestRun(event)
		}

	case "pause", "cont":
		// Parallel tests pause and resume; they stay running either way
		g.logger.Debug("Test %s %s", event.Test, event.Action)

	case "pass", "fail", "skip":
		if event.Test != "" {
			g.handleTestResult(event)
		} else {
			g.handlePackageResult(event)
		}

	case "output":
		g.handleOutput(event)

	case "build-output":
		path := buildImportPath(event.ImportPath)
		g.buildOutput[path] = append(g.buildOutput[path], strings.TrimRight(event.Output, "\n"))

	case "build-fail":
		g.buildFailed[buildImportPath(event.ImportPath)] = true

	case "bench":
		g.logger.Debug("Benchmark event (not supported): %+v", event)

	default:
		g.logger.Debug("Ignoring go test action %q", event.Action)
	}

	return nil
}

// ensurePackage starts the package suite on its first event
func (g *GoTestDefinition) ensurePackage(name string, at time.Time) *packageState {
	if pkg, ok := g.packages[name]; ok {
		return pkg
	}
	if at.IsZero() {
		at = time.Now()
	}
	pkg := &packageState{
		name:       name,
		startTime:  at,
		running:    make(map[string]*TestState),
		failedSubs: make(map[string]int),
	}
	g.packages[name] = pkg
	g.order = append(g.order, name)
	g.listener.StartSuite(tracker.Suite{Name: name})
	g.logger.Debug("Package suite started for %s at %v", name, at)
	return pkg
}

func (g *GoTestDefinition) packageFor(event *GoTestEvent) *packageState {
	return g.ensurePackage(event.Package, event.Time)
}

// handleTestRun processes test run events
func (g *GoTestDefinition) handleTestRun(event *GoTestEvent) {
	pkg := g.packageFor(event)
	if pkg.ended {
		g.logger.Debug("Test %s ran after package %s ended", event.Test, event.Package)
		return
	}
	if _, ok := pkg.running[event.Test]; ok {
		return
	}

	pkg.running[event.Test] = &TestState{
		Name:      event.Test,
		Package:   event.Package,
		StartTime: event.Time,
		Output:    []string{},
	}
	pkg.runOrder = append(pkg.runOrder, event.Test)
	g.listener.StartTest(tracker.Test{Name: event.Test, Suite: event.Package})
}

// handleTestResult processes test result events
func (g *GoTestDefinition) handleTestResult(event *GoTestEvent) {
	pkg := g.packageFor(event)
	if pkg.ended {
		return
	}

	state, ok := pkg.running[event.Test]
	if !ok {
		// A result without a run event still counts as a test
		g.handleTestRun(event)
		state = pkg.running[event.Test]
	}

	test := tracker.Test{Name: event.Test, Suite: event.Package}
	elapsed := seconds(event.Elapsed)

	switch event.Action {
	case "fail":
		pkg.failedTests++
		g.markParentsFailed(pkg, event.Test)
		cause := errors.New(testFailureMessage(state.Output, event.Test, pkg.failedSubs[event.Test]))
		if isPanicOutput(state.Output) {
			g.listener.AddError(test, cause, elapsed)
		} else {
			g.listener.AddFailure(test, cause, elapsed)
		}
	case "skip":
		g.listener.AddSkipped(test, errors.New(testSkipMessage(state.Output)), elapsed)
	}
	g.listener.EndTest(test, elapsed)

	g.forget(pkg, event.Test)
}

// handlePackageResult closes out a package: unfinished tests are
// incomplete and an unexplained failure becomes an error
func (g *GoTestDefinition) handlePackageResult(event *GoTestEvent) {
	pkg := g.packageFor(event)
	if pkg.ended {
		return
	}

	failedBuild := buildImportPath(event.FailedBuild)
	if failedBuild != "" {
		g.buildFailed[failedBuild] = true
	}

	if event.Action == "fail" && pkg.failedTests == 0 {
		test := tracker.Test{Name: PackageTestName, Suite: pkg.name}
		elapsed := seconds(event.Elapsed)
		g.listener.StartTest(test)
		g.listener.AddError(test, errors.New(g.constructErrorMessage(pkg.name, failedBuild)), elapsed)
		g.listener.EndTest(test, elapsed)
	}

	if event.Action == "skip" && pkg.noTestFiles {
		g.logger.Debug("Package %s has no test files", pkg.name)
	}

	g.endPackage(pkg, event.Time)
}

// handleOutput buffers test output and collects package-level error lines
func (g *GoTestDefinition) handleOutput(event *GoTestEvent) {
	if event.Package == "" {
		g.logger.Debug("Output outside any package: %s", strings.TrimSpace(event.Output))
		return
	}
	pkg := g.packageFor(event)

	if event.Test != "" {
		if state, ok := pkg.running[event.Test]; ok {
			state.Output = append(state.Output, event.Output)
		}
		return
	}

	if strings.Contains(event.Output, "[no test files]") {
		pkg.noTestFiles = true
	}

	line := strings.TrimSpace(event.Output)
	if g.isErrorOutput(line) {
		pkg.errors = append(pkg.errors, line)
	}
	g.logger.Debug("Package output for %s: %s", event.Package, line)
}

// endPackage reports tests still running as incomplete, then ends the
// package suite
func (g *GoTestDefinition) endPackage(pkg *packageState, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	for _, name := range append([]string(nil), pkg.runOrder...) {
		state := pkg.running[name]
		test := tracker.Test{Name: name, Suite: pkg.name}
		elapsed := time.Duration(0)
		if !state.StartTime.IsZero() && at.After(state.StartTime) {
			elapsed = at.Sub(state.StartTime)
		}
		g.listener.AddIncomplete(test, fmt.Errorf("test %s did not complete", name), elapsed)
		g.listener.EndTest(test, elapsed)
		g.forget(pkg, name)
	}

	pkg.ended = true
	g.listener.EndSuite(tracker.Suite{Name: pkg.name})
}

// finishAll ends packages whose result never arrived, e.g. when the run
// was interrupted
func (g *GoTestDefinition) finishAll() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, name := range g.order {
		if pkg := g.packages[name]; !pkg.ended {
			g.logger.Debug("Package %s ended without a result", name)
			g.endPackage(pkg, time.Time{})
		}
	}
	g.listener = nil
}

// markParentsFailed counts a failed subtest against each enclosing test
func (g *GoTestDefinition) markParentsFailed(pkg *packageState, testName string) {
	suiteChain, _ := g.parseTestHierarchy(testName)
	for i := range suiteChain {
		pkg.failedSubs[strings.Join(suiteChain[:i+1], "/")]++
	}
}

func (g *GoTestDefinition) forget(pkg *packageState, test string) {
	delete(pkg.running, test)
	for i, name := range pkg.runOrder {
		if name == test {
			pkg.runOrder = append(pkg.runOrder[:i], pkg.runOrder[i+1:]...)
			break
		}
	}
}

// isErrorOutput reports whether a package-level output line explains a
// failure, as opposed to go test's own status lines
func (g *GoTestDefinition) isErrorOutput(line string) bool {
	if line == "" || line == "FAIL" || line == "PASS" {
		return false
	}
	for _, prefix := range []string{"FAIL\t", "ok  \t", "ok \t", "?   \t", "coverage:", "=== ", "--- "} {
		if strings.HasPrefix(line, prefix) {
			return false
		}
	}
	return true
}

// constructErrorMessage explains a package failure using the output of the
// failed build, if any, followed by the package's own error lines
func (g *GoTestDefinition) constructErrorMessage(pkgName, failedBuild string) string {
	if failedBuild == "" && g.buildFailed[pkgName] {
		failedBuild = pkgName
	}

	var lines []string
	if failedBuild != "" {
		lines = append(lines, g.buildOutput[failedBuild]...)
	}
	if pkg, ok := g.packages[pkgName]; ok {
		lines = append(lines, pkg.errors...)
	}
	if len(lines) == 0 {
		return fmt.Sprintf("package %s failed", pkgName)
	}
	return strings.Join(lines, "\n")
}

// extractPackagePatterns extracts package patterns from go test arguments
func (g *GoTestDefinition) extractPackagePatterns(args []string) []string {
	var patterns []string
	skipNext := false

	for i, arg := range args {
		if skipNext {
			skipNext = false
			continue
		}

		// Skip go and test commands
		if i < 2 {
			continue
		}

		if strings.HasPrefix(arg, "-") {
			// Check if flag takes a value
			switch arg {
			case "-run", "-skip", "-bench", "-count", "-cpu", "-parallel", "-timeout",
				"-benchtime", "-blockprofile", "-coverprofile", "-coverpkg",
				"-cpuprofile", "-memprofile", "-mutexprofile", "-outputdir", "-trace",
				"-tags", "-exec":
				skipNext = true
			}
			continue
		}

		// Skip test files (ending in _test.go or .go)
		if strings.HasSuffix(arg, ".go") {
			continue
		}

		patterns = append(patterns, arg)
	}

	return patterns
}

// parseTestHierarchy splits a subtest name into its parent chain and leaf
func (g *GoTestDefinition) parseTestHierarchy(testName string) (suiteChain []string, finalTestName string) {
	if strings.Contains(testName, "/") {
		parts := strings.Split(testName, "/")
		return parts[:len(parts)-1], parts[len(parts)-1]
	}
	return []string{}, testName
}

// testFailureMessage keeps the lines of a failed test's output that explain
// the failure
func testFailureMessage(output []string, testName string, failedSubtests int) string {
	var lines []string
	for _, raw := range output {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "=== ") || strings.HasPrefix(line, "--- ") {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		if failedSubtests > 0 {
			return fmt.Sprintf("%s: %d subtests failed", testName, failedSubtests)
		}
		return fmt.Sprintf("%s failed", testName)
	}
	return strings.Join(lines, "\n")
}

// testSkipMessage returns the reason passed to t.Skip, if any
func testSkipMessage(output []string) string {
	for _, raw := range output {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "=== ") || strings.HasPrefix(line, "--- ") {
			continue
		}
		return line
	}
	return "skipped"
}

// isPanicOutput reports whether a failure came from a panic or timeout
// rather than an assertion
func isPanicOutput(output []string) bool {
	for _, line := range output {
		if strings.Contains(line, "panic:") || strings.Contains(line, "test timed out") {
			return true
		}
	}
	return false
}

// buildImportPath strips the test variant suffix go adds to build output
// import paths, e.g. "pkg [pkg.test]"
func buildImportPath(path string) string {
	if i := strings.Index(path, " ["); i >= 0 {
		return path[:i]
	}
	return path
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

type noopLogger struct{}

func (noopLogger) Debug(format string, args ...interface{}) {}
func (noopLogger) Error(format string, args ...interface{}) {}
