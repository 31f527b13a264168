package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zk/runnotify/internal/config"
	"github.com/zk/runnotify/internal/ipc"
	"github.com/zk/runnotify/internal/logger"
	"github.com/zk/runnotify/internal/notify"
	"github.com/zk/runnotify/internal/runner"
	"github.com/zk/runnotify/internal/runner/definitions"
	"github.com/zk/runnotify/internal/tracker"
)

// fakeSender records notifications instead of talking to the bus
type fakeSender struct {
	mu   sync.Mutex
	sent []notify.Notification
	id   uint32
}

func (f *fakeSender) Send(ctx context.Context, n notify.Notification) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return f.id, nil
}

func (f *fakeSender) Close() error { return nil }

func (f *fakeSender) notifications() []notify.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Notification(nil), f.sent...)
}

// helperGoRunner treats the helper process as go test so its JSON stream
// goes through the native translation
type helperGoRunner struct {
	*definitions.GoTestWrapper
}

func (h *helperGoRunner) Matches(command []string) bool {
	return len(command) > 3 && command[3] == "gotest"
}

func (h *helperGoRunner) BuildCommand(args []string, eventsPath string) []string {
	return args
}

func helperCommand(mode string) []string {
	return []string{os.Args[0], "-test.run=^TestHelperProcess$", "--", mode}
}

type testRun struct {
	orch   *Orchestrator
	out    *bytes.Buffer
	log    *logger.TestLogger
	sender *fakeSender
	err    error
}

func runHelper(t *testing.T, mode string, settings *config.Config) *testRun {
	t.Helper()
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")

	log := logger.NewTestLogger()
	runners := runner.NewManager(log)
	runners.Register("go", &helperGoRunner{definitions.NewGoTestWrapper(log)})

	r := &testRun{out: &bytes.Buffer{}, log: log, sender: &fakeSender{id: 7}}
	cfg := Config{
		Command:  helperCommand(mode),
		Logger:   log,
		Settings: settings,
		Sender:   r.sender,
		Stdout:   r.out,
		Runners:  runners,
		StateDir: t.TempDir(),
	}
	if settings != nil && settings.Disabled {
		cfg.Sender = nil
	}

	orch, err := New(cfg)
	require.NoError(t, err)
	r.orch = orch
	r.err = orch.Run(context.Background())
	return r
}

func TestOrchestrator_New(t *testing.T) {
	config := Config{
		Command: []string{"go", "test", "./..."},
		Logger:  logger.NewTestLogger(),
		Sender:  &fakeSender{},
	}

	orch, err := New(config)
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}

	if len(orch.command) != 3 || orch.command[0] != "go" || orch.command[1] != "test" {
		t.Errorf("Expected command [go test ./...], got %v", orch.command)
	}
	if orch.stateDir != logger.StateDir {
		t.Errorf("Expected state dir %s, got %s", logger.StateDir, orch.stateDir)
	}
	if orch.runners == nil || orch.settings == nil || orch.out == nil {
		t.Error("Expected defaults for runners, settings and stdout")
	}
	if orch.owned {
		t.Error("A sender passed in must not be owned by the orchestrator")
	}
}

func TestOrchestrator_NewWithoutLogger(t *testing.T) {
	_, err := New(Config{Command: []string{"go", "test"}})
	if err == nil || !strings.Contains(err.Error(), "logger is required") {
		t.Fatalf("Expected logger error, got %v", err)
	}
}

func TestOrchestrator_NewDisabled(t *testing.T) {
	settings := config.Default()
	settings.Disabled = true

	orch, err := New(Config{Command: []string{"true"}, Logger: logger.NewTestLogger(), Settings: settings})
	require.NoError(t, err)

	_, ok := orch.sender.(notify.NoopSender)
	assert.True(t, ok, "expected NoopSender, got %T", orch.sender)
	assert.NoError(t, orch.Close())
}

func TestOrchestrator_GetExitCode(t *testing.T) {
	orch := &Orchestrator{exitCode: 42}
	if code := orch.GetExitCode(); code != 42 {
		t.Errorf("Expected exit code 42, got %d", code)
	}
}

func TestGenerateRunID(t *testing.T) {
	pattern := regexp.MustCompile(`^\d{8}T\d{6}-[a-z]+-[a-z0-9-]+$`)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		id := generateRunID()
		if !pattern.MatchString(id) {
			t.Fatalf("Run ID %q does not match %s", id, pattern)
		}
		seen[id] = true
	}
	if len(seen) < 2 {
		t.Error("Expected run IDs to vary")
	}
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, 0, exitCodeOf(nil))
	assert.Equal(t, 1, exitCodeOf(errors.New("could not wait")))
	assert.Equal(t, 130, signalExitCode(os.Interrupt))
	assert.Equal(t, 143, signalExitCode(syscall.SIGTERM))
}

func TestTailReader_ReadsUntilExit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "output.log")
	writer, err := os.Create(path)
	require.NoError(t, err)
	defer func() { _ = writer.Close() }()

	reader, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()

	exited := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			_, _ = fmt.Fprintf(writer, "line %d\n", i)
			time.Sleep(20 * time.Millisecond)
		}
		close(exited)
	}()

	data, err := io.ReadAll(NewTailReader(reader, exited))
	require.NoError(t, err)
	assert.Equal(t, "line 0\nline 1\nline 2\n", string(data))
}

func TestOrchestrator_RunEmptyCommand(t *testing.T) {
	orch, err := New(Config{Logger: logger.NewTestLogger(), Sender: &fakeSender{}, Stdout: io.Discard, StateDir: t.TempDir()})
	require.NoError(t, err)

	err = orch.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to detect test runner")
	assert.Equal(t, 1, orch.GetExitCode())
}

func TestOrchestrator_RunCommandNotFound(t *testing.T) {
	sender := &fakeSender{}
	orch, err := New(Config{
		Command:  []string{"runnotify-no-such-command"},
		Logger:   logger.NewTestLogger(),
		Sender:   sender,
		Stdout:   io.Discard,
		StateDir: t.TempDir(),
	})
	require.NoError(t, err)

	err = orch.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start test command")
	assert.Equal(t, 1, orch.GetExitCode())
	assert.Empty(t, sender.notifications())
}

func TestOrchestrator_RunEventsAdapter(t *testing.T) {
	r := runHelper(t, "events", nil)

	require.Error(t, r.err)
	assert.Equal(t, 1, r.orch.GetExitCode())

	sent := r.sender.notifications()
	require.Len(t, sent, 1)
	n := sent[0]
	assert.Equal(t, tracker.DefaultTitle, n.Summary)
	assert.Equal(t, tracker.DefaultAppName, n.AppName)
	assert.True(t, strings.HasPrefix(n.Body, "Suite: AdapterSuite\n2 tests run in "), n.Body)
	assert.True(t, strings.HasSuffix(n.Body, " minutes.\n0 errors, 1 failures..."), n.Body)

	output := r.out.String()
	assert.Contains(t, output, "test_command: `")
	assert.Contains(t, output, "FAIL AdapterSuite (2 tests, 1 failures)")
	assert.Contains(t, output, "x testTwo")
	assert.Contains(t, output, "Notification: sent (id 7)")

	log, err := os.ReadFile(filepath.Join(r.orch.RunDir(), "output.log"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "adapter says hello")
}

func TestOrchestrator_RunNativeGoStream(t *testing.T) {
	settings := config.Default()
	settings.SuiteName = "helper suite"

	r := runHelper(t, "gotest", settings)

	require.Error(t, r.err)
	assert.Equal(t, 1, r.orch.GetExitCode())

	state := r.orch.Tracker().Snapshot()
	assert.Equal(t, 2, state.TestsStarted)
	assert.Equal(t, 1, state.Failures)
	assert.Equal(t, 0, state.Errors)
	assert.Equal(t, 2, state.SuitesStarted)
	assert.Equal(t, 2, state.SuitesEnded)

	sent := r.sender.notifications()
	require.Len(t, sent, 1)
	assert.True(t, strings.HasPrefix(sent[0].Body, "Suite: helper suite\n"), sent[0].Body)

	assert.Contains(t, r.out.String(), "FAIL example.com/pkg (2 tests, 1 failures)")

	recorded, err := os.ReadFile(filepath.Join(r.orch.RunDir(), "events.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(recorded), `"eventType":"testFailure"`)
	assert.Contains(t, string(recorded), "wrong answer")
}

func TestOrchestrator_RunUnbalancedSuitesStillNotify(t *testing.T) {
	r := runHelper(t, "unbalanced", nil)

	require.NoError(t, r.err)
	assert.Equal(t, 0, r.orch.GetExitCode())
	assert.Len(t, r.sender.notifications(), 1)

	warnings := strings.Join(r.log.GetWarnMessages(), "\n")
	assert.Contains(t, warnings, "left 1 suites open")
}

func TestOrchestrator_RunWithoutEvents(t *testing.T) {
	r := runHelper(t, "silent", nil)

	require.NoError(t, r.err)
	assert.Empty(t, r.sender.notifications())

	output := r.out.String()
	assert.Contains(t, output, "No test lifecycle events were received")
	assert.Contains(t, output, ipc.PathEnv)
	assert.Contains(t, output, "Notification: not sent")
}

func TestOrchestrator_RunDisabled(t *testing.T) {
	settings := config.Default()
	settings.Disabled = true

	r := runHelper(t, "events", settings)

	assert.Empty(t, r.sender.notifications())
	outcome, _ := r.orch.Tracker().Outcome()
	assert.Equal(t, tracker.OutcomeSkipped, outcome)
	assert.Contains(t, r.out.String(), "Notification: skipped")
}

func TestOrchestrator_RunFailureShowsStderr(t *testing.T) {
	r := runHelper(t, "broken", nil)

	require.Error(t, r.err)
	assert.Equal(t, 2, r.orch.GetExitCode())
	assert.Contains(t, r.out.String(), "Error: cannot find configuration")
}

// TestHelperProcess is run as the wrapped test command by the tests above
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	args := os.Args
	for len(args) > 0 {
		if args[0] == "--" {
			args = args[1:]
			break
		}
		args = args[1:]
	}
	if len(args) == 0 {
		os.Exit(3)
	}

	send := func(e ipc.Event) {
		if err := ipc.SendEvent(e); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(4)
		}
	}

	switch args[0] {
	case "events":
		fmt.Println("adapter says hello")
		one := tracker.Test{Name: "testOne", Suite: "AdapterSuite"}
		two := tracker.Test{Name: "testTwo", Suite: "AdapterSuite"}
		send(ipc.NewSuiteEvent(ipc.EventTypeSuiteStarted, "AdapterSuite"))
		send(ipc.NewTestEvent(ipc.EventTypeTestStarted, one, nil, 0))
		send(ipc.NewTestEvent(ipc.EventTypeTestEnded, one, nil, time.Millisecond))
		send(ipc.NewTestEvent(ipc.EventTypeTestStarted, two, nil, 0))
		send(ipc.NewTestEvent(ipc.EventTypeTestFailure, two, errors.New("expected 1"), time.Millisecond))
		send(ipc.NewTestEvent(ipc.EventTypeTestEnded, two, nil, time.Millisecond))
		send(ipc.NewSuiteEvent(ipc.EventTypeSuiteEnded, "AdapterSuite"))
		os.Exit(1)

	case "unbalanced":
		test := tracker.Test{Name: "testOnly", Suite: "Open"}
		send(ipc.NewSuiteEvent(ipc.EventTypeSuiteStarted, "Open"))
		send(ipc.NewTestEvent(ipc.EventTypeTestStarted, test, nil, 0))
		os.Exit(0)

	case "gotest":
		lines := []string{
			`{"Action":"start","Package":"example.com/pkg"}`,
			`{"Action":"run","Package":"example.com/pkg","Test":"TestA"}`,
			`{"Action":"pass","Package":"example.com/pkg","Test":"TestA","Elapsed":0.01}`,
			`{"Action":"run","Package":"example.com/pkg","Test":"TestB"}`,
			`{"Action":"output","Package":"example.com/pkg","Test":"TestB","Output":"    b_test.go:3: wrong answer\n"}`,
			`{"Action":"fail","Package":"example.com/pkg","Test":"TestB","Elapsed":0.02}`,
			`{"Action":"fail","Package":"example.com/pkg","Elapsed":0.05}`,
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		os.Exit(1)

	case "silent":
		fmt.Println("nothing to report")
		os.Exit(0)

	case "broken":
		fmt.Println("cannot find configuration file phpunit.xml")
		os.Exit(2)
	}
	os.Exit(3)
}
