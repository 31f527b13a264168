package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/zk/runnotify/internal/config"
	"github.com/zk/runnotify/internal/ipc"
	"github.com/zk/runnotify/internal/logger"
	"github.com/zk/runnotify/internal/notify"
	"github.com/zk/runnotify/internal/runner"
	"github.com/zk/runnotify/internal/tracker"
)

// killGrace is how long a signalled test command may take to exit before
// it is killed
const killGrace = 5 * time.Second

// Orchestrator manages the test execution lifecycle
type Orchestrator struct {
	runners  *runner.Manager
	logger   Logger
	settings *config.Config
	sender   notify.Sender
	owned    bool
	out      io.Writer
	stateDir string

	runID      string
	runDir     string
	eventsPath string
	command    []string
	exitCode   int

	tracker *tracker.Tracker
	display *Display

	// Error capture
	stderrCapture strings.Builder
}

// TailReader implements io.Reader that tails a file until signaled to stop
type TailReader struct {
	file          io.Reader
	processExited <-chan struct{}
}

// NewTailReader follows file until processExited is closed and the file is
// drained
func NewTailReader(file io.Reader, processExited <-chan struct{}) *TailReader {
	return &TailReader{file: file, processExited: processExited}
}

func (t *TailReader) Read(p []byte) (n int, err error) {
	for {
		n, err = t.file.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && err != io.EOF {
			return 0, err
		}

		select {
		case <-t.processExited:
			// One more read after exit picks up anything written last
			n, err = t.file.Read(p)
			if n > 0 {
				return n, nil
			}
			return 0, io.EOF
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// Logger interface for logging
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// Config holds orchestrator configuration
type Config struct {
	Command []string
	Logger  Logger

	// Settings defaults to config.Default()
	Settings *config.Config

	// Sender delivers the completion notification. When nil the session
	// bus is probed, unless notifications are disabled.
	Sender notify.Sender

	// Stdout receives the console display, os.Stdout when nil
	Stdout io.Writer

	// Runners defaults to the built-in runner set
	Runners *runner.Manager

	// StateDir holds the run directories, .runnotify when empty
	StateDir string
}

// New creates a new orchestrator
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	o := &Orchestrator{
		runners:  cfg.Runners,
		logger:   cfg.Logger,
		settings: cfg.Settings,
		sender:   cfg.Sender,
		out:      cfg.Stdout,
		stateDir: cfg.StateDir,
		command:  cfg.Command,
	}
	if o.settings == nil {
		o.settings = config.Default()
	}
	if o.out == nil {
		o.out = os.Stdout
	}
	if o.stateDir == "" {
		o.stateDir = logger.StateDir
	}
	if o.runners == nil {
		o.runners = runner.NewManager(cfg.Logger)
	}
	if o.sender == nil {
		if o.settings.Disabled {
			o.logger.Debug("Notifications disabled by configuration")
			o.sender = notify.NoopSender{}
		} else {
			o.sender = notify.Detect(context.Background(), cfg.Logger)
			o.owned = true
		}
	}

	return o, nil
}

// Close releases the notification sender when the orchestrator opened it
func (o *Orchestrator) Close() error {
	if o.owned && o.sender != nil {
		return o.sender.Close()
	}
	return nil
}

// Run executes the test command and sends the completion notification.
// The returned error wraps the command failure, if any; GetExitCode holds
// the exit code to mirror.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.runID = generateRunID()
	o.runDir = filepath.Join(o.stateDir, "runs", o.runID)
	o.eventsPath = filepath.Join(o.runDir, "events.jsonl")

	if err := os.MkdirAll(o.runDir, 0755); err != nil {
		o.exitCode = 1
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	o.printHeader()

	def, err := o.runners.Detect(o.command)
	if err != nil {
		o.exitCode = 1
		return fmt.Errorf("failed to detect test runner: %w", err)
	}
	o.logger.Debug("Detected runner: %s", def.Name())

	eventsPath, err := filepath.Abs(o.eventsPath)
	if err != nil {
		eventsPath = o.eventsPath
	}

	o.tracker = tracker.New(o.sender, o.settings.ToOptions(), o.logger)
	o.display = NewDisplay(o.out)

	native, isNative := runner.IsNative(def)
	if isNative {
		suiteName := o.settings.SuiteName
		if suiteName == "" {
			suiteName = native.DefaultSuiteName(o.command)
		}
		native.SetSuiteName(suiteName)
	}

	testCommand := def.BuildCommand(o.command, eventsPath)
	o.logger.Debug("Executing command: %v", testCommand)
	o.logger.Debug("Events path: %s", eventsPath)

	// Native runners are translated here and recorded; adapter runners write
	// the event file themselves and are followed
	var (
		listener tracker.Listener
		recorder *ipc.Writer
		events   *ipc.Manager
	)
	if isNative {
		recorder, err = ipc.NewWriter(eventsPath, o.logger)
		if err != nil {
			o.exitCode = 1
			return fmt.Errorf("failed to create event recorder: %w", err)
		}
		defer func() { _ = recorder.Close() }()
		listener = tracker.Multi(o.tracker, o.display, recorder)
	} else {
		events, err = ipc.NewManager(eventsPath, o.logger)
		if err != nil {
			o.exitCode = 1
			return fmt.Errorf("failed to create event manager: %w", err)
		}
		defer func() { _ = events.Cleanup() }()
		if err := events.WatchEvents(); err != nil {
			o.exitCode = 1
			return fmt.Errorf("failed to start event watcher: %w", err)
		}
		listener = tracker.Multi(o.tracker, o.display)
	}

	cmd := exec.Command(testCommand[0], testCommand[1:]...)
	if wd, err := os.Getwd(); err == nil {
		cmd.Dir = wd
	} else {
		o.logger.Error("Failed to get current working directory: %v", err)
	}
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", ipc.PathEnv, eventsPath))
	cmd.Stdin = os.Stdin

	outputPath := filepath.Join(o.runDir, "output.log")
	outputFile, err := os.Create(outputPath)
	if err != nil {
		o.exitCode = 1
		return fmt.Errorf("failed to create output file: %w", err)
	}
	outputFileClosed := false
	defer func() {
		if !outputFileClosed {
			_ = outputFile.Close()
		}
	}()

	cmd.Stdout = outputFile
	if isNative {
		// stdout carries the JSON stream, so stderr stays out of it
		cmd.Stderr = &o.stderrCapture
	} else {
		cmd.Stderr = outputFile
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := cmd.Start(); err != nil {
		o.exitCode = 1
		return fmt.Errorf("failed to start test command: %w", err)
	}
	o.logger.Debug("Started command %s (pid %d)", cmd.Path, cmd.Process.Pid)

	var wg sync.WaitGroup
	processExited := make(chan struct{})

	if isNative {
		tailFile, err := os.Open(outputPath)
		if err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			o.exitCode = 1
			return fmt.Errorf("failed to open output.log for reading: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { _ = tailFile.Close() }()
			if err := native.ProcessOutput(NewTailReader(tailFile, processExited), listener); err != nil {
				o.logger.Error("Failed to process native output: %v", err)
			}
		}()
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.processEvents(events, listener)
		}()
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var commandErr error
	select {
	case commandErr = <-done:
		o.exitCode = exitCodeOf(commandErr)
	case sig := <-sigChan:
		commandErr = o.interrupt(cmd, sig, done)
		o.exitCode = signalExitCode(sig)
	case <-ctx.Done():
		commandErr = o.interrupt(cmd, syscall.SIGTERM, done)
		o.exitCode = signalExitCode(syscall.SIGTERM)
	}
	o.logger.Debug("Command exited with code %d (%s)", o.exitCode, def.InterpretExitCode(o.exitCode))

	close(processExited)
	if events != nil {
		// Cleanup drains what the adapter wrote last and closes Events
		if err := events.Cleanup(); err != nil {
			o.logger.Debug("Event manager cleanup: %v", err)
		}
	}
	wg.Wait()
	o.logger.Debug("Event processing completed")

	outputFileClosed = true
	if err := outputFile.Close(); err != nil {
		o.logger.Error("Failed to close output file: %v", err)
	}

	state := o.tracker.Snapshot()
	if n := o.tracker.CloseOpenSuites(); n > 0 {
		o.logger.Warn("Test command left %d suites open, closed them", n)
	}

	if commandErr != nil && state.TestsStarted == 0 {
		if details := o.errorDetails(outputPath); details != "" {
			_, _ = fmt.Fprintf(o.out, "\nError: %s\n", details)
		}
	}
	if state.SuitesStarted == 0 {
		_, _ = fmt.Fprintf(o.out, "\nNo test lifecycle events were received from %q.\n", def.Name())
		if !isNative {
			_, _ = fmt.Fprintf(o.out, "The test framework needs a listener writing to $%s.\n", ipc.PathEnv)
		}
	}

	outcome, id := o.tracker.Outcome()
	o.display.PrintSummary(outcome, id)

	if commandErr != nil {
		return fmt.Errorf("test command failed: %w", commandErr)
	}
	return nil
}

// processEvents feeds adapter events to the listener in file order
func (o *Orchestrator) processEvents(events *ipc.Manager, l tracker.Listener) {
	for event := range events.Events {
		if err := ipc.Dispatch(event, l); err != nil {
			o.logger.Error("Failed to handle event: %v", err)
		}
	}
}

// interrupt forwards sig to the test command and waits for it, killing it
// after killGrace
func (o *Orchestrator) interrupt(cmd *exec.Cmd, sig os.Signal, done <-chan error) error {
	o.logger.Info("Received signal: %v", sig)
	if err := cmd.Process.Signal(sig); err != nil {
		o.logger.Debug("Failed to forward signal: %v", err)
	}

	select {
	case err := <-done:
		return err
	case <-time.After(killGrace):
		o.logger.Info("Test command still running after %v, killing it", killGrace)
		_ = cmd.Process.Kill()
		return <-done
	}
}

// errorDetails explains a command that failed before running any test:
// stderr when there is any, otherwise the first lines of its output
func (o *Orchestrator) errorDetails(outputPath string) string {
	if stderr := strings.TrimSpace(o.stderrCapture.String()); stderr != "" {
		return stderr
	}

	content, err := os.ReadFile(outputPath)
	if err != nil {
		return ""
	}
	var errorLines []string
	for _, line := range strings.Split(string(content), "\n") {
		if len(errorLines) == 10 {
			break
		}
		if strings.TrimSpace(line) != "" {
			errorLines = append(errorLines, line)
		}
	}
	return strings.Join(errorLines, "\n")
}

func (o *Orchestrator) printHeader() {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "unknown"
	}

	_, _ = fmt.Fprintln(o.out, "---")
	_, _ = fmt.Fprintf(o.out, "current_time: %s\n", time.Now().Format(time.RFC3339))
	_, _ = fmt.Fprintf(o.out, "cwd: %s\n", cwd)
	_, _ = fmt.Fprintf(o.out, "test_command: `%s`\n", strings.Join(o.command, " "))
	_, _ = fmt.Fprintf(o.out, "run_dir: %s\n", o.runDir)
	_, _ = fmt.Fprintln(o.out, "events: $run_dir/events.jsonl")
	_, _ = fmt.Fprintln(o.out, "---")
	_, _ = fmt.Fprintln(o.out)
	_, _ = fmt.Fprintln(o.out, "Test execution starting, no output until suite results.")
	_, _ = fmt.Fprintln(o.out)
}

// GetExitCode returns the exit code from the test run
func (o *Orchestrator) GetExitCode() int {
	return o.exitCode
}

// RunDir returns the directory of the last run
func (o *Orchestrator) RunDir() string {
	return o.runDir
}

// Tracker returns the tracker of the last run
func (o *Orchestrator) Tracker() *tracker.Tracker {
	return o.tracker
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return exitErr.ExitCode()
	}
	return 1
}

func signalExitCode(sig os.Signal) int {
	if sig == syscall.SIGTERM {
		return 143
	}
	return 130
}

// generateRunID generates a unique run identifier
func generateRunID() string {
	timestamp := time.Now().Format("20060102T150405")

	// Famous bells, whistles and horns for memorable suffixes
	names := []string{
		"big-ben", "liberty-bell", "tsar-bell", "bow-bells", "great-tom",
		"great-paul", "pummerin", "gloriosa", "old-tom", "great-george",
		"foghorn", "klaxon", "bosun-whistle", "train-whistle", "kettle",
		"doorbell", "cowbell", "sleigh-bell", "hand-bell", "ship-bell",
		"alarm-clock", "cuckoo-clock", "carillon", "glockenspiel", "gong",
		"chime", "buzzer", "siren", "tannoy", "bugle",
		"reveille", "last-post", "town-crier", "lighthouse", "beacon",
		"semaphore", "telegraph", "pager", "beeper", "ringtone",
	}

	adjectives := []string{
		"grumpy", "sneaky", "giggly", "wonky", "dizzy",
		"cranky", "bouncy", "quirky", "sleepy", "dopey",
		"sassy", "goofy", "wacky", "silly", "funky",
		"nutty", "zany", "loopy", "kooky", "batty",
		"fuzzy", "bubbly", "snappy", "zippy", "rowdy",
		"cheeky", "spunky", "feisty", "frisky", "peppy",
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return fmt.Sprintf("%s-%s-%s", timestamp, adjectives[rng.Intn(len(adjectives))], names[rng.Intn(len(names))])
}
