package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zk/runnotify/internal/config"
	"github.com/zk/runnotify/internal/ipc"
	"github.com/zk/runnotify/internal/logger"
	"github.com/zk/runnotify/internal/notify"
	"github.com/zk/runnotify/internal/orchestrator"
	"github.com/zk/runnotify/internal/tracker"
)

var (
	version = "0.0.1-go"
	commit  = "unknown"
	date    = "unknown"
)

// app carries what the commands write to and how they reach the bus
type app struct {
	stdout    io.Writer
	stderr    io.Writer
	newSender func(ctx context.Context, logger notify.Logger) notify.Sender
	exitCode  int
}

func main() {
	a := &app{
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		newSender: notify.Detect,
	}
	os.Exit(a.execute(context.Background(), os.Args[1:]))
}

// execute runs the CLI and returns the process exit code
func (a *app) execute(ctx context.Context, args []string) int {
	if args == nil {
		// cobra falls back to os.Args for a nil slice
		args = []string{}
	}
	rootCmd := a.newRootCmd()
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if a.exitCode == 0 {
			a.exitCode = 1
		}
	}
	return a.exitCode
}

func (a *app) newRootCmd() *cobra.Command {
	var rootCmd = &cobra.Command{
		Use:   "runnotify [your test command] | [command]",
		Short: "Desktop notification when a test run finishes",
		Long: `runnotify wraps a test command, follows its test lifecycle and sends one
desktop notification over the session D-Bus when the outermost suite ends.

Each run is recorded in .runnotify/runs/[timestamp]-[memorable-name]/:
• output.log    - Complete stdout/stderr output from the test command
• events.jsonl  - Lifecycle events (suite/test start, end and results)

go test is understood natively. Any other framework needs a listener that
appends events to the file named by $RUNNOTIFY_EVENTS_PATH.

Examples:
  runnotify go test ./...                 # Run go test
  runnotify vendor/bin/phpunit            # Run a suite with an event listener
  runnotify send --summary "Build done"   # Send a single notification
  runnotify watch events.jsonl            # Notify from an event file`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.DisableFlagParsing = true
	rootCmd.SilenceUsage = true
	rootCmd.Args = cobra.ArbitraryArgs
	rootCmd.SetOut(a.stdout)
	rootCmd.SetErr(a.stderr)
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			firstArg := args[0]
			if firstArg == "--help" || firstArg == "-h" {
				return cmd.Help()
			}
			if firstArg == "--version" || firstArg == "-v" {
				a.printVersion()
				return nil
			}
			// Otherwise, assume it's a test command
			code, err := a.runTests(cmd.Context(), args)
			a.exitCode = code
			if err != nil && code == 0 {
				return err
			}
			return nil
		}
		return cmd.Help()
	}

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.SetHelpTemplate(`{{.Long}}

Usage:
  {{.UseLine}}
{{if .HasAvailableSubCommands}}
Commands:{{range .Commands}}{{if .IsAvailableCommand}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}
{{end}}`)

	rootCmd.AddCommand(a.newSendCmd(), a.newWatchCmd(), a.newVersionCmd())
	return rootCmd
}

func (a *app) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			a.printVersion()
		},
	}
}

func (a *app) printVersion() {
	fmt.Fprintf(a.stdout, "runnotify version %s\n", version)
	fmt.Fprintf(a.stdout, "Commit: %s\n", commit)
	fmt.Fprintf(a.stdout, "Built: %s\n", date)
}

// setup resolves the configuration and opens the debug log at its level
func (a *app) setup() (*config.Config, *logger.FileLogger, error) {
	cfg, path, err := config.Resolve()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	fileLogger, err := logger.NewFileLogger()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create debug logger: %w", err)
	}
	fileLogger.SetLevel(cfg.LogLevel)
	if path != "" {
		fileLogger.Debug("Loaded configuration from %s", path)
	}
	return cfg, fileLogger, nil
}

// sender returns nil when notifications are disabled; the caller then falls
// back to the no-op sender
func (a *app) sender(ctx context.Context, cfg *config.Config, log notify.Logger) notify.Sender {
	if cfg.Disabled {
		return nil
	}
	return a.newSender(ctx, log)
}

// runTests contains the core logic for running tests
func (a *app) runTests(ctx context.Context, args []string) (int, error) {
	cfg, fileLogger, err := a.setup()
	if err != nil {
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
		return 1, err
	}
	defer func() {
		if err := fileLogger.Close(); err != nil {
			fmt.Fprintf(a.stderr, "Warning: failed to close debug log: %v\n", err)
		}
	}()

	sender := a.sender(ctx, cfg, fileLogger)
	if sender != nil {
		defer func() { _ = sender.Close() }()
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Command:  args,
		Logger:   fileLogger,
		Settings: cfg,
		Sender:   sender,
		Stdout:   a.stdout,
	})
	if err != nil {
		fmt.Fprintf(a.stderr, "Failed to create orchestrator: %v\n", err)
		return 1, err
	}
	defer func() { _ = orch.Close() }()

	if err := orch.Run(ctx); err != nil {
		// A failing test run is reported by the summary already
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintf(a.stderr, "Test execution failed: %v\n", err)
		}
		return orch.GetExitCode(), err
	}
	return orch.GetExitCode(), nil
}

type sendOptions struct {
	appName    string
	replacesID uint32
	icon       string
	summary    string
	body       string
	actions    []string
	hints      []string
	timeout    time.Duration
	closeAfter time.Duration
}

// notificationCloser is implemented by senders that can dismiss a
// notification
type notificationCloser interface {
	CloseNotification(ctx context.Context, id uint32) error
}

func (a *app) newSendCmd() *cobra.Command {
	opts := &sendOptions{}
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a single desktop notification and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.send(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.appName, "app-name", "Testapp", "application name")
	f.Uint32Var(&opts.replacesID, "replaces-id", 0, "id of a notification to replace, 0 for a new one")
	f.StringVar(&opts.icon, "icon", "iceweasel", "application icon")
	f.StringVar(&opts.summary, "summary", "Testing http://ez.no", "summary line")
	f.StringVar(&opts.body, "body", "Test Notification", "body text")
	f.StringArrayVar(&opts.actions, "action", nil, "action as key,label (repeatable)")
	f.StringArrayVar(&opts.hints, "hint", []string{"int:x:500", "int:y:500", "string:desktop-entry:rhythmbox"},
		"hint as TYPE:NAME:VALUE or NAME=VALUE (repeatable)")
	f.DurationVar(&opts.timeout, "timeout", time.Second, "expire timeout, 0 never expires, negative uses the server default")
	f.DurationVar(&opts.closeAfter, "close-after", 0, "close the notification after this long")
	return cmd
}

func (a *app) send(ctx context.Context, opts *sendOptions) error {
	hints, err := notify.ParseHints(opts.hints)
	if err != nil {
		return err
	}
	actions, err := parseActions(opts.actions)
	if err != nil {
		return err
	}

	cfg, fileLogger, err := a.setup()
	if err != nil {
		return err
	}
	defer func() { _ = fileLogger.Close() }()

	sender := a.sender(ctx, cfg, fileLogger)
	if sender == nil {
		sender = notify.NoopSender{}
	}
	defer func() { _ = sender.Close() }()

	id, err := sender.Send(ctx, notify.Notification{
		AppName:       opts.appName,
		ReplacesID:    opts.replacesID,
		AppIcon:       opts.icon,
		Summary:       opts.summary,
		Body:          opts.body,
		Actions:       actions,
		Hints:         hints,
		ExpireTimeout: opts.timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	fmt.Fprintln(a.stdout, id)

	if opts.closeAfter > 0 {
		closer, ok := sender.(notificationCloser)
		if !ok {
			return fmt.Errorf("notification service cannot close notifications")
		}
		select {
		case <-time.After(opts.closeAfter):
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := closer.CloseNotification(ctx, id); err != nil {
			return fmt.Errorf("failed to close notification %d: %w", id, err)
		}
	}
	return nil
}

// parseActions turns key,label pairs into the flat list Notify expects
func parseActions(specs []string) ([]string, error) {
	actions := make([]string, 0, len(specs)*2)
	for _, spec := range specs {
		key, label, ok := strings.Cut(spec, ",")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid action %q: want key,label", spec)
		}
		actions = append(actions, key, label)
	}
	return actions, nil
}

func (a *app) newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <events.jsonl>",
		Short: "Follow a lifecycle event file and notify when the run ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.watch(cmd.Context(), args[0])
		},
	}
}

// watch follows path until the outermost suite ends or the process is
// interrupted
func (a *app) watch(ctx context.Context, path string) error {
	cfg, fileLogger, err := a.setup()
	if err != nil {
		return err
	}
	defer func() { _ = fileLogger.Close() }()

	sender := a.sender(ctx, cfg, fileLogger)
	if sender != nil {
		defer func() { _ = sender.Close() }()
	}

	events, err := ipc.NewManager(path, fileLogger)
	if err != nil {
		return err
	}
	defer func() { _ = events.Cleanup() }()
	if err := events.WatchEvents(); err != nil {
		return err
	}

	t := tracker.New(sender, cfg.ToOptions(), fileLogger)
	display := orchestrator.NewDisplay(a.stdout)
	listener := tracker.Multi(t, display)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(a.stdout, "Watching %s\n", path)
loop:
	for {
		select {
		case event, ok := <-events.Events:
			if !ok {
				break loop
			}
			if err := ipc.Dispatch(event, listener); err != nil {
				fileLogger.Error("Failed to handle event: %v", err)
			}
		case <-t.Done():
			break loop
		case <-ctx.Done():
			fileLogger.Info("Stopped watching %s: %v", path, ctx.Err())
			break loop
		}
	}

	outcome, id := t.Outcome()
	display.PrintSummary(outcome, id)
	return nil
}
