// Command tx is the coordination kernel's CLI surface (spec §6): task and
// learning CRUD, the coordinator lifecycle, trace inspection, and a stats
// summary. Grounded on the teacher's cobra_cli.go root-command/subcommand
// structure (rootCmd + PersistentFlags + AddCommand + small per-subcommand
// factory functions), generalized from an interactive chat-agent TUI to a
// scriptable, --json-capable operations CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"tx/internal/kernel"
	"tx/internal/txconfig"
	"tx/internal/txerr"
	"tx/internal/txlog"
)

// exit codes per spec §6.
const (
	exitOK        = 0
	exitOperation = 1
	exitUsage     = 2
)

var (
	red    = color.New(color.FgRed).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

// cli carries the global flags and lazily-built kernel every subcommand
// shares, mirroring the teacher's single *CLI struct threaded through its
// command factories.
type cli struct {
	jsonOutput bool
	configPath string
	logLevel   string

	kernel *kernel.Kernel
}

// buildKernel opens the store and wires every service on first use. Callers
// must call closeKernel (typically via a deferred call in RunE) when done.
func (c *cli) buildKernel(ctx context.Context) (*kernel.Kernel, error) {
	if c.kernel != nil {
		return c.kernel, nil
	}
	cfg, err := txconfig.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	logger := txlog.New(txlog.Config{Level: c.logLevel, Format: formatFor(c.jsonOutput)})
	k, err := kernel.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.kernel = k
	return k, nil
}

func (c *cli) closeKernel(ctx context.Context) {
	if c.kernel != nil {
		_ = c.kernel.Close(ctx)
		c.kernel = nil
	}
}

func formatFor(jsonOutput bool) string {
	if jsonOutput {
		return "json"
	}
	return "text"
}

// NewRootCommand assembles the full command tree.
func NewRootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "tx",
		Short:         "Local-first task coordination kernel for autonomous coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&c.jsonOutput, "json", false, "emit machine-readable JSON on stdout")
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to a tx config file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "info", "log level (debug|info|warn|error)")

	root.AddCommand(newTaskCommand(c))
	root.AddCommand(newLearningCommand(c))
	root.AddCommand(newCoordinatorCommand(c))
	root.AddCommand(newTraceCommand(c))
	root.AddCommand(newStatsCommand(c))
	root.AddCommand(newWorkerCommand(c))
	root.AddCommand(newClaimCommand(c))

	// Flag-parse failures and positional-argument check failures are usage
	// errors, so they are wrapped as usageError for exitCodeFor.
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{msg: err.Error()} })
	var markArgErrors func(*cobra.Command)
	markArgErrors = func(cmd *cobra.Command) {
		if check := cmd.Args; check != nil {
			cmd.Args = func(cmd *cobra.Command, args []string) error {
				if err := check(cmd, args); err != nil {
					return usageError{msg: err.Error()}
				}
				return nil
			}
		}
		for _, sub := range cmd.Commands() {
			markArgErrors(sub)
		}
	}
	markArgErrors(root)

	return root
}

func runTx() {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error to spec §6's exit-code contract: usage errors
// (newUsageError values, flag-parse failures, and failed positional-argument
// checks, wrapped in NewRootCommand) exit 2, everything else 1. An unknown
// subcommand is reported by cobra as a plain error and exits 1.
func exitCodeFor(err error) int {
	if isUsageError(err) {
		return exitUsage
	}
	return exitOperation
}

func isUsageError(err error) bool {
	var usageErr usageError
	return errorsAs(err, &usageErr)
}

// usageError marks an error as a CLI argument/flag problem rather than an
// operational failure, so exitCodeFor can tell the two apart.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func newUsageError(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

func errorsAs(err error, target *usageError) bool {
	for err != nil {
		if u, ok := err.(usageError); ok {
			*target = u
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// outputResult prints v as JSON when jsonOutput is set, otherwise delegates
// to human, which formats the same value for a terminal.
func outputResult(c *cli, v any, human func()) {
	if c.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
		return
	}
	human()
}

// outputError prints err as a JSON envelope on stdout when jsonOutput is
// set (and prints nothing otherwise; runTx writes the message to stderr),
// and returns it so RunE can propagate the right exit code.
func outputError(c *cli, err error) error {
	if c.jsonOutput {
		code := string(txerr.CodeOf(err))
		if isUsageError(err) {
			code = string(txerr.CodeValidationError)
		}
		envelope := map[string]any{
			"error": map[string]any{
				"code":    code,
				"message": err.Error(),
			},
		}
		enc := json.NewEncoder(os.Stdout)
		_ = enc.Encode(envelope)
	}
	return err
}
