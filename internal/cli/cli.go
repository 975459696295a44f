// Package cli implements the substrate command line: graph execution,
// session signalling, cost reporting, adapter discovery, and plan
// management. Commands speak to the state store directly; a running engine
// in another process picks up signal rows through its poller.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/johnplanow/substrate-sub006/internal/adapter"
	"github.com/johnplanow/substrate-sub006/internal/common/config"
	"github.com/johnplanow/substrate-sub006/internal/common/errors"
	"github.com/johnplanow/substrate-sub006/internal/common/logger"
)

// App carries the state shared by every command: parsed flags, loaded
// configuration, the logger, and the output emitter. Tests construct it with
// their own streams and adapter candidates.
type App struct {
	configPath   string
	outputFormat string

	cfg *config.Config
	log *logger.Logger
	out *Emitter

	stdout io.Writer
	stderr io.Writer

	// candidates supplies the adapter set probed by discovery. Tests swap
	// in mocks so no real binaries are needed.
	candidates func(log *logger.Logger) []adapter.WorkerAdapter
}

// New builds an App bound to the process streams.
func New() *App {
	return &App{
		stdout:     os.Stdout,
		stderr:     os.Stderr,
		candidates: adapter.DefaultCandidates,
	}
}

// Execute parses args, runs the selected command, and returns the process
// exit code: 0 on success, 2 for validation and parse failures, 1 for
// everything else.
func (a *App) Execute(ctx context.Context, args []string) int {
	root := a.NewRootCommand()
	root.SetArgs(args)
	cmd, err := root.ExecuteContextC(ctx)
	if err != nil {
		name := "substrate"
		if cmd != nil {
			name = cmd.Name()
		}
		if a.out != nil {
			a.out.Error(name, err)
		} else {
			fmt.Fprintf(a.stderr, "substrate: %s: %v\n", name, err)
		}
		return errors.ExitCode(err)
	}
	return 0
}

// NewRootCommand assembles the substrate command tree.
func (a *App) NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "substrate",
		Short: "Coding-agent pipeline over a persistent task graph",
		Long: `Substrate loads a task graph, dispatches each ready task to a headless
coding agent in its own git worktree, and records every state change in a
SQLite store so an interrupted run can be recovered.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initialize()
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "",
		"directory containing substrate.yaml (also searches . and .substrate)")
	root.PersistentFlags().StringVar(&a.outputFormat, "output-format", FormatText,
		"output format: text or json (cost also accepts table and csv)")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return errors.Validation(err.Error())
	})

	root.AddCommand(
		a.newStartCommand(),
		a.newPauseCommand(),
		a.newResumeCommand(),
		a.newCancelCommand(),
		a.newCostCommand(),
		a.newAdaptersCommand(),
		a.newPlanCommand(),
	)
	return root
}

// initialize loads configuration and builds the logger and emitter. Runs
// once per invocation, before any RunE.
func (a *App) initialize() error {
	switch a.outputFormat {
	case FormatText, FormatJSON, "table", "csv":
	default:
		return errors.Validationf("unknown output format %q: want text, json, table or csv", a.outputFormat)
	}

	cfg, err := config.LoadWithPath(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return errors.Wrap(err, "configure logging")
	}
	a.log = log

	a.out = NewEmitter(a.stdout, a.stderr, a.outputFormat == FormatJSON)
	return nil
}

// costFormat maps the root output format to the cost reporter's formats.
func (a *App) costFormat() string {
	if a.outputFormat == FormatText {
		return "table"
	}
	return a.outputFormat
}

func exactArgs(n int, usage string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return errors.Validationf("usage: substrate %s", usage)
		}
		return nil
	}
}

func maxArgs(n int, usage string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) > n {
			return errors.Validationf("usage: substrate %s", usage)
		}
		return nil
	}
}
