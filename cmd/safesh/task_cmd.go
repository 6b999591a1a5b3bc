package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/safeshell/safesh/dispatcher"
	"github.com/safeshell/safesh/policy"
)

var errMissingTaskName = errors.New("safesh task: missing task name")

// taskCmd builds the `task` subcommand: runs one of the project config's
// named tasks (spec.md §4.F "Task orchestration") from outside an agent
// session.
func taskCmd(cfg policy.Config, env map[string]string) *Command {
	flags := newCmdFlagSet("task")
	flagShellID := flags.String("shell-id", "", "Run inside an existing shell context")
	flagJSON := flags.Bool("json", false, "Print the full result as JSON")

	return &Command{
		Flags: flags,
		Usage: "task <name>",
		Short: "Run a named task from the project config",
		Exec: func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
			if len(args) == 0 {
				fprintError(stderr, errMissingTaskName)
				return NewExitCodeError(1)
			}

			log, err := newLogger(false)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			disp, err := newDispatcher(cfg, env, log)
			if err != nil {
				return err
			}
			defer func() { _ = disp.Close() }()

			result, err := disp.RunTask(ctx, dispatcher.RunTaskInput{
				Name:    args[0],
				ShellID: *flagShellID,
			})
			if err != nil {
				fprintError(stderr, err)
				return NewExitCodeError(1)
			}

			if *flagJSON {
				body, marshalErr := json.MarshalIndent(result, "", "  ")
				if marshalErr != nil {
					return marshalErr
				}

				fprintln(stdout, string(body))
			} else {
				fprintln(stdout, result.Output)
			}

			if !result.Success {
				return NewExitCodeError(1)
			}

			return nil
		},
	}
}
