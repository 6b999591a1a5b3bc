package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/safeshell/safesh/dispatcher"
	"github.com/safeshell/safesh/policy"
	"github.com/safeshell/safesh/retry"
)

// runCmd builds the `run` subcommand: a one-shot CLI entry point into the
// same dispatcher.Run the MCP `run` tool calls, for use outside an agent
// session (spec.md §6, §9: "the CLI and the MCP server share one
// dispatcher").
func runCmd(cfg policy.Config, env map[string]string) *Command {
	flags := newCmdFlagSet("run")
	flagCode := flags.String("code", "", "Inline JS/TS source to run")
	flagShcmd := flags.String("shcmd", "", "A shell command line to run")
	flagFile := flags.String("file", "", "Path of a script to run")
	flagModule := flags.String("module", "", "A module specifier to dynamically import")
	flagRetryID := flags.String("retry-id", "", "Resume a blocked run with a permission choice")
	flagChoice := flags.String("choice", "once", "once|session|always, used with --retry-id")
	flagShellID := flags.String("shell-id", "", "Run inside an existing shell context")
	flagBackground := flags.Bool("background", false, "Return immediately with a PID")
	flagTimeout := flags.Int64("timeout", 0, "Script timeout in milliseconds")
	flagJSON := flags.Bool("json", false, "Print the full result as JSON instead of just stdout/stderr")

	return &Command{
		Flags: flags,
		Usage: "run [--code js | --shcmd 'cmd ...' | --file path] [flags]",
		Short: "Run a snippet or shell command once and print its output",
		Exec: func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
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

			choice := retry.ChoiceOnce

			switch *flagChoice {
			case "session":
				choice = retry.ChoiceSession
			case "always":
				choice = retry.ChoiceAlways
			}

			out, err := disp.Run(ctx, dispatcher.RunInput{
				Code:       *flagCode,
				Shcmd:      *flagShcmd,
				File:       *flagFile,
				Module:     *flagModule,
				RetryID:    *flagRetryID,
				ShellID:    *flagShellID,
				Background: *flagBackground,
				Timeout:    time.Duration(*flagTimeout) * time.Millisecond,
				UserChoice: choice,
			})
			if err != nil {
				fprintError(stderr, err)
				return NewExitCodeError(1)
			}

			return printRunOutput(stdout, stderr, out, *flagJSON)
		},
	}
}

func printRunOutput(stdout, stderr io.Writer, out *dispatcher.RunOutput, asJSON bool) error {
	if asJSON {
		body, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}

		fprintln(stdout, string(body))

		return NewExitCodeError(exitCodeFromRunOutput(out))
	}

	if out.Blocked != nil {
		fprintf(stderr, "blocked: %s\n", out.Blocked.ErrorType)

		if len(out.Blocked.BlockedCommands) > 0 {
			fprintf(stderr, "  commands: %v\n", out.Blocked.BlockedCommands)
		}

		if len(out.Blocked.NotFoundCommands) > 0 {
			fprintf(stderr, "  not found: %v\n", out.Blocked.NotFoundCommands)
		}

		fprintf(stderr, "  retry-id: %s\n", out.Blocked.RetryID)

		if out.Blocked.Hint != "" {
			fprintf(stderr, "  hint: %s\n", out.Blocked.Hint)
		}

		return NewExitCodeError(2)
	}

	if out.Stdout != "" {
		fprintf(stdout, "%s", out.Stdout)
	}

	if out.Stderr != "" {
		fprintf(stderr, "%s", out.Stderr)
	}

	if out.PID != 0 {
		fprintln(stderr, fmt.Sprintf("started shell=%s script=%s pid=%d", out.ShellID, out.ScriptID, out.PID))
	}

	return NewExitCodeError(exitCodeFromRunOutput(out))
}

func exitCodeFromRunOutput(out *dispatcher.RunOutput) int {
	if out.Blocked != nil {
		return 2
	}

	if out.PID != 0 {
		return 0
	}

	return out.ExitCode
}
