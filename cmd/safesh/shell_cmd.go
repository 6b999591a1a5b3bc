package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/safeshell/safesh/dispatcher"
	"github.com/safeshell/safesh/policy"
)

var errShellSubcommand = errors.New(`safesh shell: expected a subcommand: "list", "start", or "end <shell-id>"`)

// shellCmd builds the `shell` subcommand: list/start/end long-lived shell
// contexts from the CLI, the same operations the `listShells`/`startShell`/
// `endShell` MCP tools expose (spec.md §4.D, §6).
func shellCmd(cfg policy.Config, env map[string]string) *Command {
	flags := newCmdFlagSet("shell")
	flagCwd := flags.String("cwd", "", "Initial working directory for `shell start`")

	return &Command{
		Flags: flags,
		Usage: "shell <list|start|end> [args]",
		Short: "List, start, or end long-lived shell contexts",
		Exec: func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
			if len(args) == 0 {
				fprintError(stderr, errShellSubcommand)
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

			switch args[0] {
			case "list":
				shells, listErr := disp.ListShells(ctx)
				if listErr != nil {
					fprintError(stderr, listErr)
					return NewExitCodeError(1)
				}

				return printJSON(stdout, shells)

			case "start":
				shell, startErr := disp.StartShell(ctx, dispatcher.StartShellInput{Cwd: *flagCwd})
				if startErr != nil {
					fprintError(stderr, startErr)
					return NewExitCodeError(1)
				}

				return printJSON(stdout, shell)

			case "end":
				if len(args) < 2 {
					fprintError(stderr, errors.New("safesh shell end: missing shell id"))
					return NewExitCodeError(1)
				}

				if endErr := disp.EndShell(ctx, dispatcher.EndShellInput{ShellID: args[1]}); endErr != nil {
					fprintError(stderr, endErr)
					return NewExitCodeError(1)
				}

				fprintln(stdout, "ok")

				return nil

			default:
				fprintError(stderr, errShellSubcommand)
				return NewExitCodeError(1)
			}
		},
	}
}

func printJSON(out io.Writer, v any) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	fprintln(out, string(body))

	return nil
}
