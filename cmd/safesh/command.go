package main

import (
	"context"
	"errors"
	"io"

	flag "github.com/spf13/pflag"
)

// Command is one subcommand of the safesh binary: a flag set plus the
// function that runs it, isolated from global state the same way the
// sandbox launcher's Run takes explicit stdin/stdout/stderr/args/env rather
// than reading os.Args/os.Stdin directly.
type Command struct {
	Flags   *flag.FlagSet
	Usage   string
	Short   string
	Long    string
	Aliases []string
	Exec    func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error
}

// ErrSilentExit signals a non-zero exit without printing anything further;
// the caller is expected to have already reported whatever it needs to.
var ErrSilentExit = errors.New("silent exit")

// ExitCodeError carries a specific process exit code through the Command
// return-error protocol.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string { return "exit" }

// NewExitCodeError wraps code as an error Run can translate back into a
// process exit status.
func NewExitCodeError(code int) error {
	if code == 0 {
		return nil
	}

	return &ExitCodeError{Code: code}
}

func matchesCommand(cmd *Command, name string) bool {
	if name == cmd.Flags.Name() {
		return true
	}

	for _, alias := range cmd.Aliases {
		if alias == name {
			return true
		}
	}

	return false
}
