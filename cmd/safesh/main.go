// Command safesh runs the SafeShell MCP server and its companion CLI: a
// policy-gated, sandboxed environment for running short code snippets and
// shell commands on behalf of an AI coding agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	internalconfig "github.com/safeshell/safesh/internal/config"
)

const safeshExecutableName = "safesh"

// cleanupTimeout bounds how long an interrupted long-running command (serve,
// mainly) gets to shut down gracefully before the process is killed outright.
const cleanupTimeout = 10 * time.Second

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	os.Exit(Run(os.Stdin, os.Stdout, os.Stderr, os.Args, envToMap(os.Environ()), sigCh))
}

// Run is the entry point isolated from global state (spec.md §6, §9): it
// takes explicit stdin/stdout/stderr/args/env so tests can drive it without
// touching the real process environment.
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	flags := flag.NewFlagSet(safeshExecutableName, flag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.Usage = func() {}
	flags.SetOutput(io.Discard)

	flagHelp := flags.BoolP("help", "h", false, "Show help")
	flagVersion := flags.BoolP("version", "v", false, "Show version and exit")
	flagCwd := flags.StringP("cwd", "C", "", "Run as if started in `dir`")
	flagConfig := flags.StringP("config", "c", "", "Use specified config `file`")
	flags.Int64("timeout", 0, "Default script timeout in milliseconds")
	flags.StringArray("allow-run", nil, "Whitelist an external command (repeatable)")
	flags.StringArray("ro", nil, "Add read-only path (repeatable)")
	flags.StringArray("rw", nil, "Add read-write path (repeatable)")
	flags.String("project-dir", "", "Override the resolved project directory")

	if len(args) < 2 {
		printUsage(stdout)
		return 0
	}

	err := flags.Parse(args[1:])
	if err != nil {
		fprintError(stderr, err)
		return 1
	}

	if *flagVersion {
		fprintln(stdout, "safesh "+version)
		return 0
	}

	rest := flags.Args()

	if *flagHelp || len(rest) == 0 {
		printUsage(stdout)
		return 0
	}

	cfg, _, err := internalconfig.Load(internalconfig.LoadInput{
		WorkDirOverride: *flagCwd,
		ConfigPath:      *flagConfig,
		EnvVars:         env,
		CLIFlags:        flags,
	})
	if err != nil {
		fprintError(stderr, err)
		return 1
	}

	name, cmdArgs := rest[0], rest[1:]

	cmd := lookupCommand(name, cfg, env)
	if cmd == nil {
		fprintError(stderr, fmt.Errorf("safesh: unknown command %q", name))
		printUsage(stderr)

		return 1
	}

	cmdFlags := cmd.Flags
	if cmdFlags != nil {
		if parseErr := cmdFlags.Parse(cmdArgs); parseErr != nil {
			fprintError(stderr, parseErr)
			return 1
		}

		cmdArgs = cmdFlags.Args()
	}

	return runWithInterrupt(cmd, stdin, stdout, stderr, cmdArgs, sigCh)
}

// runWithInterrupt runs cmd.Exec with a context cancelled on the first
// signal (giving it cleanupTimeout to return) and forcibly abandoned on a
// second signal or timeout, the same two-stage shutdown shape the sandbox
// launcher itself uses around a spawned child.
func runWithInterrupt(cmd *Command, stdin io.Reader, stdout, stderr io.Writer, args []string, sigCh <-chan os.Signal) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- cmd.Exec(ctx, stdin, stdout, stderr, args) }()

	if sigCh == nil {
		return exitCodeFor(stderr, <-done)
	}

	select {
	case err := <-done:
		return exitCodeFor(stderr, err)
	case <-sigCh:
		fprintln(stderr, "Interrupted, waiting up to 10s for cleanup...")
		cancel()
	}

	select {
	case err := <-done:
		return exitCodeFor(stderr, err)
	case <-time.After(cleanupTimeout):
		fprintln(stderr, "Cleanup timed out, forced exit.")
		return 130
	case <-sigCh:
		fprintln(stderr, "Forced exit.")
		return 130
	}
}

func exitCodeFor(stderr io.Writer, err error) int {
	if err == nil {
		return 0
	}

	var exitErr *ExitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	if errors.Is(err, ErrSilentExit) {
		return 1
	}

	fprintError(stderr, err)

	return 1
}

const usageHelp = `safesh - policy-gated sandboxed execution for coding agents

Usage: safesh [flags] <command> [args]

Commands:
  serve     Run the MCP server over stdio
  run       Run a snippet or shell command once and print its output
  task      Run a named task from the project config
  shell     List, start, or end long-lived shell contexts

Flags:
  -h, --help             Show help
  -v, --version          Show version and exit
  -C, --cwd <dir>        Run as if started in <dir>
  -c, --config <file>    Use specified config file
      --timeout <ms>     Default script timeout
      --allow-run <cmd>  Whitelist an external command (repeatable)
      --ro <path>        Add read-only path (repeatable)
      --rw <path>        Add read-write path (repeatable)

Examples:
  safesh serve
  safesh run --shcmd "git status"
  safesh task build`

func printUsage(out io.Writer) {
	fprintln(out, usageHelp)
}

func fprintln(out io.Writer, a ...any) {
	_, _ = fmt.Fprintln(out, a...)
}

func fprintf(out io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(out, format, a...)
}

func fprintError(out io.Writer, err error) {
	fprintf(out, "safesh: %s\n", err)
}

func envToMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))

	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			out[k] = v
		}
	}

	return out
}
