package main

import (
	"io"

	flag "github.com/spf13/pflag"

	"github.com/safeshell/safesh/policy"
)

// newCmdFlagSet builds a subcommand's flag set with the same
// ContinueOnError/no-builtin-usage conventions the top-level flag set in
// main.go uses.
func newCmdFlagSet(name string) *flag.FlagSet {
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	flags.SetInterspersed(true)
	flags.Usage = func() {}
	flags.SetOutput(io.Discard)

	return flags
}

// commands returns every subcommand safesh understands, built against the
// already-loaded project config and process environment.
func commands(cfg policy.Config, env map[string]string) []*Command {
	return []*Command{
		serveCmd(cfg, env),
		runCmd(cfg, env),
		taskCmd(cfg, env),
		shellCmd(cfg, env),
	}
}

// lookupCommand finds the subcommand matching name, or nil.
func lookupCommand(name string, cfg policy.Config, env map[string]string) *Command {
	for _, cmd := range commands(cfg, env) {
		if matchesCommand(cmd, name) {
			return cmd
		}
	}

	return nil
}
