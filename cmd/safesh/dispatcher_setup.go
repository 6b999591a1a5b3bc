package main

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/safeshell/safesh/dispatcher"
	"github.com/safeshell/safesh/policy"
	"github.com/safeshell/safesh/sandbox"
	"github.com/safeshell/safesh/store"
)

// defaultStateDir returns the directory safesh persists its shell store to
// between invocations: $XDG_STATE_HOME/safesh when XDG_STATE_HOME is set,
// otherwise ~/.local/state/safesh.
func defaultStateDir(env map[string]string) (string, error) {
	if xdg := env["XDG_STATE_HOME"]; xdg != "" {
		return filepath.Join(xdg, "safesh"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(home, ".local", "state", "safesh"), nil
}

// newDispatcher wires a Store, sandbox Launcher, and Dispatcher together the
// way cmd/safesh's serve and one-shot CLI subcommands both need (spec.md §2
// "Global wiring").
func newDispatcher(cfg policy.Config, env map[string]string, log *zap.Logger) (*dispatcher.Dispatcher, error) {
	stateDir, err := defaultStateDir(env)
	if err != nil {
		return nil, err
	}

	st, err := store.New(
		store.WithPersistPath(filepath.Join(stateDir, "store.json")),
		store.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	tempDir := filepath.Join(os.TempDir(), "safesh")
	launcher := sandbox.NewLauncher(tempDir, stdlibDirFromEnv(env))

	return dispatcher.New(cfg, st, launcher, log), nil
}

func stdlibDirFromEnv(env map[string]string) string {
	return env["SAFESH_STDLIB_DIR"]
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}

	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}

	return cfg.Build()
}
