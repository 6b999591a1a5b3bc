package dispatcher

import (
	"context"

	"github.com/safeshell/safesh/store"
)

// StartShellInput carries the startShell tool's request shape (spec.md §6).
type StartShellInput struct {
	Cwd string
	Env map[string]string
}

// StartShell implements the `startShell` tool: creates a new long-lived
// shell context, defaulting cwd to the session's resolved cwd.
func (d *Dispatcher) StartShell(ctx context.Context, in StartShellInput) (*store.Shell, error) {
	d.awaitRoots(ctx)

	_, _, sessionCwd := d.snapshotConfig()

	cwd := in.Cwd
	if cwd == "" {
		cwd = sessionCwd
	}

	return d.store.Create(store.CreateOptions{Cwd: cwd, Env: in.Env}), nil
}

// UpdateShellInput carries the updateShell tool's request shape.
type UpdateShellInput struct {
	ShellID string
	Cwd     *string
	Env     map[string]string
	Vars    map[string]any
}

// UpdateShell implements the `updateShell` tool: a partial patch to a
// shell's cwd/env/vars (spec.md §4.D).
func (d *Dispatcher) UpdateShell(ctx context.Context, in UpdateShellInput) (*store.Shell, error) {
	d.awaitRoots(ctx)

	return d.store.Update(in.ShellID, store.UpdatePatch{Cwd: in.Cwd, Env: in.Env, Vars: in.Vars})
}

// EndShellInput carries the endShell tool's request shape.
type EndShellInput struct {
	ShellID string
}

// EndShell implements the `endShell` tool: cancels any running scripts in
// the shell and removes it from the store (spec.md §4.D).
func (d *Dispatcher) EndShell(ctx context.Context, in EndShellInput) error {
	d.awaitRoots(ctx)

	return d.store.End(in.ShellID, d.kill)
}

// ListShells implements the `listShells` tool.
func (d *Dispatcher) ListShells(ctx context.Context) ([]*store.Shell, error) {
	d.awaitRoots(ctx)

	return d.store.List(), nil
}
