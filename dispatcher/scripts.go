package dispatcher

import (
	"context"
	"time"

	"github.com/safeshell/safesh/store"
)

// ListScriptsInput carries the listScripts tool's request shape.
type ListScriptsInput struct {
	ShellID    string
	Status     store.ScriptStatus
	Background *bool
	Limit      int
}

// ListScripts implements the `listScripts` tool.
func (d *Dispatcher) ListScripts(ctx context.Context, in ListScriptsInput) ([]*store.Script, error) {
	d.awaitRoots(ctx)

	return d.store.ListScripts(in.ShellID, store.ScriptFilter{
		Status:     in.Status,
		Background: in.Background,
		Limit:      in.Limit,
	})
}

// GetScriptOutputInput carries the getScriptOutput tool's request shape.
type GetScriptOutputInput struct {
	ShellID  string
	ScriptID string
	Since    int
}

// ScriptOutput is the getScriptOutput tool's response shape: the new output
// since the requested offset, the new offset to pass next time, and the
// script's current status.
type ScriptOutput struct {
	Stdout string
	Stderr string
	Offset int
	Script *store.Script
}

// GetScriptOutput implements the `getScriptOutput` tool: incremental,
// offset-based polling of a running or finished script's output (spec.md
// §4.D, §5 "Output streaming").
func (d *Dispatcher) GetScriptOutput(ctx context.Context, in GetScriptOutputInput) (*ScriptOutput, error) {
	d.awaitRoots(ctx)

	stdout, stderr, offset, sc, err := d.store.GetScriptOutput(in.ShellID, in.ScriptID, in.Since)
	if err != nil {
		return nil, err
	}

	return &ScriptOutput{Stdout: stdout, Stderr: stderr, Offset: offset, Script: sc}, nil
}

// KillScriptInput carries the killScript tool's request shape.
type KillScriptInput struct {
	ShellID  string
	ScriptID string
	Signal   string
}

// KillScript implements the `killScript` tool: SIGTERM (or the requested
// signal), a grace period, then SIGKILL (spec.md §5 "Cancellation").
func (d *Dispatcher) KillScript(ctx context.Context, in KillScriptInput) error {
	d.awaitRoots(ctx)

	return d.store.KillScript(in.ShellID, in.ScriptID, in.Signal, d.kill)
}

// WaitScriptInput carries the waitScript tool's request shape.
type WaitScriptInput struct {
	ShellID  string
	ScriptID string
	Timeout  time.Duration
}

// WaitScript implements the `waitScript` tool: blocks until a background
// script reaches a terminal state or the timeout elapses.
func (d *Dispatcher) WaitScript(ctx context.Context, in WaitScriptInput) (*store.Script, error) {
	d.awaitRoots(ctx)

	return d.store.WaitScript(in.ShellID, in.ScriptID, in.Timeout)
}
