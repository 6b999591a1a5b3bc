package dispatcher

import (
	"context"

	"github.com/safeshell/safesh/errs"
	"github.com/safeshell/safesh/orchestrator"
	"github.com/safeshell/safesh/policy"
	"github.com/safeshell/safesh/store"
)

// RunTaskInput carries the runTask tool's request shape (spec.md §6).
type RunTaskInput struct {
	Name    string
	ShellID string
	Cwd     string
	Env     map[string]string
}

// RunTask implements the `runTask` tool (spec.md §4.F): it resolves name
// against the effective config's tasks (including the xrun array-literal
// shorthand) and executes it, feeding each atomic command back through the
// same validate-or-retry path run uses.
func (d *Dispatcher) RunTask(ctx context.Context, in RunTaskInput) (*orchestrator.Result, error) {
	d.awaitRoots(ctx)

	sessionCfg, _, sessionCwd := d.snapshotConfig()

	cwd := in.Cwd
	if cwd == "" {
		cwd = sessionCwd
	}

	shell, err := d.resolveShell(in.ShellID, cwd, in.Env)
	if err != nil {
		return nil, err
	}

	allowed, err := d.store.GetSessionAllowedCommands(shell.ID)
	if err != nil {
		return nil, err
	}

	effCfg := effectiveConfig(sessionCfg, allowed)

	exec := func(ctx context.Context, code string) (string, bool, error) {
		out, err := d.execAtomicCommand(ctx, effCfg, shell, code, in.Env)
		if err != nil {
			if apiErr, ok := err.(*errs.Error); ok {
				return apiErr.Error(), false, nil
			}

			return "", false, err
		}

		return out.Stdout + out.Stderr, out.ExitCode == 0, nil
	}

	return orchestrator.Run(ctx, in.Name, effCfg.Tasks, exec)
}

// execAtomicCommand runs one task-leaf command as an shcmd request against
// shell, reusing run's preflight/execute path rather than duplicating it.
// A blocked/not-found command fails the task outright: validateAndExecute
// still records a pending retry, whose id goes into the returned error's
// details, but the task itself is not resumed through it — the caller grants
// the permission through a normal `run` call and retries the task.
func (d *Dispatcher) execAtomicCommand(ctx context.Context, cfg policy.Config, shell *store.Shell, cmdline string, env map[string]string) (*RunOutput, error) {
	words := splitShellWords(cmdline)
	if len(words) == 0 {
		return nil, errs.New(errs.ExecutionError, "empty task command")
	}

	inv := invocation{Command: words[0], Args: words[1:]}
	code := shcmdToSnippet(words)

	out, err := d.validateAndExecute(ctx, cfg, shell, code, []invocation{inv}, RunInput{
		ShellID: shell.ID,
		Env:     env,
	})
	if err != nil {
		return nil, err
	}

	if out.Blocked != nil {
		return nil, errs.New(errs.CommandNotWhitelisted, "task command '"+words[0]+"' is blocked").
			WithDetails(map[string]any{"retryId": out.Blocked.RetryID, "blocked": out.Blocked.BlockedCommands, "notFound": out.Blocked.NotFoundCommands}).
			WithSuggestion("run the blocked command directly via `run` to obtain a retryId, grant it, then retry the task")
	}

	return out, nil
}
