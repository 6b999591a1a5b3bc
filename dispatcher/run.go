package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/safeshell/safesh/errs"
	internalconfig "github.com/safeshell/safesh/internal/config"
	"github.com/safeshell/safesh/policy"
	"github.com/safeshell/safesh/registry"
	"github.com/safeshell/safesh/retry"
	"github.com/safeshell/safesh/sandbox"
	"github.com/safeshell/safesh/store"
)

// RunInput carries the run tool's request shape (spec.md §6): exactly one
// of Code/Shcmd/File/Module/RetryID must be set.
type RunInput struct {
	Code    string
	Shcmd   string
	File    string
	Module  string
	RetryID string

	ShellID    string
	Background bool
	Timeout    time.Duration
	Env        map[string]string
	UserChoice retry.Choice
}

// BlockedInfo is the structured body a blocked run response carries instead
// of output (spec.md §6: "{error: {type: COMMAND*_BLOCKED, commands:
// [...]}, retry_id, hint}").
type BlockedInfo struct {
	ErrorType        string
	BlockedCommands  []string
	NotFoundCommands []string
	RetryID          string
	Hint             string
}

// RunOutput is the run tool's response shape: either a completed/failed
// execution, or a Blocked body describing why the request did not run.
type RunOutput struct {
	Success  bool
	Stdout   string
	Stderr   string
	ExitCode int
	ShellID  string
	ScriptID string
	PID      int

	Blocked *BlockedInfo
}

// Run implements the `run` tool (spec.md §6, §2, §4.G).
func (d *Dispatcher) Run(ctx context.Context, in RunInput) (*RunOutput, error) {
	d.awaitRoots(ctx)

	sessionCfg, _, sessionCwd := d.snapshotConfig()

	if in.RetryID != "" {
		return d.runFromRetry(ctx, in, sessionCfg, sessionCwd)
	}

	if in.Background && in.ShellID == "" {
		// A background run must be anchored to a shell the caller can come
		// back to, not a throwaway one it never named (spec.md §4.G).
		return nil, errs.New(errs.ConfigError, "background runs require an explicit shellId").
			WithSuggestion("call startShell first, or pass the shellId returned by a prior run")
	}

	code, invocations, err := resolveSnippet(in, sessionCfg)
	if err != nil {
		return nil, err
	}

	shell, err := d.resolveShell(in.ShellID, sessionCwd, in.Env)
	if err != nil {
		return nil, err
	}

	allowed, err := d.store.GetSessionAllowedCommands(shell.ID)
	if err != nil {
		return nil, err
	}

	effCfg := effectiveConfig(sessionCfg, allowed)

	return d.validateAndExecute(ctx, effCfg, shell, code, invocations, in)
}

// resolveSnippet extracts the runnable code and its referenced command
// invocations from exactly one of code/shcmd/file/module.
func resolveSnippet(in RunInput, cfg policy.Config) (string, []invocation, error) {
	set := 0
	if in.Code != "" {
		set++
	}

	if in.Shcmd != "" {
		set++
	}

	if in.File != "" {
		set++
	}

	if in.Module != "" {
		set++
	}

	if set != 1 {
		return "", nil, errs.New(errs.ExecutionError, "exactly one of code, shcmd, file, or module must be set")
	}

	switch {
	case in.Shcmd != "":
		words := splitShellWords(in.Shcmd)
		if len(words) == 0 {
			return "", nil, errs.New(errs.ExecutionError, "shcmd is empty")
		}

		inv := invocation{Command: words[0], Args: words[1:]}

		return shcmdToSnippet(words), []invocation{inv}, nil

	case in.Module != "":
		if err := validateImport(in.Module, cfg.Imports); err != nil {
			return "", nil, err
		}

		return moduleToSnippet(in.Module), nil, nil

	case in.File != "":
		// The core receives a Program artifact already materialized from
		// the referenced file by the out-of-core transpiler; the file's
		// path is itself the snippet entry point.
		code := fileToSnippet(in.File)
		return code, extractInvocations(code), nil

	default:
		return in.Code, extractInvocations(in.Code), nil
	}
}

func shcmdToSnippet(words []string) string {
	args := ""
	for i, w := range words[1:] {
		if i > 0 {
			args += ", "
		}

		args += quoteJS(w)
	}

	return fmt.Sprintf("await $.cmd(%s, %s).exec();", quoteJS(words[0]), args)
}

func moduleToSnippet(module string) string {
	return fmt.Sprintf("await import(%s);", quoteJS(module))
}

func fileToSnippet(file string) string {
	return fmt.Sprintf("await import(%s);", quoteJS(file))
}

func quoteJS(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')

	for i := 0; i < len(s); i++ {
		if s[i] == '\'' || s[i] == '\\' {
			out = append(out, '\\')
		}

		out = append(out, s[i])
	}

	out = append(out, '\'')

	return string(out)
}

// validateImport implements spec.md §4.C "Import validation yields
// IMPORT_NOT_ALLOWED before any spawn": a module specifier matching a
// blocked prefix/glob, and not explicitly trusted or allowed, is rejected
// outright rather than becoming a retryable blocked command.
func validateImport(module string, imports policy.ImportPolicy) error {
	if policy.MatchMask(module, imports.Trusted) || policy.MatchMask(module, imports.Allowed) {
		return nil
	}

	if policy.MatchMask(module, imports.Blocked) {
		return errs.New(errs.ImportNotAllowed, "import '"+module+"' is blocked").
			WithSuggestion("add '" + module + "' to imports.allowed or imports.trusted")
	}

	return nil
}

// resolveShell resolves the run's target shell via store.GetOrCreate,
// defaulting a newly-created shell's cwd/env to the session's.
func (d *Dispatcher) resolveShell(shellID, sessionCwd string, env map[string]string) (*store.Shell, error) {
	return d.store.GetOrCreate(shellID, store.CreateOptions{
		Cwd: sessionCwd,
		Env: env,
	})
}

// validateAndExecute runs each invocation through the registry, and either
// creates a pending retry (if any are blocked/not-found) or spawns the
// sandbox launcher.
func (d *Dispatcher) validateAndExecute(ctx context.Context, cfg policy.Config, shell *store.Shell, code string, invocations []invocation, in RunInput) (*RunOutput, error) {
	reg := registry.New(cfg)

	blocked, notFound, firstErr := preflight(reg, invocations, shell.Cwd)

	if len(blocked) > 0 || len(notFound) > 0 {
		pr := d.retries.CreateMulti(code, blocked, notFound, retry.Context{
			Cwd:        shell.Cwd,
			Env:        in.Env,
			Timeout:    in.Timeout,
			Background: in.Background,
			ShellID:    shell.ID,
		})

		info := &BlockedInfo{
			BlockedCommands:  blocked,
			NotFoundCommands: notFound,
			RetryID:          pr.ID,
		}

		if firstErr != nil {
			info.ErrorType = wireErrorType(firstErr.Kind)
			info.Hint = firstErr.Suggestion
		}

		return &RunOutput{ShellID: shell.ID, Blocked: info}, nil
	}

	return d.execute(ctx, cfg, shell, code, in)
}

// wireErrorType translates an internal validation Kind onto the external
// blocked-response type the run tool contract names (spec.md §6 scenario 1:
// a command absent from the whitelist surfaces as "COMMAND_NOT_ALLOWED", not
// the internal COMMAND_NOT_WHITELISTED constant). Every other Kind
// (SUBCOMMAND_NOT_ALLOWED, FLAG_NOT_ALLOWED, ...) is its own wire type per
// scenario 4, so it passes through unchanged.
func wireErrorType(kind errs.Kind) string {
	if kind == errs.CommandNotWhitelisted {
		return "COMMAND_NOT_ALLOWED"
	}

	return string(kind)
}

// preflight validates every invocation against reg, partitioning failures
// into commands that exist on the host but are policy-blocked, and
// commands that do not exist on the host at all (which can never be
// granted — spec.md §4.E).
func preflight(reg *registry.Registry, invocations []invocation, cwd string) (blocked, notFound []string, firstErr *errs.Error) {
	seenBlocked := map[string]bool{}
	seenNotFound := map[string]bool{}

	for _, inv := range invocations {
		if len(registry.ExistingCommands([]string{inv.Command})) == 0 {
			if !seenNotFound[inv.Command] {
				seenNotFound[inv.Command] = true
				notFound = append(notFound, inv.Command)
			}

			continue
		}

		_, vErr := reg.Validate(inv.Command, inv.Args, cwd)
		if vErr != nil {
			if firstErr == nil {
				firstErr = vErr
			}

			if !seenBlocked[inv.Command] {
				seenBlocked[inv.Command] = true
				blocked = append(blocked, inv.Command)
			}
		}
	}

	return blocked, notFound, firstErr
}

// execute spawns the sandbox launcher for an already-validated snippet,
// foreground or background, and folds the result back into the store.
func (d *Dispatcher) execute(ctx context.Context, cfg policy.Config, shell *store.Shell, code string, in RunInput) (*RunOutput, error) {
	sc, err := d.store.CreateScript(shell.ID, store.CreateScriptOptions{Code: code, Background: in.Background})
	if err != nil {
		return nil, err
	}

	snapshot := sandbox.ShellSnapshot{
		ID:         shell.ID,
		Cwd:        shell.Cwd,
		ProjectDir: cfg.ProjectDir,
		Env:        mergeEnv(shell.Env, in.Env),
		Vars:       shell.Vars,
	}

	timeout := in.Timeout
	if timeout <= 0 && cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Millisecond
	}

	if in.Background {
		// Background scripts ignore the request/config timeout and run
		// until explicitly killed or the shell ends (spec.md §5).
		timeout = 0
	}

	// pidCh carries the background child's pid once PIDCallback fires, or the
	// launcher's startup error when the child never starts at all (e.g. bwrap
	// missing) — PIDCallback is only invoked after a successful Start, so
	// without this fallback a failed Run would leave the <-pidCh read below
	// blocked forever.
	type pidResult struct {
		pid int
		err error
	}

	pidCh := make(chan pidResult, 1)

	opts := sandbox.RunOptions{
		Cwd:        shell.Cwd,
		Env:        snapshot.Env,
		Timeout:    timeout,
		Background: in.Background,
		ScriptID:   sc.ID,
		PIDCallback: func(pid int) {
			_ = d.store.SetScriptPID(shell.ID, sc.ID, pid)
			select {
			case pidCh <- pidResult{pid: pid}:
			default:
			}
		},
	}

	if in.Background {
		go func() {
			result, runErr := d.launcher.Run(context.Background(), cfg, snapshot, code, opts)
			d.foldResult(shell.ID, sc.ID, result, runErr)

			if runErr != nil {
				select {
				case pidCh <- pidResult{err: runErr}:
				default:
				}
			}
		}()

		res := <-pidCh
		if res.err != nil {
			return nil, errs.Wrap(errs.ExecutionError, res.err, "starting background snippet")
		}

		return &RunOutput{ShellID: shell.ID, ScriptID: sc.ID, PID: res.pid}, nil
	}

	runCtx := ctx

	result, runErr := d.launcher.Run(runCtx, cfg, snapshot, code, opts)
	d.foldResult(shell.ID, sc.ID, result, runErr)

	if runErr != nil {
		return nil, errs.Wrap(errs.ExecutionError, runErr, "running snippet")
	}

	return &RunOutput{
		Success:  result.ExitCode == 0,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
		ShellID:  shell.ID,
		ScriptID: sc.ID,
	}, nil
}

// foldResult writes a finished (or failed) launcher run back into the
// store: output, job events, terminal status, and the epilogue's
// VARS/CWD writeback.
func (d *Dispatcher) foldResult(shellID, scriptID string, result *sandbox.Result, runErr error) {
	if runErr != nil {
		_ = d.store.AppendOutput(shellID, scriptID, true, []byte(runErr.Error()))
		_ = d.store.CompleteScript(shellID, scriptID, store.ScriptFailed, -1)

		return
	}

	if result.Stdout != "" {
		_ = d.store.AppendOutput(shellID, scriptID, false, []byte(result.Stdout))
	}

	if result.Stderr != "" {
		_ = d.store.AppendOutput(shellID, scriptID, true, []byte(result.Stderr))
	}

	for _, ev := range result.Jobs {
		_ = d.store.ApplyJobEvent(shellID, scriptID, ev)
	}

	status := store.ScriptCompleted
	if result.TimedOut {
		status = store.ScriptFailed
	}

	_ = d.store.CompleteScript(shellID, scriptID, status, result.ExitCode)

	cwd := result.Cwd
	_, _ = d.store.Update(shellID, store.UpdatePatch{Cwd: &cwd, Vars: result.Vars})
}

// runFromRetry consumes a pending retry and re-runs its saved snippet with
// the blocked commands granted per the user's choice (spec.md §4.E).
func (d *Dispatcher) runFromRetry(ctx context.Context, in RunInput, sessionCfg policy.Config, sessionCwd string) (*RunOutput, error) {
	pr, err := d.retries.Consume(in.RetryID)
	if err != nil {
		return nil, err
	}

	grant := retry.Grant(pr.BlockedCommands)

	shell, err := d.resolveShell(pr.Context.ShellID, sessionCwd, pr.Context.Env)
	if err != nil {
		return nil, err
	}

	switch in.UserChoice {
	case retry.ChoiceSession:
		err = d.store.AddSessionAllowedCommands(shell.ID, pr.BlockedCommands)
		if err != nil {
			return nil, err
		}
	case retry.ChoiceAlways:
		projectDir := sessionCfg.ProjectDir
		if projectDir == "" {
			projectDir = shell.Cwd
		}

		_, persistErr := internalconfig.PersistGrant(projectDir, pr.BlockedCommands)
		if persistErr != nil {
			return nil, errs.Wrap(errs.ConfigError, persistErr, "persisting always-allow grant")
		}
	}

	allowed, err := d.store.GetSessionAllowedCommands(shell.ID)
	if err != nil {
		return nil, err
	}

	effCfg := policy.Merge(&sessionCfg, &grant)
	effCfg = effectiveConfig(effCfg, allowed)

	invocations := extractInvocations(pr.Code)
	if len(invocations) == 0 {
		invocations = []invocation{{Command: firstWord(pr.Code)}}
	}

	runIn := RunInput{
		ShellID:    shell.ID,
		Background: pr.Context.Background,
		Timeout:    pr.Context.Timeout,
		Env:        pr.Context.Env,
	}

	return d.validateAndExecute(ctx, effCfg, shell, pr.Code, invocations, runIn)
}

func firstWord(s string) string {
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' {
			return s[:i]
		}
	}

	return s
}

func mergeEnv(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))

	for k, v := range base {
		out[k] = v
	}

	for k, v := range override {
		out[k] = v
	}

	return out
}
