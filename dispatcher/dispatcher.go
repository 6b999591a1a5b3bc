// Package dispatcher exposes the external tool surface of spec.md §6: one
// method per tool, wiring the policy/registry/sandbox/store/retry/
// orchestrator packages (components A-F) behind a single SessionContext.
//
// Every handler is a plain Go function taking a typed input struct and
// returning a typed output struct/error, so the MCP binding in cmd/safesh is
// a thin adapter rather than part of the core (spec.md §1).
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/safeshell/safesh/policy"
	"github.com/safeshell/safesh/registry"
	"github.com/safeshell/safesh/retry"
	"github.com/safeshell/safesh/sandbox"
	"github.com/safeshell/safesh/store"
)

// Launcher is the subset of *sandbox.Launcher the dispatcher needs to run a
// snippet. Declared as an interface at the call site the way the store
// already accepts a KillFunc, so dispatcher tests can supply a fake child
// runtime instead of spawning bwrap+deno.
type Launcher interface {
	Run(ctx context.Context, cfg policy.Config, shell sandbox.ShellSnapshot, code string, opts sandbox.RunOptions) (*sandbox.Result, error)
}

// rootsTimeout bounds how long tool handlers wait for the client to supply
// workspace roots before proceeding with the config-resolved projectDir
// (spec.md §4.G: "a rootsPromise that resolves once the client has supplied
// workspace roots or a fixed timeout (3s) elapses").
const rootsTimeout = 3 * time.Second

// SessionContext is the dispatcher's single mutable piece of session-wide
// state (spec.md §3 "Global state"): the effective config, the dispatcher's
// own cwd, and whether workspace roots have been received yet.
type SessionContext struct {
	Config        policy.Config
	Cwd           string
	RootsReceived bool
}

// Dispatcher holds SessionContext plus the shell store, command registry,
// and pending-retry manager, and implements one method per §6 tool.
type Dispatcher struct {
	mu  sync.RWMutex
	ctx SessionContext

	store    *store.Store
	registry *registry.Registry
	retries  *retry.Manager
	launcher Launcher
	kill     store.KillFunc
	log      *zap.Logger

	rootsPromise chan struct{}
	rootsOnce    sync.Once
}

// New constructs a Dispatcher. cfg is the initially-loaded config;
// ReceiveRoots (or the 3s timeout) may later extend its read/write surface
// and rebuild the registry, per spec.md §3 "Global state".
func New(cfg policy.Config, st *store.Store, launcher Launcher, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}

	d := &Dispatcher{
		ctx:          SessionContext{Config: cfg, Cwd: cfg.EffectiveCwd},
		store:        st,
		registry:     registry.New(cfg),
		retries:      retry.NewManager(),
		launcher:     launcher,
		kill:         store.OSKill,
		log:          log,
		rootsPromise: make(chan struct{}),
	}

	time.AfterFunc(rootsTimeout, d.closeRootsPromise)

	return d
}

// Close releases the retry manager's sweeper goroutine and awaits the
// store's in-flight persistence flush.
func (d *Dispatcher) Close() error {
	d.retries.Close()
	return d.store.Close()
}

// ReceiveRoots extends the session config's read/write surface with roots
// (workspace directories supplied by the client after startup) and, if
// projectDir was never explicitly configured, sets it to the first root.
// The registry is rebuilt to pick up the new permissions (spec.md §3:
// "Workspace roots... may extend read/write paths and override projectDir;
// the registry is rebuilt when this happens").
func (d *Dispatcher) ReceiveRoots(roots []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(roots) == 0 {
		d.ctx.RootsReceived = true
		d.closeRootsPromise()

		return
	}

	override := policy.Config{
		Permissions: policy.Permissions{Read: roots, Write: roots},
	}

	if d.ctx.Config.ProjectDir == "" {
		override.ProjectDir = roots[0]
	}

	merged := policy.Merge(&d.ctx.Config, &override)
	d.ctx.Config = merged
	d.ctx.RootsReceived = true
	d.registry = registry.New(merged)

	d.closeRootsPromise()
}

func (d *Dispatcher) closeRootsPromise() {
	d.rootsOnce.Do(func() { close(d.rootsPromise) })
}

// awaitRoots blocks until ReceiveRoots has run or rootsTimeout elapses,
// per spec.md §4.G: "All tool handlers await rootsPromise before executing."
func (d *Dispatcher) awaitRoots(ctx context.Context) {
	select {
	case <-d.rootsPromise:
	case <-ctx.Done():
	}
}

// snapshotConfig returns a copy of the current session config plus cwd,
// safe to read concurrently with ReceiveRoots.
func (d *Dispatcher) snapshotConfig() (policy.Config, *registry.Registry, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return policy.Clone(&d.ctx.Config), d.registry, d.ctx.Cwd
}

// effectiveConfig merges the session config with a shell's session-allowed
// grants (spec.md §2: "dispatcher... merges session-level granted commands
// into the config").
func effectiveConfig(base policy.Config, sessionAllowed []string) policy.Config {
	if len(sessionAllowed) == 0 {
		return base
	}

	return policy.WithSessionGrants(base, sessionAllowed)
}
