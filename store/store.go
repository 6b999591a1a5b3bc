// Package store is the in-memory, thread-safe authority for shells, the
// scripts each shell has run, and the child jobs each script has spawned
// (spec.md §4.D). It also owns persistence to a state file, written after
// each change, and restoration on startup.
package store

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/safeshell/safesh/errs"
)

// Store is the single in-process authority for shells/scripts/jobs. All
// exported operations are safe for concurrent use; a single RWMutex guards
// the whole store, following the "store-wide lock, never held across an
// await" rule from spec.md §5 — callers never receive a pointer that
// outlives a lock acquisition.
type Store struct {
	mu     sync.RWMutex
	shells map[string]*Shell

	persist *persister
	log     *zap.Logger

	clock func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPersistPath enables snapshotting to path after each change and
// restoration from it on New.
func WithPersistPath(path string) Option {
	return func(s *Store) {
		s.persist = newPersister(path)
	}
}

// WithLogger attaches a logger; a no-op logger is used if omitted.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// WithClock overrides the time source (tests only).
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// New constructs a Store, restoring from a state file if WithPersistPath was
// given and the file exists.
func New(opts ...Option) (*Store, error) {
	s := &Store{
		shells: make(map[string]*Shell),
		log:    zap.NewNop(),
		clock:  time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.persist != nil {
		err := s.restore()
		if err != nil {
			return nil, err
		}
	}

	return s, nil
}

// CreateOptions configures a newly created shell.
type CreateOptions struct {
	ID  string // optional; generated if empty
	Cwd string
	Env map[string]string
}

// Create makes a new Shell with a fresh id (unless one was supplied),
// default cwd/env taken from opts.
func (s *Store) Create(opts CreateOptions) *Shell {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := s.clock()

	sh := &Shell{
		ID:              id,
		Cwd:             opts.Cwd,
		Env:             cloneMap(opts.Env),
		Vars:            make(map[string]any),
		scripts:         make(map[string]*Script),
		scriptsByPid:    make(map[int]string),
		jobs:            make(map[string]*Job),
		sessionAllowed:  make(map[string]bool),
		CreatedAt:       now,
		LastActivityAt:  now,
	}

	s.shells[id] = sh
	s.scheduleFlush()

	return sh.serializeLocked()
}

// GetOrCreate returns the shell with id, or creates one with defaults if id
// is empty. An unknown non-empty id is an error.
func (s *Store) GetOrCreate(id string, defaults CreateOptions) (*Shell, error) {
	if id == "" {
		return s.Create(defaults), nil
	}

	sh, ok := s.Get(id)
	if !ok {
		return nil, errs.New(errs.ShellNotFound, "shell '"+id+"' does not exist")
	}

	return sh, nil
}

// Get returns a serialized snapshot of the shell with id.
func (s *Store) Get(id string) (*Shell, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sh, ok := s.shells[id]
	if !ok {
		return nil, false
	}

	return sh.serializeLocked(), true
}

// List returns serialized snapshots of all shells.
func (s *Store) List() []*Shell {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Shell, 0, len(s.shells))
	for _, sh := range s.shells {
		out = append(out, sh.serializeLocked())
	}

	return out
}

// UpdatePatch describes a partial update to a shell's mutable fields.
type UpdatePatch struct {
	Cwd *string
	Env map[string]string
	Vars map[string]any
}

// Update applies patch atomically to the shell with id.
func (s *Store) Update(id string, patch UpdatePatch) (*Shell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, ok := s.shells[id]
	if !ok {
		return nil, errs.New(errs.ShellNotFound, "shell '"+id+"' does not exist")
	}

	if patch.Cwd != nil {
		sh.Cwd = *patch.Cwd
	}

	for k, v := range patch.Env {
		if sh.Env == nil {
			sh.Env = make(map[string]string)
		}

		sh.Env[k] = v
	}

	for k, v := range patch.Vars {
		if sh.Vars == nil {
			sh.Vars = make(map[string]any)
		}

		sh.Vars[k] = v
	}

	sh.LastActivityAt = s.clock()
	s.scheduleFlush()

	return sh.serializeLocked(), nil
}

// End cancels any running scripts in the shell (SIGTERM, 5s grace, then
// SIGKILL) and removes it from the store.
func (s *Store) End(id string, kill KillFunc) error {
	s.mu.Lock()
	sh, ok := s.shells[id]
	if !ok {
		s.mu.Unlock()
		return errs.New(errs.ShellNotFound, "shell '"+id+"' does not exist")
	}

	running := sh.runningScriptsLocked()
	delete(s.shells, id)
	s.scheduleFlush()
	s.mu.Unlock()

	for _, sc := range running {
		s.killScriptProcess(sh, sc, "SIGTERM", kill)
	}

	return nil
}

// AddSessionAllowedCommands grants commands for the shell's remaining
// lifetime only (not persisted to config).
func (s *Store) AddSessionAllowedCommands(shellID string, commands []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, ok := s.shells[shellID]
	if !ok {
		return errs.New(errs.ShellNotFound, "shell '"+shellID+"' does not exist")
	}

	for _, c := range commands {
		sh.sessionAllowed[c] = true
	}

	s.scheduleFlush()

	return nil
}

// GetSessionAllowedCommands returns the commands granted for shellID's
// lifetime.
func (s *Store) GetSessionAllowedCommands(shellID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sh, ok := s.shells[shellID]
	if !ok {
		return nil, errs.New(errs.ShellNotFound, "shell '"+shellID+"' does not exist")
	}

	out := make([]string, 0, len(sh.sessionAllowed))
	for c := range sh.sessionAllowed {
		out = append(out, c)
	}

	return out, nil
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return make(map[string]string)
	}

	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}

// scheduleFlush requests a persistence flush; it must be called with s.mu
// held (read or write lock) and never blocks on I/O itself.
func (s *Store) scheduleFlush() {
	if s.persist == nil {
		return
	}

	s.persist.request(s)
}

// Close awaits any in-flight persistence flush and then writes one final
// snapshot.
func (s *Store) Close() error {
	if s.persist == nil {
		return nil
	}

	return s.persist.closeAndFlush(s)
}
