package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// persistSchemaVersion is written to every snapshot and checked on restore;
// a mismatch discards the file rather than attempting a migration
// (spec.md §6 "Persisted state layout").
const persistSchemaVersion = 1

// persister owns the on-disk snapshot file and the single-writer-per-process
// flush discipline from spec.md §5 ("at most one flush outstanding per
// process; flushes on shutdown are awaited").
type persister struct {
	path string

	mu      sync.Mutex
	writing bool
	dirty   bool
	closed  bool
}

func newPersister(path string) *persister {
	return &persister{path: path}
}

// request schedules an asynchronous flush of s's current state. If a flush
// is already in flight, it marks the store dirty so the in-flight flush
// re-runs once more after it finishes, rather than queuing unbounded work.
func (p *persister) request(s *Store) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return
	}

	if p.writing {
		p.dirty = true
		p.mu.Unlock()

		return
	}

	p.writing = true
	p.dirty = false
	p.mu.Unlock()

	go p.flushLoop(s)
}

func (p *persister) flushLoop(s *Store) {
	for {
		snap := s.snapshot()

		err := p.writeSnapshot(snap)
		if err != nil {
			s.log.Warn("failed to persist store snapshot", zap.Error(err), zap.String("path", p.path))
		}

		p.mu.Lock()

		if !p.dirty {
			p.writing = false
			p.mu.Unlock()

			return
		}

		p.dirty = false
		p.mu.Unlock()
	}
}

// closeAndFlush waits for any in-flight flush to finish, then performs one
// final synchronous flush.
func (p *persister) closeAndFlush(s *Store) error {
	p.mu.Lock()

	for p.writing {
		p.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		p.mu.Lock()
	}

	p.closed = true
	p.mu.Unlock()

	return p.writeSnapshot(s.snapshot())
}

func (p *persister) writeSnapshot(snap persistedState) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(p.path)

	err = os.MkdirAll(dir, 0o755)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".safesh-store-*.json")
	if err != nil {
		return err
	}

	tmpPath := tmp.Name()

	_, err = tmp.Write(data)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return err
	}

	err = tmp.Close()
	if err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, p.path)
}

// persistedState is the on-disk wire shape of spec.md's "Persisted state
// layout": one JSON file holding every shell plus a schema version.
type persistedState struct {
	Shells        []persistedShell `json:"shells"`
	SchemaVersion int              `json:"schemaVersion"`
}

type persistedShell struct {
	ID                    string             `json:"id"`
	Cwd                   string             `json:"cwd"`
	Env                   map[string]string  `json:"env"`
	Vars                  map[string]any     `json:"vars"`
	Scripts               []persistedScript  `json:"scripts"`
	ScriptsByPid          map[int]string     `json:"scriptsByPid"`
	SessionAllowedCmds    []string           `json:"sessionAllowedCommands"`
	CreatedAt             time.Time          `json:"createdAt"`
	LastActivityAt        time.Time          `json:"lastActivityAt"`
	ScriptSequence        int                `json:"scriptSequence"`
}

type persistedScript struct {
	ID              string        `json:"id"`
	Code            string        `json:"code"`
	PID             int           `json:"pid"`
	Status          ScriptStatus  `json:"status"`
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	StdoutTruncated bool          `json:"stdoutTruncated"`
	StderrTruncated bool          `json:"stderrTruncated"`
	StartedAt       time.Time     `json:"startedAt"`
	CompletedAt     time.Time     `json:"completedAt"`
	ExitCode        int           `json:"exitCode"`
	Background      bool          `json:"background"`
	JobIDs          []string      `json:"jobIds"`
}

// snapshot builds the persistable view of the store. Caller must not hold
// s.mu; snapshot takes its own read lock.
func (s *Store) snapshot() persistedState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := persistedState{SchemaVersion: persistSchemaVersion}

	for _, sh := range s.shells {
		ps := persistedShell{
			ID:             sh.ID,
			Cwd:            sh.Cwd,
			Env:            cloneMap(sh.Env),
			Vars:           cloneAnyMap(sh.Vars),
			ScriptsByPid:   make(map[int]string, len(sh.scriptsByPid)),
			CreatedAt:      sh.CreatedAt,
			LastActivityAt: sh.LastActivityAt,
			ScriptSequence: sh.scriptSequence,
		}

		for pid, id := range sh.scriptsByPid {
			ps.ScriptsByPid[pid] = id
		}

		for cmd := range sh.sessionAllowed {
			ps.SessionAllowedCmds = append(ps.SessionAllowedCmds, cmd)
		}

		for _, sc := range sh.scripts {
			ps.Scripts = append(ps.Scripts, persistedScript{
				ID:              sc.ID,
				Code:            sc.Code,
				PID:             sc.PID,
				Status:          sc.Status,
				Stdout:          sc.Stdout,
				Stderr:          sc.Stderr,
				StdoutTruncated: sc.StdoutTruncated,
				StderrTruncated: sc.StderrTruncated,
				StartedAt:       sc.StartedAt,
				CompletedAt:     sc.CompletedAt,
				ExitCode:        sc.ExitCode,
				Background:      sc.Background,
				JobIDs:          append([]string(nil), sc.JobIDs...),
			})
		}

		out.Shells = append(out.Shells, ps)
	}

	return out
}

// restore loads a snapshot from s.persist.path, if present, reconstructing
// shells and scripts. Scripts whose pid no longer exists on the host are
// marked failed/-1; scripts whose pid is still alive are kept as
// observer-only records (spec.md §4.D "persistence").
func (s *Store) restore() error {
	data, err := os.ReadFile(s.persist.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	var snap persistedState

	err = json.Unmarshal(data, &snap)
	if err != nil {
		s.log.Warn("discarding unreadable store snapshot", zap.Error(err), zap.String("path", s.persist.path))
		return nil
	}

	if snap.SchemaVersion != persistSchemaVersion {
		s.log.Warn("discarding store snapshot with mismatched schema version",
			zap.Int("found", snap.SchemaVersion), zap.Int("want", persistSchemaVersion))

		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ps := range snap.Shells {
		sh := &Shell{
			ID:             ps.ID,
			Cwd:            ps.Cwd,
			Env:            ps.Env,
			Vars:           ps.Vars,
			scripts:        make(map[string]*Script, len(ps.Scripts)),
			scriptsByPid:   make(map[int]string, len(ps.ScriptsByPid)),
			jobs:           make(map[string]*Job),
			sessionAllowed: make(map[string]bool, len(ps.SessionAllowedCmds)),
			CreatedAt:      ps.CreatedAt,
			LastActivityAt: ps.LastActivityAt,
			scriptSequence: ps.ScriptSequence,
		}

		if sh.Env == nil {
			sh.Env = make(map[string]string)
		}

		if sh.Vars == nil {
			sh.Vars = make(map[string]any)
		}

		for _, cmd := range ps.SessionAllowedCmds {
			sh.sessionAllowed[cmd] = true
		}

		for _, pscript := range ps.Scripts {
			sc := &Script{
				ID:              pscript.ID,
				ShellID:         ps.ID,
				Code:            pscript.Code,
				PID:             pscript.PID,
				Status:          pscript.Status,
				Stdout:          pscript.Stdout,
				Stderr:          pscript.Stderr,
				StdoutTruncated: pscript.StdoutTruncated,
				StderrTruncated: pscript.StderrTruncated,
				StartedAt:       pscript.StartedAt,
				CompletedAt:     pscript.CompletedAt,
				ExitCode:        pscript.ExitCode,
				Background:      pscript.Background,
				JobIDs:          pscript.JobIDs,
				restoredForeign: true,
			}

			if sc.Status == ScriptRunning {
				if pidIsAlive(sc.PID) {
					sh.scriptsByPid[sc.PID] = sc.ID
				} else {
					now := s.clock()
					sc.Status = ScriptFailed
					sc.ExitCode = -1
					sc.CompletedAt = now
				}
			}

			sh.scripts[sc.ID] = sc
		}

		s.shells[sh.ID] = sh
	}

	return nil
}

// pidIsAlive reports whether pid refers to a live process, using the
// kill(pid, 0) probe idiom (no signal delivered, existence/permission check
// only).
func pidIsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = proc.Signal(syscall.Signal(0))

	return err == nil
}
