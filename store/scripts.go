package store

import (
	"github.com/safeshell/safesh/errs"
)

// CreateScriptOptions describes a new script about to run.
type CreateScriptOptions struct {
	Code       string
	Background bool
}

// CreateScript registers a new running script for shellID, returning its id.
// The record exists (status running) before the child has exited, so it is
// immediately queryable, matching the "create a Script record now" rule in
// spec.md §4.C.
func (s *Store) CreateScript(shellID string, opts CreateScriptOptions) (*Script, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, ok := s.shells[shellID]
	if !ok {
		return nil, errs.New(errs.ShellNotFound, "shell '"+shellID+"' does not exist")
	}

	sh.scriptSequence++

	id := scriptID(shellID, sh.scriptSequence)
	now := s.clock()

	sc := &Script{
		ID:         id,
		ShellID:    shellID,
		Code:       opts.Code,
		Status:     ScriptRunning,
		Background: opts.Background,
		StartedAt:  now,
	}

	sh.scripts[id] = sc
	sh.LastActivityAt = now
	s.scheduleFlush()

	cp := *sc

	return &cp, nil
}

func scriptID(shellID string, seq int) string {
	return "script-" + shellID + "-" + itoa(seq)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}

	var buf [20]byte

	i := len(buf)
	neg := n < 0

	if neg {
		n = -n
	}

	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}

	if neg {
		i--
		buf[i] = '-'
	}

	return string(buf[i:])
}

// SetScriptPID records the child pid once the process has been started.
func (s *Store) SetScriptPID(shellID, scriptID string, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, sc, err := s.lookupScriptLocked(shellID, scriptID)
	if err != nil {
		return err
	}

	sc.PID = pid
	sh.scriptsByPid[pid] = scriptID

	return nil
}

// AppendOutput appends to stdout or stderr, bounding the buffer to
// ScriptOutputLimit and retaining the trailing bytes (invariant 1).
func (s *Store) AppendOutput(shellID, scriptID string, stderr bool, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, sc, err := s.lookupScriptLocked(shellID, scriptID)
	if err != nil {
		return err
	}

	if stderr {
		sc.Stderr, sc.StderrTruncated = appendBounded(sc.Stderr, data, ScriptOutputLimit, sc.StderrTruncated)
	} else {
		sc.Stdout, sc.StdoutTruncated = appendBounded(sc.Stdout, data, ScriptOutputLimit, sc.StdoutTruncated)
	}

	return nil
}

// CompleteScript transitions a script to a terminal state exactly once.
func (s *Store) CompleteScript(shellID, scriptID string, status ScriptStatus, exitCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, sc, err := s.lookupScriptLocked(shellID, scriptID)
	if err != nil {
		return err
	}

	if sc.Status != ScriptRunning {
		return nil
	}

	now := s.clock()
	sc.Status = status
	sc.ExitCode = exitCode
	sc.CompletedAt = now
	sc.Duration = now.Sub(sc.StartedAt)
	s.scheduleFlush()

	return nil
}

// AttachJobID appends a job id to a script's append-only JobIDs list.
func (s *Store) AttachJobID(shellID, scriptID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, sc, err := s.lookupScriptLocked(shellID, scriptID)
	if err != nil {
		return err
	}

	sc.JobIDs = append(sc.JobIDs, jobID)

	return nil
}

// ScriptFilter filters ListScripts results.
type ScriptFilter struct {
	Status     ScriptStatus
	Background *bool
	Limit      int
}

// ListScripts returns scripts for shellID matching filter, newest-first.
func (s *Store) ListScripts(shellID string, filter ScriptFilter) ([]*Script, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sh, ok := s.shells[shellID]
	if !ok {
		return nil, errs.New(errs.ShellNotFound, "shell '"+shellID+"' does not exist")
	}

	var matched []*Script

	for _, sc := range sh.scripts {
		if filter.Status != "" && sc.Status != filter.Status {
			continue
		}

		if filter.Background != nil && sc.Background != *filter.Background {
			continue
		}

		cp := *sc
		matched = append(matched, &cp)
	}

	sortScriptsNewestFirst(matched)

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	return matched, nil
}

// GetScript returns a single script by id.
func (s *Store) GetScript(shellID, scriptID string) (*Script, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, sc, err := s.lookupScriptLockedRO(shellID, scriptID)
	if err != nil {
		return nil, err
	}

	cp := *sc

	return &cp, nil
}

// GetScriptOutput returns the stdout/stderr slice starting at byte offset
// since, plus the new offset and current status.
func (s *Store) GetScriptOutput(shellID, scriptID string, since int) (stdout, stderr string, offset int, sc *Script, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, script, lookupErr := s.lookupScriptLockedRO(shellID, scriptID)
	if lookupErr != nil {
		return "", "", 0, nil, lookupErr
	}

	combined := script.Stdout + script.Stderr
	if since < 0 {
		since = 0
	}

	if since > len(combined) {
		since = len(combined)
	}

	stdoutSince := sliceSince(script.Stdout, since)
	stderrSince := sliceSince(script.Stderr, max(0, since-len(script.Stdout)))

	cp := *script

	return stdoutSince, stderrSince, len(combined), &cp, nil
}

func sliceSince(s string, since int) string {
	if since >= len(s) {
		return ""
	}

	if since < 0 {
		since = 0
	}

	return s[since:]
}

func sortScriptsNewestFirst(scripts []*Script) {
	for i := 1; i < len(scripts); i++ {
		j := i
		for j > 0 && scripts[j-1].StartedAt.Before(scripts[j].StartedAt) {
			scripts[j-1], scripts[j] = scripts[j], scripts[j-1]
			j--
		}
	}
}

func (s *Store) lookupScriptLocked(shellID, scriptID string) (*Shell, *Script, error) {
	sh, ok := s.shells[shellID]
	if !ok {
		return nil, nil, errs.New(errs.ShellNotFound, "shell '"+shellID+"' does not exist")
	}

	sc, ok := sh.scripts[scriptID]
	if !ok {
		return nil, nil, errs.New(errs.ScriptNotFound, "script '"+scriptID+"' does not exist")
	}

	return sh, sc, nil
}

func (s *Store) lookupScriptLockedRO(shellID, scriptID string) (*Shell, *Script, error) {
	return s.lookupScriptLocked(shellID, scriptID)
}
