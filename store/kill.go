package store

import (
	"time"

	"github.com/safeshell/safesh/errs"
)

// KillFunc delivers signal to pid. Callers supply the real implementation
// (os.FindProcess + Process.Signal on Linux); tests supply a fake so no
// process is actually touched.
type KillFunc func(pid int, signal string) error

// killGrace is how long killScriptProcess waits after the first signal
// before forcing SIGKILL (spec.md §5 "Cancellation").
const killGrace = 5 * time.Second

// killScriptProcess sends signal to sc's pid, waits up to killGrace for the
// store to observe completion (via CompleteScript, called by whatever is
// draining the child's stdio), then forces SIGKILL and marks the script
// failed itself if it is still running. Caller must not hold s.mu.
func (s *Store) killScriptProcess(sh *Shell, sc *Script, signal string, kill KillFunc) {
	if sc.PID != 0 && kill != nil {
		_ = kill(sc.PID, signal)
	}

	deadline := time.Now().Add(killGrace)

	for time.Now().Before(deadline) {
		s.mu.RLock()
		status := sc.Status
		s.mu.RUnlock()

		if status != ScriptRunning {
			return
		}

		time.Sleep(waitPollInterval)
	}

	if sc.PID != 0 && kill != nil {
		_ = kill(sc.PID, "SIGKILL")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sc.Status == ScriptRunning {
		now := s.clock()
		sc.Status = ScriptFailed
		sc.ExitCode = -1
		sc.CompletedAt = now
		sc.Duration = now.Sub(sc.StartedAt)
		s.scheduleFlush()
	}
}

// waitPollInterval bounds how often WaitScript and killScriptProcess poll a
// running script for a terminal transition (spec.md §5: "≤ 200 ms").
const waitPollInterval = 100 * time.Millisecond

// KillScript sends signal (default SIGTERM) to scriptID's process, waits up
// to 5s, then forces SIGKILL. The script transitions to failed/-1 either way.
func (s *Store) KillScript(shellID, scriptID, signal string, kill KillFunc) error {
	if signal == "" {
		signal = "SIGTERM"
	}

	s.mu.RLock()
	sh, sc, err := s.lookupScriptLocked(shellID, scriptID)
	s.mu.RUnlock()

	if err != nil {
		return err
	}

	if sc.Status != ScriptRunning {
		return nil
	}

	s.killScriptProcess(sh, sc, signal, kill)

	return nil
}

// WaitScript blocks, polling at waitPollInterval, until scriptID reaches a
// terminal state or timeout elapses; timeout <= 0 means wait indefinitely.
func (s *Store) WaitScript(shellID, scriptID string, timeout time.Duration) (*Script, error) {
	var deadline time.Time

	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = s.clock().Add(timeout)
	}

	for {
		s.mu.RLock()
		_, sc, err := s.lookupScriptLocked(shellID, scriptID)

		if err != nil {
			s.mu.RUnlock()
			return nil, err
		}

		if sc.Status != ScriptRunning {
			cp := *sc
			s.mu.RUnlock()

			return &cp, nil
		}

		s.mu.RUnlock()

		if hasDeadline && !s.clock().Before(deadline) {
			return nil, errs.New(errs.Timeout, "wait for script '"+scriptID+"' timed out")
		}

		time.Sleep(waitPollInterval)
	}
}
