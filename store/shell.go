package store

import "time"

// ScriptStatus is the lifecycle state of a Script.
type ScriptStatus string

const (
	ScriptRunning   ScriptStatus = "running"
	ScriptCompleted ScriptStatus = "completed"
	ScriptFailed    ScriptStatus = "failed"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Shell is a long-lived caller context: cwd, env, opaque vars, and the
// scripts/jobs it owns. The exported fields are the externally-visible
// (serialized) view; the unexported fields hold the store's bookkeeping.
type Shell struct {
	ID             string
	Cwd            string
	Env            map[string]string
	Vars           map[string]any
	Scripts        []*Script
	SessionAllowed []string
	CreatedAt      time.Time
	LastActivityAt time.Time

	// internal bookkeeping, not part of the serialized view
	scripts        map[string]*Script
	scriptsByPid   map[int]string
	jobs           map[string]*Job
	sessionAllowed map[string]bool
	scriptSequence int
}

// Script is one foreground or background execution of a user snippet.
type Script struct {
	ID               string
	ShellID          string
	Code             string
	PID              int
	Status           ScriptStatus
	Stdout           string
	Stderr           string
	StdoutTruncated  bool
	StderrTruncated  bool
	StartedAt        time.Time
	CompletedAt      time.Time
	Duration         time.Duration
	ExitCode         int
	Background       bool
	JobIDs           []string

	// restoredForeign marks a script reattached from a persisted snapshot
	// whose pid still exists on the host: it is observer-only, its status
	// is frozen until the process is killed or waitScript polls it.
	restoredForeign bool
}

// Job is a child process spawned by user snippet code, reconstructed from
// side-channel JobEvents written to the child's diagnostic stream.
type Job struct {
	ID          string
	ScriptID    string
	Command     string
	Args        []string
	PID         int
	Status      JobStatus
	ExitCode    int
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
}

// serializeLocked returns the externally-visible subset of sh (excludes
// process handles / internal maps). Caller must hold s.mu.
func (sh *Shell) serializeLocked() *Shell {
	out := &Shell{
		ID:             sh.ID,
		Cwd:            sh.Cwd,
		Env:            cloneMap(sh.Env),
		Vars:           cloneAnyMap(sh.Vars),
		CreatedAt:      sh.CreatedAt,
		LastActivityAt: sh.LastActivityAt,
	}

	out.Scripts = make([]*Script, 0, len(sh.scripts))
	for _, sc := range sh.scripts {
		cp := *sc
		out.Scripts = append(out.Scripts, &cp)
	}

	out.SessionAllowed = make([]string, 0, len(sh.sessionAllowed))
	for c := range sh.sessionAllowed {
		out.SessionAllowed = append(out.SessionAllowed, c)
	}

	return out
}

func (sh *Shell) runningScriptsLocked() []*Script {
	var out []*Script

	for _, sc := range sh.scripts {
		if sc.Status == ScriptRunning {
			out = append(out, sc)
		}
	}

	return out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}
