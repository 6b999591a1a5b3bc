package store

import (
	"github.com/safeshell/safesh/errs"
)

// JobEvent is one parsed "__SAFESH_JOB__:" marker line from a script's
// stderr (spec.md §4.C "Post-processing"). internal/jobevents produces
// these; the store only consumes them.
type JobEvent struct {
	Kind     string // "start" or "end"
	JobID    string
	Command  string
	Args     []string
	PID      int
	ExitCode int
}

// ApplyJobEvent folds ev into shellID's job table, pairing start/end events
// by id (spec.md: "Job events may arrive out of script-order and are paired
// by id, not by arrival"), and attaches the job id to its parent script.
func (s *Store) ApplyJobEvent(shellID, scriptID string, ev JobEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, ok := s.shells[shellID]
	if !ok {
		return errs.New(errs.ShellNotFound, "shell '"+shellID+"' does not exist")
	}

	job, existed := sh.jobs[ev.JobID]
	if !existed {
		job = &Job{ID: ev.JobID, ScriptID: scriptID}
		sh.jobs[ev.JobID] = job
	}

	switch ev.Kind {
	case "start":
		job.Command = ev.Command
		job.Args = ev.Args
		job.PID = ev.PID
		job.Status = JobRunning
		job.StartedAt = s.clock()
	case "end":
		job.ExitCode = ev.ExitCode
		job.CompletedAt = s.clock()

		if job.StartedAt.IsZero() {
			job.StartedAt = job.CompletedAt
		}

		job.Duration = job.CompletedAt.Sub(job.StartedAt)

		if ev.ExitCode == 0 {
			job.Status = JobCompleted
		} else {
			job.Status = JobFailed
		}
	}

	if !existed {
		if sc, scOK := sh.scripts[scriptID]; scOK {
			sc.JobIDs = append(sc.JobIDs, ev.JobID)
		}
	}

	s.scheduleFlush()

	return nil
}

// ListJobs returns shellID's jobs, optionally filtered to scriptID, ordered
// by start time.
func (s *Store) ListJobs(shellID, scriptID string) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sh, ok := s.shells[shellID]
	if !ok {
		return nil, errs.New(errs.ShellNotFound, "shell '"+shellID+"' does not exist")
	}

	out := make([]*Job, 0, len(sh.jobs))

	for _, j := range sh.jobs {
		if scriptID != "" && j.ScriptID != scriptID {
			continue
		}

		cp := *j
		out = append(out, &cp)
	}

	sortJobsOldestFirst(out)

	return out, nil
}

func sortJobsOldestFirst(jobs []*Job) {
	for i := 1; i < len(jobs); i++ {
		j := i
		for j > 0 && jobs[j-1].StartedAt.After(jobs[j].StartedAt) {
			jobs[j-1], jobs[j] = jobs[j], jobs[j-1]
			j--
		}
	}
}
