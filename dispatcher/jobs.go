package dispatcher

import (
	"context"

	"github.com/safeshell/safesh/store"
)

// ListJobsInput carries the listJobs tool's request shape.
type ListJobsInput struct {
	ShellID  string
	ScriptID string
}

// ListJobs implements the `listJobs` tool: child processes spawned by a
// shell's scripts, reconstructed from job-event marker lines (spec.md §4.D).
func (d *Dispatcher) ListJobs(ctx context.Context, in ListJobsInput) ([]*store.Job, error) {
	d.awaitRoots(ctx)

	return d.store.ListJobs(in.ShellID, in.ScriptID)
}
