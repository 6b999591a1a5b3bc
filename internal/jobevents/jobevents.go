// Package jobevents parses and emits the side-channel protocol a sandboxed
// snippet uses to tell the core about child processes it spawned (spec.md
// §3 "Job", §4.C "Post-processing"). Events are single JSON lines written to
// the child runtime's stderr, each prefixed by the Marker string, so they
// interleave with ordinary program output without corrupting it.
package jobevents

import (
	"bufio"
	"encoding/json"
	"strings"

	"github.com/safeshell/safesh/store"
)

// Marker prefixes every job-event line in a script's stderr.
const Marker = "__SAFESH_JOB__:"

// wireEvent is the JSON shape written after Marker.
type wireEvent struct {
	Kind     string   `json:"kind"`
	JobID    string   `json:"jobId"`
	Command  string   `json:"command"`
	Args     []string `json:"args,omitempty"`
	PID      int      `json:"pid,omitempty"`
	ExitCode int      `json:"exitCode,omitempty"`
}

// Parse scans stderr line by line and returns every job event found,
// in the order the lines appeared (job-event arrival order, not
// necessarily script order — spec.md §5).
func Parse(stderr string) []store.JobEvent {
	var events []store.JobEvent

	scanner := bufio.NewScanner(strings.NewReader(stderr))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()

		idx := strings.Index(line, Marker)
		if idx < 0 {
			continue
		}

		var wire wireEvent

		err := json.Unmarshal([]byte(line[idx+len(Marker):]), &wire)
		if err != nil {
			continue
		}

		events = append(events, store.JobEvent{
			Kind:     wire.Kind,
			JobID:    wire.JobID,
			Command:  wire.Command,
			Args:     wire.Args,
			PID:      wire.PID,
			ExitCode: wire.ExitCode,
		})
	}

	return events
}

// StripMarkerLines removes every Marker-carrying line from stderr, returning
// the remainder the caller actually wants to show (job events are a diagnostic
// side-channel, not program output).
func StripMarkerLines(stderr string) string {
	var b strings.Builder

	scanner := bufio.NewScanner(strings.NewReader(stderr))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	first := true

	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, Marker) {
			continue
		}

		if !first {
			b.WriteByte('\n')
		}

		b.WriteString(line)
		first = false
	}

	return b.String()
}

// EmitStart formats a "start" event line the way the preamble's `cmd()`
// constructor writes it to stderr when it spawns a sub-child.
func EmitStart(jobID, command string, args []string, pid int) string {
	data, _ := json.Marshal(wireEvent{Kind: "start", JobID: jobID, Command: command, Args: args, PID: pid})
	return Marker + string(data)
}

// EmitEnd formats an "end" event line.
func EmitEnd(jobID string, exitCode int) string {
	data, _ := json.Marshal(wireEvent{Kind: "end", JobID: jobID, ExitCode: exitCode})
	return Marker + string(data)
}
