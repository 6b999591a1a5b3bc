//go:build linux

package sandbox

import (
	"encoding/json"
	"strings"
)

// epilogueSentinel precedes the trailing JSON blob the epilogue writes to
// stdout so the launcher can find and strip it without scanning the whole
// buffer for JSON (spec.md §4.C "Preamble and epilogue").
const epilogueSentinel = "\n__SAFESH_EPILOGUE__:"

// capabilityObject is the JSON shape injected as `$` at the top of every
// snippet. Field names mirror spec.md §4.C exactly ("ID", "CWD", "ENV",
// "VARS", "projectDir"); the rest of the `$` surface (fs/path/text
// primitives, stream combinators, command constructors, sleep, vfs) is
// rendered as a fixed block of helper code in preambleHelpers, since it
// never varies per request.
type capabilityObject struct {
	ID         string         `json:"ID"`
	CWD        string         `json:"CWD"`
	ENV        map[string]any `json:"ENV"`
	VARS       map[string]any `json:"VARS"`
	ProjectDir string         `json:"projectDir"`
}

// buildPreamble renders the `$`-object bootstrap and helper surface for a
// snippet run against shell/opts. The returned text is valid standalone
// script source; buildEpilogue's output is appended after the caller's code.
func buildPreamble(shell ShellSnapshot, opts RunOptions, scriptID string) string {
	capObj := capabilityObject{
		ID:         scriptID,
		CWD:        effectiveCwd(shell, opts),
		ENV:        anyMapFromStrings(effectiveEnv(shell, opts)),
		VARS:       cloneVars(shell.Vars),
		ProjectDir: shell.ProjectDir,
	}

	encoded, err := json.Marshal(capObj)
	if err != nil {
		// capabilityObject only contains maps of strings/JSON-safe values;
		// Marshal cannot fail here short of a programming error.
		encoded = []byte(`{}`)
	}

	var b strings.Builder

	b.WriteString("const $ = Object.assign(")
	b.Write(encoded)
	b.WriteString(", __safeshCapabilities());\n")
	b.WriteString(preambleHelpers)
	b.WriteString("\n")

	return b.String()
}

// preambleHelpers implements the fixed, request-independent half of the `$`
// surface: fs/path/text primitives, the fluent stream combinator set, and
// command constructors that emit job-start/job-end marker lines on stderr
// so internal/jobevents can reconstruct Job records (spec.md §4.C). The
// shell-syntax/AWK-SED transpilers that produce the caller's code are a
// separate, out-of-core concern (spec.md §1); this is just the runtime
// surface that code links against.
const preambleHelpers = `
function __safeshCapabilities() {
  let jobSeq = 0;

  function nextJobID() {
    jobSeq += 1;
    return $.ID + "-job-" + jobSeq;
  }

  function emitJobEvent(kind, fields) {
    console.error("__SAFESH_JOB__:" + JSON.stringify(Object.assign({kind: kind}, fields)));
  }

  return {
    fs: {
      read: (path) => Deno.readTextFile(path),
      write: (path, data) => Deno.writeTextFile(path, data),
    },
    path: {
      join: (...parts) => parts.filter(Boolean).join("/").replace(/\/+/g, "/"),
      dirname: (p) => p.replace(/\/[^/]*$/, "") || "/",
      basename: (p) => p.split("/").filter(Boolean).pop() || "",
      extname: (p) => { const m = /\.[^./]+$/.exec(p); return m ? m[0] : ""; },
      resolve: (p) => p.startsWith("/") ? p : $.CWD + "/" + p,
      relative: (from, to) => to.startsWith(from) ? to.slice(from.length).replace(/^\//, "") : to,
      normalize: (p) => p.replace(/\/+/g, "/"),
    },
    trim: (s) => s.trim(),
    lines: (s) => s.split("\n"),
    grep: (s, pattern) => s.split("\n").filter((l) => l.includes(pattern)),
    sleep: (ms) => new Promise((resolve) => setTimeout(resolve, ms)),
    stream: (iterable) => __safeshStream(iterable),
    cmd: (name, ...args) => __safeshSpawn(nextJobID, emitJobEvent, name, args),
    git: (...args) => __safeshSpawn(nextJobID, emitJobEvent, "git", args),
    docker: (...args) => __safeshSpawn(nextJobID, emitJobEvent, "docker", args),
    deno: (...args) => __safeshSpawn(nextJobID, emitJobEvent, "deno", args),
  };
}

function __safeshStream(iterable) {
  const items = Array.isArray(iterable) ? iterable : Array.from(iterable);

  const api = {
    map: (fn) => __safeshStream(items.map(fn)),
    filter: (fn) => __safeshStream(items.filter(fn)),
    flatMap: (fn) => __safeshStream(items.flatMap(fn)),
    take: (n) => __safeshStream(items.slice(0, n)),
    head: (n = 1) => __safeshStream(items.slice(0, n)),
    tail: (n = 1) => __safeshStream(items.slice(-n)),
    lines: () => __safeshStream(items.flatMap((s) => String(s).split("\n"))),
    grep: (pattern) => __safeshStream(items.filter((s) => String(s).includes(pattern))),
    collect: () => items,
    first: () => items[0],
    count: () => items.length,
    forEach: (fn) => { items.forEach(fn); },
  };

  return api;
}

async function __safeshSpawn(nextJobID, emitJobEvent, name, args) {
  const jobID = nextJobID();

  const child = new Deno.Command(name, {args: args, stdout: "piped", stderr: "piped"}).spawn();

  emitJobEvent("start", {jobId: jobID, command: name, args: args, pid: child.pid});

  const status = await child.status;

  emitJobEvent("end", {jobId: jobID, exitCode: status.code});

  return status.code;
}
`

// buildEpilogue appends the guaranteed-release serialization block that
// writes back $.VARS/$.CWD/$.ENV after the caller's code has run, preceded
// by epilogueSentinel.
func buildEpilogue() string {
	var b strings.Builder

	b.WriteString("\ntry {} finally {\n")
	b.WriteString("  const __safeshOut = JSON.stringify({VARS: $.VARS, CWD: $.CWD, ENV: $.ENV});\n")
	b.WriteString("  console.log(")
	// epilogueSentinel starts with a newline, so it is written as an escaped
	// JSON string literal rather than spliced raw into the script source.
	sentinel, _ := json.Marshal(epilogueSentinel)
	b.Write(sentinel)
	b.WriteString(" + __safeshOut")
	b.WriteString(");\n}\n")

	return b.String()
}

// epilogueWriteback is the decoded trailing JSON blob the epilogue emits.
type epilogueWriteback struct {
	VARS map[string]any    `json:"VARS"`
	CWD  string            `json:"CWD"`
	ENV  map[string]string `json:"ENV"`
}

// extractEpilogue locates epilogueSentinel in stdout, returning the output
// with the sentinel line removed and the decoded writeback. ok is false if
// no sentinel was found (e.g. the child crashed before reaching it), in
// which case stdout is returned unchanged and the shell's prior VARS/CWD
// are left untouched by the caller.
func extractEpilogue(stdout string) (cleaned string, writeback epilogueWriteback, ok bool) {
	idx := strings.LastIndex(stdout, epilogueSentinel)
	if idx < 0 {
		return stdout, epilogueWriteback{}, false
	}

	before := stdout[:idx]
	payload := stdout[idx+len(epilogueSentinel):]

	end := strings.IndexByte(payload, '\n')
	if end >= 0 {
		cleaned = before + payload[end:]
		payload = payload[:end]
	} else {
		cleaned = before
	}

	var wb epilogueWriteback

	err := json.Unmarshal([]byte(payload), &wb)
	if err != nil {
		return stdout, epilogueWriteback{}, false
	}

	return strings.TrimSuffix(cleaned, "\n"), wb, true
}

func anyMapFromStrings(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}

func cloneVars(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}
