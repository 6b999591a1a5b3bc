package policy

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// TaskDef is one entry of config.tasks. A task is exactly one of:
//   - an atomic command (Cmd set)
//   - a serial group (Serial set)
//   - a parallel group (Parallel set)
//   - a reference to another task (Ref set) — including the xrun array
//     literal shorthand, e.g. "[-s, a, b]", which is parsed into Ref and
//     expanded lazily by the orchestrator.
//
// Exactly one of Cmd/Serial/Parallel/Ref is populated; TaskDef.Kind reports
// which.
type TaskDef struct {
	Cmd      string    `json:"-"`
	Serial   []TaskRef `json:"-"`
	Parallel []TaskRef `json:"-"`
	Ref      string    `json:"-"`
}

// TaskKind identifies which variant a TaskDef holds.
type TaskKind int

const (
	TaskKindInvalid TaskKind = iota
	TaskKindCmd
	TaskKindSerial
	TaskKindParallel
	TaskKindRef
)

// Kind reports which variant t holds.
func (t TaskDef) Kind() TaskKind {
	switch {
	case t.Cmd != "":
		return TaskKindCmd
	case t.Serial != nil:
		return TaskKindSerial
	case t.Parallel != nil:
		return TaskKindParallel
	case t.Ref != "":
		return TaskKindRef
	default:
		return TaskKindInvalid
	}
}

// TaskRef is a reference to another task: either a literal name or an
// inline nested TaskDef (object form: {cmd: ...}, {serial: [...]}, etc.).
type TaskRef struct {
	Name   string
	Inline *TaskDef
}

// UnmarshalJSON accepts either a bare string (a task name, including xrun
// array-literal syntax like "[a, b, c]") or an inline task object.
func (r *TaskRef) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		r.Name, r.Inline = name, nil
		return nil
	}

	var inline taskDefJSON

	err := json.Unmarshal(data, &inline)
	if err != nil {
		return fmt.Errorf("task reference must be a string or a task object: %w", err)
	}

	def := inline.toTaskDef()
	r.Name, r.Inline = "", &def

	return nil
}

// MarshalJSON writes a named reference as a bare string and an inline
// definition as its task object, the two forms UnmarshalJSON accepts.
func (r TaskRef) MarshalJSON() ([]byte, error) {
	if r.Name == "" && r.Inline != nil {
		return json.Marshal(*r.Inline)
	}

	return json.Marshal(r.Name)
}

// taskDefYAML mirrors taskDefJSON for the YAML task-file form (spec.md
// "Task orchestration": tasks may be authored in a sibling tasks.yaml
// alongside the JSON/JSONC project config).
type taskDefYAML struct {
	Cmd      string    `yaml:"cmd,omitempty"`
	Serial   []TaskRef `yaml:"serial,omitempty"`
	Parallel []TaskRef `yaml:"parallel,omitempty"`
}

func (y taskDefYAML) toTaskDef() TaskDef {
	return TaskDef{Cmd: y.Cmd, Serial: y.Serial, Parallel: y.Parallel}
}

// UnmarshalYAML accepts either a bare scalar (a task name/Ref) or a mapping
// ({cmd: ...}, {serial: [...]}, {parallel: [...]}), the same disjoint-union
// shape UnmarshalJSON accepts.
func (t *TaskDef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var name string
		if err := node.Decode(&name); err != nil {
			return fmt.Errorf("task definition: %w", err)
		}

		*t = TaskDef{Ref: name}

		return nil
	}

	var y taskDefYAML

	if err := node.Decode(&y); err != nil {
		return fmt.Errorf("task definition must be a scalar or a task mapping: %w", err)
	}

	*t = y.toTaskDef()

	return nil
}

// UnmarshalYAML mirrors TaskRef.UnmarshalJSON for the YAML task-file form.
func (r *TaskRef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var name string
		if err := node.Decode(&name); err != nil {
			return fmt.Errorf("task reference: %w", err)
		}

		r.Name, r.Inline = name, nil

		return nil
	}

	var y taskDefYAML

	if err := node.Decode(&y); err != nil {
		return fmt.Errorf("task reference must be a scalar or a task mapping: %w", err)
	}

	def := y.toTaskDef()
	r.Name, r.Inline = "", &def

	return nil
}

// taskDefJSON mirrors the wire shape of a task object; TaskDef itself keeps
// no json tags so callers can't accidentally round-trip the disjoint-union
// fields without going through this type.
type taskDefJSON struct {
	Cmd      string    `json:"cmd,omitempty"`
	Serial   []TaskRef `json:"serial,omitempty"`
	Parallel []TaskRef `json:"parallel,omitempty"`
}

func (j taskDefJSON) toTaskDef() TaskDef {
	return TaskDef{Cmd: j.Cmd, Serial: j.Serial, Parallel: j.Parallel}
}

// UnmarshalJSON for TaskDef itself (config.tasks values may also be bare
// strings, which are Refs).
func (t *TaskDef) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*t = TaskDef{Ref: name}
		return nil
	}

	var j taskDefJSON

	err := json.Unmarshal(data, &j)
	if err != nil {
		return fmt.Errorf("task definition must be a string or a task object: %w", err)
	}

	*t = j.toTaskDef()

	return nil
}

// MarshalJSON implements the inverse of UnmarshalJSON.
func (t TaskDef) MarshalJSON() ([]byte, error) {
	switch t.Kind() {
	case TaskKindRef:
		return json.Marshal(t.Ref)
	case TaskKindCmd:
		return json.Marshal(taskDefJSON{Cmd: t.Cmd})
	case TaskKindSerial:
		return json.Marshal(taskDefJSON{Serial: t.Serial})
	case TaskKindParallel:
		return json.Marshal(taskDefJSON{Parallel: t.Parallel})
	default:
		return json.Marshal(nil)
	}
}
