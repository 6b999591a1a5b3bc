// Package orchestrator runs named tasks composed of atomic commands, serial
// groups, and parallel groups (spec.md §4.F), including the xrun
// array-literal shorthand ("[a, b, c]" / "[-s, a, b, c]").
package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/safeshell/safesh/errs"
	"github.com/safeshell/safesh/policy"
)

// ExecFunc runs one atomic command (a snippet) and reports its combined
// output and whether it succeeded. The dispatcher supplies an ExecFunc that
// wraps the sandbox launcher; orchestrator never spawns processes itself.
type ExecFunc func(ctx context.Context, code string) (output string, success bool, err error)

// Result is the outcome of running one task (atomic or a group).
type Result struct {
	Name     string
	Success  bool
	Output   string
	Children []*Result
}

// Run resolves name against tasks and executes it. name may itself be an
// xrun array literal.
func Run(ctx context.Context, name string, tasks map[string]policy.TaskDef, exec ExecFunc) (*Result, error) {
	return execTask(ctx, name, nil, map[string]bool{}, tasks, exec)
}

// execTask resolves and runs one task reference: either a name to look up
// in tasks (following Ref chains with cycle detection), an inline TaskDef
// (from a nested group member), or an xrun array literal.
func execTask(ctx context.Context, refName string, inline *policy.TaskDef, visiting map[string]bool, tasks map[string]policy.TaskDef, exec ExecFunc) (*Result, error) {
	var def policy.TaskDef

	displayName := refName

	switch {
	case inline != nil:
		def = *inline
	case IsXrunLiteral(refName):
		parsed, err := ParseXrun(refName)
		if err != nil {
			return nil, err
		}

		def = parsed
	default:
		if visiting[refName] {
			return nil, errs.New(errs.ConfigError, "cycle detected resolving task '"+refName+"'")
		}

		d, ok := tasks[refName]
		if !ok {
			return nil, errs.New(errs.ConfigError, "unknown task '"+refName+"'")
		}

		if d.Kind() == policy.TaskKindRef {
			next := cloneVisiting(visiting)
			next[refName] = true

			return execTask(ctx, d.Ref, nil, next, tasks, exec)
		}

		// A named Serial/Parallel task can reference itself (directly or
		// through its group) just as readily as a Ref chain can, so it must
		// mark itself visited before recursing into its members too.
		next := cloneVisiting(visiting)
		next[refName] = true
		visiting = next

		def = d
	}

	switch def.Kind() {
	case policy.TaskKindCmd:
		output, success, err := exec(ctx, def.Cmd)
		if err != nil {
			return nil, err
		}

		return &Result{Name: displayName, Success: success, Output: output}, nil

	case policy.TaskKindSerial:
		return runSerial(ctx, displayName, def.Serial, visiting, tasks, exec)

	case policy.TaskKindParallel:
		return runParallel(ctx, displayName, def.Parallel, visiting, tasks, exec)

	default:
		return nil, errs.New(errs.ConfigError, "task '"+displayName+"' has no body")
	}
}

// runSerial runs tasks one after another, stopping at the first failure
// (spec.md §4.F).
func runSerial(ctx context.Context, name string, refs []policy.TaskRef, visiting map[string]bool, tasks map[string]policy.TaskDef, exec ExecFunc) (*Result, error) {
	result := &Result{Name: name, Success: true}

	for _, ref := range refs {
		child, err := execTask(ctx, ref.Name, ref.Inline, visiting, tasks, exec)
		if err != nil {
			return nil, err
		}

		result.Children = append(result.Children, child)
		result.Output += formatSection(child.Name, child.Output)

		if !child.Success {
			result.Success = false
			break
		}
	}

	return result, nil
}

// runParallel runs tasks concurrently with an all-settled join: a failing
// member marks the group failed but every member still runs to completion
// (spec.md §4.F).
func runParallel(ctx context.Context, name string, refs []policy.TaskRef, visiting map[string]bool, tasks map[string]policy.TaskDef, exec ExecFunc) (*Result, error) {
	results := make([]*Result, len(refs))

	var g errgroup.Group

	for i, ref := range refs {
		i, ref := i, ref

		g.Go(func() error {
			child, err := execTask(ctx, ref.Name, ref.Inline, visiting, tasks, exec)
			if err != nil {
				return err
			}

			results[i] = child

			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		return nil, err
	}

	result := &Result{Name: name, Success: true}

	for _, child := range results {
		result.Children = append(result.Children, child)
		result.Output += formatSection(child.Name, child.Output)

		if !child.Success {
			result.Success = false
		}
	}

	return result, nil
}

func formatSection(name, output string) string {
	return "[" + name + "]\n" + output
}

func cloneVisiting(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in)+1)
	for k, v := range in {
		out[k] = v
	}

	return out
}
