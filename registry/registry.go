// Package registry resolves a command invocation against a policy.Config:
// whitelist lookup, subcommand/flag checks, and path-argument validation.
//
// Validation is pure (spec.md §4.B, testable property 2): the same
// (config, cwd, command, args) always produces the same decision. The only
// I/O performed is stat'ing path-shaped arguments when
// ExternalPolicy.PathArgs.ValidateSandbox is set.
package registry

import (
	"path/filepath"
	"strings"

	"github.com/safeshell/safesh/errs"
	"github.com/safeshell/safesh/policy"
)

// Registry resolves command names to their effective ExternalPolicy.
type Registry struct {
	cfg policy.Config
}

// New builds a Registry from cfg. Lookup is case-sensitive except the
// command name itself is normalized to its basename before lookup (e.g.
// "/usr/bin/git" -> "git").
func New(cfg policy.Config) *Registry {
	return &Registry{cfg: policy.Clone(&cfg)}
}

// Decision is the result of a successful Validate call.
type Decision struct {
	Command    string
	Subcommand string
	Flags      []string
}

// Validate implements the six validation steps of spec.md §4.B.
func (r *Registry) Validate(command string, args []string, cwd string) (*Decision, *errs.Error) {
	normalized := filepath.Base(command)

	ext, ok := r.lookup(normalized, command, args, cwd)
	if !ok {
		return nil, errs.New(errs.CommandNotWhitelisted, "command '"+normalized+"' is not in the whitelist").
			WithSuggestion("add '" + normalized + "' to external." + normalized + ".allow")
	}

	flags := extractFlags(args)

	subcommand := firstNonFlag(args)

	if !ext.Allow.All {
		if subcommand == "" || !ext.Allow.Allows(subcommand) {
			return nil, errs.New(errs.SubcommandNotAllowed, "subcommand '"+subcommand+"' is not allowed for '"+normalized+"'").
				WithDetails(map[string]any{"allowed": ext.Allow.Subcommands}).
				WithSuggestion("add '" + subcommand + "' to external." + normalized + ".allow")
		}
	}

	for _, flag := range flags {
		if matchesAnyFlag(flag, ext.DenyFlags) {
			return nil, errs.New(errs.FlagNotAllowed, "flag '"+flag+"' is not allowed for '"+normalized+"'").
				WithDetails(map[string]any{"flag": flag}).
				WithSuggestion("remove '" + flag + "' from the " + normalized + " invocation, or drop it from external." + normalized + ".denyFlags")
		}
	}

	var missing []string

	for _, required := range ext.RequireFlags {
		if !matchesAnyFlag(required, flags) {
			missing = append(missing, required)
		}
	}

	if len(missing) > 0 {
		return nil, errs.New(errs.FlagNotAllowed, "required flags missing for '"+normalized+"'").
			WithDetails(map[string]any{"missing": missing})
	}

	if ext.PathArgs.AutoDetect {
		violation := r.validatePathArgs(normalized, args, ext, cwd)
		if violation != nil {
			return nil, violation
		}
	}

	return &Decision{Command: normalized, Subcommand: subcommand, Flags: flags}, nil
}

// lookup resolves the effective ExternalPolicy for a normalized command
// name, synthesizing a project-local allow rule when AllowProjectCommands is
// set and the invocation's first argument (the invoked path itself, or
// args[0] when the command name was already normalized) resolves inside
// ProjectDir.
func (r *Registry) lookup(normalized, rawCommand string, args []string, cwd string) (policy.ExternalPolicy, bool) {
	if ext, ok := r.cfg.External[normalized]; ok {
		return ext, true
	}

	if r.cfg.AllowProjectCommands && r.cfg.ProjectDir != "" {
		candidate := rawCommand
		if !looksLikePath(candidate) && len(args) > 0 {
			candidate = args[0]
		}

		if looksLikePath(candidate) {
			resolved := policy.Expand(candidate, cwd, "")
			if isWithin(resolved, r.cfg.ProjectDir) {
				return policy.ExternalPolicy{Allow: policy.AllowRule{All: true}}, true
			}
		}
	}

	return policy.ExternalPolicy{}, false
}

// validatePathArgs resolves path-shaped arguments (following symlinks) and
// requires them to lie inside permissions.read ∪ permissions.write.
func (r *Registry) validatePathArgs(command string, args []string, ext policy.ExternalPolicy, cwd string) *errs.Error {
	allowed := make([]string, 0, len(r.cfg.Permissions.Read)+len(r.cfg.Permissions.Write))

	for _, p := range r.cfg.Permissions.Read {
		allowed = append(allowed, policy.Expand(p, cwd, ""))
	}

	for _, p := range r.cfg.Permissions.Write {
		allowed = append(allowed, policy.Expand(p, cwd, ""))
	}

	for _, arg := range args {
		if !looksLikePath(arg) {
			continue
		}

		resolved := policy.Expand(arg, cwd, "")

		if !ext.PathArgs.ValidateSandbox {
			continue
		}

		real, symlinkEscaped := resolveSymlink(resolved, allowed)
		if symlinkEscaped {
			return errs.New(errs.SymlinkViolation, "argument '"+arg+"' resolves to '"+real+"' outside the sandbox via a symlink for '"+command+"'").
				WithDetails(map[string]any{"path": arg, "resolved": real})
		}

		if !isWithinAny(real, allowed) {
			return errs.New(errs.PathViolation, "argument '"+arg+"' is outside the allowed read/write paths for '"+command+"'").
				WithDetails(map[string]any{"path": arg, "resolved": real})
		}
	}

	return nil
}

func firstNonFlag(args []string) string {
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			return arg
		}
	}

	return ""
}

func matchesAnyFlag(needle string, haystack []string) bool {
	for _, f := range haystack {
		if strings.EqualFold(f, needle) {
			return true
		}
	}

	return false
}

func looksLikePath(s string) bool {
	if s == "" || strings.HasPrefix(s, "-") {
		return false
	}

	return strings.Contains(s, "/") || strings.HasPrefix(s, "~") || strings.HasPrefix(s, ".")
}

func isWithin(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}

	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

func isWithinAny(path string, roots []string) bool {
	for _, root := range roots {
		if isWithin(path, root) {
			return true
		}
	}

	return false
}
