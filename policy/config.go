// Package policy defines the types and pure validation helpers that describe
// what an untrusted snippet is allowed to do: which paths it may read or
// write, which external commands it may invoke and how, which environment
// variables it may see, and how its import map is rewritten.
//
// Types in this package carry no behavior beyond validation, cloning and
// merging. Interpreting a Config against the host filesystem or a running
// shell is the job of the registry and sandbox packages.
package policy

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Config is the resolved policy a caller hands to the dispatcher. It is the
// "Policy (Config)" value described by the data model: a mapping of
// capability lists, command rules, environment exposure, import rewriting and
// named tasks.
type Config struct {
	Permissions Permissions `json:"permissions"`
	External    map[string]ExternalPolicy `json:"external,omitempty"`
	Env         EnvPolicy   `json:"env"`
	Imports     ImportPolicy `json:"imports"`
	Tasks       map[string]TaskDef `json:"tasks,omitempty"`

	ProjectDir            string `json:"projectDir,omitempty"`
	AllowProjectCommands  bool   `json:"allowProjectCommands,omitempty"`
	AllowProjectFiles     bool   `json:"allowProjectFiles,omitempty"`

	VFS     VFSConfig `json:"vfs,omitempty"`
	Timeout int64     `json:"timeout,omitempty"` // milliseconds

	// EffectiveCwd is the working directory this config was resolved against.
	// Not serialized; populated by internal/config while loading.
	EffectiveCwd string `json:"-"`
}

// Permissions is the capability list the child runtime may exercise.
type Permissions struct {
	Read []string `json:"read,omitempty"`
	Write []string `json:"write,omitempty"`

	// Net is either a bool (true = all hosts allowed) or a list of
	// "host:port" strings. See NetPolicy.
	Net NetPolicy `json:"net,omitempty"`

	Run []string `json:"run,omitempty"`
	Env []string `json:"env,omitempty"`
}

// NetPolicy represents `net: true | list of host:port`.
type NetPolicy struct {
	All   bool
	Hosts []string
}

// UnmarshalJSON accepts a bool or a string array.
func (n *NetPolicy) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		n.All, n.Hosts = b, nil
		return nil
	}

	var hosts []string

	err := json.Unmarshal(data, &hosts)
	if err != nil {
		return fmt.Errorf("permissions.net must be a boolean or a list of host:port strings: %w", err)
	}

	n.All, n.Hosts = false, hosts

	return nil
}

// MarshalJSON implements the inverse of UnmarshalJSON.
func (n NetPolicy) MarshalJSON() ([]byte, error) {
	if n.Hosts == nil {
		return json.Marshal(n.All)
	}

	return json.Marshal(n.Hosts)
}

// PathArgsPolicy controls how an ExternalPolicy validates path-shaped
// arguments.
type PathArgsPolicy struct {
	AutoDetect      bool `json:"autoDetect,omitempty"`
	ValidateSandbox bool `json:"validateSandbox,omitempty"`
}

// ExternalPolicy is the per-command rule under config.external.
type ExternalPolicy struct {
	Allow         AllowRule      `json:"allow,omitempty"`
	DenyFlags     []string       `json:"denyFlags,omitempty"`
	RequireFlags  []string       `json:"requireFlags,omitempty"`
	PathArgs      PathArgsPolicy `json:"pathArgs,omitempty"`
}

// AllowRule represents `allow: true | list of subcommands`.
type AllowRule struct {
	All         bool
	Subcommands []string
}

// UnmarshalJSON accepts a bool or a string array.
func (a *AllowRule) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		a.All, a.Subcommands = b, nil
		return nil
	}

	var subs []string

	err := json.Unmarshal(data, &subs)
	if err != nil {
		return fmt.Errorf("external.allow must be a boolean or a list of subcommands: %w", err)
	}

	a.All, a.Subcommands = false, subs

	return nil
}

// MarshalJSON implements the inverse of UnmarshalJSON.
func (a AllowRule) MarshalJSON() ([]byte, error) {
	if a.Subcommands == nil {
		return json.Marshal(a.All)
	}

	return json.Marshal(a.Subcommands)
}

// Allows reports whether subcommand is permitted by this rule.
func (a AllowRule) Allows(subcommand string) bool {
	if a.All {
		return true
	}

	return slices.Contains(a.Subcommands, subcommand)
}

// EnvPolicy controls which host environment variables are exposed to the
// child runtime. Mask always subsumes Allow (see Config invariants).
type EnvPolicy struct {
	Allow []string `json:"allow,omitempty"`
	Mask  []string `json:"mask,omitempty"`
}

// ImportPolicy controls how the snippet's import map is rewritten before
// execution.
type ImportPolicy struct {
	Trusted []string `json:"trusted,omitempty"`
	Allowed []string `json:"allowed,omitempty"`
	Blocked []string `json:"blocked,omitempty"`
}

// VFSConfig is passed through to the sandbox launcher uninterpreted by the
// rest of the core.
type VFSConfig struct {
	Enabled bool              `json:"enabled,omitempty"`
	Prefix  string            `json:"prefix,omitempty"`
	MaxSize int64             `json:"maxSize,omitempty"`
	MaxFiles int              `json:"maxFiles,omitempty"`
	Preload map[string][]byte `json:"preload,omitempty"`
}

// cloneStrings returns a copy of s, or nil for nil/empty input.
func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}

	return slices.Clone(s)
}

// Clone returns a deep copy of cfg. Subsequent modifications to the copy do
// not affect the original (mirrors the Sandbox package's cloneConfig).
func Clone(cfg *Config) Config {
	if cfg == nil {
		return Config{}
	}

	out := *cfg

	out.Permissions.Read = cloneStrings(cfg.Permissions.Read)
	out.Permissions.Write = cloneStrings(cfg.Permissions.Write)
	out.Permissions.Run = cloneStrings(cfg.Permissions.Run)
	out.Permissions.Env = cloneStrings(cfg.Permissions.Env)
	out.Permissions.Net = NetPolicy{All: cfg.Permissions.Net.All, Hosts: cloneStrings(cfg.Permissions.Net.Hosts)}

	if cfg.External != nil {
		out.External = make(map[string]ExternalPolicy, len(cfg.External))

		for name, ext := range cfg.External {
			ext.DenyFlags = cloneStrings(ext.DenyFlags)
			ext.RequireFlags = cloneStrings(ext.RequireFlags)
			ext.Allow.Subcommands = cloneStrings(ext.Allow.Subcommands)
			out.External[name] = ext
		}
	}

	out.Env.Allow = cloneStrings(cfg.Env.Allow)
	out.Env.Mask = cloneStrings(cfg.Env.Mask)

	out.Imports.Trusted = cloneStrings(cfg.Imports.Trusted)
	out.Imports.Allowed = cloneStrings(cfg.Imports.Allowed)
	out.Imports.Blocked = cloneStrings(cfg.Imports.Blocked)

	if cfg.Tasks != nil {
		out.Tasks = make(map[string]TaskDef, len(cfg.Tasks))
		maps.Copy(out.Tasks, cfg.Tasks)
	}

	if cfg.VFS.Preload != nil {
		out.VFS.Preload = make(map[string][]byte, len(cfg.VFS.Preload))
		for k, v := range cfg.VFS.Preload {
			out.VFS.Preload[k] = slices.Clone(v)
		}
	}

	return out
}
