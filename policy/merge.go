package policy

import "maps"

// Merge merges override into base, with override taking precedence, the
// same rule the teacher's config loader applies to layered config files:
//
//   - scalars: override wins when set (right-biased)
//   - lists: concatenated (union), base entries first
//   - maps: merged key-wise; External entries are merged field by field,
//     Tasks entries are replaced whole by the override's entry
//
// Merge is associative: Merge(Merge(a, b), c) == Merge(a, Merge(b, c)).
func Merge(base, override *Config) Config {
	result := Clone(base)
	ovr := Clone(override)

	result.Permissions.Read = append(result.Permissions.Read, ovr.Permissions.Read...)
	result.Permissions.Write = append(result.Permissions.Write, ovr.Permissions.Write...)
	result.Permissions.Run = append(result.Permissions.Run, ovr.Permissions.Run...)
	result.Permissions.Env = append(result.Permissions.Env, ovr.Permissions.Env...)

	if ovr.Permissions.Net.All || len(ovr.Permissions.Net.Hosts) > 0 {
		if ovr.Permissions.Net.All {
			result.Permissions.Net = NetPolicy{All: true}
		} else {
			result.Permissions.Net = NetPolicy{
				All:   result.Permissions.Net.All,
				Hosts: append(result.Permissions.Net.Hosts, ovr.Permissions.Net.Hosts...),
			}
		}
	}

	if len(ovr.External) > 0 {
		if result.External == nil {
			result.External = make(map[string]ExternalPolicy, len(ovr.External))
		}

		for name, ext := range ovr.External {
			result.External[name] = mergeExternalPolicy(result.External[name], ext)
		}
	}

	result.Env.Allow = append(result.Env.Allow, ovr.Env.Allow...)
	result.Env.Mask = append(result.Env.Mask, ovr.Env.Mask...)

	result.Imports.Trusted = append(result.Imports.Trusted, ovr.Imports.Trusted...)
	result.Imports.Allowed = append(result.Imports.Allowed, ovr.Imports.Allowed...)
	result.Imports.Blocked = append(result.Imports.Blocked, ovr.Imports.Blocked...)

	if len(ovr.Tasks) > 0 {
		if result.Tasks == nil {
			result.Tasks = make(map[string]TaskDef, len(ovr.Tasks))
		}

		maps.Copy(result.Tasks, ovr.Tasks)
	}

	if ovr.ProjectDir != "" {
		result.ProjectDir = ovr.ProjectDir
	}

	if override.AllowProjectCommands {
		result.AllowProjectCommands = true
	}

	if override.AllowProjectFiles {
		result.AllowProjectFiles = true
	}

	if ovr.Timeout != 0 {
		result.Timeout = ovr.Timeout
	}

	if ovr.VFS.Enabled {
		result.VFS = ovr.VFS
	}

	return result
}

// mergeExternalPolicy merges one command's override rule onto base,
// unioning list fields and letting the override's Allow rule win when set.
func mergeExternalPolicy(base, override ExternalPolicy) ExternalPolicy {
	out := base

	if override.Allow.All || len(override.Allow.Subcommands) > 0 {
		out.Allow = override.Allow
	}

	out.DenyFlags = append(append([]string{}, base.DenyFlags...), override.DenyFlags...)
	out.RequireFlags = append(append([]string{}, base.RequireFlags...), override.RequireFlags...)

	if override.PathArgs.AutoDetect || override.PathArgs.ValidateSandbox {
		out.PathArgs = override.PathArgs
	}

	return out
}

// WithSessionGrants returns a copy of cfg with additionally-allowed commands
// merged in as permissions.run + external.{cmd}.allow, the same shape the
// pending-retry protocol (choice 1/2/3) grants a blocked command.
func WithSessionGrants(cfg Config, commands []string) Config {
	if len(commands) == 0 {
		return cfg
	}

	override := Config{
		Permissions: Permissions{Run: commands},
		External:    make(map[string]ExternalPolicy, len(commands)),
	}

	for _, cmd := range commands {
		override.External[cmd] = ExternalPolicy{Allow: AllowRule{All: true}}
	}

	return Merge(&cfg, &override)
}
