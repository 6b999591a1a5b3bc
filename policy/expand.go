package policy

import (
	"path"
	"path/filepath"
	"strings"
)

// Expand substitutes ${CWD}/$CWD and ${HOME}/$HOME in p and returns an
// absolute path. Expansion happens once, at child-launch time, against the
// shell's cwd (per the Config invariants in the data model).
//
// Expand is idempotent on already-absolute inputs that contain no
// variables: Expand(Expand(p, cwd, home), cwd, home) == Expand(p, cwd, home).
func Expand(p, cwd, home string) string {
	replacer := strings.NewReplacer(
		"${CWD}", cwd,
		"$CWD", cwd,
		"${HOME}", home,
		"$HOME", home,
	)

	expanded := replacer.Replace(p)

	if filepath.IsAbs(expanded) {
		return filepath.Clean(expanded)
	}

	return filepath.Clean(filepath.Join(cwd, expanded))
}

// MatchMask reports whether key matches any of patterns. Patterns support a
// single wildcard style, "*", matched with path.Match semantics. A
// malformed pattern never matches.
func MatchMask(key string, patterns []string) bool {
	for _, pattern := range patterns {
		ok, err := path.Match(pattern, key)
		if err == nil && ok {
			return true
		}
	}

	return false
}

// EffectiveEnv filters host into the set of variables exposed to a child
// runtime: it must be present in allow (either in config.env.allow or
// permissions.env) and must not match any mask pattern.
//
// A masked key is never observed by the child regardless of other
// permissions (testable property 5).
func (c Config) EffectiveEnv(host map[string]string) map[string]string {
	allow := make(map[string]bool, len(c.Env.Allow)+len(c.Permissions.Env))
	for _, k := range c.Env.Allow {
		allow[k] = true
	}

	for _, k := range c.Permissions.Env {
		allow[k] = true
	}

	out := make(map[string]string)

	for k, v := range host {
		if !allow[k] {
			continue
		}

		if MatchMask(k, c.Env.Mask) {
			continue
		}

		out[k] = v
	}

	return out
}
