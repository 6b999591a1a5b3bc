package registry

import (
	"os/exec"
	"slices"
	"strings"
	"sync"
)

// existingCommandCache memoizes LookPath results per unique sorted tuple of
// command names, so the sandbox launcher can filter permissions.run down to
// commands that actually exist on the host without re-statting PATH on every
// script (spec.md §4.C "run: filtered to commands that exist on the host
// (cached per unique sorted tuple)").
var existingCommandCache sync.Map // map[string][]string, keyed by sorted-joined names

// ExistingCommands returns the subset of names found in PATH via
// exec.LookPath, preserving input order. Results are cached by the sorted,
// comma-joined tuple of names so repeated calls with the same run list (the
// common case — one project's permissions.run rarely changes between
// scripts) skip the LookPath syscalls entirely.
func ExistingCommands(names []string) []string {
	if len(names) == 0 {
		return nil
	}

	key := cacheKey(names)

	if cached, ok := existingCommandCache.Load(key); ok {
		existing := cached.([]string)
		found := make([]string, 0, len(names))

		for _, name := range names {
			if slices.Contains(existing, name) {
				found = append(found, name)
			}
		}

		return found
	}

	found := make([]string, 0, len(names))

	for _, name := range names {
		if _, err := exec.LookPath(name); err == nil {
			found = append(found, name)
		}
	}

	existingCommandCache.Store(key, cloneNames(found))

	return found
}

func cacheKey(names []string) string {
	sorted := slices.Clone(names)
	slices.Sort(sorted)

	return strings.Join(sorted, ",")
}

func cloneNames(names []string) []string {
	return slices.Clone(names)
}
