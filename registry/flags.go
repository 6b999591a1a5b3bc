package registry

import (
	"os"
	"path/filepath"
	"strings"
)

// extractFlags extracts the normalized flags from args per spec.md §4.B
// step 2:
//
//   - long flags ("--x", "--x=v") become "--x"
//   - a two-char short flag ("-x") is a single flag
//   - a longer short-flag cluster ("-xyz") is decomposed into "-x","-y","-z"
//     while each character is a letter; a non-letter stops decomposition
//     (so "-o123" contributes only "-o")
//   - a lone "-" with no letters (e.g. "-1") contributes nothing
func extractFlags(args []string) []string {
	var flags []string

	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--"):
			name, _, _ := strings.Cut(arg, "=")
			flags = append(flags, name)

		case strings.HasPrefix(arg, "-") && len(arg) > 1:
			flags = append(flags, decomposeShortFlag(arg)...)
		}
	}

	return flags
}

// decomposeShortFlag implements the boundary behavior from spec.md §8:
// "-abc" -> [-a,-b,-c]; "-o123" -> [-o]; "-1" -> [] (non-letter rejects).
func decomposeShortFlag(arg string) []string {
	var flags []string

	for _, r := range arg[1:] {
		if !isLetter(r) {
			break
		}

		flags = append(flags, "-"+string(r))
	}

	return flags
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// resolveSymlink follows symlinks in path and reports whether the resolved
// target escapes every entry in allowed relative to where the unresolved
// path itself would have landed.
func resolveSymlink(path string, allowed []string) (resolved string, escaped bool) {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		// Path doesn't exist yet (e.g. a file about to be created); fall
		// back to the cleaned, unresolved path.
		return filepath.Clean(path), false
	}

	if real == path {
		return real, false
	}

	info, statErr := os.Lstat(path)
	if statErr != nil || info.Mode()&os.ModeSymlink == 0 {
		return real, false
	}

	return real, !isWithinAny(real, allowed)
}
