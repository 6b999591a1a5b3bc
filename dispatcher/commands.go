package dispatcher

import (
	"regexp"
	"strings"
)

// commandCallPattern matches the command-constructor calls the preamble
// exposes (spec.md §4.C: "command constructors (cmd, git, docker, deno)
// that spawn sub-children"). The out-of-core shell-syntax/AWK-SED
// transpiler that produces a snippet's source always renders a concrete
// string literal as cmd's first argument — it is transpiling a literal
// command name from the caller's original snippet, never a runtime
// expression — so matching only the literal form is sufficient to recover
// every command a Program artifact references.
var commandCallPattern = regexp.MustCompile(`\$\.(cmd|git|docker|deno)\s*\(\s*(?:'([^']*)'|"([^"]*)")?`)

// invocation is one external-command reference extracted from a snippet, or
// supplied directly for an shcmd request.
type invocation struct {
	Command string
	Args    []string
}

// extractInvocations finds every $.cmd/$.git/$.docker/$.deno call in code
// and returns the literal command name each invokes. Flags/arguments passed
// to these constructors are themselves runtime values (URLs, option
// strings assembled from $.VARS, etc.) and are validated by the registry
// at call time inside the sandboxed runtime's own policy enforcement, not
// statically here — the core's static preflight only needs to know which
// commands a script may invoke so it can whitelist-check the command name
// and any literal subcommand/flags the transpiler inlined as trailing
// string-literal arguments.
func extractInvocations(code string) []invocation {
	matches := commandCallPattern.FindAllStringSubmatchIndex(code, -1)

	var out []invocation

	for _, m := range matches {
		ctor := code[m[2]:m[3]]

		var name string

		switch ctor {
		case "git", "docker", "deno":
			name = ctor
		case "cmd":
			if m[4] >= 0 {
				name = code[m[4]:m[5]]
			} else if m[6] >= 0 {
				name = code[m[6]:m[7]]
			}
		}

		if name == "" {
			continue
		}

		args := trailingLiteralArgs(code, m[1])

		if ctor != "cmd" {
			// For git/docker/deno the first literal the pattern captured is the
			// subcommand, not the command name, so it leads the argument list.
			if m[4] >= 0 {
				args = append([]string{code[m[4]:m[5]]}, args...)
			} else if m[6] >= 0 {
				args = append([]string{code[m[6]:m[7]]}, args...)
			}
		}

		out = append(out, invocation{Command: name, Args: args})
	}

	return out
}

// trailingLiteralArgs scans the call's remaining arguments starting right
// after the portion commandCallPattern already consumed, collecting
// consecutive string-literal arguments until it hits the closing paren or a
// non-literal (dynamic) argument, which it conservatively stops at.
func trailingLiteralArgs(code string, from int) []string {
	var args []string

	i := from
	for i < len(code) {
		for i < len(code) && (code[i] == ' ' || code[i] == '\t' || code[i] == '\n' || code[i] == ',') {
			i++
		}

		if i >= len(code) {
			break
		}

		if code[i] == ')' {
			break
		}

		if code[i] != '\'' && code[i] != '"' {
			break
		}

		quote := code[i]
		j := i + 1

		for j < len(code) && code[j] != quote {
			j++
		}

		if j >= len(code) {
			break
		}

		args = append(args, code[i+1:j])
		i = j + 1
	}

	return args
}

// splitShellWords tokenizes an shcmd literal ("git push --force") into a
// command plus its arguments, honoring single/double-quoted words.
func splitShellWords(s string) []string {
	var (
		words   []string
		current strings.Builder
		inWord  bool
		quote   byte
	)

	flush := func() {
		if inWord {
			words = append(words, current.String())
			current.Reset()
			inWord = false
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]

		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				current.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inWord = true
		case c == ' ' || c == '\t':
			flush()
		default:
			inWord = true
			current.WriteByte(c)
		}
	}

	flush()

	return words
}
