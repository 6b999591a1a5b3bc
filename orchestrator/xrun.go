package orchestrator

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/safeshell/safesh/policy"
)

// IsXrunLiteral reports whether s looks like an xrun array-literal task
// reference rather than a plain task name.
func IsXrunLiteral(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "[")
}

// ParseXrun parses the xrun array-literal shorthand (spec.md §4.F):
// "[a, b, c]" is a parallel group, "[-s, a, b, c]" is a serial group,
// nesting is allowed ("[a, [-s, b, c]]"), and an empty array, or "-s" with
// no tasks following it, is invalid.
func ParseXrun(s string) (policy.TaskDef, error) {
	p := &xrunParser{s: []rune(s)}

	def, err := p.parseArray()
	if err != nil {
		return policy.TaskDef{}, err
	}

	p.skipSpace()

	if p.i != len(p.s) {
		return policy.TaskDef{}, fmt.Errorf("xrun: unexpected trailing input %q", string(p.s[p.i:]))
	}

	return def, nil
}

// FormatXrun serializes def back into xrun array-literal syntax, the
// inverse of ParseXrun. It is used to verify the round-trip property
// (parse -> serialize -> parse yields the same AST, spec.md §8).
func FormatXrun(def policy.TaskDef) (string, error) {
	switch def.Kind() {
	case policy.TaskKindSerial:
		return formatGroup(true, def.Serial)
	case policy.TaskKindParallel:
		return formatGroup(false, def.Parallel)
	default:
		return "", fmt.Errorf("xrun: FormatXrun requires a serial or parallel TaskDef")
	}
}

func formatGroup(serial bool, refs []policy.TaskRef) (string, error) {
	parts := make([]string, 0, len(refs)+1)
	if serial {
		parts = append(parts, "-s")
	}

	for _, ref := range refs {
		part, err := formatRef(ref)
		if err != nil {
			return "", err
		}

		parts = append(parts, part)
	}

	return "[" + strings.Join(parts, ", ") + "]", nil
}

func formatRef(ref policy.TaskRef) (string, error) {
	if ref.Name != "" {
		return ref.Name, nil
	}

	if ref.Inline != nil {
		return FormatXrun(*ref.Inline)
	}

	return "", fmt.Errorf("xrun: task reference has neither a name nor an inline definition")
}

// xrunParser is a small hand-rolled recursive-descent parser over the
// tokens '[', ']', ',', '-s', and task identifiers made of letters, digits,
// '_', '-' and ':' (Unicode letters and digits included).
type xrunParser struct {
	s []rune
	i int
}

func (p *xrunParser) skipSpace() {
	for p.i < len(p.s) && unicode.IsSpace(p.s[p.i]) {
		p.i++
	}
}

func (p *xrunParser) parseArray() (policy.TaskDef, error) {
	p.skipSpace()

	if p.i >= len(p.s) || p.s[p.i] != '[' {
		return policy.TaskDef{}, fmt.Errorf("xrun: expected '[' at position %d", p.i)
	}

	p.i++
	p.skipSpace()

	serial := false

	save := p.i

	if ident, ok := p.tryIdent(); ok && ident == "-s" {
		serial = true

		p.skipSpace()

		if p.i < len(p.s) && p.s[p.i] == ',' {
			p.i++
		} else {
			return policy.TaskDef{}, fmt.Errorf("xrun: expected ',' after '-s'")
		}
	} else {
		p.i = save
	}

	var refs []policy.TaskRef

	for {
		p.skipSpace()

		if p.i < len(p.s) && p.s[p.i] == ']' {
			break
		}

		ref, err := p.parseElement()
		if err != nil {
			return policy.TaskDef{}, err
		}

		refs = append(refs, ref)
		p.skipSpace()

		if p.i < len(p.s) && p.s[p.i] == ',' {
			p.i++
			continue
		}

		break
	}

	p.skipSpace()

	if p.i >= len(p.s) || p.s[p.i] != ']' {
		return policy.TaskDef{}, fmt.Errorf("xrun: expected ']'")
	}

	p.i++

	if len(refs) == 0 {
		return policy.TaskDef{}, fmt.Errorf("xrun: array literal must contain at least one task")
	}

	if serial {
		return policy.TaskDef{Serial: refs}, nil
	}

	return policy.TaskDef{Parallel: refs}, nil
}

func (p *xrunParser) parseElement() (policy.TaskRef, error) {
	p.skipSpace()

	if p.i < len(p.s) && p.s[p.i] == '[' {
		start := p.i

		sub, err := p.parseArray()
		if err != nil {
			return policy.TaskRef{}, err
		}

		literal := string(p.s[start:p.i])

		return policy.TaskRef{Name: literal, Inline: &sub}, nil
	}

	ident, ok := p.tryIdent()
	if !ok {
		return policy.TaskRef{}, fmt.Errorf("xrun: expected a task identifier at position %d", p.i)
	}

	return policy.TaskRef{Name: ident}, nil
}

func (p *xrunParser) tryIdent() (string, bool) {
	start := p.i

	for p.i < len(p.s) && isIdentRune(p.s[p.i]) {
		p.i++
	}

	if p.i == start {
		return "", false
	}

	return string(p.s[start:p.i]), true
}

func isIdentRune(r rune) bool {
	return r == '_' || r == '-' || r == ':' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
