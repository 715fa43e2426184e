package synthdom

import (
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// alternative is one comma-separated branch of a compiled selector.
type alternative struct {
	match  func(*html.Node) bool
	spec   cascadia.Specificity
	pseudo string // pseudo-element the branch targets, if any
}

type selector []alternative

// compileSelector parses sel with cascadia. cascadia has no :where()/:is(),
// so a leading :where(X) or :is(X) followed by a compound suffix (no
// combinators) is handled here: X is matched as a group and the suffix
// against the same element.
func compileSelector(sel string) (selector, error) {
	sel = strings.TrimSpace(sel)
	for _, prefix := range []string{":where(", ":is("} {
		if strings.HasPrefix(sel, prefix) {
			return compileFunctional(sel, prefix)
		}
	}

	group, err := cascadia.ParseGroupWithPseudoElements(sel)
	if err != nil {
		return nil, err
	}
	out := make(selector, 0, len(group))
	for _, s := range group {
		out = append(out, alternative{match: s.Match, spec: s.Specificity(), pseudo: s.PseudoElement()})
	}
	return out, nil
}

func compileFunctional(sel, prefix string) (selector, error) {
	end := closingParen(sel, len(prefix)-1)
	if end < 0 {
		return nil, fmt.Errorf("synthdom: unbalanced parentheses in %q", sel)
	}
	inner, err := cascadia.ParseGroup(sel[len(prefix):end])
	if err != nil {
		return nil, err
	}

	var spec cascadia.Specificity
	if prefix == ":is(" {
		for _, s := range inner {
			if spec.Less(s.Specificity()) {
				spec = s.Specificity()
			}
		}
	}

	rest := strings.TrimSpace(sel[end+1:])
	var suffix cascadia.Sel
	if rest != "" {
		if !insideBrackets(rest) {
			return nil, fmt.Errorf("synthdom: combinators after %s) are not supported: %q", prefix[:len(prefix)-1], sel)
		}
		suffix, err = cascadia.ParseWithPseudoElement("*" + rest)
		if err != nil {
			return nil, err
		}
		spec = spec.Add(suffix.Specificity())
	}

	alt := alternative{spec: spec}
	if suffix != nil {
		alt.pseudo = suffix.PseudoElement()
	}
	alt.match = func(n *html.Node) bool {
		if !inner.Match(n) {
			return false
		}
		return suffix == nil || suffix.Match(n)
	}
	return selector{alt}, nil
}

// closingParen returns the index of the parenthesis closing the one at open.
func closingParen(s string, open int) int {
	depth := 0
	var quote byte
	for i := open; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// insideBrackets reports whether every space or combinator character in s
// sits inside [...] or (...), as in :not([a="b c"]). It is true when s has
// none at all.
func insideBrackets(s string) bool {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[', '(':
			depth++
		case ']', ')':
			depth--
		case ' ', '>', '+', '~', ',':
			if depth == 0 {
				return false
			}
		}
	}
	return true
}

// matchesElement reports whether n itself (not a pseudo-element) matches.
func (s selector) matchesElement(n *html.Node) bool {
	for _, alt := range s {
		if alt.pseudo == "" && alt.match(n) {
			return true
		}
	}
	return false
}
