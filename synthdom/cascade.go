package synthdom

import (
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/aymerick/douceur/css"
	"github.com/aymerick/douceur/parser"
	"golang.org/x/net/html"
)

// animRule is a style rule that sets animation names.
type animRule struct {
	sel   selector
	names []string // empty for animation: none
}

// sheet is the parsed content of one <style> node.
type sheet struct {
	text      string
	rules     []animRule
	keyframes []string
}

// parseSheet extracts animation rules and keyframes names from CSS text.
// Rules whose selector cannot be compiled are dropped, as an engine drops
// rules it cannot parse.
func parseSheet(text string) *sheet {
	sh := &sheet{text: text}
	ss, err := parser.Parse(text)
	if err != nil {
		return sh
	}
	sh.collect(ss.Rules)
	return sh
}

func (sh *sheet) collect(rules []*css.Rule) {
	for _, r := range rules {
		if r.Kind == css.AtRule {
			switch strings.ToLower(r.Name) {
			case "@keyframes", "@-webkit-keyframes":
				sh.keyframes = append(sh.keyframes, strings.Trim(strings.TrimSpace(r.Prelude), `"'`))
			case "@media", "@supports":
				sh.collect(r.Rules)
			}
			continue
		}

		names, ok := animationNames(r.Declarations)
		if !ok {
			continue
		}
		sel, err := compileSelector(r.Prelude)
		if err != nil {
			continue
		}
		sh.rules = append(sh.rules, animRule{sel: sel, names: names})
	}
}

// animationNames returns the names set by the last animation or
// animation-name declaration, and whether there was one.
func animationNames(decls []*css.Declaration) ([]string, bool) {
	var names []string
	found := false
	for _, d := range decls {
		switch strings.ToLower(d.Property) {
		case "animation":
			names, found = shorthandNames(d.Value), true
		case "animation-name":
			names, found = listNames(d.Value), true
		}
	}
	return names, found
}

func listNames(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		name := strings.Trim(strings.TrimSpace(part), `"'`)
		if name != "" && name != "none" {
			out = append(out, name)
		}
	}
	return out
}

var animationKeywords = map[string]bool{
	"none": true, "infinite": true, "normal": true, "reverse": true, "alternate": true,
	"alternate-reverse": true, "forwards": true, "backwards": true, "both": true,
	"running": true, "paused": true, "linear": true, "ease": true, "ease-in": true,
	"ease-out": true, "ease-in-out": true, "step-start": true, "step-end": true,
	"initial": true, "inherit": true, "unset": true,
}

// shorthandNames picks the name out of each comma-separated animation
// shorthand: the first token that is neither a keyword, a number nor a time.
func shorthandNames(v string) []string {
	var out []string
	for _, part := range splitTopLevel(v) {
		for _, tok := range strings.Fields(part) {
			tok = strings.Trim(tok, `"'`)
			if animationKeywords[strings.ToLower(tok)] || isNumeric(tok) ||
				strings.HasPrefix(tok, "cubic-bezier(") || strings.HasPrefix(tok, "steps(") {
				continue
			}
			out = append(out, tok)
			break
		}
	}
	return out
}

// splitTopLevel splits v on commas outside parentheses.
func splitTopLevel(v string) []string {
	var out []string
	depth, start := 0, 0
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, v[start:i])
				start = i + 1
			}
		}
	}
	return append(out, v[start:])
}

func isNumeric(tok string) bool {
	if tok == "" {
		return false
	}
	c := tok[0]
	return (c >= '0' && c <= '9') || c == '.' || ((c == '-' || c == '+') && len(tok) > 1 && (tok[1] >= '0' && tok[1] <= '9' || tok[1] == '.'))
}

// animKey identifies an animated box: an element or one of its
// pseudo-elements.
type animKey struct {
	node   *html.Node
	pseudo string
}

// computeAnimations returns the animation names the cascade assigns to every
// box in the tree, keeping only names with a keyframes definition.
func computeAnimations(root *html.Node, sheets []*sheet) map[animKey][]string {
	defined := make(map[string]bool)
	var rules []animRule
	for _, sh := range sheets {
		for _, k := range sh.keyframes {
			defined[k] = true
		}
		rules = append(rules, sh.rules...)
	}

	out := make(map[animKey][]string)
	if len(rules) == 0 {
		return out
	}

	type winner struct {
		spec  cascadia.Specificity
		names []string
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			best := make(map[string]*winner)
			for _, r := range rules {
				for _, alt := range r.sel {
					if !alt.match(n) {
						continue
					}
					// Later rules win ties.
					w := best[alt.pseudo]
					if w == nil || !alt.spec.Less(w.spec) {
						best[alt.pseudo] = &winner{spec: alt.spec, names: r.names}
					}
				}
			}
			for pseudo, w := range best {
				var names []string
				for _, name := range w.names {
					if defined[name] {
						names = append(names, name)
					}
				}
				if len(names) > 0 {
					out[animKey{node: n, pseudo: pseudo}] = names
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}
