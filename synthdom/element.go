package synthdom

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/selwatch/dom"
)

// Element is a live element of a Document. It implements dom.Element.
// Mutations go through the document so that the cascade is re-evaluated.
type Element struct {
	doc  *Document
	node *html.Node
}

var _ dom.Element = (*Element)(nil)

// NodeName returns the upper-cased tag name, as the DOM does for HTML.
func (e *Element) NodeName() string { return strings.ToUpper(e.node.Data) }

// Node returns the underlying html node.
func (e *Element) Node() *html.Node { return e.node }

// Matches reports whether the element matches selector.
func (e *Element) Matches(selector string) (bool, error) {
	sel, err := compileSelector(selector)
	if err != nil {
		return false, fmt.Errorf("synthdom: matches %q: %w", selector, err)
	}
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return sel.matchesElement(e.node), nil
}

func (e *Element) HasAttribute(name string) (bool, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	_, ok := attr(e.node, name)
	return ok, nil
}

// Attr returns the value of an attribute.
func (e *Element) Attr(name string) (string, bool) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return attr(e.node, name)
}

func (e *Element) SetAttribute(name, value string) error {
	return e.doc.mutate(func() error {
		for i := range e.node.Attr {
			if e.node.Attr[i].Namespace == "" && e.node.Attr[i].Key == name {
				e.node.Attr[i].Val = value
				return nil
			}
		}
		e.node.Attr = append(e.node.Attr, html.Attribute{Key: name, Val: value})
		return nil
	})
}

func (e *Element) RemoveAttribute(name string) error {
	return e.doc.mutate(func() error {
		for i, a := range e.node.Attr {
			if a.Namespace == "" && a.Key == name {
				e.node.Attr = append(e.node.Attr[:i:i], e.node.Attr[i+1:]...)
				break
			}
		}
		return nil
	})
}

// AddClass adds a class to the class attribute if absent.
func (e *Element) AddClass(class string) error {
	cur, _ := e.Attr("class")
	for _, c := range strings.Fields(cur) {
		if c == class {
			return nil
		}
	}
	return e.SetAttribute("class", strings.TrimSpace(cur+" "+class))
}

// RemoveClass removes a class from the class attribute.
func (e *Element) RemoveClass(class string) error {
	cur, _ := e.Attr("class")
	var keep []string
	for _, c := range strings.Fields(cur) {
		if c != class {
			keep = append(keep, c)
		}
	}
	return e.SetAttribute("class", strings.Join(keep, " "))
}

func (e *Element) OuterHTML() (string, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	var sb strings.Builder
	if err := html.Render(&sb, e.node); err != nil {
		return "", fmt.Errorf("synthdom: render: %w", err)
	}
	return sb.String(), nil
}

// AppendHTML parses src as a fragment in the context of the element and
// appends the resulting nodes. It returns the top-level elements added.
func (e *Element) AppendHTML(src string) ([]*Element, error) {
	var added []*Element
	err := e.doc.mutate(func() error {
		nodes, err := html.ParseFragment(strings.NewReader(src), e.node)
		if err != nil {
			return fmt.Errorf("synthdom: parse fragment: %w", err)
		}
		for _, n := range nodes {
			e.node.AppendChild(n)
			if n.Type == html.ElementNode {
				added = append(added, e.doc.wrapLocked(n))
			}
		}
		return nil
	})
	return added, err
}

// Remove detaches the element from the tree. Animations on the removed
// subtree stop; re-inserting it would start them again.
func (e *Element) Remove() error {
	return e.doc.mutate(func() error {
		if e.node.Parent != nil {
			e.node.Parent.RemoveChild(e.node)
		}
		return nil
	})
}

// AppendChild moves el under e.
func (e *Element) AppendChild(el *Element) error {
	return e.doc.mutate(func() error {
		if el.node.Parent != nil {
			el.node.Parent.RemoveChild(el.node)
		}
		e.node.AppendChild(el.node)
		return nil
	})
}

// PseudoElement returns a handle to one of the element's pseudo-elements,
// such as "before". It is a dom.Node but not a dom.Element.
func (e *Element) PseudoElement(name string) *PseudoElement {
	return &PseudoElement{name: name}
}

// PseudoElement is the target of animations running on ::before, ::after
// and similar boxes.
type PseudoElement struct {
	name string
}

func (p *PseudoElement) NodeName() string { return "::" + p.name }

// Text is a text node handle, also a dom.Node that is not an element.
type Text struct{ Data string }

func (t *Text) NodeName() string { return "#text" }

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}
