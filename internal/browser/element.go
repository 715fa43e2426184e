package browser

import (
	"fmt"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/selwatch/dom"
)

// Element adapts a rod element to dom.Element.
type Element struct {
	el   *rod.Element
	name string
}

var _ dom.Element = (*Element)(nil)

func (e *Element) NodeName() string { return e.name }

func (e *Element) Matches(selector string) (bool, error) {
	ok, err := e.el.Matches(selector)
	if err != nil {
		return false, fmt.Errorf("browser: matches: %w", err)
	}
	return ok, nil
}

func (e *Element) HasAttribute(name string) (bool, error) {
	res, err := e.el.Eval(`n => this.hasAttribute(n)`, name)
	if err != nil {
		return false, fmt.Errorf("browser: has attribute: %w", err)
	}
	return res.Value.Bool(), nil
}

func (e *Element) SetAttribute(name, value string) error {
	if _, err := e.el.Eval(`(n, v) => this.setAttribute(n, v)`, name, value); err != nil {
		return fmt.Errorf("browser: set attribute: %w", err)
	}
	return nil
}

func (e *Element) OuterHTML() (string, error) {
	html, err := e.el.HTML()
	if err != nil {
		return "", fmt.Errorf("browser: outer html: %w", err)
	}
	return html, nil
}
