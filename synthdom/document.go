// Package synthdom is an in-memory document that behaves, for the purposes
// of the selector observer, like a rendering engine: it evaluates the
// stylesheet cascade for the animation property after every mutation and
// fires an animation-start notification whenever an element (or one of its
// pseudo-elements) starts running a keyframes animation it was not running
// before.
//
// Trees are golang.org/x/net/html nodes, selectors are matched by cascadia,
// and <style> contents are parsed by douceur. cascadia does not know
// :where() or :is(); a leading :where(X)/:is(X) followed by a compound
// selector is supported here, which covers the rules the observer writes.
//
// Notifications are queued while a mutation runs and delivered after it
// returns, serially, each listener call running to completion. With manual
// flush enabled they stay queued until Flush, which lets tests open a gap
// between the moment an animation starts and the moment listeners run.
package synthdom

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/selwatch/dom"
)

type listener struct {
	fn dom.Listener

	mu       sync.Mutex // held while fn runs
	detached bool
}

func (l *listener) call(ev dom.AnimationEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.detached {
		l.fn(ev)
	}
}

func (l *listener) detach() {
	l.mu.Lock()
	l.detached = true
	l.mu.Unlock()
}

// Document is a synthetic live document. It implements dom.Document.
type Document struct {
	mu          sync.Mutex
	root        *html.Node
	elements    map[*html.Node]*Element
	sheets      map[*html.Node]*sheet
	running     map[animKey][]string
	listeners   []*listener
	queue       []dom.AnimationEvent
	dispatching bool
	manual      bool
}

var _ dom.Document = (*Document)(nil)

// Parse builds a document from HTML source. The HTML parser always
// synthesises <html>, <head> and <body>.
func Parse(src string) (*Document, error) {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("synthdom: parse: %w", err)
	}
	return fromRoot(root), nil
}

// MustParse is Parse that panics on error, for tests.
func MustParse(src string) *Document {
	d, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return d
}

// NewDetached returns a document with no <html>, <head> or <body>: the state
// of a document before the parser produced a head.
func NewDetached() *Document {
	return fromRoot(&html.Node{Type: html.DocumentNode})
}

func fromRoot(root *html.Node) *Document {
	d := &Document{
		root:     root,
		elements: make(map[*html.Node]*Element),
		sheets:   make(map[*html.Node]*sheet),
	}
	// Animations already declared by the page run from the start; they are
	// not arrivals.
	d.running = computeAnimations(root, d.collectSheets())
	return d
}

// SetManualFlush switches between delivering notifications as soon as the
// mutating call returns (false, the default) and holding them until Flush.
func (d *Document) SetManualFlush(manual bool) {
	d.mu.Lock()
	d.manual = manual
	d.mu.Unlock()
	if !manual {
		d.Flush()
	}
}

// Flush delivers every queued notification, including those queued by
// listeners while it runs.
func (d *Document) Flush() {
	d.mu.Lock()
	if d.dispatching {
		d.mu.Unlock()
		return
	}
	d.dispatching = true
	for len(d.queue) > 0 {
		ev := d.queue[0]
		d.queue = d.queue[1:]
		ls := append([]*listener(nil), d.listeners...)
		d.mu.Unlock()

		for _, l := range ls {
			l.call(ev)
		}

		d.mu.Lock()
	}
	d.dispatching = false
	d.mu.Unlock()
}

// Pending returns the number of queued notifications.
func (d *Document) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// DispatchAnimationStart queues a raw notification, as if the engine had
// started animation name on target. Useful to simulate animations the
// cascade model does not produce.
func (d *Document) DispatchAnimationStart(name string, target dom.Node) {
	d.mu.Lock()
	d.queue = append(d.queue, dom.AnimationEvent{AnimationName: name, Target: target})
	d.mu.Unlock()
	d.settle()
}

// mutate runs fn under the lock, recomputes the cascade and queues a
// notification for every newly started animation, then delivers them
// unless manual flush is on.
func (d *Document) mutate(fn func() error) error {
	d.mu.Lock()
	if err := fn(); err != nil {
		d.mu.Unlock()
		return err
	}
	d.recomputeLocked()
	d.mu.Unlock()
	d.settle()
	return nil
}

func (d *Document) settle() {
	d.mu.Lock()
	manual := d.manual
	d.mu.Unlock()
	if !manual {
		d.Flush()
	}
}

func (d *Document) recomputeLocked() {
	next := computeAnimations(d.root, d.collectSheets())
	for key, names := range next {
		prev := d.running[key]
		for _, name := range names {
			if contains(prev, name) {
				continue
			}
			var target dom.Node
			if key.pseudo != "" {
				target = &PseudoElement{name: key.pseudo}
			} else {
				target = d.wrapLocked(key.node)
			}
			d.queue = append(d.queue, dom.AnimationEvent{AnimationName: name, Target: target})
		}
	}
	d.running = next
}

// collectSheets parses every <style> element in document order, reusing
// earlier parses when the text did not change.
func (d *Document) collectSheets() []*sheet {
	var out []*sheet
	seen := make(map[*html.Node]bool)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Style {
			text := textContent(n)
			sh := d.sheets[n]
			if sh == nil || sh.text != text {
				sh = parseSheet(text)
				d.sheets[n] = sh
			}
			seen[n] = true
			out = append(out, sh)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(d.root)
	for n := range d.sheets {
		if !seen[n] {
			delete(d.sheets, n)
		}
	}
	return out
}

func (d *Document) wrapLocked(n *html.Node) *Element {
	if el, ok := d.elements[n]; ok {
		return el
	}
	el := &Element{doc: d, node: n}
	d.elements[n] = el
	return el
}

// Ready reports whether the document has a <head>.
func (d *Document) Ready(context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headLocked() != nil, nil
}

// HasNode reports whether an element with the given id is in the tree.
func (d *Document) HasNode(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return findByID(d.root, id) != nil, nil
}

// InsertStyle adds a <style> element to the head.
func (d *Document) InsertStyle(_ context.Context, s dom.Style) error {
	return d.mutate(func() error {
		head := d.headLocked()
		if head == nil {
			return dom.ErrNoHead
		}
		style := &html.Node{Type: html.ElementNode, DataAtom: atom.Style, Data: "style"}
		if s.ID != "" {
			style.Attr = []html.Attribute{{Key: "id", Val: s.ID}}
		}
		style.AppendChild(&html.Node{Type: html.TextNode, Data: s.CSS})
		if s.Prepend && head.FirstChild != nil {
			head.InsertBefore(style, head.FirstChild)
		} else {
			head.AppendChild(style)
		}
		return nil
	})
}

// RemoveStyle removes the element with the given id.
func (d *Document) RemoveStyle(_ context.Context, id string) error {
	return d.mutate(func() error {
		if n := findByID(d.root, id); n != nil && n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
		return nil
	})
}

// Listen registers fn for animation-start notifications.
func (d *Document) Listen(fn dom.Listener) func() {
	l := &listener{fn: fn}
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()

	return func() {
		l.detach()
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, x := range d.listeners {
			if x == l {
				d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
				break
			}
		}
	}
}

// ListenerCount returns the number of attached listeners.
func (d *Document) ListenerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners)
}

// StyleCount returns the number of <style> elements in the head.
func (d *Document) StyleCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	head := d.headLocked()
	if head == nil {
		return 0
	}
	count := 0
	for c := head.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Style {
			count++
		}
	}
	return count
}

// StyleText returns the CSS of the element with the given id, if present.
func (d *Document) StyleText(id string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := findByID(d.root, id)
	if n == nil {
		return "", false
	}
	return textContent(n), true
}

// Head returns the <head> element, or nil.
func (d *Document) Head() *Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h := d.headLocked(); h != nil {
		return d.wrapLocked(h)
	}
	return nil
}

// Body returns the <body> element, or nil.
func (d *Document) Body() *Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b := findAtom(d.root, atom.Body); b != nil {
		return d.wrapLocked(b)
	}
	return nil
}

// Query returns the first element matching selector, or nil.
func (d *Document) Query(selector string) (*Element, error) {
	all, err := d.QueryAll(selector)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

// QueryAll returns every element matching selector in document order.
func (d *Document) QueryAll(selector string) ([]*Element, error) {
	sel, err := compileSelector(selector)
	if err != nil {
		return nil, fmt.Errorf("synthdom: query %q: %w", selector, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*Element
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && sel.matchesElement(n) {
			out = append(out, d.wrapLocked(n))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(d.root)
	return out, nil
}

// HTML renders the whole document.
func (d *Document) HTML() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var sb strings.Builder
	_ = html.Render(&sb, d.root)
	return sb.String()
}

func (d *Document) headLocked() *html.Node {
	return findAtom(d.root, atom.Head)
}

func findAtom(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findAtom(c, a); found != nil {
			return found
		}
	}
	return nil
}

func findByID(n *html.Node, id string) *html.Node {
	if n.Type == html.ElementNode {
		if v, ok := attr(n, "id"); ok && v == id {
			return n
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	return sb.String()
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
