package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/selwatch/dom"
)

// Document adapts a rod page to dom.Document. Styles are inserted and
// removed by id through Runtime.evaluate. Animation starts come from the
// CDP Animation domain; all of a page's events are handled on one
// goroutine, so listeners run serially.
type Document struct {
	page    *rod.Page
	logger  *slog.Logger
	accept  func(name string) bool
	onReset func()

	mu        sync.Mutex
	listeners []*listener

	cancel context.CancelFunc
	done   chan struct{}
}

type listener struct {
	fn dom.Listener

	mu       sync.Mutex // held while fn runs
	detached bool
}

var _ dom.Document = (*Document)(nil)

// DocumentOption configures a Document.
type DocumentOption func(*Document)

// WithAnimationFilter restricts the notifications that are resolved and
// dispatched to animation names accepted by fn. Resolving a target costs
// two CDP round trips, so pages with their own animations should filter.
func WithAnimationFilter(fn func(name string) bool) DocumentOption {
	return func(d *Document) { d.accept = fn }
}

// WithResetHandler sets fn to run when the main frame navigates. Style
// nodes do not survive a navigation, so bindings must be installed again.
func WithResetHandler(fn func()) DocumentOption {
	return func(d *Document) { d.onReset = fn }
}

// WithDocumentLogger sets the logger.
func WithDocumentLogger(l *slog.Logger) DocumentOption {
	return func(d *Document) { d.logger = l }
}

// NewDocument enables the Animation domain on page and starts dispatching
// its events. Close stops it.
func NewDocument(ctx context.Context, page *rod.Page, opts ...DocumentOption) (*Document, error) {
	d := &Document{
		page:   page,
		logger: slog.Default(),
		accept: func(string) bool { return true },
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := (proto.PageEnable{}).Call(page); err != nil {
		return nil, fmt.Errorf("browser: Page.enable: %w", err)
	}
	if err := (proto.AnimationEnable{}).Call(page); err != nil {
		return nil, fmt.Errorf("browser: Animation.enable: %w", err)
	}

	ctx, d.cancel = context.WithCancel(ctx)
	wait := page.Context(ctx).EachEvent(
		func(e *proto.AnimationAnimationStarted) {
			d.onAnimationStarted(ctx, e)
		},
		func(e *proto.PageFrameNavigated) {
			if e.Frame != nil && e.Frame.ParentID == "" && d.onReset != nil {
				d.logger.Debug("browser: main frame navigated", "url", e.Frame.URL)
				d.onReset()
			}
		},
	)
	go func() {
		defer close(d.done)
		wait()
	}()

	return d, nil
}

// Close stops event dispatch and disables the Animation domain.
func (d *Document) Close() error {
	d.cancel()
	<-d.done
	if err := (proto.AnimationDisable{}).Call(d.page); err != nil {
		return fmt.Errorf("browser: Animation.disable: %w", err)
	}
	return nil
}

func (d *Document) onAnimationStarted(ctx context.Context, e *proto.AnimationAnimationStarted) {
	a := e.Animation
	if a == nil {
		return
	}
	// The domain keeps every reported animation alive until released.
	defer func() {
		_ = proto.AnimationReleaseAnimations{Animations: []string{a.ID}}.Call(d.page)
	}()

	if !d.accept(a.Name) {
		return
	}

	ev := dom.AnimationEvent{AnimationName: a.Name, Target: opaqueNode("#unknown")}
	if a.Source != nil && a.Source.BackendNodeID != 0 {
		target, err := d.resolve(ctx, a.Source.BackendNodeID)
		if err != nil {
			// Usually the node was removed before we got to it.
			d.logger.Debug("browser: resolve animation target", "name", a.Name, "error", err)
			return
		}
		ev.Target = target
	}

	d.dispatch(ev)
}

// resolve turns a backend node id into a dom.Node. Pseudo-elements and
// non-element nodes come back as opaque nodes: rod's ElementFromNode would
// silently hand back the parent of a text node.
func (d *Document) resolve(ctx context.Context, id proto.DOMBackendNodeID) (dom.Node, error) {
	page := d.page.Context(ctx)

	desc, err := proto.DOMDescribeNode{BackendNodeID: id}.Call(page)
	if err != nil {
		return nil, fmt.Errorf("DOM.describeNode: %w", err)
	}
	n := desc.Node
	if n.NodeType != 1 || n.PseudoType != "" {
		return opaqueNode(n.NodeName), nil
	}

	el, err := page.ElementFromNode(&proto.DOMNode{BackendNodeID: id})
	if err != nil {
		return nil, fmt.Errorf("resolve node: %w", err)
	}
	return &Element{el: el, name: n.NodeName}, nil
}

func (d *Document) dispatch(ev dom.AnimationEvent) {
	d.mu.Lock()
	ls := append([]*listener(nil), d.listeners...)
	d.mu.Unlock()

	for _, l := range ls {
		l.mu.Lock()
		if !l.detached {
			l.fn(ev)
		}
		l.mu.Unlock()
	}
}

func (d *Document) Listen(fn dom.Listener) func() {
	l := &listener{fn: fn}
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()

	return func() {
		l.mu.Lock()
		l.detached = true
		l.mu.Unlock()

		d.mu.Lock()
		defer d.mu.Unlock()
		for i, x := range d.listeners {
			if x == l {
				d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
				return
			}
		}
	}
}

func (d *Document) Ready(ctx context.Context) (bool, error) {
	res, err := d.page.Context(ctx).Eval(`() => document.head !== null`)
	if err != nil {
		return false, fmt.Errorf("browser: ready: %w", err)
	}
	return res.Value.Bool(), nil
}

func (d *Document) HasNode(ctx context.Context, id string) (bool, error) {
	res, err := d.page.Context(ctx).Eval(`id => document.getElementById(id) !== null`, id)
	if err != nil {
		return false, fmt.Errorf("browser: has node: %w", err)
	}
	return res.Value.Bool(), nil
}

const insertStyleJS = `(id, css, prepend) => {
	if (!document.head) return false;
	const s = document.createElement('style');
	s.id = id;
	s.textContent = css;
	if (prepend) document.head.prepend(s); else document.head.append(s);
	return true;
}`

func (d *Document) InsertStyle(ctx context.Context, s dom.Style) error {
	res, err := d.page.Context(ctx).Eval(insertStyleJS, s.ID, s.CSS, s.Prepend)
	if err != nil {
		return fmt.Errorf("browser: insert style: %w", err)
	}
	if !res.Value.Bool() {
		return dom.ErrNoHead
	}
	return nil
}

func (d *Document) RemoveStyle(ctx context.Context, id string) error {
	_, err := d.page.Context(ctx).Eval(`id => { const n = document.getElementById(id); if (n) n.remove(); }`, id)
	if err != nil {
		return fmt.Errorf("browser: remove style: %w", err)
	}
	return nil
}

// opaqueNode is a notification target that is not an element.
type opaqueNode string

func (n opaqueNode) NodeName() string { return string(n) }
