// Package observe reports the moment elements of a live document start
// matching a CSS selector, without polling and without a mutation observer.
//
// Each binding injects a rule of the form
//
//	:where(S):not([data-selwatch-seen-<id>]) {animation:<name> 1ms;}
//
// so the rendering engine starts the shared, empty marker animation on every
// element that newly satisfies S. The animation-start notification is the
// signal; the seen attribute stops the rule from applying again, so each
// element is reported at most once per binding.
//
// Invalid selectors are not reported: the engine drops the rule and the
// binding simply never fires. Use ValidateSelector for strict checking.
//
// An element that stops matching and later matches again is not reported a
// second time by the same binding.
package observe

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hazyhaar/selwatch/dom"
)

// Func is called once per newly matching element with the binding's context.
type Func func(ctx context.Context, el dom.Element)

// Observer installs selector bindings in one document.
type Observer struct {
	doc     dom.Document
	name    string
	logger  *slog.Logger
	metrics *Metrics

	regMu      sync.Mutex
	registered bool
}

// Option configures an Observer.
type Option func(*Observer)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Observer) { o.logger = l }
}

// WithMetrics records binding and notification counters.
func WithMetrics(m *Metrics) Option {
	return func(o *Observer) { o.metrics = m }
}

// New creates an Observer for doc. Nothing is written to the document until
// the first Observe or EnsureRegistered call.
func New(doc dom.Document, opts ...Option) *Observer {
	o := &Observer{
		doc:    doc,
		name:   AnimationName(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Observe starts reporting elements matching selector to fn until ctx is
// cancelled. If ctx is already cancelled it does nothing and returns
// (nil, nil). It returns ErrHostNotReady when the document cannot accept
// style nodes yet.
func (o *Observer) Observe(ctx context.Context, selector string, fn Func) (*Binding, error) {
	if ctx.Err() != nil {
		return nil, nil
	}

	if err := o.EnsureRegistered(ctx); err != nil {
		return nil, err
	}

	b := newBinding(o, selector, fn)
	if err := b.install(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

var observers sync.Map // dom.Document → *Observer

// Observe is the package-level form of Observer.Observe. Observers are
// cached per document, so registration happens once per document. The cache
// keeps doc reachable until Forget; services that open many documents hold
// an Observer per document instead.
func Observe(ctx context.Context, doc dom.Document, selector string, fn Func) (*Binding, error) {
	if ctx.Err() != nil {
		return nil, nil
	}
	return cached(doc).Observe(ctx, selector, fn)
}

func cached(doc dom.Document) *Observer {
	if v, ok := observers.Load(doc); ok {
		return v.(*Observer)
	}
	v, _ := observers.LoadOrStore(doc, New(doc))
	return v.(*Observer)
}

// Forget drops the cached Observer for doc. Bindings already made keep
// running until their contexts end.
func Forget(doc dom.Document) {
	observers.Delete(doc)
}
