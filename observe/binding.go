package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/selwatch/dom"
)

// removeTimeout bounds the style removal issued at teardown, which runs
// after the binding's own context is gone.
const removeTimeout = 5 * time.Second

// Binding is one observation request: a selector, a callback, the context
// that ends it, and the rule and listener it owns.
type Binding struct {
	obs      *Observer
	id       string
	selector string
	fn       Func
	ctx      context.Context

	detach   func()
	once     sync.Once
	released chan struct{}
}

func newBinding(o *Observer, selector string, fn Func) *Binding {
	return &Binding{
		obs:      o,
		id:       uuid.NewString(),
		selector: selector,
		fn:       fn,
		released: make(chan struct{}),
	}
}

// ID identifies the binding. It is part of the marker attribute and the
// rule's style node id.
func (b *Binding) ID() string { return b.id }

// Selector returns the observed selector.
func (b *Binding) Selector() string { return b.selector }

// Marker is the attribute set on every element this binding has reported.
func (b *Binding) Marker() string { return "data-selwatch-seen-" + b.id }

// StyleID is the id of the style node holding this binding's rule.
func (b *Binding) StyleID() string { return "selwatch-rule-" + b.id }

// Released is closed once the binding's listener is detached and its rule
// removed.
func (b *Binding) Released() <-chan struct{} { return b.released }

// RuleCSS renders the binding's rule.
func (b *Binding) RuleCSS() string {
	return fmt.Sprintf(":where(%s):not([%s]) {animation:%s 1ms;}", b.selector, b.Marker(), b.obs.name)
}

// install attaches the listener, then injects the rule, then arms teardown
// on ctx. The listener goes first so no animation started by the rule can
// be missed.
func (b *Binding) install(ctx context.Context) error {
	b.ctx = ctx
	b.detach = b.obs.doc.Listen(b.handle)

	err := b.obs.doc.InsertStyle(ctx, dom.Style{ID: b.StyleID(), CSS: b.RuleCSS(), Prepend: true})
	if err != nil {
		b.detach()
		if errors.Is(err, dom.ErrNoHead) {
			return ErrHostNotReady
		}
		return fmt.Errorf("observe: insert rule: %w", err)
	}

	b.obs.metrics.bindingStarted()
	b.obs.logger.Debug("observe: binding installed", "binding", b.id, "selector", b.selector)

	context.AfterFunc(ctx, b.release)
	return nil
}

// release detaches the listener and removes the rule. Both happen here or
// neither has happened yet.
func (b *Binding) release() {
	b.once.Do(func() {
		b.detach()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(b.ctx), removeTimeout)
		defer cancel()
		if err := b.obs.doc.RemoveStyle(ctx, b.StyleID()); err != nil {
			b.obs.logger.Warn("observe: remove rule failed",
				"binding", b.id, "selector", b.selector, "error", err)
		}

		b.obs.metrics.bindingReleased()
		b.obs.logger.Debug("observe: binding released", "binding", b.id, "selector", b.selector)
		close(b.released)
	})
}
