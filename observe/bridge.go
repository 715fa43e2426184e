package observe

import (
	"github.com/hazyhaar/selwatch/dom"
)

// Outcome of one notification for one binding.
type outcome string

const (
	outcomeDelivered       outcome = "delivered"
	outcomeCancelled       outcome = "cancelled"
	outcomeForeign         outcome = "foreign_animation"
	outcomeNotElement      outcome = "not_element"
	outcomeAlreadySeen     outcome = "already_seen"
	outcomeNoLongerMatches outcome = "no_longer_matches"
	outcomeError           outcome = "error"
)

// handle is the binding's listener.
func (b *Binding) handle(ev dom.AnimationEvent) {
	res := b.dispatch(ev)
	b.obs.metrics.notification(res)
}

// dispatch filters one notification down to a genuine new match and
// delivers it. The marker is set before fn runs, so a re-dispatched
// notification for the same element is dropped at the seen check.
func (b *Binding) dispatch(ev dom.AnimationEvent) outcome {
	if b.ctx.Err() != nil {
		return outcomeCancelled
	}
	if ev.AnimationName != b.obs.name {
		return outcomeForeign
	}
	el, ok := ev.Target.(dom.Element)
	if !ok {
		return outcomeNotElement
	}

	marker := b.Marker()
	seen, err := el.HasAttribute(marker)
	if err != nil {
		b.obs.logger.Warn("observe: read marker failed", "binding", b.id, "error", err)
		return outcomeError
	}
	if seen {
		return outcomeAlreadySeen
	}

	// The element may have changed between the animation start and now.
	ok, err = el.Matches(b.selector)
	if err != nil {
		b.obs.logger.Warn("observe: re-check selector failed",
			"binding", b.id, "selector", b.selector, "error", err)
		return outcomeError
	}
	if !ok {
		return outcomeNoLongerMatches
	}

	if err := el.SetAttribute(marker, "true"); err != nil {
		b.obs.logger.Warn("observe: set marker failed", "binding", b.id, "error", err)
		return outcomeError
	}

	b.fn(b.ctx, el)
	return outcomeDelivered
}
