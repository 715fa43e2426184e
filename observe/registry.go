package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/hazyhaar/selwatch/dom"
)

// MarkerStyleID is the id of the style node holding the shared keyframes.
// Independent instances in the same document recognise each other by it.
const MarkerStyleID = "selector-observer-animation"

var animationName = sync.OnceValue(func() string {
	return "selwatch-" + uuid.NewString()
})

// AnimationName returns the process-wide marker animation name. It is minted
// on first call and stable for the life of the process.
func AnimationName() string { return animationName() }

// keyframesCSS declares the empty-bodied marker animation.
func keyframesCSS(name string) string {
	return fmt.Sprintf("@keyframes %s {}", name)
}

// EnsureRegistered makes sure the marker keyframes exist in the observer's
// document. Repeat calls are free once a call has succeeded.
//
// Any node with id MarkerStyleID counts as registered, whatever keyframes it
// declares. If another process's instance wrote it first, it declared that
// instance's animation name, not AnimationName(), and this observer's
// bindings never fire in that document.
func (o *Observer) EnsureRegistered(ctx context.Context) error {
	o.regMu.Lock()
	defer o.regMu.Unlock()

	if o.registered {
		return nil
	}

	ready, err := o.doc.Ready(ctx)
	if err != nil {
		return fmt.Errorf("observe: register: %w", err)
	}
	if !ready {
		return ErrHostNotReady
	}

	exists, err := o.doc.HasNode(ctx, MarkerStyleID)
	if err != nil {
		return fmt.Errorf("observe: register: %w", err)
	}
	if exists {
		o.registered = true
		o.logger.Debug("observe: marker animation already present", "id", MarkerStyleID)
		return nil
	}

	err = o.doc.InsertStyle(ctx, dom.Style{ID: MarkerStyleID, CSS: keyframesCSS(o.name)})
	if errors.Is(err, dom.ErrNoHead) {
		return ErrHostNotReady
	}
	if err != nil {
		return fmt.Errorf("observe: register: %w", err)
	}

	o.registered = true
	o.logger.Debug("observe: marker animation registered", "name", o.name)
	return nil
}
