// Package dom is the element-arrival notifier abstraction: the minimal view
// of a live rendered document that the selector observer needs.
//
// Two implementations exist. internal/browser adapts a rod page and takes its
// notifications from the CDP Animation domain. synthdom is an in-memory
// document used for deterministic tests and for static pages fetched over
// HTTP.
package dom

import (
	"context"
	"errors"
)

// ErrNoHead is returned by Document implementations when the document has no
// head-equivalent node to insert style nodes into.
var ErrNoHead = errors.New("dom: document has no head")

// Node is anything an animation notification can target: elements, but also
// pseudo-elements and other nodes the engine may report.
type Node interface {
	NodeName() string
}

// Element is a node that can be matched against selectors and tagged with
// attributes. The observer borrows elements; it never owns them.
type Element interface {
	Node
	Matches(selector string) (bool, error)
	HasAttribute(name string) (bool, error)
	SetAttribute(name, value string) error
	OuterHTML() (string, error)
}

// AnimationEvent is an animation-start notification.
type AnimationEvent struct {
	AnimationName string
	Target        Node
}

// Listener receives animation-start notifications. A Document calls its
// listeners serially, one notification at a time, each to completion.
type Listener func(AnimationEvent)

// Style is a style node to insert into the document head.
type Style struct {
	ID      string
	CSS     string
	Prepend bool // insert before existing head children instead of after
}

// Document is a live document that accepts style nodes and reports
// animation starts.
type Document interface {
	// Ready reports whether the document has a head to insert styles into.
	Ready(ctx context.Context) (bool, error)
	// HasNode reports whether a node with the given id exists.
	HasNode(ctx context.Context, id string) (bool, error)
	InsertStyle(ctx context.Context, s Style) error
	// RemoveStyle removes the style node with the given id. Removing an
	// absent node is not an error.
	RemoveStyle(ctx context.Context, id string) error
	// Listen registers fn and returns a function that detaches it. Detach
	// waits for a call to fn in progress, so no notification reaches fn
	// after detach returns. fn must not call its own detach.
	Listen(fn Listener) (detach func())
}
