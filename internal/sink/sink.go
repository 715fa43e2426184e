// Package sink delivers arrival batches and page status changes to output
// backends: JSON lines, a webhook, an in-process callback or an SQLite log.
package sink

import (
	"context"

	"github.com/hazyhaar/selwatch/arrival"
)

// Sink is one output backend.
type Sink interface {
	Send(ctx context.Context, batch arrival.Batch) error
	SendStatus(ctx context.Context, status arrival.Status) error
	Close() error
}

// envelope tags each JSON message with its kind.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}
