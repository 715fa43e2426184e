package sink

import (
	"context"

	"github.com/hazyhaar/selwatch/arrival"
)

// BatchFunc receives batches in-process.
type BatchFunc func(ctx context.Context, batch arrival.Batch) error

// StatusFunc receives page status changes in-process.
type StatusFunc func(ctx context.Context, status arrival.Status) error

// Callback hands values to Go functions, with no serialisation. It is how
// an embedding program consumes arrivals.
type Callback struct {
	onBatch  BatchFunc
	onStatus StatusFunc
}

// NewCallback creates a Callback sink. Either handler may be nil.
func NewCallback(onBatch BatchFunc, onStatus StatusFunc) *Callback {
	return &Callback{onBatch: onBatch, onStatus: onStatus}
}

func (c *Callback) Send(ctx context.Context, batch arrival.Batch) error {
	if c.onBatch == nil {
		return nil
	}
	return c.onBatch(ctx, batch)
}

func (c *Callback) SendStatus(ctx context.Context, status arrival.Status) error {
	if c.onStatus == nil {
		return nil
	}
	return c.onStatus(ctx, status)
}

func (c *Callback) Close() error { return nil }
