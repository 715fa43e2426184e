package sink

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hazyhaar/selwatch/arrival"
)

// Router fans out to every sink. A failing sink does not stop the others:
// errors are logged and the first one is returned.
type Router struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sinks: sinks, logger: logger}
}

func (r *Router) Send(ctx context.Context, batch arrival.Batch) error {
	return r.each("batch", func(s Sink) error { return s.Send(ctx, batch) })
}

func (r *Router) SendStatus(ctx context.Context, status arrival.Status) error {
	return r.each("status", func(s Sink) error { return s.SendStatus(ctx, status) })
}

func (r *Router) Close() error {
	var errs []error
	for _, s := range r.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

func (r *Router) each(kind string, fn func(Sink) error) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := fn(s); err != nil {
			r.logger.Warn("sink: send failed", "kind", kind, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
