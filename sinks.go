package selwatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/hazyhaar/selwatch/arrival"
	"github.com/hazyhaar/selwatch/internal/sink"
)

// Sink is the output interface for arrival batches and page status.
type Sink = sink.Sink

// NewStdoutSink creates a JSON-lines sink on w (os.Stdout when nil).
func NewStdoutSink(w io.Writer) Sink {
	return sink.NewStdout(w)
}

// NewWebhookSink creates a webhook POST sink with retry.
func NewWebhookSink(url string, logger *slog.Logger) Sink {
	return sink.NewWebhook(url, sink.WithWebhookLogger(logger))
}

// NewSQLiteSink opens an SQLite arrival log at path.
func NewSQLiteSink(path string) (Sink, error) {
	return sink.OpenSQLite(path)
}

// NewCallbackSink creates an in-process sink. Either func may be nil.
func NewCallbackSink(
	onBatch func(ctx context.Context, batch arrival.Batch) error,
	onStatus func(ctx context.Context, status arrival.Status) error,
) Sink {
	return sink.NewCallback(onBatch, onStatus)
}

// OpenSinks builds the sinks named in cfg. On error, sinks already opened
// are closed.
func OpenSinks(cfgs []SinkConfig, stdout io.Writer, logger *slog.Logger) ([]Sink, error) {
	var out []Sink
	for i, sc := range cfgs {
		var s Sink
		var err error
		switch sc.Type {
		case "stdout":
			s = NewStdoutSink(stdout)
		case "webhook":
			s = NewWebhookSink(sc.URL, logger)
		case "sqlite":
			s, err = NewSQLiteSink(sc.Path)
		default:
			err = fmt.Errorf("unknown type %q", sc.Type)
		}
		if err != nil {
			errs := []error{fmt.Errorf("selwatch: sink %d: %w", i, err)}
			for _, o := range out {
				errs = append(errs, o.Close())
			}
			return nil, errors.Join(errs...)
		}
		out = append(out, s)
	}
	return out, nil
}
