package sink

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/hazyhaar/selwatch/arrival"
)

// Stdout writes one JSON envelope per line.
type Stdout struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdout creates a Stdout sink. If w is nil, os.Stdout is used.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{enc: json.NewEncoder(w)}
}

func (s *Stdout) Send(_ context.Context, batch arrival.Batch) error {
	return s.write("batch", batch)
}

func (s *Stdout) SendStatus(_ context.Context, status arrival.Status) error {
	return s.write("status", status)
}

func (s *Stdout) Close() error { return nil }

func (s *Stdout) write(typ string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(envelope{Type: typ, Data: data})
}
