package selwatch

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hazyhaar/selwatch/arrival"
)

func TestOpenSinks(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "out", "arrivals.db")
	sinks, err := OpenSinks([]SinkConfig{
		{Type: "stdout"},
		{Type: "sqlite", Path: path},
		{Type: "webhook", URL: "http://127.0.0.1:1/hook"},
	}, &buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(sinks) != 3 {
		t.Fatalf("sinks = %d, want 3", len(sinks))
	}
	if err := sinks[0].SendStatus(context.Background(), arrival.Status{PageID: "p"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"page_id":"p"`) {
		t.Errorf("stdout = %s", buf.String())
	}
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	}

	if _, err := OpenSinks([]SinkConfig{{Type: "stdout"}, {Type: "nats"}}, &buf, nil); err == nil ||
		!strings.Contains(err.Error(), `unknown type "nats"`) {
		t.Errorf("err = %v", err)
	}
}
