package batcher

import (
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/selwatch/arrival"
)

type sink struct {
	mu      sync.Mutex
	batches [][]arrival.Record
	got     chan struct{}
}

func newSink() *sink { return &sink{got: make(chan struct{}, 16)} }

func (s *sink) flush(recs []arrival.Record) {
	s.mu.Lock()
	s.batches = append(s.batches, recs)
	s.mu.Unlock()
	select {
	case s.got <- struct{}{}:
	default:
	}
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func TestBatcher_WindowFlush(t *testing.T) {
	s := newSink()
	b := New(Config{Window: 20 * time.Millisecond}, s.flush)

	b.Add(arrival.Record{ID: "1"})
	b.Add(arrival.Record{ID: "2"})

	select {
	case <-s.got:
	case <-time.After(2 * time.Second):
		t.Fatal("no flush after window")
	}
	if s.len() != 1 {
		t.Fatalf("batches: got %d, want 1", s.len())
	}
	if got := s.batches[0]; len(got) != 2 || got[0].ID != "1" || got[1].ID != "2" {
		t.Errorf("batch: got %+v", got)
	}
}

func TestBatcher_MaxBufferFlushesImmediately(t *testing.T) {
	s := newSink()
	b := New(Config{Window: time.Hour, MaxBuffer: 3}, s.flush)

	if b.Add(arrival.Record{ID: "1"}) || b.Add(arrival.Record{ID: "2"}) {
		t.Fatal("flushed before buffer was full")
	}
	if !b.Add(arrival.Record{ID: "3"}) {
		t.Fatal("Add at MaxBuffer: want flush")
	}
	if s.len() != 1 || len(s.batches[0]) != 3 {
		t.Fatalf("batches: got %+v", s.batches)
	}
	if b.Len() != 0 {
		t.Errorf("Len after flush: got %d", b.Len())
	}
	b.Stop()
}

func TestBatcher_StopFlushesAndDrops(t *testing.T) {
	s := newSink()
	b := New(Config{Window: time.Hour}, s.flush)

	b.Add(arrival.Record{ID: "1"})
	b.Stop()
	if s.len() != 1 {
		t.Fatalf("batches after Stop: got %d, want 1", s.len())
	}

	b.Add(arrival.Record{ID: "2"})
	b.Flush()
	if s.len() != 1 {
		t.Errorf("record added after Stop was flushed")
	}
}

func TestBatcher_EmptyFlushIsSilent(t *testing.T) {
	s := newSink()
	b := New(Config{}, s.flush)
	b.Flush()
	b.Stop()
	if s.len() != 0 {
		t.Errorf("batches: got %d, want 0", s.len())
	}
}

func TestBatcher_ConcurrentAdds(t *testing.T) {
	s := newSink()
	b := New(Config{Window: time.Hour, MaxBuffer: 10}, s.flush)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				b.Add(arrival.Record{})
			}
		}()
	}
	wg.Wait()
	b.Stop()

	total := 0
	for _, batch := range s.batches {
		total += len(batch)
	}
	if total != 200 {
		t.Errorf("records flushed: got %d, want 200", total)
	}
}
