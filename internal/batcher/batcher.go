// Package batcher debounces arrival records into batches: a batch is
// emitted when no record arrived for Window, or as soon as MaxBuffer
// records are buffered.
package batcher

import (
	"sync"
	"time"

	"github.com/hazyhaar/selwatch/arrival"
)

// Config controls the batching behaviour.
type Config struct {
	// Window is the debounce time. Default: 250ms.
	Window time.Duration
	// MaxBuffer flushes immediately when this many records accumulate. Default: 1000.
	MaxBuffer int
}

func (c *Config) defaults() {
	if c.Window <= 0 {
		c.Window = 250 * time.Millisecond
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = 1000
	}
}

// Batcher is safe for concurrent use. Flushes run one at a time, in the
// order their records were added.
type Batcher struct {
	cfg     Config
	flushFn func([]arrival.Record)

	mu      sync.Mutex
	records []arrival.Record
	timer   *time.Timer
	stopped bool

	flushMu sync.Mutex
}

// New returns a Batcher that hands every batch to flushFn.
func New(cfg Config, flushFn func([]arrival.Record)) *Batcher {
	cfg.defaults()
	return &Batcher{cfg: cfg, flushFn: flushFn}
}

// Add buffers rec. It reports whether the buffer was full and flushed.
// Records added after Stop are dropped.
func (b *Batcher) Add(rec arrival.Record) bool {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return false
	}
	b.records = append(b.records, rec)

	if len(b.records) >= b.cfg.MaxBuffer {
		b.flushLocked()
		return true
	}

	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.cfg.Window, b.Flush)
	b.mu.Unlock()
	return false
}

// Flush emits the buffered records now.
func (b *Batcher) Flush() {
	b.mu.Lock()
	b.flushLocked()
}

// Stop flushes what is buffered and drops later records.
func (b *Batcher) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.flushLocked()
}

// Len returns the number of buffered records.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// flushLocked takes the buffer, releases mu and calls flushFn. flushMu is
// acquired before mu is released so batches cannot overtake each other.
func (b *Batcher) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	records := b.records
	b.records = nil

	b.flushMu.Lock()
	b.mu.Unlock()
	defer b.flushMu.Unlock()

	if len(records) > 0 {
		b.flushFn(records)
	}
}
