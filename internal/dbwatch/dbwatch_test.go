package dbwatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/selwatch/internal/dbopen"
)

func TestMaxColumn(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE items (id INTEGER PRIMARY KEY, ts INTEGER)`))
	ctx := context.Background()

	det := MaxColumn("items", "ts")
	v, err := det(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("empty table: got %d, want 0", v)
	}

	db.Exec(`INSERT INTO items (ts) VALUES (7), (3)`)
	if v, _ = det(ctx, db); v != 7 {
		t.Errorf("got %d, want 7", v)
	}
}

func TestQuoteIdent(t *testing.T) {
	if got := quoteIdent(`a"b`); got != `"a""b"` {
		t.Errorf("quoteIdent: got %s", got)
	}
}

func TestOnChange_FiresOnceAfterDebounce(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE items (ts INTEGER)`))
	w := New(db, Options{
		Interval: 5 * time.Millisecond,
		Debounce: 30 * time.Millisecond,
		Detector: MaxColumn("items", "ts"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	fired := make(chan struct{}, 4)
	go w.OnChange(ctx, func() error {
		calls.Add(1)
		fired <- struct{}{}
		return nil
	})

	time.Sleep(20 * time.Millisecond)
	db.Exec(`INSERT INTO items VALUES (1)`)
	db.Exec(`INSERT INTO items VALUES (2)`)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("action never ran")
	}
	time.Sleep(60 * time.Millisecond)

	if n := calls.Load(); n != 1 {
		t.Errorf("calls: got %d, want 1", n)
	}
	if s := w.Stats(); s.Version != 2 || s.Reloads != 1 {
		t.Errorf("stats: got %+v", s)
	}
}

func TestOnChange_FailedActionRetries(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE items (ts INTEGER)`))
	w := New(db, Options{Interval: 5 * time.Millisecond, Detector: MaxColumn("items", "ts")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan struct{})
	go w.OnChange(ctx, func() error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})

	time.Sleep(20 * time.Millisecond)
	db.Exec(`INSERT INTO items VALUES (5)`)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("action was not retried")
	}
	if s := w.Stats(); s.Errors < 1 {
		t.Errorf("errors: got %d, want >= 1", s.Errors)
	}
}
