// Package dbwatch polls an SQLite database for a change token and runs a
// reload action, debounced, when it moves. The watcher uses it to pick up
// edits to the watch_selectors table without a restart.
package dbwatch

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Detector reads a version token. Two different values mean the data
// changed.
type Detector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes the watcher.
type Options struct {
	// Interval is the polling period. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change before the action runs.
	// 0 runs it on the poll that saw the change.
	Debounce time.Duration
	// Detector defaults to PragmaDataVersion.
	Detector Detector
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Detector == nil {
		o.Detector = PragmaDataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls one database.
type Watcher struct {
	db   *sql.DB
	opts Options

	version atomic.Int64
	reloads atomic.Int64
	errors  atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Version int64 `json:"version"`
	Reloads int64 `json:"reloads"`
	Errors  int64 `json:"errors"`
}

func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{db: db, opts: opts}
}

func (w *Watcher) Stats() Stats {
	return Stats{Version: w.version.Load(), Reloads: w.reloads.Load(), Errors: w.errors.Load()}
}

// OnChange blocks until ctx is done. When the token moves and stays put for
// the debounce window, action runs. A failed action leaves the version
// unchanged so the next poll retries it.
func (w *Watcher) OnChange(ctx context.Context, action func() error) {
	log := w.opts.Logger

	if v, err := w.opts.Detector(ctx, w.db); err != nil {
		log.Warn("dbwatch: initial version check failed", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounce <-chan time.Time
	var timer *time.Timer
	pending := int64(-1)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case <-ticker.C:
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				w.errors.Add(1)
				log.Warn("dbwatch: version check failed", "error", err)
				continue
			}
			if cur == w.version.Load() || cur == pending {
				continue
			}
			pending = cur
			if w.opts.Debounce <= 0 {
				w.fire(action, pending)
				pending = -1
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.opts.Debounce)
			debounce = timer.C

		case <-debounce:
			debounce = nil
			if pending >= 0 {
				w.fire(action, pending)
				pending = -1
			}
		}
	}
}

func (w *Watcher) fire(action func() error, v int64) {
	start := time.Now()
	if err := action(); err != nil {
		w.errors.Add(1)
		w.opts.Logger.Error("dbwatch: reload failed", "version", v, "error", err)
		return
	}
	w.reloads.Add(1)
	w.version.Store(v)
	w.opts.Logger.Info("dbwatch: reloaded", "version", v, "duration", time.Since(start))
}

// PragmaDataVersion changes whenever another connection commits to the
// database file.
func PragmaDataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// MaxColumn polls MAX(column) of table, typically an updated_at column.
// Changes made through the same connection are visible to it, unlike
// PragmaDataVersion.
func MaxColumn(table, column string) Detector {
	query := "SELECT COALESCE(MAX(" + quoteIdent(column) + "), 0) FROM " + quoteIdent(table)
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, query).Scan(&v)
		return v, err
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
