package config

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/selwatch/internal/dbwatch"
)

// Schema for the watch_selectors table. One row per (page, watch); the page
// url and stealth level are repeated on every row of a page and the first
// row read wins.
const Schema = `
CREATE TABLE IF NOT EXISTS watch_selectors (
	page_id       TEXT NOT NULL,
	page_url      TEXT NOT NULL,
	stealth_level TEXT NOT NULL DEFAULT 'auto',
	watch_id      TEXT NOT NULL,
	selector      TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'active',
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (page_id, watch_id)
);
`

// LoadPages reads the active watches from the database, grouped by page in
// first-seen order.
func LoadPages(ctx context.Context, db *sql.DB) ([]PageConfig, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT page_id, page_url, stealth_level, watch_id, selector
		FROM watch_selectors
		WHERE status = 'active'
		ORDER BY page_id, watch_id
	`)
	if err != nil {
		return nil, fmt.Errorf("config: load watches: %w", err)
	}
	defer rows.Close()

	var pages []PageConfig
	index := make(map[string]int)
	for rows.Next() {
		var pageID, url, level string
		var w WatchConfig
		if err := rows.Scan(&pageID, &url, &level, &w.ID, &w.Selector); err != nil {
			return nil, fmt.Errorf("config: scan watch: %w", err)
		}
		i, ok := index[pageID]
		if !ok {
			i = len(pages)
			index[pageID] = i
			pages = append(pages, PageConfig{ID: pageID, URL: url, StealthLevel: level})
		}
		pages[i].Watches = append(pages[i].Watches, w)
	}
	return pages, rows.Err()
}

// UpsertWatch inserts or reactivates a watch row.
func UpsertWatch(ctx context.Context, db *sql.DB, p PageConfig, w WatchConfig) error {
	level := p.StealthLevel
	if level == "" {
		level = "auto"
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO watch_selectors (page_id, page_url, stealth_level, watch_id, selector, status, updated_at)
		VALUES (?, ?, ?, ?, ?, 'active', ?)
		ON CONFLICT(page_id, watch_id) DO UPDATE SET
			page_url = excluded.page_url,
			stealth_level = excluded.stealth_level,
			selector = excluded.selector,
			status = 'active',
			updated_at = excluded.updated_at`,
		p.ID, p.URL, level, w.ID, w.Selector, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("config: upsert watch: %w", err)
	}
	return nil
}

// WatchSelectors creates a dbwatch.Watcher that detects changes to the
// database, watch_selectors included.
func WatchSelectors(db *sql.DB, logger *slog.Logger) *dbwatch.Watcher {
	return dbwatch.New(db, dbwatch.Options{
		Interval: 200 * time.Millisecond,
		Debounce: 500 * time.Millisecond,
		Detector: dbwatch.MaxColumn("watch_selectors", "updated_at"),
		Logger:   logger,
	})
}
