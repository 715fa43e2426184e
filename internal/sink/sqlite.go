package sink

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/selwatch/arrival"
	"github.com/hazyhaar/selwatch/internal/dbopen"
)

// SQLiteSchema holds the arrival log.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS arrivals (
	id         TEXT PRIMARY KEY,
	batch_id   TEXT NOT NULL,
	batch_seq  INTEGER NOT NULL,
	page_id    TEXT NOT NULL,
	page_url   TEXT NOT NULL,
	watch_id   TEXT NOT NULL,
	selector   TEXT NOT NULL,
	tag        TEXT NOT NULL,
	html       TEXT,
	html_hash  TEXT,
	ts         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_arrivals_page_watch ON arrivals(page_id, watch_id, ts);

CREATE TABLE IF NOT EXISTS page_status (
	page_id  TEXT NOT NULL,
	page_url TEXT NOT NULL,
	state    TEXT NOT NULL,
	level    TEXT,
	watches  INTEGER NOT NULL,
	error    TEXT,
	ts       INTEGER NOT NULL
);
`

// SQLite appends arrivals and status changes to a database.
type SQLite struct {
	db    *sql.DB
	owned bool
}

// OpenSQLite opens (creating if needed) the arrival log at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(SQLiteSchema))
	if err != nil {
		return nil, fmt.Errorf("sqlite sink: %w", err)
	}
	return &SQLite{db: db, owned: true}, nil
}

// NewSQLite uses an already open database. The schema is applied; Close
// leaves db open.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	if _, err := db.Exec(SQLiteSchema); err != nil {
		return nil, fmt.Errorf("sqlite sink: schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Send(ctx context.Context, batch arrival.Batch) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO arrivals
				(id, batch_id, batch_seq, page_id, page_url, watch_id, selector, tag, html, html_hash, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("sqlite sink: prepare: %w", err)
		}
		defer stmt.Close()

		for _, r := range batch.Records {
			if _, err := stmt.ExecContext(ctx, r.ID, batch.ID, batch.Seq, r.PageID, r.PageURL,
				r.WatchID, r.Selector, r.Tag, r.HTML, r.HTMLHash, r.Timestamp); err != nil {
				return fmt.Errorf("sqlite sink: insert arrival: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLite) SendStatus(ctx context.Context, st arrival.Status) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO page_status (page_id, page_url, state, level, watches, error, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		st.PageID, st.PageURL, string(st.State), st.Level, st.Watches, st.Error, st.Timestamp)
	if err != nil {
		return fmt.Errorf("sqlite sink: insert status: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}
