// Package persistence provides the SQLite event journal: a bus subscriber
// that records every published event for later inspection.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/renflow/runner/pkg/events"
	"github.com/renflow/runner/pkg/infrastructure/eventbus"
	"github.com/renflow/runner/pkg/logger"
)

// DefaultQueryLimit caps Query when no limit is given.
const DefaultQueryLimit = 100

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	id        TEXT    NOT NULL DEFAULT '',
	source    TEXT    NOT NULL DEFAULT '',
	type      TEXT    NOT NULL,
	payload   TEXT,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
CREATE INDEX IF NOT EXISTS idx_events_source ON events(source);
`

// JournalQuery selects journal entries. Empty fields match everything.
type JournalQuery struct {
	Source string `json:"source,omitempty"`
	Type   string `json:"type,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Journal stores event records in SQLite.
type Journal struct {
	db *sql.DB

	mu     sync.Mutex
	unsubs []func()
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// OpenJournal opens (creating if needed) the journal at dsn. Use ":memory:"
// for a throwaway journal.
func OpenJournal(dsn string) (*Journal, error) {
	if dsn != ":memory:" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// One connection keeps writes serialized and an in-memory database alive.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close detaches from every bus and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	unsubs := j.unsubs
	j.unsubs = nil
	j.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	return j.db.Close()
}

// Attach subscribes the journal to every event on bus. Write failures are
// logged and never reach the publisher.
func (j *Journal) Attach(bus *eventbus.Bus) {
	unsub := bus.Subscribe(eventbus.Any, func(rec events.Record) {
		if err := j.Append(context.Background(), rec); err != nil {
			logger.WarnCF("journal", "Failed to record event", map[string]interface{}{
				"type":  rec.Type,
				"error": err.Error(),
			})
		}
	})
	j.mu.Lock()
	j.unsubs = append(j.unsubs, unsub)
	j.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Reads and writes
// ---------------------------------------------------------------------------

// Append stores one record.
func (j *Journal) Append(ctx context.Context, rec events.Record) error {
	var payload sql.NullString
	if rec.Payload != nil {
		data, err := json.Marshal(rec.Payload)
		if err != nil {
			data, _ = json.Marshal(fmt.Sprint(rec.Payload))
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (id, source, type, payload, timestamp) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Source, rec.Type, payload, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Query returns the most recent matching records, oldest first. Payloads are
// returned as json.RawMessage.
func (j *Journal) Query(ctx context.Context, q JournalQuery) ([]events.Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, source, type, payload, timestamp FROM events
		WHERE (? = '' OR source = ?) AND (? = '' OR type = ?)
		ORDER BY seq DESC LIMIT ?`,
		q.Source, q.Source, q.Type, q.Type, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []events.Record
	for rows.Next() {
		var (
			rec     events.Record
			payload sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Source, &rec.Type, &payload, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if payload.Valid {
			rec.Payload = json.RawMessage(payload.String)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out, nil
}

// Count returns the number of stored records.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
