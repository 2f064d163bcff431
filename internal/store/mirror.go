package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Mirror is an optional, read-only side index of outbox entries, keyed
// by entry ID. It exists purely for operator visibility (ad-hoc SQL over
// send history) — it is never consulted by the send algorithm or any
// invariant in spec §3/§4.5, so a missing or stale mirror can never
// corrupt the canonical state document. A Stream opened with a mirror
// path records each entry from an AfterCommit callback once its send
// has resolved and it is removed from the outbox.
type Mirror struct {
	db *sql.DB
}

// OpenMirror opens (creating if absent) a SQLite database at path and
// ensures its schema exists.
func OpenMirror(path string) (*Mirror, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening mirror database: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS outbox_history (
	id         TEXT PRIMARY KEY,
	ref        TEXT NOT NULL,
	status     TEXT NOT NULL,
	to_address TEXT NOT NULL,
	amount     INTEGER NOT NULL,
	metadata   TEXT NOT NULL,
	revision   INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating mirror schema: %w", err)
	}
	return &Mirror{db: db}, nil
}

// Record upserts entry's current status as of revision, keyed by entry
// ID; a later call for the same ID overwrites its status and revision.
// Stream calls it once per entry, after the entry has been removed from
// the outbox.
func (m *Mirror) Record(entry OutboxEntry, revision int64) error {
	meta, err := json.Marshal(entry.Transaction.Metadata)
	if err != nil {
		return fmt.Errorf("marshalling metadata for mirror: %w", err)
	}
	_, err = m.db.Exec(
		`INSERT INTO outbox_history (id, ref, status, to_address, amount, metadata, revision)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, revision = excluded.revision`,
		entry.ID.String(), entry.Ref.String(), string(entry.Status), entry.Transaction.To, entry.Transaction.Amount, string(meta), revision,
	)
	if err != nil {
		return fmt.Errorf("recording outbox entry in mirror: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (m *Mirror) Close() error { return m.db.Close() }
