// Package index provides a SQLite-backed metadata index over history
// snapshots. It is a rebuildable cache: the snapshot directory is the
// source of truth and Sync reconciles the two.
package index

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS snapshots (
	file          TEXT PRIMARY KEY,
	recorded_at   DATETIME NOT NULL,
	hash          TEXT NOT NULL,
	section_count INTEGER NOT NULL DEFAULT 0,
	context       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_snapshots_recorded_at ON snapshots(recorded_at);
CREATE INDEX IF NOT EXISTS idx_snapshots_hash ON snapshots(hash);
`

// SnapshotIndex defines the index operations. Consumers should depend
// on this interface rather than the concrete *DB type to facilitate
// testing with mocks.
type SnapshotIndex interface {
	UpsertSnapshot(row SnapshotRow) error
	DeleteSnapshot(file string) error
	ListSnapshots(limit, offset int) ([]SnapshotRow, int, error)
	FindByHash(hash string) (*SnapshotRow, error)
	SearchContext(query string, limit int) ([]SnapshotRow, error)
	AllFiles() (map[string]struct{}, error)
	Close() error
}

// Verify *DB satisfies SnapshotIndex at compile time.
var _ SnapshotIndex = (*DB)(nil)

// DB wraps a sql.DB with index-specific operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
