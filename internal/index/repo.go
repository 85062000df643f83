package index

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SnapshotRow is one row in the snapshots table.
type SnapshotRow struct {
	File         string    `json:"file"`
	RecordedAt   time.Time `json:"recorded_at"`
	Hash         string    `json:"hash"`
	SectionCount int       `json:"section_count"`
	Context      string    `json:"context"`
}

// UpsertSnapshot inserts or replaces a snapshot row.
func (db *DB) UpsertSnapshot(row SnapshotRow) error {
	_, err := db.conn.Exec(`
		INSERT INTO snapshots (file, recorded_at, hash, section_count, context)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(file) DO UPDATE SET
			recorded_at   = excluded.recorded_at,
			hash          = excluded.hash,
			section_count = excluded.section_count,
			context       = excluded.context
	`, row.File, row.RecordedAt, row.Hash, row.SectionCount, row.Context)
	if err != nil {
		return fmt.Errorf("index: upsert snapshot: %w", err)
	}
	return nil
}

// DeleteSnapshot removes a snapshot row.
func (db *DB) DeleteSnapshot(file string) error {
	if _, err := db.conn.Exec(`DELETE FROM snapshots WHERE file = ?`, file); err != nil {
		return fmt.Errorf("index: delete snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns rows newest-first plus the total count.
// limit <= 0 returns all rows.
func (db *DB) ListSnapshots(limit, offset int) ([]SnapshotRow, int, error) {
	var total int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM snapshots`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("index: count snapshots: %w", err)
	}

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := db.conn.Query(`
		SELECT file, recorded_at, hash, section_count, context
		FROM snapshots
		ORDER BY file DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("index: list snapshots: %w", err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	return out, total, err
}

// FindByHash returns the most recent snapshot with the given content
// hash, or nil when none exists.
func (db *DB) FindByHash(hash string) (*SnapshotRow, error) {
	row := db.conn.QueryRow(`
		SELECT file, recorded_at, hash, section_count, context
		FROM snapshots
		WHERE hash = ?
		ORDER BY file DESC
		LIMIT 1
	`, hash)

	var r SnapshotRow
	if err := row.Scan(&r.File, &r.RecordedAt, &r.Hash, &r.SectionCount, &r.Context); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("index: find by hash: %w", err)
	}
	return &r, nil
}

// SearchContext returns snapshots whose commit context matches query
// (substring match), newest-first.
func (db *DB) SearchContext(query string, limit int) ([]SnapshotRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.Query(`
		SELECT file, recorded_at, hash, section_count, context
		FROM snapshots
		WHERE context LIKE '%' || ? || '%'
		ORDER BY file DESC
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("index: search context: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// AllFiles returns every indexed snapshot filename.
func (db *DB) AllFiles() (map[string]struct{}, error) {
	rows, err := db.conn.Query(`SELECT file FROM snapshots`)
	if err != nil {
		return nil, fmt.Errorf("index: all files: %w", err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		out[f] = struct{}{}
	}
	return out, rows.Err()
}

func scanRows(rows *sql.Rows) ([]SnapshotRow, error) {
	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		if err := rows.Scan(&r.File, &r.RecordedAt, &r.Hash, &r.SectionCount, &r.Context); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
