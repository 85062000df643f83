// Package testutil provides shared test helpers for setting up document
// stores and databases.
package testutil

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/ansuz/internal/docstore"
	"github.com/starford/ansuz/internal/index"
)

// TestDB creates a temporary SQLite database that is automatically cleaned up.
func TestDB(t *testing.T) *index.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "ansuz-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := index.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestLogger returns a logger that only surfaces errors.
func TestLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// TestStore creates a docstore over a temp document seeded with content,
// backed by a temp history dir and the given index (may be nil).
func TestStore(t *testing.T, seed string, idx index.SnapshotIndex) *docstore.Store {
	t.Helper()
	dir := t.TempDir()
	docPath := filepath.Join(dir, "DOCUMENT.md")
	if seed != "" {
		if err := os.WriteFile(docPath, []byte(seed), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	s, err := docstore.New(docstore.Config{
		DocumentPath: docPath,
		HistoryDir:   filepath.Join(dir, "history"),
		LockTimeout:  2 * time.Second,
		LockPoll:     10 * time.Millisecond,
	}, idx, TestLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	return s
}
