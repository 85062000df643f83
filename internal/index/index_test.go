package index

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/history"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "ansuz.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func row(file, hash, context string, sections int) SnapshotRow {
	return SnapshotRow{
		File:         file,
		RecordedAt:   time.Now().UTC(),
		Hash:         hash,
		SectionCount: sections,
		Context:      context,
	}
}

func TestUpsertAndList(t *testing.T) {
	db := testDB(t)
	_ = db.UpsertSnapshot(row("20250101T000000.000000000Z-aaa.json", "h1", "write:A", 1))
	_ = db.UpsertSnapshot(row("20250102T000000.000000000Z-bbb.json", "h2", "write:B", 2))

	rows, total, err := db.ListSnapshots(0, 0)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if total != 2 || len(rows) != 2 {
		t.Fatalf("total = %d, len = %d", total, len(rows))
	}
	if rows[0].Context != "write:B" {
		t.Errorf("newest first violated: %q", rows[0].Context)
	}
}

func TestUpsertReplaces(t *testing.T) {
	db := testDB(t)
	file := "20250101T000000.000000000Z-aaa.json"
	_ = db.UpsertSnapshot(row(file, "h1", "first", 1))
	_ = db.UpsertSnapshot(row(file, "h1", "second", 1))

	rows, total, _ := db.ListSnapshots(0, 0)
	if total != 1 {
		t.Fatalf("total = %d, want 1", total)
	}
	if rows[0].Context != "second" {
		t.Errorf("context = %q", rows[0].Context)
	}
}

func TestFindByHash(t *testing.T) {
	db := testDB(t)
	_ = db.UpsertSnapshot(row("20250101T000000.000000000Z-aaa.json", "h1", "old", 1))
	_ = db.UpsertSnapshot(row("20250102T000000.000000000Z-aaa.json", "h1", "new", 1))

	r, err := db.FindByHash("h1")
	if err != nil {
		t.Fatalf("FindByHash: %v", err)
	}
	if r == nil || r.Context != "new" {
		t.Errorf("row = %+v, want most recent h1", r)
	}

	r, err = db.FindByHash("missing")
	if err != nil {
		t.Fatalf("FindByHash(missing): %v", err)
	}
	if r != nil {
		t.Errorf("row = %+v, want nil", r)
	}
}

func TestSearchContext(t *testing.T) {
	db := testDB(t)
	_ = db.UpsertSnapshot(row("20250101T000000.000000000Z-aaa.json", "h1", "write:Build Rules", 1))
	_ = db.UpsertSnapshot(row("20250102T000000.000000000Z-bbb.json", "h2", "rollback:0", 1))

	rows, err := db.SearchContext("rollback", 10)
	if err != nil {
		t.Fatalf("SearchContext: %v", err)
	}
	if len(rows) != 1 || rows[0].Hash != "h2" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestSyncReconciles(t *testing.T) {
	db := testDB(t)
	hist, err := history.NewStore(filepath.Join(t.TempDir(), "history"))
	if err != nil {
		t.Fatal(err)
	}

	e, err := hist.Record("write:A", checksum.SumString("v1"), 1, "v1")
	if err != nil {
		t.Fatal(err)
	}
	// A row for a snapshot that no longer exists on disk.
	_ = db.UpsertSnapshot(row("19990101T000000.000000000Z-old.json", "gone", "stale", 1))

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := Sync(db, hist, logger); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	files, err := db.AllFiles()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := files[e.File]; !ok {
		t.Error("recorded snapshot not indexed by sync")
	}
	if _, ok := files["19990101T000000.000000000Z-old.json"]; ok {
		t.Error("stale row survived sync")
	}
}
