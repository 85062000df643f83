package history

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/checksum"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "history"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func record(t *testing.T, s *Store, context, text string, sections int) *Entry {
	t.Helper()
	e, err := s.Record(context, checksum.SumString(text), sections, text)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	return e
}

func TestRecordAndList(t *testing.T) {
	s := testStore(t)
	record(t, s, "write:A", "v1", 1)
	time.Sleep(2 * time.Millisecond)
	record(t, s, "write:B", "v2", 2)

	entries, err := s.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	// Newest first.
	if entries[0].Context != "write:B" || entries[1].Context != "write:A" {
		t.Errorf("order = [%s, %s]", entries[0].Context, entries[1].Context)
	}
	if entries[0].FullText != "v2" {
		t.Errorf("full text = %q", entries[0].FullText)
	}
}

func TestListLimit(t *testing.T) {
	s := testStore(t)
	for i := 0; i < 5; i++ {
		record(t, s, "c", "text", 1)
		time.Sleep(2 * time.Millisecond)
	}
	entries, err := s.List(3)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("len = %d, want 3", len(entries))
	}
}

func TestGetByIndexAndPrefix(t *testing.T) {
	s := testStore(t)
	first := record(t, s, "one", "v1", 1)
	time.Sleep(2 * time.Millisecond)
	second := record(t, s, "two", "v2", 1)

	got, err := s.Get("0")
	if err != nil {
		t.Fatalf("Get(0): %v", err)
	}
	if got.Context != second.Context {
		t.Errorf("index 0 = %q, want most recent", got.Context)
	}

	got, err = s.Get("1")
	if err != nil {
		t.Fatalf("Get(1): %v", err)
	}
	if got.Context != first.Context {
		t.Errorf("index 1 = %q", got.Context)
	}

	// Timestamp-prefix lookup resolves to the same file.
	got, err = s.Get(first.File[:20])
	if err != nil {
		t.Fatalf("Get(prefix): %v", err)
	}
	if got.File != first.File {
		t.Errorf("prefix resolved to %q, want %q", got.File, first.File)
	}
}

func TestGetNotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.Get("0"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("empty store Get err = %v", err)
	}
	record(t, s, "c", "v", 1)
	if _, err := s.Get("7"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("out of range err = %v", err)
	}
	if _, err := s.Get("zzz"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("bad prefix err = %v", err)
	}
}

func TestFilenamesSortChronologically(t *testing.T) {
	s := testStore(t)
	var files []string
	for i := 0; i < 3; i++ {
		e := record(t, s, "c", "text", 1)
		files = append(files, e.File)
		time.Sleep(2 * time.Millisecond)
	}
	listed, _ := s.Files()
	if len(listed) != 3 {
		t.Fatalf("len = %d", len(listed))
	}
	// Files() is newest-first; recording order was oldest-first.
	for i := range files {
		if listed[i] != files[len(files)-1-i] {
			t.Errorf("listed[%d] = %q, want %q", i, listed[i], files[len(files)-1-i])
		}
	}
}

func TestDiffRefs(t *testing.T) {
	s := testStore(t)
	record(t, s, "one", "v1", 1)
	time.Sleep(2 * time.Millisecond)
	record(t, s, "two", "v2 with more", 3)

	d, err := s.DiffRefs("1", "0")
	if err != nil {
		t.Fatalf("DiffRefs: %v", err)
	}
	if d.HashEqual {
		t.Error("hashes should differ")
	}
	if d.SectionCountDelta != 2 {
		t.Errorf("section delta = %d, want 2", d.SectionCountDelta)
	}
	want := map[string]bool{"hash": true, "section_count": true, "context": true}
	for _, c := range d.Changed {
		delete(want, c)
	}
	if len(want) != 0 {
		t.Errorf("missing changed attributes: %v (got %v)", want, d.Changed)
	}
}

func TestDiffIdenticalContent(t *testing.T) {
	s := testStore(t)
	record(t, s, "same", "text", 1)
	time.Sleep(2 * time.Millisecond)
	record(t, s, "same", "text", 1)

	d, err := s.DiffRefs("0", "1")
	if err != nil {
		t.Fatalf("DiffRefs: %v", err)
	}
	if !d.HashEqual || d.SectionCountDelta != 0 || len(d.Changed) != 0 {
		t.Errorf("diff = %+v, want no changes", d)
	}
}

func TestCleanupKeepsNewest(t *testing.T) {
	s := testStore(t)
	old := record(t, s, "old", "v1", 1)
	time.Sleep(2 * time.Millisecond)
	newest := record(t, s, "new", "v2", 1)

	// Backdate both entries past the retention window.
	for _, e := range []*Entry{old, newest} {
		backdate(t, s, e, time.Now().UTC().AddDate(0, 0, -30))
	}

	deleted, err := s.Cleanup(7)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	files, _ := s.Files()
	if len(files) != 1 || files[0] != newest.File {
		t.Errorf("remaining = %v, want only newest", files)
	}
}

func TestCleanupKeepsRecent(t *testing.T) {
	s := testStore(t)
	record(t, s, "a", "v1", 1)
	time.Sleep(2 * time.Millisecond)
	record(t, s, "b", "v2", 1)

	deleted, err := s.Cleanup(7)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 0 {
		t.Errorf("deleted = %d, want 0", deleted)
	}
}

// backdate rewrites an entry's embedded timestamp in place. Filenames
// keep their original stamp; only the retention check reads the
// embedded value.
func backdate(t *testing.T, s *Store, e *Entry, ts time.Time) {
	t.Helper()
	e.Timestamp = ts
	data, _ := json.Marshal(e)
	if err := os.WriteFile(filepath.Join(s.Dir(), e.File), data, 0o644); err != nil {
		t.Fatal(err)
	}
}
