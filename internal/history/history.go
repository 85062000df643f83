// Package history keeps an append-only snapshot log of every committed
// document version. One JSON file per version, named so lexicographic
// order matches chronological order; entries are never mutated, only
// aged out by an explicit retention cleanup.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/storage"
)

// hashPrefixLen is the digest prefix carried in snapshot filenames.
const hashPrefixLen = 12

// stampLayout yields zero-padded UTC timestamps that sort
// lexicographically in chronological order.
const stampLayout = "20060102T150405.000000000Z"

// Entry is one immutable snapshot of the document.
type Entry struct {
	Timestamp    time.Time `json:"timestamp"`
	Context      string    `json:"context"`
	Hash         string    `json:"hash"`
	SectionCount int       `json:"section_count"`
	FullText     string    `json:"full_text"`

	// File is the snapshot filename, derived from timestamp and hash.
	File string `json:"-"`
}

// Diff is a structural comparison of two entries, not a line diff.
type Diff struct {
	RefA              string   `json:"ref_a"`
	RefB              string   `json:"ref_b"`
	HashEqual         bool     `json:"hash_equal"`
	SectionCountDelta int      `json:"section_count_delta"`
	Changed           []string `json:"changed"`
}

// Store is the snapshot directory.
type Store struct {
	dir string
}

// NewStore creates the snapshot directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the snapshot directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Record appends a snapshot. The filename is {timestamp}-{hash-prefix}
// so a directory listing is already the timeline.
func (s *Store) Record(context, hash string, sectionCount int, fullText string) (*Entry, error) {
	e := &Entry{
		Timestamp:    time.Now().UTC(),
		Context:      context,
		Hash:         hash,
		SectionCount: sectionCount,
		FullText:     fullText,
	}
	e.File = e.Timestamp.Format(stampLayout) + "-" + checksum.Prefix(hash, hashPrefixLen) + ".json"

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("history: marshal entry: %w", err)
	}
	if err := storage.WriteAtomic(filepath.Join(s.dir, e.File), data); err != nil {
		return nil, err
	}
	return e, nil
}

// List returns entries sorted newest-first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]Entry, error) {
	files, err := s.files()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	out := make([]Entry, 0, len(files))
	for _, f := range files {
		e, err := s.load(f)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

// Get resolves ref to an entry. A small integer is an index from the
// newest entry (0 = most recent); anything else matches a filename or
// timestamp prefix.
func (s *Store) Get(ref string) (*Entry, error) {
	files, err := s.files()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("history: no snapshots: %w", apperr.ErrNotFound)
	}

	if idx, err := strconv.Atoi(ref); err == nil {
		if idx < 0 || idx >= len(files) {
			return nil, fmt.Errorf("history: index %d out of range: %w", idx, apperr.ErrNotFound)
		}
		return s.load(files[idx])
	}

	for _, f := range files {
		if f == ref || strings.HasPrefix(f, ref) {
			return s.load(f)
		}
	}
	return nil, fmt.Errorf("history: snapshot %q: %w", ref, apperr.ErrNotFound)
}

// DiffRefs structurally compares two snapshots.
func (s *Store) DiffRefs(refA, refB string) (*Diff, error) {
	a, err := s.Get(refA)
	if err != nil {
		return nil, err
	}
	b, err := s.Get(refB)
	if err != nil {
		return nil, err
	}

	d := &Diff{
		RefA:              a.File,
		RefB:              b.File,
		HashEqual:         a.Hash == b.Hash,
		SectionCountDelta: b.SectionCount - a.SectionCount,
	}
	if !d.HashEqual {
		d.Changed = append(d.Changed, "hash")
	}
	if a.SectionCount != b.SectionCount {
		d.Changed = append(d.Changed, "section_count")
	}
	if a.Context != b.Context {
		d.Changed = append(d.Changed, "context")
	}
	return d, nil
}

// Cleanup deletes snapshots older than retentionDays and returns how
// many were removed. The most recent entry is always kept, even when it
// is past the window: the store must always be able to answer what the
// last committed version was.
func (s *Store) Cleanup(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("history: retention days must be positive")
	}
	files, err := s.files()
	if err != nil {
		return 0, err
	}
	if len(files) <= 1 {
		return 0, nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	deleted := 0
	// files is newest-first; skip index 0 unconditionally.
	for _, f := range files[1:] {
		e, err := s.load(f)
		if err != nil {
			return deleted, err
		}
		if e.Timestamp.Before(cutoff) {
			if err := storage.Remove(filepath.Join(s.dir, f)); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}

// Files returns every snapshot filename, newest-first.
func (s *Store) Files() ([]string, error) {
	return s.files()
}

func (s *Store) files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("history: read dir: %w", err)
	}
	var out []string
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		out = append(out, de.Name())
	}
	// Lexicographic descending = newest first, by filename construction.
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

func (s *Store) load(file string) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, file))
	if err != nil {
		return nil, fmt.Errorf("history: read %s: %w", file, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("history: parse %s: %w", file, err)
	}
	e.File = file
	return &e, nil
}
