// Package docstore coordinates the managed document: reads produce a
// CAS token (FileState), writes serialize through the session lock, and
// every commit resolves to Committed, AutoMerged, or Conflicted.
// Concurrency granularity is per section: unrelated concurrent edits
// never conflict.
package docstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/document"
	"github.com/starford/ansuz/internal/gitprobe"
	"github.com/starford/ansuz/internal/history"
	"github.com/starford/ansuz/internal/index"
	"github.com/starford/ansuz/internal/sessionlock"
	"github.com/starford/ansuz/internal/storage"
)

// State classifies the outcome of a write attempt.
type State string

// Write outcomes. A conflicted commit still produces a new on-disk
// document (the markers), but it is a distinct status and must never
// look like success to the caller.
const (
	StateCommitted  State = "committed"
	StateAutoMerged State = "automerged"
	StateConflicted State = "conflicted"
)

// FileState is the CAS token produced by every read and required as
// the expected base of every write. Two FileStates with equal Hash
// represent the same logical content regardless of timestamp skew.
type FileState struct {
	Hash    string    `json:"hash"`
	ModTime time.Time `json:"mod_time"`
	Exists  bool      `json:"exists"`

	// SectionSums maps each heading to the digest of its body at read
	// time, enabling section-granular merge decisions at commit time.
	SectionSums map[string]string `json:"section_sums,omitempty"`

	// Git carries advisory version-control metadata. Never used for
	// correctness decisions.
	Git gitprobe.Metadata `json:"git"`
}

// Outcome reports what a write attempt did.
type Outcome struct {
	State   State  `json:"state"`
	Heading string `json:"heading,omitempty"`

	// FileState of the document after the write (including a
	// conflicted write, which persists the markers).
	FileState FileState `json:"file_state"`

	// ExpectedHash and LiveHash are set on conflicts so the caller can
	// act on the mismatch.
	ExpectedHash string `json:"expected_hash,omitempty"`
	LiveHash     string `json:"live_hash,omitempty"`
}

// Config holds the store's paths and knobs.
type Config struct {
	DocumentPath string
	HistoryDir   string
	LockPath     string // defaults to DocumentPath + ".lock"
	LockTimeout  time.Duration
	LockPoll     time.Duration
	LockStale    time.Duration
	GitEnabled   bool
}

// Store owns one document, its lock artifact, and its history.
type Store struct {
	docPath string
	lock    *sessionlock.Lock
	hist    *history.Store
	idx     index.SnapshotIndex
	git     *gitprobe.Probe
	logger  *slog.Logger
}

// New creates a Store. idx may be nil when no metadata index is
// configured; history itself never depends on it.
func New(cfg Config, idx index.SnapshotIndex, logger *slog.Logger) (*Store, error) {
	abs, err := filepath.Abs(cfg.DocumentPath)
	if err != nil {
		return nil, fmt.Errorf("docstore: resolve document path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	hist, err := history.NewStore(cfg.HistoryDir)
	if err != nil {
		return nil, err
	}

	lockPath := cfg.LockPath
	if lockPath == "" {
		lockPath = abs + ".lock"
	}
	lock := sessionlock.New(sessionlock.Config{
		Path:         lockPath,
		Timeout:      cfg.LockTimeout,
		PollInterval: cfg.LockPoll,
		StaleAfter:   cfg.LockStale,
	}, logger)

	var git *gitprobe.Probe
	if cfg.GitEnabled {
		git = gitprobe.New(filepath.Dir(abs))
	}

	s := &Store{
		docPath: abs,
		lock:    lock,
		hist:    hist,
		idx:     idx,
		git:     git,
		logger:  logger,
	}
	if err := s.recordBaseline(); err != nil {
		return nil, err
	}
	return s, nil
}

// recordBaseline snapshots a pre-existing document when the history is
// empty, so a base hash captured before the first managed write can
// still be resolved to full section state.
func (s *Store) recordBaseline() error {
	files, err := s.hist.Files()
	if err != nil {
		return err
	}
	if len(files) > 0 {
		return nil
	}
	data, exists, err := storage.Read(s.docPath)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	doc, err := document.Parse(s.docPath, data)
	if err != nil {
		s.logger.Warn("baseline snapshot skipped", slog.String("error", err.Error()))
		return nil
	}
	return s.record("baseline", checksum.Sum(data), len(doc.Sections), string(data))
}

// DocumentPath returns the absolute path of the managed document.
func (s *Store) DocumentPath() string {
	return s.docPath
}

// History exposes the snapshot store for read-side operations.
func (s *Store) History() *history.Store {
	return s.hist
}

// Read parses the live document and captures its FileState. Reads are
// never locked; stale reads are expected and are exactly why the CAS
// check at commit time exists.
func (s *Store) Read(ctx context.Context) (*document.Document, FileState, error) {
	data, exists, err := storage.Read(s.docPath)
	if err != nil {
		return nil, FileState{}, err
	}
	doc, err := document.Parse(s.docPath, data)
	if err != nil {
		return nil, FileState{}, err
	}

	st := FileState{
		Hash:        checksum.Sum(data),
		Exists:      exists,
		SectionSums: sectionSums(doc),
	}
	if info, statErr := os.Stat(s.docPath); statErr == nil {
		st.ModTime = info.ModTime()
	}
	if s.git != nil {
		st.Git = s.git.Snapshot(ctx, filepath.Base(s.docPath))
	} else {
		st.Git = gitprobe.Metadata{Status: gitprobe.StatusUnknown}
	}
	return doc, st, nil
}

// CommitSection writes a new body for heading against the expected
// base state. The lock is the primary guard; the hash comparison is
// the backstop that catches commits raced in from outside the lock.
func (s *Store) CommitSection(ctx context.Context, heading, body string, expected FileState) (*Outcome, error) {
	var out *Outcome
	err := s.lock.WithLock(ctx, func() error {
		o, err := s.commitLocked(ctx, heading, body, expected, "write:"+heading)
		out = o
		return err
	})
	return out, err
}

// commitLocked runs the per-write state machine. Caller holds the lock.
func (s *Store) commitLocked(ctx context.Context, heading, body string, expected FileState, commitContext string) (*Outcome, error) {
	live, liveState, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}

	// No interleaving occurred.
	if liveState.Hash == expected.Hash {
		live.Replace(heading, body)
		st, err := s.persist(ctx, live, commitContext, true)
		if err != nil {
			return nil, err
		}
		return &Outcome{State: StateCommitted, Heading: heading, FileState: st}, nil
	}

	// The document moved, but not the section this writer is
	// editing. Splice the edit into the live document.
	if liveState.SectionSums[heading] == expected.SectionSums[heading] {
		live.Replace(heading, body)
		st, err := s.persist(ctx, live, commitContext, true)
		if err != nil {
			return nil, err
		}
		s.logger.Info("auto-merged concurrent edit",
			slog.String("heading", heading),
			slog.String("expected_hash", checksum.Prefix(expected.Hash, 12)),
			slog.String("live_hash", checksum.Prefix(liveState.Hash, 12)))
		return &Outcome{State: StateAutoMerged, Heading: heading, FileState: st}, nil
	}

	// The same section changed under the writer. Preserve both
	// bodies inside explicit markers; never overwrite, never fail.
	external := ""
	if sec, ok := live.Section(heading); ok {
		external = sec.Body
	}
	live.Replace(heading, conflictBody(external, body, time.Now().UTC()))

	// A conflicted commit is not a versioned checkpoint: the markers
	// land on disk, but no history entry is recorded until resolution.
	st, err := s.persist(ctx, live, commitContext, false)
	if err != nil {
		return nil, err
	}
	s.logger.Warn("section conflict recorded",
		slog.String("heading", heading),
		slog.String("expected_hash", checksum.Prefix(expected.Hash, 12)),
		slog.String("live_hash", checksum.Prefix(liveState.Hash, 12)))
	return &Outcome{
		State:        StateConflicted,
		Heading:      heading,
		FileState:    st,
		ExpectedHash: expected.Hash,
		LiveHash:     liveState.Hash,
	}, nil
}

// InsertSection adds a new section at the given position. Strict
// duplicate policy: an existing heading is an error, not an upsert.
func (s *Store) InsertSection(ctx context.Context, heading, body string, pos document.Position, anchor string) (*Outcome, error) {
	var out *Outcome
	err := s.lock.WithLock(ctx, func() error {
		live, _, err := s.Read(ctx)
		if err != nil {
			return err
		}
		if err := live.Insert(heading, body, pos, anchor); err != nil {
			return err
		}
		st, err := s.persist(ctx, live, "insert:"+heading, true)
		if err != nil {
			return err
		}
		out = &Outcome{State: StateCommitted, Heading: heading, FileState: st}
		return nil
	})
	return out, err
}

// DeleteSection removes a section.
func (s *Store) DeleteSection(ctx context.Context, heading string) (*Outcome, error) {
	var out *Outcome
	err := s.lock.WithLock(ctx, func() error {
		live, _, err := s.Read(ctx)
		if err != nil {
			return err
		}
		if err := live.Delete(heading); err != nil {
			return err
		}
		st, err := s.persist(ctx, live, "delete:"+heading, true)
		if err != nil {
			return err
		}
		out = &Outcome{State: StateCommitted, Heading: heading, FileState: st}
		return nil
	})
	return out, err
}

// Rollback restores the document to a prior snapshot. It takes the
// lock like any write but intentionally bypasses the conflict
// resolver: restoring history is an explicit override, not a merge
// candidate. The restored state is recorded as a fresh history entry
// so the timeline stays append-only.
func (s *Store) Rollback(ctx context.Context, ref string) (*history.Entry, error) {
	var restored *history.Entry
	err := s.lock.WithLock(ctx, func() error {
		e, err := s.hist.Get(ref)
		if err != nil {
			return err
		}
		doc, err := document.Parse(s.docPath, []byte(e.FullText))
		if err != nil {
			return fmt.Errorf("docstore: snapshot %s: %w", e.File, err)
		}
		if err := storage.WriteAtomic(s.docPath, []byte(e.FullText)); err != nil {
			return err
		}
		if err := s.record("rollback:"+ref, e.Hash, len(doc.Sections), e.FullText); err != nil {
			return err
		}
		restored = e
		return nil
	})
	return restored, err
}

// CleanupHistory ages out snapshots past the retention window and
// reconciles the metadata index. Returns the number deleted.
func (s *Store) CleanupHistory(retentionDays int) (int, error) {
	deleted, err := s.hist.Cleanup(retentionDays)
	if err != nil {
		return deleted, err
	}
	if s.idx == nil || deleted == 0 {
		return deleted, nil
	}

	files, err := s.hist.Files()
	if err != nil {
		return deleted, err
	}
	onDisk := make(map[string]struct{}, len(files))
	for _, f := range files {
		onDisk[f] = struct{}{}
	}
	indexed, err := s.idx.AllFiles()
	if err != nil {
		return deleted, err
	}
	for f := range indexed {
		if _, ok := onDisk[f]; !ok {
			if err := s.idx.DeleteSnapshot(f); err != nil {
				s.logger.Warn("cleanup: index delete failed", slog.String("file", f), slog.String("error", err.Error()))
			}
		}
	}
	return deleted, nil
}

// StateForHash reconstructs the FileState a writer saw when it read
// the document at the given hash. The live state is used when it still
// matches; otherwise the history index locates the snapshot with that
// hash. When neither works the returned state carries only the hash,
// which makes any section-level disagreement surface as a conflict
// rather than silent loss.
func (s *Store) StateForHash(ctx context.Context, hash string) (FileState, error) {
	_, live, err := s.Read(ctx)
	if err != nil {
		return FileState{}, err
	}
	if hash == "" || live.Hash == hash {
		return live, nil
	}

	if s.idx != nil {
		row, err := s.idx.FindByHash(hash)
		if err != nil {
			return FileState{}, err
		}
		if row != nil {
			e, err := s.hist.Get(row.File)
			if err != nil {
				return FileState{}, err
			}
			doc, err := document.Parse(s.docPath, []byte(e.FullText))
			if err == nil {
				return FileState{Hash: hash, Exists: true, SectionSums: sectionSums(doc)}, nil
			}
		}
	}
	return FileState{Hash: hash}, nil
}

// persist serializes doc, writes it atomically, and (for clean and
// auto-merged commits) records a history entry and index row.
func (s *Store) persist(ctx context.Context, doc *document.Document, commitContext string, recordHistory bool) (FileState, error) {
	text := doc.Serialize()
	if err := storage.WriteAtomic(s.docPath, text); err != nil {
		return FileState{}, err
	}

	st := FileState{
		Hash:        checksum.Sum(text),
		Exists:      true,
		SectionSums: sectionSums(doc),
	}
	if info, err := os.Stat(s.docPath); err == nil {
		st.ModTime = info.ModTime()
	}
	if s.git != nil {
		st.Git = s.git.Snapshot(ctx, filepath.Base(s.docPath))
	} else {
		st.Git = gitprobe.Metadata{Status: gitprobe.StatusUnknown}
	}

	if recordHistory {
		if err := s.record(commitContext, st.Hash, len(doc.Sections), string(text)); err != nil {
			return st, err
		}
	}
	return st, nil
}

// record appends a history entry and mirrors it into the index.
func (s *Store) record(commitContext, hash string, sectionCount int, fullText string) error {
	e, err := s.hist.Record(commitContext, hash, sectionCount, fullText)
	if err != nil {
		return err
	}
	if s.idx != nil {
		if err := s.idx.UpsertSnapshot(index.SnapshotRow{
			File:         e.File,
			RecordedAt:   e.Timestamp,
			Hash:         e.Hash,
			SectionCount: e.SectionCount,
			Context:      e.Context,
		}); err != nil {
			// The snapshot file is the source of truth; a failed index
			// write is repaired by the next Sync.
			s.logger.Warn("history index write failed", slog.String("file", e.File), slog.String("error", err.Error()))
		}
	}
	return nil
}

func sectionSums(doc *document.Document) map[string]string {
	sums := make(map[string]string, len(doc.Sections))
	for _, sec := range doc.Sections {
		sums[sec.Heading] = checksum.SumString(sec.Body)
	}
	return sums
}
