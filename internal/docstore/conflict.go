package docstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/gitprobe"
)

// Conflict marker grammar. The external block is what was already on
// disk when the write landed; the incoming block is the writer's edit.
// Both carry a provenance timestamp.
const (
	markerExternal  = "<<<<<<< external"
	markerSeparator = "======="
	markerIncoming  = ">>>>>>> incoming"
)

// Policy selects how a conflicted section is resolved.
type Policy string

// Resolution policies.
const (
	UseExternal Policy = "use-external"
	UseIncoming Policy = "use-incoming"
	Manual      Policy = "manual"
)

// conflictBody wraps the two competing bodies in markers. Both edits
// stay in the section until an explicit resolution replaces it.
func conflictBody(external, incoming string, now time.Time) string {
	stamp := now.Format(time.RFC3339)
	var b strings.Builder
	b.WriteString(markerExternal + " " + stamp + "\n")
	if external != "" {
		b.WriteString(external + "\n")
	}
	b.WriteString(markerSeparator + "\n")
	if incoming != "" {
		b.WriteString(incoming + "\n")
	}
	b.WriteString(markerIncoming + " " + stamp)
	return b.String()
}

// conflictBlock holds the two competing bodies parsed back out of a
// marked section.
type conflictBlock struct {
	External string
	Incoming string
}

// parseConflictBody extracts the marker block from a section body.
func parseConflictBody(body string) (*conflictBlock, bool) {
	lines := strings.Split(body, "\n")
	start, sep, end := -1, -1, -1
	for i, line := range lines {
		switch {
		case start < 0 && strings.HasPrefix(line, markerExternal):
			start = i
		case start >= 0 && sep < 0 && strings.TrimSpace(line) == markerSeparator:
			sep = i
		case sep >= 0 && end < 0 && strings.HasPrefix(line, markerIncoming):
			end = i
		}
	}
	if start < 0 || sep < 0 || end < 0 {
		return nil, false
	}
	return &conflictBlock{
		External: strings.Join(lines[start+1:sep], "\n"),
		Incoming: strings.Join(lines[sep+1:end], "\n"),
	}, true
}

// hasConflictMarkers reports whether a section body carries an
// unresolved marker block.
func hasConflictMarkers(body string) bool {
	_, ok := parseConflictBody(body)
	return ok
}

// DetectConflicts returns the headings of every section currently in
// conflicted state.
func (s *Store) DetectConflicts(ctx context.Context) ([]string, error) {
	doc, _, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, sec := range doc.Sections {
		if hasConflictMarkers(sec.Body) {
			out = append(out, sec.Heading)
		}
	}
	return out, nil
}

// Resolve clears the marker block on heading according to policy and
// commits the chosen body. The resolution runs the normal commit path
// against the state read under the lock, so a resolution raced from
// outside the lock window re-conflicts instead of losing data.
func (s *Store) Resolve(ctx context.Context, heading string, policy Policy, manualText string) (*Outcome, error) {
	var out *Outcome
	err := s.lock.WithLock(ctx, func() error {
		live, liveState, err := s.Read(ctx)
		if err != nil {
			return err
		}
		sec, ok := live.Section(heading)
		if !ok {
			return fmt.Errorf("docstore: resolve %q: %w", heading, apperr.ErrNotFound)
		}
		block, ok := parseConflictBody(sec.Body)
		if !ok {
			return fmt.Errorf("docstore: resolve %q: %w", heading, apperr.ErrNoConflict)
		}

		var chosen string
		switch policy {
		case UseExternal:
			chosen = block.External
		case UseIncoming:
			chosen = block.Incoming
		case Manual:
			chosen = manualText
		default:
			return fmt.Errorf("docstore: resolve %q: unknown policy %q", heading, policy)
		}

		o, err := s.commitLocked(ctx, heading, chosen, liveState, "resolve:"+heading+":"+string(policy))
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	return out, err
}

// DocumentStatus is the freshness/state report exposed at the
// operation boundary.
type DocumentStatus struct {
	Path           string            `json:"path"`
	Exists         bool              `json:"exists"`
	Hash           string            `json:"hash"`
	ModTime        time.Time         `json:"mod_time"`
	SectionCount   int               `json:"section_count"`
	Conflicts      []string          `json:"conflicts"`
	Git            gitprobe.Metadata `json:"git"`
	Snapshots      int               `json:"snapshots"`
	LastSnapshotAt time.Time         `json:"last_snapshot_at,omitzero"`
}

// Status reports the document's current state, its conflicts, and the
// history depth. Git metadata is informational and never blocks.
func (s *Store) Status(ctx context.Context) (*DocumentStatus, error) {
	doc, st, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	status := &DocumentStatus{
		Path:         s.docPath,
		Exists:       st.Exists,
		Hash:         st.Hash,
		ModTime:      st.ModTime,
		SectionCount: len(doc.Sections),
		Conflicts:    []string{},
		Git:          st.Git,
	}
	for _, sec := range doc.Sections {
		if hasConflictMarkers(sec.Body) {
			status.Conflicts = append(status.Conflicts, sec.Heading)
		}
	}

	files, err := s.hist.Files()
	if err != nil {
		return nil, err
	}
	status.Snapshots = len(files)
	if len(files) > 0 {
		if e, err := s.hist.Get(files[0]); err == nil {
			status.LastSnapshotAt = e.Timestamp
		}
	}
	return status, nil
}
