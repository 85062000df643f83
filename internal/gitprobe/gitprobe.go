// Package gitprobe queries version-control state for the managed
// document by shelling out to the git CLI. All metadata is advisory:
// every operation degrades to unknown/absent when the binary is missing
// or a call fails, and nothing here ever gates a write.
package gitprobe

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Status classifies the document's state in the working tree.
type Status string

// Status values.
const (
	StatusUnmodified Status = "unmodified"
	StatusModified   Status = "modified"
	StatusUntracked  Status = "untracked"
	StatusAdded      Status = "added"
	StatusDeleted    Status = "deleted"
	StatusUnknown    Status = "unknown"
)

// Metadata bundles the probe results attached to a FileState.
type Metadata struct {
	Available bool   `json:"available"`
	Managed   bool   `json:"managed"`
	Status    Status `json:"status"`
	Revision  string `json:"revision,omitempty"`
}

// Probe runs git commands against the directory holding the document.
type Probe struct {
	dir string

	probeOnce sync.Once
	available bool
}

// New creates a Probe for the given directory.
func New(dir string) *Probe {
	return &Probe{dir: dir}
}

// Available reports whether a usable git binary exists. The capability
// probe runs once per process lifetime so a missing binary is not
// re-discovered on every call.
func (p *Probe) Available() bool {
	p.probeOnce.Do(func() {
		_, err := exec.LookPath("git")
		p.available = err == nil
	})
	return p.available
}

// IsManaged reports whether path is tracked by a git repository.
func (p *Probe) IsManaged(ctx context.Context, path string) bool {
	if !p.Available() {
		return false
	}
	_, err := p.run(ctx, "ls-files", "--error-unmatch", "--", path)
	return err == nil
}

// FileStatus returns the working-tree status of path, or StatusUnknown
// when it cannot be determined.
func (p *Probe) FileStatus(ctx context.Context, path string) Status {
	if !p.Available() {
		return StatusUnknown
	}
	out, err := p.run(ctx, "status", "--porcelain", "--", path)
	if err != nil {
		return StatusUnknown
	}
	if strings.TrimSpace(out) == "" {
		if p.IsManaged(ctx, path) {
			return StatusUnmodified
		}
		return StatusUnknown
	}
	return parsePorcelain(out)
}

// CurrentRevision returns the HEAD commit id, or "" when unknown.
func (p *Probe) CurrentRevision(ctx context.Context) string {
	if !p.Available() {
		return ""
	}
	out, err := p.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// Diff returns the unstaged diff for path, or "" when unavailable.
func (p *Probe) Diff(ctx context.Context, path string) string {
	if !p.Available() {
		return ""
	}
	out, err := p.run(ctx, "diff", "--", path)
	if err != nil {
		return ""
	}
	return out
}

// Snapshot collects all advisory metadata for path in one call.
func (p *Probe) Snapshot(ctx context.Context, path string) Metadata {
	m := Metadata{Status: StatusUnknown}
	if !p.Available() {
		return m
	}
	m.Available = true
	m.Managed = p.IsManaged(ctx, path)
	m.Status = p.FileStatus(ctx, path)
	m.Revision = p.CurrentRevision(ctx)
	return m
}

// run executes a git command targeting the probe directory via -C.
// Stderr is captured separately and included in error messages.
func (p *Probe) run(ctx context.Context, args ...string) (string, error) {
	fullArgs := append([]string{"-C", p.dir}, args...)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("gitprobe: git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), p.dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// parsePorcelain maps the XY code of the first porcelain line to a
// Status.
func parsePorcelain(out string) Status {
	line := out
	if i := strings.IndexByte(out, '\n'); i >= 0 {
		line = out[:i]
	}
	if len(line) < 2 {
		return StatusUnknown
	}
	xy := line[:2]
	switch {
	case xy == "??":
		return StatusUntracked
	case strings.ContainsRune(xy, 'M'):
		return StatusModified
	case strings.ContainsRune(xy, 'A'):
		return StatusAdded
	case strings.ContainsRune(xy, 'D'):
		return StatusDeleted
	default:
		return StatusUnknown
	}
}
