package docstore

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/storage"
)

// EventCallback is called after a watcher-observed document change.
// kind is one of "updated", "conflicted", "removed".
type EventCallback func(kind string, hash string)

// Watch runs an fsnotify watcher on the document's parent directory and
// reports external changes to the managed file until ctx is cancelled.
// It calls cb (if non-nil) once per settled change.
//
// Editors save through temp-file renames, so events for the document
// arrive in bursts. A short debounce collapses each burst into a single
// re-read, and hash comparison suppresses no-op events (including the
// store's own atomic writes observed back through the watcher).
func (s *Store) Watch(ctx context.Context, cb EventCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(s.docPath)
	if err := w.Add(dir); err != nil {
		return err
	}

	s.logger.Info("watcher: started", slog.String("document", s.docPath))

	lastHash := ""
	if data, exists, readErr := storage.Read(s.docPath); readErr == nil && exists {
		lastHash = checksum.Sum(data)
	}

	var settleTimer *time.Timer
	var settleCh <-chan time.Time

	scheduleSettle := func() {
		if settleTimer == nil {
			settleTimer = time.NewTimer(200 * time.Millisecond)
			settleCh = settleTimer.C
		} else {
			settleTimer.Reset(200 * time.Millisecond)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if settleTimer != nil {
				settleTimer.Stop()
			}
			s.logger.Info("watcher: stopped")
			return nil

		case <-settleCh:
			lastHash = s.reportChange(lastHash, cb)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Name != s.docPath {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0 {
				scheduleSettle()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// reportChange re-reads the document after a settled event burst and
// classifies what happened. Returns the new content hash.
func (s *Store) reportChange(lastHash string, cb EventCallback) string {
	data, exists, err := storage.Read(s.docPath)
	if err != nil {
		s.logger.Warn("watcher: read failed", slog.String("error", err.Error()))
		return lastHash
	}

	if !exists {
		if lastHash != "" {
			s.logger.Warn("watcher: document removed", slog.String("path", s.docPath))
			if cb != nil {
				cb("removed", "")
			}
		}
		return ""
	}

	hash := checksum.Sum(data)
	if hash == lastHash {
		return lastHash
	}

	kind := "updated"
	if hasConflictMarkers(string(data)) {
		kind = "conflicted"
	}
	s.logger.Debug("watcher: document changed",
		slog.String("kind", kind),
		slog.String("hash", checksum.Prefix(hash, 12)))
	if cb != nil {
		cb(kind, hash)
	}
	return hash
}
