package index

import (
	"log/slog"

	"github.com/starford/ansuz/internal/history"
)

// Sync reconciles the index with the snapshot directory:
//   - snapshot files missing from the index are upserted
//   - index rows whose files are gone are deleted
//
// The index is a cache; the snapshot directory always wins.
func Sync(db *DB, hist *history.Store, logger *slog.Logger) error {
	files, err := hist.Files()
	if err != nil {
		return err
	}

	indexed, err := db.AllFiles()
	if err != nil {
		return err
	}

	onDisk := make(map[string]struct{}, len(files))
	for _, f := range files {
		onDisk[f] = struct{}{}
		if _, ok := indexed[f]; ok {
			continue
		}
		e, err := hist.Get(f)
		if err != nil {
			logger.Warn("sync: read snapshot failed", slog.String("file", f), slog.String("error", err.Error()))
			continue
		}
		if err := db.UpsertSnapshot(SnapshotRow{
			File:         e.File,
			RecordedAt:   e.Timestamp,
			Hash:         e.Hash,
			SectionCount: e.SectionCount,
			Context:      e.Context,
		}); err != nil {
			logger.Warn("sync: upsert failed", slog.String("file", f), slog.String("error", err.Error()))
		} else {
			logger.Debug("sync: indexed", slog.String("file", f))
		}
	}

	// Remove rows for snapshots deleted by retention cleanup.
	for f := range indexed {
		if _, ok := onDisk[f]; !ok {
			if err := db.DeleteSnapshot(f); err != nil {
				logger.Warn("sync: delete failed", slog.String("file", f), slog.String("error", err.Error()))
			} else {
				logger.Debug("sync: removed stale", slog.String("file", f))
			}
		}
	}

	return nil
}
