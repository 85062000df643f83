package api

import (
	"time"

	"github.com/starford/ansuz/internal/docstore"
	"github.com/starford/ansuz/internal/document"
	"github.com/starford/ansuz/internal/history"
)

// WriteSectionRequest is the request body for replacing a section.
type WriteSectionRequest struct {
	Content string `json:"content" example:"Run the full suite." validate:"required"`
}

// InsertSectionRequest is the request body for inserting a new section.
type InsertSectionRequest struct {
	Heading  string `json:"heading" example:"Release Rules" validate:"required"`
	Content  string `json:"content" example:"Tag before deploying."`
	Position string `json:"position,omitempty" example:"after"`
	Anchor   string `json:"anchor,omitempty" example:"Build Rules"`
}

// ResolveRequest is the request body for resolving a conflicted section.
type ResolveRequest struct {
	Policy  string `json:"policy" example:"use-incoming" validate:"required"`
	Content string `json:"content,omitempty" example:"merged text"`
}

// CleanupRequest is the request body for history retention cleanup.
type CleanupRequest struct {
	RetentionDays int `json:"retention_days" example:"30" validate:"required"`
}

// SectionView is a section in API responses.
type SectionView struct {
	Heading string `json:"heading" example:"Build Rules"`
	Level   int    `json:"level" example:"2"`
	Body    string `json:"body" example:"Run the linter before merging."`
}

// DocumentResponse is the full document with its CAS state.
type DocumentResponse struct {
	Path      string             `json:"path"`
	Preamble  string             `json:"preamble,omitempty"`
	Sections  []SectionView      `json:"sections"`
	FileState docstore.FileState `json:"file_state"`
}

// SectionResponse is a single section with the document's CAS state.
type SectionResponse struct {
	Section   SectionView        `json:"section"`
	FileState docstore.FileState `json:"file_state"`
}

// OutcomeResponse reports the result of a write. A conflicted write is
// returned with HTTP 409 and this same shape.
type OutcomeResponse = docstore.Outcome

// ConflictsResponse lists the currently conflicted headings.
type ConflictsResponse struct {
	Conflicts []string `json:"conflicts"`
}

// HistoryItem is a snapshot in list responses. FullText is omitted;
// fetch the snapshot by ref when the content is needed.
type HistoryItem struct {
	File         string    `json:"file"`
	Timestamp    time.Time `json:"timestamp"`
	Context      string    `json:"context"`
	Hash         string    `json:"hash"`
	SectionCount int       `json:"section_count"`
}

// HistoryResponse wraps a history listing.
type HistoryResponse struct {
	Entries []HistoryItem `json:"entries"`
}

// DiffResponse is the structural diff between two snapshots.
type DiffResponse = history.Diff

// RollbackResponse reports the snapshot a rollback restored.
type RollbackResponse struct {
	Restored  HistoryItem        `json:"restored"`
	FileState docstore.FileState `json:"file_state"`
}

// CleanupResponse reports how many snapshots a cleanup removed.
type CleanupResponse struct {
	Deleted int `json:"deleted" example:"3"`
}

// StatusResponse is the document status report.
type StatusResponse = docstore.DocumentStatus

func sectionView(s document.Section) SectionView {
	return SectionView{Heading: s.Heading, Level: s.Level, Body: s.Body}
}

func historyItem(e history.Entry) HistoryItem {
	return HistoryItem{
		File:         e.File,
		Timestamp:    e.Timestamp,
		Context:      e.Context,
		Hash:         e.Hash,
		SectionCount: e.SectionCount,
	}
}
