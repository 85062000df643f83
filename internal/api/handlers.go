package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/docstore"
	"github.com/starford/ansuz/internal/document"
	"github.com/starford/ansuz/internal/index"
	"github.com/starford/ansuz/internal/sse"
)

// Handler holds API route handlers.
type Handler struct {
	store  *docstore.Store
	idx    index.SnapshotIndex
	broker *sse.Broker
}

// NewHandler creates a new Handler. idx and broker may be nil.
func NewHandler(store *docstore.Store, idx index.SnapshotIndex, broker *sse.Broker) *Handler {
	return &Handler{store: store, idx: idx, broker: broker}
}

// headingParam extracts the section heading from the URL. Supports
// encoded spaces and slashes (e.g. Build%20Rules).
func headingParam(r *http.Request) string {
	raw := chi.URLParam(r, "heading")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, apperr.ErrLockTimeout):
		writeJSON(w, http.StatusLocked, errorBody("lock acquisition timed out"))
	case errors.Is(err, apperr.ErrDuplicateHeading):
		writeJSON(w, http.StatusConflict, errorBody("heading already exists"))
	case errors.Is(err, apperr.ErrAnchorNotFound):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody("anchor heading not found"))
	case errors.Is(err, apperr.ErrNoConflict):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody("section is not conflicted"))
	default:
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

// writeOutcome renders a write result. Committed and auto-merged are
// success; conflicted is 409 with the same body shape so clients always
// see the resulting state. Successful commits record a history snapshot,
// so they also announce it over SSE; conflicted commits record none.
func (h *Handler) writeOutcome(w http.ResponseWriter, status int, out *docstore.Outcome) {
	if out.State == docstore.StateConflicted {
		writeJSON(w, http.StatusConflict, out)
		return
	}
	if h.broker != nil {
		h.broker.Publish(sse.Event{Type: "history.recorded", Data: map[string]string{
			"hash": out.FileState.Hash,
		}})
	}
	writeJSON(w, status, out)
}

// GetDocument handles GET /api/document.
//
//	@Summary		Get the full document with its CAS state
//	@Tags			document
//	@Produce		json
//	@Success		200	{object}	DocumentResponse
//	@Security		BearerAuth
//	@Router			/document [get]
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, st, err := h.store.Read(r.Context())
	if err != nil {
		writeError(w, "get document", err)
		return
	}
	resp := DocumentResponse{
		Path:      doc.Path,
		Preamble:  doc.Preamble,
		Sections:  make([]SectionView, 0, len(doc.Sections)),
		FileState: st,
	}
	for _, s := range doc.Sections {
		resp.Sections = append(resp.Sections, sectionView(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListSections handles GET /api/document/sections.
//
//	@Summary		List section headings in document order
//	@Tags			document
//	@Produce		json
//	@Success		200	{object}	map[string]any
//	@Security		BearerAuth
//	@Router			/document/sections [get]
func (h *Handler) ListSections(w http.ResponseWriter, r *http.Request) {
	doc, st, err := h.store.Read(r.Context())
	if err != nil {
		writeError(w, "list sections", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"headings":   doc.Headings(),
		"file_state": st,
	})
}

// GetSection handles GET /api/document/sections/{heading}.
//
//	@Summary		Get a single section by heading
//	@Tags			document
//	@Produce		json
//	@Param			heading	path		string	true	"Section heading"
//	@Success		200		{object}	SectionResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/document/sections/{heading} [get]
func (h *Handler) GetSection(w http.ResponseWriter, r *http.Request) {
	heading := headingParam(r)
	doc, st, err := h.store.Read(r.Context())
	if err != nil {
		writeError(w, "get section", err)
		return
	}
	sec, ok := doc.Section(heading)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	writeJSON(w, http.StatusOK, SectionResponse{Section: sectionView(*sec), FileState: st})
}

// WriteSection handles PUT /api/document/sections/{heading}.
//
// The If-Match header carries the expected document hash from a prior
// read. When absent, the live state at commit time is the base, which
// always commits clean.
//
//	@Summary		Replace a section body with optimistic concurrency
//	@Tags			document
//	@Accept			json
//	@Produce		json
//	@Param			heading		path	string				true	"Section heading"
//	@Param			If-Match	header	string				false	"Expected document SHA-256"
//	@Param			body		body	WriteSectionRequest	true	"New section body"
//	@Success		200		{object}	OutcomeResponse
//	@Failure		409		{object}	OutcomeResponse	"Conflicted; markers written"
//	@Failure		423		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/document/sections/{heading} [put]
func (h *Handler) WriteSection(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	heading := headingParam(r)
	if heading == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("heading is required"))
		return
	}

	var req WriteSectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}

	ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`)
	expected, err := h.store.StateForHash(r.Context(), ifMatch)
	if err != nil {
		writeError(w, "write section", err)
		return
	}

	out, err := h.store.CommitSection(r.Context(), heading, req.Content, expected)
	if err != nil {
		writeError(w, "write section", err)
		return
	}
	h.writeOutcome(w, http.StatusOK, out)
}

// InsertSection handles POST /api/document/sections.
//
//	@Summary		Insert a new section at a position
//	@Tags			document
//	@Accept			json
//	@Produce		json
//	@Param			body	body		InsertSectionRequest	true	"Section to insert"
//	@Success		201		{object}	OutcomeResponse
//	@Failure		409		{object}	errResponse	"Heading already exists"
//	@Failure		422		{object}	errResponse	"Anchor not found"
//	@Security		BearerAuth
//	@Router			/document/sections [post]
func (h *Handler) InsertSection(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	var req InsertSectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Heading == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("heading is required"))
		return
	}

	out, err := h.store.InsertSection(r.Context(), req.Heading, req.Content, document.Position(req.Position), req.Anchor)
	if err != nil {
		writeError(w, "insert section", err)
		return
	}
	h.writeOutcome(w, http.StatusCreated, out)
}

// DeleteSection handles DELETE /api/document/sections/{heading}.
//
//	@Summary		Delete a section
//	@Tags			document
//	@Param			heading	path	string	true	"Section heading"
//	@Success		204		"Section deleted"
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/document/sections/{heading} [delete]
func (h *Handler) DeleteSection(w http.ResponseWriter, r *http.Request) {
	heading := headingParam(r)
	if _, err := h.store.DeleteSection(r.Context(), heading); err != nil {
		writeError(w, "delete section", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListConflicts handles GET /api/conflicts.
//
//	@Summary		List conflicted section headings
//	@Tags			conflicts
//	@Produce		json
//	@Success		200	{object}	ConflictsResponse
//	@Security		BearerAuth
//	@Router			/conflicts [get]
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.store.DetectConflicts(r.Context())
	if err != nil {
		writeError(w, "list conflicts", err)
		return
	}
	if conflicts == nil {
		conflicts = []string{}
	}
	writeJSON(w, http.StatusOK, ConflictsResponse{Conflicts: conflicts})
}

// ResolveConflict handles POST /api/conflicts/{heading}/resolve.
//
//	@Summary		Resolve a conflicted section
//	@Tags			conflicts
//	@Accept			json
//	@Produce		json
//	@Param			heading	path		string			true	"Section heading"
//	@Param			body	body		ResolveRequest	true	"Resolution policy"
//	@Success		200		{object}	OutcomeResponse
//	@Failure		404		{object}	errResponse
//	@Failure		422		{object}	errResponse	"Section is not conflicted"
//	@Security		BearerAuth
//	@Router			/conflicts/{heading}/resolve [post]
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	heading := headingParam(r)
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}

	policy := docstore.Policy(req.Policy)
	switch policy {
	case docstore.UseExternal, docstore.UseIncoming, docstore.Manual:
	default:
		writeJSON(w, http.StatusBadRequest, errorBody("policy must be use-external, use-incoming, or manual"))
		return
	}
	if policy == docstore.Manual && req.Content == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("manual resolution requires content"))
		return
	}

	out, err := h.store.Resolve(r.Context(), heading, policy, req.Content)
	if err != nil {
		writeError(w, "resolve conflict", err)
		return
	}
	h.writeOutcome(w, http.StatusOK, out)
}

// ListHistory handles GET /api/history.
//
//	@Summary		List history snapshots, newest first
//	@Tags			history
//	@Produce		json
//	@Param			limit	query		int		false	"Max entries"
//	@Param			q		query		string	false	"Filter by commit context substring"
//	@Success		200		{object}	HistoryResponse
//	@Security		BearerAuth
//	@Router			/history [get]
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	// Context search goes through the metadata index.
	if q := r.URL.Query().Get("q"); q != "" && h.idx != nil {
		rows, err := h.idx.SearchContext(q, limit)
		if err != nil {
			writeError(w, "search history", err)
			return
		}
		items := make([]HistoryItem, 0, len(rows))
		for _, row := range rows {
			items = append(items, HistoryItem{
				File:         row.File,
				Timestamp:    row.RecordedAt,
				Context:      row.Context,
				Hash:         row.Hash,
				SectionCount: row.SectionCount,
			})
		}
		writeJSON(w, http.StatusOK, HistoryResponse{Entries: items})
		return
	}

	entries, err := h.store.History().List(limit)
	if err != nil {
		writeError(w, "list history", err)
		return
	}
	items := make([]HistoryItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, historyItem(e))
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Entries: items})
}

// HistoryDiff handles GET /api/history/diff.
//
//	@Summary		Structurally compare two snapshots
//	@Tags			history
//	@Produce		json
//	@Param			a	query		string	true	"First snapshot ref"
//	@Param			b	query		string	true	"Second snapshot ref"
//	@Success		200	{object}	DiffResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/history/diff [get]
func (h *Handler) HistoryDiff(w http.ResponseWriter, r *http.Request) {
	a := r.URL.Query().Get("a")
	b := r.URL.Query().Get("b")
	if a == "" || b == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameters 'a' and 'b' are required"))
		return
	}
	diff, err := h.store.History().DiffRefs(a, b)
	if err != nil {
		writeError(w, "history diff", err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

// Rollback handles POST /api/history/{ref}/rollback.
//
//	@Summary		Restore the document to a prior snapshot
//	@Tags			history
//	@Produce		json
//	@Param			ref	path		string	true	"Snapshot ref (index, filename, or timestamp prefix)"
//	@Success		200	{object}	RollbackResponse
//	@Failure		404	{object}	errResponse
//	@Failure		423	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/history/{ref}/rollback [post]
func (h *Handler) Rollback(w http.ResponseWriter, r *http.Request) {
	ref, err := url.PathUnescape(chi.URLParam(r, "ref"))
	if err != nil {
		ref = chi.URLParam(r, "ref")
	}

	restored, err := h.store.Rollback(r.Context(), ref)
	if err != nil {
		writeError(w, "rollback", err)
		return
	}
	if h.broker != nil {
		h.broker.PublishDocumentEvent("rolled_back", restored.Hash)
	}

	_, st, err := h.store.Read(r.Context())
	if err != nil {
		writeError(w, "rollback", err)
		return
	}
	writeJSON(w, http.StatusOK, RollbackResponse{Restored: historyItem(*restored), FileState: st})
}

// CleanupHistory handles POST /api/history/cleanup.
//
//	@Summary		Delete snapshots past the retention window
//	@Tags			history
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CleanupRequest	true	"Retention window"
//	@Success		200		{object}	CleanupResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/history/cleanup [post]
func (h *Handler) CleanupHistory(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.RetentionDays <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("retention_days must be positive"))
		return
	}
	deleted, err := h.store.CleanupHistory(req.RetentionDays)
	if err != nil {
		writeError(w, "cleanup history", err)
		return
	}
	writeJSON(w, http.StatusOK, CleanupResponse{Deleted: deleted})
}

// Status handles GET /api/status.
//
//	@Summary		Get document status, conflicts, and git metadata
//	@Tags			status
//	@Produce		json
//	@Success		200	{object}	StatusResponse
//	@Security		BearerAuth
//	@Router			/status [get]
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Status(r.Context())
	if err != nil {
		writeError(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
