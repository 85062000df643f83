package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/ansuz/internal/docstore"
	"github.com/starford/ansuz/internal/index"
	"github.com/starford/ansuz/internal/sse"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// idx and broker may be nil; sseHandler, if non-nil, is mounted at
// GET /events inside the auth group.
func NewRouter(store *docstore.Store, idx index.SnapshotIndex, broker *sse.Broker, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(store, idx, broker)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Document and sections.
	r.Get("/document", h.GetDocument)
	r.Get("/document/sections", h.ListSections)
	r.Post("/document/sections", h.InsertSection)
	r.Get("/document/sections/{heading}", h.GetSection)
	r.Put("/document/sections/{heading}", h.WriteSection)
	r.Delete("/document/sections/{heading}", h.DeleteSection)

	// Conflicts.
	r.Get("/conflicts", h.ListConflicts)
	r.Post("/conflicts/{heading}/resolve", h.ResolveConflict)

	// History.
	r.Get("/history", h.ListHistory)
	r.Get("/history/diff", h.HistoryDiff)
	r.Post("/history/{ref}/rollback", h.Rollback)
	r.Post("/history/cleanup", h.CleanupHistory)

	// Status.
	r.Get("/status", h.Status)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
