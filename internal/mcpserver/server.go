// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Ansuz document tools for LLM integration via stdio
// transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/ansuz/internal/docstore"
	"github.com/starford/ansuz/internal/document"
)

// Server wraps the MCP server with Ansuz tools.
type Server struct {
	mcp   *server.MCPServer
	store *docstore.Store
}

// New creates a new MCP server with all Ansuz tools registered.
func New(store *docstore.Store) *Server {
	s := &Server{store: store}

	s.mcp = server.NewMCPServer(
		"Ansuz",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("read_document",
		mcp.WithDescription("Read the full managed document with its section headings and the "+
			"current file state. Keep the returned hash: it is the expected_hash for writes."),
	), s.readDocument)

	s.mcp.AddTool(mcp.NewTool("read_section",
		mcp.WithDescription("Read a single section of the document by heading."),
		mcp.WithString("heading", mcp.Required(), mcp.Description("Section heading (exact text)")),
	), s.readSection)

	s.mcp.AddTool(mcp.NewTool("write_section",
		mcp.WithDescription("Replace a section body with optimistic concurrency. Pass the "+
			"expected_hash from a prior read_document call; if the same section changed in "+
			"the meantime the result is 'conflicted' and conflict markers are written. Changes "+
			"to OTHER sections merge automatically. Read the contract first via the "+
			"get_document_contract tool or the ansuz://document-format resource."),
		mcp.WithString("heading", mcp.Required(), mcp.Description("Section heading to write")),
		mcp.WithString("content", mcp.Required(), mcp.Description("New Markdown body for the section")),
		mcp.WithString("expected_hash", mcp.Description("Document SHA-256 from the read this edit is based on")),
	), s.writeSection)

	s.mcp.AddTool(mcp.NewTool("insert_section",
		mcp.WithDescription("Insert a new section. Fails if the heading already exists."),
		mcp.WithString("heading", mcp.Required(), mcp.Description("Heading for the new section")),
		mcp.WithString("content", mcp.Description("Markdown body for the new section")),
		mcp.WithString("position", mcp.Description("Placement: first, last, before, after (default last)")),
		mcp.WithString("anchor", mcp.Description("Anchor heading for before/after placement")),
	), s.insertSection)

	s.mcp.AddTool(mcp.NewTool("delete_section",
		mcp.WithDescription("Delete a section from the document."),
		mcp.WithString("heading", mcp.Required(), mcp.Description("Section heading to delete")),
	), s.deleteSection)

	s.mcp.AddTool(mcp.NewTool("detect_conflicts",
		mcp.WithDescription("List sections currently carrying unresolved conflict markers."),
	), s.detectConflicts)

	s.mcp.AddTool(mcp.NewTool("resolve_conflict",
		mcp.WithDescription("Resolve a conflicted section. Policy use-external keeps the text "+
			"that was already on disk, use-incoming keeps the edit that raced in second, and "+
			"manual replaces the section with the provided content."),
		mcp.WithString("heading", mcp.Required(), mcp.Description("Conflicted section heading")),
		mcp.WithString("policy", mcp.Required(), mcp.Description("use-external, use-incoming, or manual")),
		mcp.WithString("content", mcp.Description("Replacement body for the manual policy")),
	), s.resolveConflict)

	s.mcp.AddTool(mcp.NewTool("list_history",
		mcp.WithDescription("List document history snapshots, newest first."),
		mcp.WithNumber("limit", mcp.Description("Max entries to return (0 for all)")),
	), s.listHistory)

	s.mcp.AddTool(mcp.NewTool("show_diff",
		mcp.WithDescription("Structurally compare two history snapshots. Refs are an index "+
			"(0 = newest), a snapshot filename, or a timestamp prefix."),
		mcp.WithString("ref_a", mcp.Required(), mcp.Description("First snapshot ref")),
		mcp.WithString("ref_b", mcp.Required(), mcp.Description("Second snapshot ref")),
	), s.showDiff)

	s.mcp.AddTool(mcp.NewTool("rollback",
		mcp.WithDescription("Restore the document to a prior history snapshot. The restored "+
			"state is recorded as a new history entry."),
		mcp.WithString("ref", mcp.Required(), mcp.Description("Snapshot ref (index, filename, or timestamp prefix)")),
	), s.rollback)

	s.mcp.AddTool(mcp.NewTool("cleanup_history",
		mcp.WithDescription("Delete history snapshots older than the retention window. The "+
			"most recent snapshot is always kept."),
		mcp.WithNumber("retention_days", mcp.Required(), mcp.Description("Retention window in days")),
	), s.cleanupHistory)

	s.mcp.AddTool(mcp.NewTool("document_status",
		mcp.WithDescription("Report the document's existence, hash, section count, conflicted "+
			"sections, git metadata, and history depth."),
	), s.documentStatus)

	s.mcp.AddTool(mcp.NewTool("get_document_contract",
		mcp.WithDescription("Returns the canonical Ansuz document format and concurrency "+
			"contract. Call this before writing sections."),
	), s.getDocumentContract)

	// Resource: document format contract.
	s.mcp.AddResource(
		mcp.NewResource("ansuz://document-format", "Document Format Contract",
			mcp.WithResourceDescription("Canonical section-addressed Markdown format and write protocol."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readDocumentFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) *mcp.CallToolResult {
	out, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(out))
}

func (s *Server) readDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, st, err := s.store.Read(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"path":       doc.Path,
		"preamble":   doc.Preamble,
		"headings":   doc.Headings(),
		"file_state": st,
	}), nil
}

func (s *Server) readSection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	heading, err := req.RequireString("heading")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	doc, st, err := s.store.Read(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sec, ok := doc.Section(heading)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("section not found: %s", heading)), nil
	}
	return jsonResult(map[string]any{
		"heading":    sec.Heading,
		"level":      sec.Level,
		"body":       sec.Body,
		"file_state": st,
	}), nil
}

func (s *Server) writeSection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	heading, err := req.RequireString("heading")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	expectedHash := req.GetString("expected_hash", "")

	expected, err := s.store.StateForHash(ctx, expectedHash)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, err := s.store.CommitSection(ctx, heading, content, expected)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(out), nil
}

func (s *Server) insertSection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	heading, err := req.RequireString("heading")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content := req.GetString("content", "")
	pos := document.Position(req.GetString("position", ""))
	anchor := req.GetString("anchor", "")

	out, err := s.store.InsertSection(ctx, heading, content, pos, anchor)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(out), nil
}

func (s *Server) deleteSection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	heading, err := req.RequireString("heading")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := s.store.DeleteSection(ctx, heading); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("deleted: %s", heading)), nil
}

func (s *Server) detectConflicts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conflicts, err := s.store.DetectConflicts(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(conflicts) == 0 {
		return mcp.NewToolResultText("no conflicts"), nil
	}
	return mcp.NewToolResultText(strings.Join(conflicts, "\n")), nil
}

func (s *Server) resolveConflict(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	heading, err := req.RequireString("heading")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	policy, err := req.RequireString("policy")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content := req.GetString("content", "")

	out, err := s.store.Resolve(ctx, heading, docstore.Policy(policy), content)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(out), nil
}

func (s *Server) listHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 0)
	entries, err := s.store.History().List(limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	// Trim full text from the listing; fetch a snapshot by ref instead.
	type item struct {
		File         string `json:"file"`
		Timestamp    string `json:"timestamp"`
		Context      string `json:"context"`
		Hash         string `json:"hash"`
		SectionCount int    `json:"section_count"`
	}
	items := make([]item, 0, len(entries))
	for _, e := range entries {
		items = append(items, item{
			File:         e.File,
			Timestamp:    e.Timestamp.Format("2006-01-02T15:04:05Z"),
			Context:      e.Context,
			Hash:         e.Hash,
			SectionCount: e.SectionCount,
		})
	}
	return jsonResult(items), nil
}

func (s *Server) showDiff(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	refA, err := req.RequireString("ref_a")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	refB, err := req.RequireString("ref_b")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	diff, err := s.store.History().DiffRefs(refA, refB)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(diff), nil
}

func (s *Server) rollback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := req.RequireString("ref")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	restored, err := s.store.Rollback(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("restored: %s (%s)", restored.File, restored.Context)), nil
}

func (s *Server) cleanupHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	days, err := req.RequireInt("retention_days")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	deleted, err := s.store.CleanupHistory(days)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("deleted %d snapshots", deleted)), nil
}

func (s *Server) documentStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.store.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(st), nil
}

func (s *Server) getDocumentContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(DocumentFormatContract), nil
}

func (s *Server) readDocumentFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "ansuz://document-format",
			MIMEType: "text/markdown",
			Text:     DocumentFormatContract,
		},
	}, nil
}
