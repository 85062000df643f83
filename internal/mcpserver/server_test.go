package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/ansuz/internal/docstore"
	"github.com/starford/ansuz/internal/testutil"
)

const seedDoc = `## Build Rules

Run the linter before merging.

## Review Rules

Two approvals required.
`

func testServer(t *testing.T) (*Server, *docstore.Store) {
	t.Helper()
	store := testutil.TestStore(t, seedDoc, testutil.TestDB(t))
	return New(store), store
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go doesn't expose a direct "call tool" test helper, so the
	// handler functions are called directly.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "read_document":
		result, err = srv.readDocument(ctx, req)
	case "read_section":
		result, err = srv.readSection(ctx, req)
	case "write_section":
		result, err = srv.writeSection(ctx, req)
	case "insert_section":
		result, err = srv.insertSection(ctx, req)
	case "delete_section":
		result, err = srv.deleteSection(ctx, req)
	case "detect_conflicts":
		result, err = srv.detectConflicts(ctx, req)
	case "resolve_conflict":
		result, err = srv.resolveConflict(ctx, req)
	case "list_history":
		result, err = srv.listHistory(ctx, req)
	case "show_diff":
		result, err = srv.showDiff(ctx, req)
	case "rollback":
		result, err = srv.rollback(ctx, req)
	case "cleanup_history":
		result, err = srv.cleanupHistory(ctx, req)
	case "document_status":
		result, err = srv.documentStatus(ctx, req)
	case "get_document_contract":
		result, err = srv.getDocumentContract(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func documentHash(t *testing.T, srv *Server) string {
	t.Helper()
	r := callTool(t, srv, "read_document", nil)
	var resp struct {
		FileState docstore.FileState `json:"file_state"`
	}
	if err := json.Unmarshal([]byte(resultText(r)), &resp); err != nil {
		t.Fatalf("parse read_document result: %v", err)
	}
	return resp.FileState.Hash
}

func outcomeState(t *testing.T, r *mcp.CallToolResult) docstore.State {
	t.Helper()
	var out docstore.Outcome
	if err := json.Unmarshal([]byte(resultText(r)), &out); err != nil {
		t.Fatalf("parse outcome %q: %v", resultText(r), err)
	}
	return out.State
}

func TestReadDocumentAndSection(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "read_document", nil)
	text := resultText(r)
	if !strings.Contains(text, "Build Rules") || !strings.Contains(text, `"hash"`) {
		t.Errorf("read_document result = %q", text)
	}

	r = callTool(t, srv, "read_section", map[string]interface{}{"heading": "Build Rules"})
	if !strings.Contains(resultText(r), "Run the linter before merging.") {
		t.Errorf("read_section result = %q", resultText(r))
	}

	r = callTool(t, srv, "read_section", map[string]interface{}{"heading": "Nope"})
	if !r.IsError {
		t.Error("expected error for missing section")
	}
}

func TestWriteSectionLifecycle(t *testing.T) {
	srv, _ := testServer(t)
	base := documentHash(t, srv)

	r := callTool(t, srv, "write_section", map[string]interface{}{
		"heading":       "Build Rules",
		"content":       "first writer",
		"expected_hash": base,
	})
	if got := outcomeState(t, r); got != docstore.StateCommitted {
		t.Fatalf("state = %q", got)
	}

	// Same stale base, same section: conflicted with markers.
	r = callTool(t, srv, "write_section", map[string]interface{}{
		"heading":       "Build Rules",
		"content":       "second writer",
		"expected_hash": base,
	})
	if got := outcomeState(t, r); got != docstore.StateConflicted {
		t.Fatalf("state = %q, want conflicted", got)
	}

	r = callTool(t, srv, "detect_conflicts", nil)
	if resultText(r) != "Build Rules" {
		t.Errorf("detect_conflicts = %q", resultText(r))
	}

	r = callTool(t, srv, "resolve_conflict", map[string]interface{}{
		"heading": "Build Rules",
		"policy":  "use-incoming",
	})
	if got := outcomeState(t, r); got != docstore.StateCommitted {
		t.Fatalf("resolve state = %q", got)
	}

	r = callTool(t, srv, "read_section", map[string]interface{}{"heading": "Build Rules"})
	if !strings.Contains(resultText(r), "second writer") {
		t.Errorf("resolved body = %q", resultText(r))
	}

	r = callTool(t, srv, "detect_conflicts", nil)
	if resultText(r) != "no conflicts" {
		t.Errorf("detect_conflicts after resolve = %q", resultText(r))
	}
}

func TestWriteSectionAutoMerge(t *testing.T) {
	srv, _ := testServer(t)
	base := documentHash(t, srv)

	callTool(t, srv, "write_section", map[string]interface{}{
		"heading":       "Review Rules",
		"content":       "Three approvals.",
		"expected_hash": base,
	})

	// Stale base but a different section: merges automatically.
	r := callTool(t, srv, "write_section", map[string]interface{}{
		"heading":       "Build Rules",
		"content":       "Run the full suite.",
		"expected_hash": base,
	})
	if got := outcomeState(t, r); got != docstore.StateAutoMerged {
		t.Fatalf("state = %q, want automerged", got)
	}
}

func TestInsertAndDeleteSection(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "insert_section", map[string]interface{}{
		"heading":  "Release Rules",
		"content":  "Tag first.",
		"position": "after",
		"anchor":   "Build Rules",
	})
	if got := outcomeState(t, r); got != docstore.StateCommitted {
		t.Fatalf("insert state = %q", got)
	}

	r = callTool(t, srv, "insert_section", map[string]interface{}{"heading": "Release Rules"})
	if !r.IsError {
		t.Error("expected error for duplicate heading")
	}

	r = callTool(t, srv, "delete_section", map[string]interface{}{"heading": "Release Rules"})
	if resultText(r) != "deleted: Release Rules" {
		t.Errorf("delete result = %q", resultText(r))
	}

	r = callTool(t, srv, "delete_section", map[string]interface{}{"heading": "Release Rules"})
	if !r.IsError {
		t.Error("expected error for deleting a missing section")
	}
}

func TestHistoryTools(t *testing.T) {
	srv, _ := testServer(t)
	base := documentHash(t, srv)

	callTool(t, srv, "write_section", map[string]interface{}{
		"heading":       "Build Rules",
		"content":       "v1",
		"expected_hash": base,
	})
	callTool(t, srv, "write_section", map[string]interface{}{
		"heading": "Build Rules",
		"content": "v2",
	})

	r := callTool(t, srv, "list_history", nil)
	if !strings.Contains(resultText(r), "write:Build Rules") {
		t.Errorf("list_history = %q", resultText(r))
	}

	r = callTool(t, srv, "show_diff", map[string]interface{}{"ref_a": "1", "ref_b": "0"})
	if !strings.Contains(resultText(r), `"hash_equal": false`) {
		t.Errorf("show_diff = %q", resultText(r))
	}

	r = callTool(t, srv, "rollback", map[string]interface{}{"ref": "1"})
	if !strings.HasPrefix(resultText(r), "restored: ") {
		t.Errorf("rollback = %q", resultText(r))
	}
	r = callTool(t, srv, "read_section", map[string]interface{}{"heading": "Build Rules"})
	if !strings.Contains(resultText(r), "v1") {
		t.Errorf("post-rollback body = %q", resultText(r))
	}

	r = callTool(t, srv, "cleanup_history", map[string]interface{}{"retention_days": 30})
	if resultText(r) != "deleted 0 snapshots" {
		t.Errorf("cleanup = %q", resultText(r))
	}

	r = callTool(t, srv, "rollback", map[string]interface{}{"ref": "no-such-ref"})
	if !r.IsError {
		t.Error("expected error for unknown ref")
	}
}

func TestDocumentStatus(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "document_status", nil)
	text := resultText(r)
	if !strings.Contains(text, `"section_count": 2`) {
		t.Errorf("document_status = %q", text)
	}
}

func TestGetDocumentContract(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "get_document_contract", nil)
	text := resultText(r)
	if !strings.Contains(text, "Write protocol") || !strings.Contains(text, "expected_hash") {
		t.Errorf("contract missing expected content")
	}
}
