package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/siacta/internal/chat"
	"github.com/kalambet/siacta/internal/retrieval"
	"github.com/kalambet/siacta/internal/storage"
)

// --- helpers ---

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func callOK(t *testing.T, result *mcp.CallToolResult, err error) string {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	return toolText(t, result)
}

// --- tests ---

func TestNewMCPServer_RegistersTools(t *testing.T) {
	a := newTestApp(t, "")
	if s := NewMCPServer(a.deps, "test"); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_ListDocuments(t *testing.T) {
	a := newTestApp(t, "")
	a.upload(t, "one.txt", notes)
	a.upload(t, "two.txt", notes)

	res, err := mcpListDocuments(a.deps)(context.Background(), makeCallToolRequest("list_documents", map[string]interface{}{
		"limit": 1,
	}))
	text := callOK(t, res, err)
	var docs []DocumentView
	if err := json.Unmarshal([]byte(text), &docs); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("got %d documents, want 1", len(docs))
	}
}

func TestMCPTool_DocumentStatus(t *testing.T) {
	a := newTestApp(t, "")
	doc := a.upload(t, "biology.txt", notes)
	handler := mcpDocumentStatus(a.deps)

	res, err := handler(context.Background(), makeCallToolRequest("document_status", map[string]interface{}{
		"document_id": doc.ID,
	}))
	text := callOK(t, res, err)
	var got DocumentView
	json.Unmarshal([]byte(text), &got)
	if got.Status != "COMPLETED" {
		t.Errorf("status = %s, want COMPLETED", got.Status)
	}

	result, err := handler(context.Background(), makeCallToolRequest("document_status", map[string]interface{}{
		"document_id": "missing",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("missing document: %+v", result)
	}

	result, _ = handler(context.Background(), makeCallToolRequest("document_status", nil))
	if !result.IsError {
		t.Error("expected error without document_id")
	}
}

func TestMCPTool_AskDocument(t *testing.T) {
	a := newTestApp(t, "")
	doc := a.upload(t, "biology.txt", notes)

	res, err := mcpAskDocument(a.deps)(context.Background(), makeCallToolRequest("ask_document", map[string]interface{}{
		"document_id": doc.ID,
		"question":    "What is the Calvin cycle?",
	}))
	text := callOK(t, res, err)
	var resp ChatResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if resp.Answer == "" || resp.Sources == nil {
		t.Errorf("resp = %+v", resp)
	}

	msgs, _ := a.store.ListMessages(context.Background(), doc.ID, 0)
	if len(msgs) != 2 {
		t.Errorf("got %d messages, want 2", len(msgs))
	}
}

func TestMCPTool_AskDocument_EmbeddingFailure(t *testing.T) {
	a := newTestApp(t, "")
	a.deps.Chat = &stubChatter{
		reply: chat.Reply{Answer: chat.EmbeddingFailureAnswer},
		err:   fmt.Errorf("embedding question: %w", retrieval.ErrEmbedding),
	}

	result, err := mcpAskDocument(a.deps)(context.Background(), makeCallToolRequest("ask_document", map[string]interface{}{
		"document_id": "d",
		"question":    "q",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || toolText(t, result) != chat.EmbeddingFailureAnswer {
		t.Errorf("result = %+v", result)
	}
}

func TestMCPTool_IngestDocument(t *testing.T) {
	a := newTestApp(t, "")
	doc := a.upload(t, "biology.txt", notes)
	handler := mcpIngestDocument(a.deps)

	cases := []struct {
		mode    string
		wantErr bool
	}{
		{"begin", true},
		{"retry", true},
		{"reingest", false},
		{"explode", true},
	}
	for _, c := range cases {
		t.Run(c.mode, func(t *testing.T) {
			result, err := handler(context.Background(), makeCallToolRequest("ingest_document", map[string]interface{}{
				"document_id": doc.ID,
				"mode":        c.mode,
			}))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.IsError != c.wantErr {
				t.Errorf("IsError = %v, want %v: %s", result.IsError, c.wantErr, toolText(t, result))
			}
			a.pipeline.Wait()
		})
	}

	got, _ := a.store.GetDocument(context.Background(), doc.ID)
	if got.Status != storage.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", got.Status)
	}
}

func TestMCPTool_ChatHistory(t *testing.T) {
	a := newTestApp(t, "")
	doc := a.upload(t, "biology.txt", notes)
	ctx := context.Background()
	for i := range 3 {
		if _, err := a.deps.Chat.Chat(ctx, doc.ID, fmt.Sprintf("q%d", i)); err != nil {
			t.Fatalf("Chat: %v", err)
		}
	}

	res, err := mcpChatHistory(a.deps)(ctx, makeCallToolRequest("chat_history", map[string]interface{}{
		"document_id": doc.ID,
		"limit":       4,
	}))
	text := callOK(t, res, err)
	var msgs []MessageView
	json.Unmarshal([]byte(text), &msgs)
	if len(msgs) != 4 || msgs[0].Content != "q1" {
		t.Errorf("msgs = %+v", msgs)
	}
}

func TestMCPResource_Documents(t *testing.T) {
	a := newTestApp(t, "")
	a.upload(t, "biology.txt", notes)

	contents, err := mcpResourceDocuments(a.deps)(context.Background(), makeReadResourceRequest(documentsResourceURI))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var docs []DocumentView
	if err := json.Unmarshal([]byte(tc.Text), &docs); err != nil {
		t.Fatalf("parsing resource: %v", err)
	}
	if len(docs) != 1 || docs[0].Title != "biology" {
		t.Errorf("docs = %+v", docs)
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	a := newTestApp(t, "")
	doc := a.upload(t, "biology.txt", notes)

	ask := mcpAskDocument(a.deps)
	status := mcpDocumentStatus(a.deps)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			req := makeCallToolRequest("ask_document", map[string]interface{}{
				"document_id": doc.ID,
				"question":    fmt.Sprintf("question %d", i),
			})
			if _, err := ask(context.Background(), req); err != nil {
				errs <- err
			}
		}(i)
		go func() {
			defer wg.Done()
			req := makeCallToolRequest("document_status", map[string]interface{}{"document_id": doc.ID})
			if _, err := status(context.Background(), req); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}

	msgs, _ := a.store.ListMessages(context.Background(), doc.ID, 0)
	if len(msgs) != 10 {
		t.Errorf("got %d messages, want 10", len(msgs))
	}
}
