package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/siacta/internal/ingest"
	"github.com/kalambet/siacta/internal/retrieval"
	"github.com/kalambet/siacta/internal/storage"
)

const documentsResourceURI = "siacta://documents"

// NewMCPServer creates an MCP server exposing documents, ingestion and chat
// as tools.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"siacta",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("siacta: ask questions about uploaded documents. Answers are grounded in the document and cite page numbers."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List uploaded documents with their ingestion status, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of documents (default 20)")),
		),
		mcpListDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("document_status",
			mcp.WithDescription("Get a document's ingestion status, page count and summary."),
			mcp.WithString("document_id", mcp.Description("Document id"), mcp.Required()),
		),
		mcpDocumentStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_document",
			mcp.WithDescription("Ask a question about one document. The answer is grounded in its most relevant passages and lists the cited pages."),
			mcp.WithString("document_id", mcp.Description("Document id"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question to ask"), mcp.Required()),
		),
		mcpAskDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("ingest_document",
			mcp.WithDescription("Start ingestion of an uploaded document, retry a failed one, or re-ingest a completed one."),
			mcp.WithString("document_id", mcp.Description("Document id"), mcp.Required()),
			mcp.WithString("mode", mcp.Description("begin (default), retry or reingest"), mcp.Enum("begin", "retry", "reingest")),
		),
		mcpIngestDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("chat_history",
			mcp.WithDescription("Return the most recent chat messages of a document, oldest first."),
			mcp.WithString("document_id", mcp.Description("Document id"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of messages (default 50)")),
		),
		mcpChatHistory(deps),
	)

	s.AddResource(
		mcp.NewResource(
			documentsResourceURI,
			"Documents",
			mcp.WithResourceDescription("The 50 most recent documents as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceDocuments(deps),
	)

	return s
}

func mcpListDocuments(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 || limit > 100 {
			limit = 20
		}
		docs, err := deps.Store.ListDocuments(ctx, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing documents failed: %v", err)), nil
		}
		views := make([]DocumentView, len(docs))
		for i, d := range docs {
			views[i] = documentView(d)
		}
		return mcpJSON(views), nil
	}
}

func mcpDocumentStatus(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}
		doc, err := deps.Store.GetDocument(ctx, id)
		if err != nil {
			return mcpFailure(err), nil
		}
		return mcpJSON(documentView(doc)), nil
	}
}

func mcpAskDocument(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil || question == "" {
			return mcpError("question is required"), nil
		}

		reply, err := deps.Chat.Chat(ctx, id, question)
		if err != nil {
			if errors.Is(err, retrieval.ErrEmbedding) && reply.Answer != "" {
				return mcpError(reply.Answer), nil
			}
			return mcpFailure(err), nil
		}
		return mcpJSON(ChatResponse{Answer: reply.Answer, Sources: reply.Sources}), nil
	}
}

func mcpIngestDocument(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}

		var start func(context.Context, string) error
		switch mode := req.GetString("mode", "begin"); mode {
		case "", "begin":
			start = deps.Ingester.BeginIngestion
		case "retry":
			start = deps.Ingester.Retry
		case "reingest":
			start = deps.Ingester.Reingest
		default:
			return mcpError(fmt.Sprintf("unknown mode %q (want begin, retry or reingest)", mode)), nil
		}

		if err := start(ctx, id); err != nil {
			return mcpFailure(err), nil
		}
		return mcpText(fmt.Sprintf("Ingestion of %s started", id)), nil
	}
}

func mcpChatHistory(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}
		msgs, err := deps.Chat.History(ctx, id, req.GetInt("limit", 50))
		if err != nil {
			return mcpFailure(err), nil
		}
		return mcpJSON(messageViews(msgs)), nil
	}
}

func mcpResourceDocuments(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		docs, err := deps.Store.ListDocuments(ctx, 50)
		if err != nil {
			return nil, fmt.Errorf("failed to list documents: %w", err)
		}
		views := make([]DocumentView, len(docs))
		for i, d := range docs {
			views[i] = documentView(d)
		}
		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal documents: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// mcpFailure renders an error as a tool error with a short classification.
func mcpFailure(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return mcpError(fmt.Sprintf("document not found: %v", err))
	case errors.Is(err, ingest.ErrAlreadyClaimed):
		return mcpError(fmt.Sprintf("conflict: %v", err))
	default:
		return mcpError(err.Error())
	}
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
