package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dkoval/docq/internal/chat"
	"github.com/dkoval/docq/internal/retrieval"
	"github.com/dkoval/docq/internal/storage"
)

// MCPSearcher performs scored semantic passage search for the MCP layer.
type MCPSearcher interface {
	RetrieveScored(ctx context.Context, question string, idx retrieval.Index, topK int) []retrieval.ScoredChunk
}

// MCPIndexProvider returns a document's vector index.
type MCPIndexProvider interface {
	Index(docID string) retrieval.Index
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Answerer QuestionAnswerer
	Searcher MCPSearcher
	Indexes  MCPIndexProvider
}

// NewMCPServer creates an MCP server exposing the document Q&A tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"docq",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("docq: ask questions about uploaded documents and search their content."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_document",
			mcp.WithDescription("Answer a question about an uploaded document."),
			mcp.WithString("doc_id", mcp.Description("Document ID"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithBoolean("context_only", mcp.Description("Answer strictly from the document's content (default true)")),
		),
		mcpAskDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("search_document",
			mcp.WithDescription("Semantically search a document and return relevant passages with scores."),
			mcp.WithString("doc_id", mcp.Description("Document ID"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of passages (default 4)")),
		),
		mcpSearchDocument(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"docq://documents",
			"Uploaded Documents",
			mcp.WithResourceDescription("Recently uploaded documents and their processing status"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceDocuments(deps),
	)

	return s
}

func mcpAskDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		docID, err := req.RequireString("doc_id")
		if err != nil {
			return mcpError("doc_id is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		contextOnly := req.GetBool("context_only", true)

		if _, err := deps.Store.GetDocument(docID); err != nil {
			return mcpError(fmt.Sprintf("document %s not found", docID)), nil
		}

		answer := deps.Answerer.Answer(ctx, chat.Request{
			UserID:      "mcp",
			DocID:       docID,
			Question:    question,
			ContextOnly: contextOnly,
		})
		return mcpText(answer), nil
	}
}

func mcpSearchDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		docID, err := req.RequireString("doc_id")
		if err != nil {
			return mcpError("doc_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 4)
		if limit <= 0 {
			limit = 4
		}
		if limit > 20 {
			limit = 20
		}

		if _, err := deps.Store.GetDocument(docID); err != nil {
			return mcpError(fmt.Sprintf("document %s not found", docID)), nil
		}

		chunks := deps.Searcher.RetrieveScored(ctx, query, deps.Indexes.Index(docID), limit)
		if len(chunks) == 0 {
			return mcpText("[]"), nil
		}

		type passageResult struct {
			Text  string  `json:"text"`
			Score float32 `json:"score"`
		}
		results := make([]passageResult, len(chunks))
		for i, c := range chunks {
			results[i] = passageResult{Text: c.Text, Score: c.Score}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceDocuments(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		docs, err := deps.Store.ListDocuments("mcp", 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list documents: %w", err)
		}

		type docSummary struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			Status    string `json:"status"`
			CreatedAt string `json:"created_at"`
		}
		summaries := make([]docSummary, len(docs))
		for i, d := range docs {
			summaries[i] = docSummary{
				ID:        d.ID,
				Name:      d.Name,
				Status:    d.Status,
				CreatedAt: d.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
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
