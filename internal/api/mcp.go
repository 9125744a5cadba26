package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/isragogreen/chorus/internal/retrieval"
	"github.com/isragogreen/chorus/internal/storage"
)

// MCPRetriever abstracts semantic search for the MCP layer.
type MCPRetriever interface {
	Query(ctx context.Context, namespace, text string, topK int) ([]retrieval.ScoredPassage, error)
	Upsert(ctx context.Context, namespace, text, metadata string) error
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Queue     Enqueuer
	Retriever MCPRetriever // optional; if nil, document tools return an error
}

// NewMCPServer creates an MCP server with all chorus tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"chorus",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("chorus — persona fleet engine: message queue, per-user model assignments, and conversation memory."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Inject an inbound user message into the processing queue."),
			mcp.WithString("user_id", mcp.Description("User the message belongs to"), mcp.Required()),
			mcp.WithString("text", mcp.Description("Message text"), mcp.Required()),
			mcp.WithString("role", mcp.Description("Optional persona role hint")),
		),
		mcpSendMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_depth",
			mcp.WithDescription("Number of pending entries in the message queue."),
		),
		mcpQueueDepth(deps),
	)

	s.AddTool(
		mcp.NewTool("assigned_model",
			mcp.WithDescription("Return the model currently assigned to a user, with its score history."),
			mcp.WithString("user_id", mcp.Description("User to look up"), mcp.Required()),
		),
		mcpAssignedModel(deps),
	)

	s.AddTool(
		mcp.NewTool("recent_messages",
			mcp.WithDescription("Return the most recent conversation messages across all users."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of messages (default 20)")),
		),
		mcpRecentMessages(deps),
	)

	s.AddTool(
		mcp.NewTool("add_document",
			mcp.WithDescription("Store reference text in the shared document namespace for retrieval."),
			mcp.WithString("content", mcp.Description("The text content to store"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Title for the document")),
		),
		mcpAddDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("search_memory",
			mcp.WithDescription("Semantically search stored documents or a user's conversation memory."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("Search this user's memory instead of shared documents")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchMemory(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"chorus://blacklist",
			"Blacklist",
			mcp.WithResourceDescription("Users currently suppressed from processing"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceBlacklist(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"chorus://recent",
			"Recent Messages",
			mcp.WithResourceDescription("Last 10 conversation messages (truncated)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpSendMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		role := req.GetString("role", "")

		id, err := deps.Queue.Enqueue(userID, role, storage.DirectionIn, text)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to enqueue: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Enqueued entry %s", id)), nil
	}
}

func mcpQueueDepth(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		depth, err := deps.Queue.Depth()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read queue depth: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("%d", depth)), nil
	}
}

func mcpAssignedModel(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		a, err := deps.Store.GetAssignment(userID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("no model assigned to user %s", userID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load assignment: %v", err)), nil
		}

		score, err := deps.Store.GetScore(userID, a.ModelID)
		out := map[string]any{
			"user_id":     a.UserID,
			"model_id":    a.ModelID,
			"assigned_at": a.AssignedAt.Format(time.RFC3339),
			"iterations":  a.IterationsSinceRefresh,
		}
		if err == nil {
			out["score"] = score.Score
			out["trial_count"] = score.TrialCount
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal assignment: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRecentMessages(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}

		records, err := deps.Store.RecentMessages(limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load messages: %v", err)), nil
		}
		if len(records) == 0 {
			return mcpText("[]"), nil
		}

		type message struct {
			UserID    string `json:"user_id"`
			Role      string `json:"role,omitempty"`
			Direction string `json:"direction"`
			Text      string `json:"text"`
			Timestamp string `json:"timestamp"`
		}
		out := make([]message, len(records))
		for i, rec := range records {
			out[i] = message{
				UserID:    rec.UserID,
				Role:      rec.Role,
				Direction: string(rec.Direction),
				Text:      rec.Text,
				Timestamp: rec.Timestamp.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal messages: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAddDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Retriever == nil {
			return mcpError("document storage not available: no embedding backend configured"), nil
		}

		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		title := req.GetString("title", "")

		metadata := "{}"
		if title != "" {
			b, err := json.Marshal(map[string]string{"title": title})
			if err != nil {
				return mcpError(fmt.Sprintf("failed to marshal metadata: %v", err)), nil
			}
			metadata = string(b)
		}

		if err := deps.Retriever.Upsert(ctx, "docs", content, metadata); err != nil {
			return mcpError(fmt.Sprintf("failed to store document: %v", err)), nil
		}
		return mcpText("Stored document"), nil
	}
}

func mcpSearchMemory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Retriever == nil {
			return mcpError("search not available: no embedding backend configured"), nil
		}

		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		namespace := "docs"
		if userID := req.GetString("user_id", ""); userID != "" {
			namespace = "user:" + userID
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		passages, err := deps.Retriever.Query(ctx, namespace, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(passages) == 0 {
			return mcpText("[]"), nil
		}

		type passageResult struct {
			ID    string  `json:"id"`
			Text  string  `json:"text"`
			Score float32 `json:"score"`
		}
		results := make([]passageResult, len(passages))
		for i, p := range passages {
			results[i] = passageResult{ID: p.ID, Text: p.Text, Score: p.Score}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceBlacklist(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		entries, err := deps.Store.ListBlacklist()
		if err != nil {
			return nil, fmt.Errorf("failed to load blacklist: %w", err)
		}

		type entry struct {
			UserID string `json:"user_id"`
			Reason string `json:"reason,omitempty"`
		}
		out := make([]entry, len(entries))
		for i, e := range entries {
			out[i] = entry{UserID: e.UserID, Reason: e.Reason}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal blacklist: %w", err)
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

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		records, err := deps.Store.RecentMessages(10)
		if err != nil {
			return nil, fmt.Errorf("failed to load messages: %w", err)
		}

		type messageSummary struct {
			UserID    string `json:"user_id"`
			Direction string `json:"direction"`
			Text      string `json:"text"`
			Timestamp string `json:"timestamp"`
		}
		summaries := make([]messageSummary, len(records))
		for i, rec := range records {
			text := rec.Text
			if utf8.RuneCountInString(text) > 200 {
				runes := []rune(text)
				text = string(runes[:200]) + "..."
			}
			summaries[i] = messageSummary{
				UserID:    rec.UserID,
				Direction: string(rec.Direction),
				Text:      text,
				Timestamp: rec.Timestamp.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal messages: %w", err)
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
