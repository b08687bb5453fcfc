package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/taskmind/internal/engine"
	"github.com/kalambet/taskmind/internal/ingest"
	"github.com/kalambet/taskmind/internal/memory"
	"github.com/kalambet/taskmind/internal/planner"
	"github.com/kalambet/taskmind/internal/retrieval"
	"github.com/kalambet/taskmind/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Executor  *planner.Executor
	Documents DocumentStore
	Memory    Memories
	Search    Searcher      // optional; recall then searches memory only
	Engine    engine.Engine // optional; if nil, summarize_session returns an error
	Model     string
	Now       func() time.Time
}

func (d MCPDeps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// NewMCPServer creates an MCP server with all taskmind tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"taskmind",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("taskmind plans multi-step tasks, keeps a local knowledge base and remembers what it learned."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("plan_task",
			mcp.WithDescription("Answer a request, breaking it into a tracked multi-step plan when it needs one."),
			mcp.WithString("message", mcp.Description("The request to handle"), mcp.Required()),
		),
		mcpPlanTask(deps),
	)

	s.AddTool(
		mcp.NewTool("recall",
			mcp.WithDescription("Search the knowledge base and memory for context relevant to a query."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpRecall(deps),
	)

	s.AddTool(
		mcp.NewTool("remember",
			mcp.WithDescription("Store a memory for later tasks."),
			mcp.WithString("content", mcp.Description("What to remember"), mcp.Required()),
			mcp.WithString("type", mcp.Description("task_summary, user_preference, tool_cache, context_snapshot or learned_fact (default learned_fact)")),
			mcp.WithString("importance", mcp.Description("critical, useful or ambient (default useful)")),
			mcp.WithString("key", mcp.Description("Preference key for user_preference memories")),
		),
		mcpRemember(deps),
	)

	s.AddTool(
		mcp.NewTool("add_document",
			mcp.WithDescription("Add a document to the knowledge base. It is indexed in the background."),
			mcp.WithString("title", mcp.Description("Document title")),
			mcp.WithString("content", mcp.Description("The text content to store"), mcp.Required()),
			mcp.WithArray("tags", mcp.Description("Optional tags for categorization")),
		),
		mcpAddDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("summarize_session",
			mcp.WithDescription("Summarize a conversation session and remember the summary."),
			mcp.WithString("messages", mcp.Description("JSON array of {role, content} message objects"), mcp.Required()),
		),
		mcpSummarizeSession(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"memory://recent",
			"Recent Memories",
			mcp.WithResourceDescription("Last 10 stored memories"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpPlanTask(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil || strings.TrimSpace(message) == "" {
			return mcpError("message is required"), nil
		}

		out, err := deps.Executor.Handle(ctx, message)
		if err != nil && !out.Planned {
			return mcpError(fmt.Sprintf("failed to answer: %v", err)), nil
		}
		if !out.Planned {
			return mcpText(out.Answer), nil
		}

		var b strings.Builder
		if out.Answer != "" {
			b.WriteString(out.Answer)
			b.WriteString("\n\n---\n\n")
		}
		b.WriteString(planner.RenderTaskPlan(*out.Plan, deps.now()))
		return mcpText(b.String()), nil
	}
}

func mcpRecall(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		type recallResult struct {
			Kind       string  `json:"kind"` // chunk or memory
			ID         string  `json:"id"`
			DocumentID string  `json:"document_id,omitempty"`
			Type       string  `json:"type,omitempty"`
			Text       string  `json:"text"`
			Score      float64 `json:"score"`
		}
		var results []recallResult

		if deps.Search != nil {
			chunks, err := deps.Search.HybridSearch(ctx, query, limit)
			if err != nil {
				return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
			}
			for _, c := range chunks {
				results = append(results, recallResult{
					Kind:       "chunk",
					ID:         c.ID,
					DocumentID: c.DocumentID,
					Text:       c.Text,
					Score:      c.Score,
				})
			}
		}
		if deps.Memory != nil {
			for _, m := range deps.Memory.Retrieve(ctx, query, memory.ListOptions{Limit: limit}) {
				results = append(results, recallResult{
					Kind:  "memory",
					ID:    m.ID,
					Type:  string(m.Type),
					Text:  m.Content,
					Score: m.Score,
				})
			}
		}

		if len(results) == 0 {
			return mcpText("[]"), nil
		}
		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRemember(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		sr := memory.StoreRequest{
			Type:       memory.Type(req.GetString("type", string(memory.LearnedFact))),
			Importance: memory.Importance(req.GetString("importance", string(memory.Useful))),
			Content:    content,
		}
		switch sr.Type {
		case memory.LearnedFact:
			sr.Metadata = memory.LearnedFactMeta{Source: "mcp", Confidence: 1}
		case memory.UserPreference:
			if key := req.GetString("key", ""); key != "" {
				sr.Metadata = memory.UserPreferenceMeta{Key: key, Value: content}
			}
		}

		e, err := deps.Memory.Store(ctx, sr)
		if err != nil && e.ID == "" {
			return mcpError(fmt.Sprintf("failed to remember: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Remembered %s (%s, %s)", e.ID, e.Type, e.Importance)), nil
	}
}

func mcpAddDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		tagsJSON := "[]"
		if tags := req.GetStringSlice("tags", nil); len(tags) > 0 {
			b, err := json.Marshal(tags)
			if err != nil {
				return mcpError(fmt.Sprintf("failed to marshal tags: %v", err)), nil
			}
			tagsJSON = string(b)
		}

		id, err := saveAndQueue(deps.Documents, storage.Document{
			ID:        storage.NewID("doc"),
			Title:     req.GetString("title", ""),
			Source:    "mcp",
			MediaType: ingest.MediaText,
			Content:   []byte(content),
			Tags:      tagsJSON,
			Status:    "pending",
			CreatedAt: deps.now().UTC(),
		})
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(fmt.Sprintf("Stored document %s", id)), nil
	}
}

func saveAndQueue(docs DocumentStore, doc storage.Document) (string, error) {
	if err := docs.SaveDocument(doc); err != nil {
		return "", fmt.Errorf("failed to save: %w", err)
	}
	if err := docs.EnqueueJob(ingest.NewJob(doc.ID)); err != nil {
		return "", fmt.Errorf("saved document but failed to queue indexing: %w", err)
	}
	return doc.ID, nil
}

const summarizePrompt = "Summarize the following conversation concisely, focusing on key topics discussed, decisions made, and any user preferences expressed. Output a single paragraph summary."

func mcpSummarizeSession(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Engine == nil {
			return mcpError("summarization not available: no local model configured"), nil
		}

		messagesJSON, err := req.RequireString("messages")
		if err != nil {
			return mcpError("messages is required"), nil
		}

		var messages []engine.Message
		if err := json.Unmarshal([]byte(messagesJSON), &messages); err != nil {
			return mcpError(fmt.Sprintf("invalid messages JSON: %v", err)), nil
		}

		var conversation strings.Builder
		for _, m := range messages {
			fmt.Fprintf(&conversation, "[%s]: %s\n", m.Role, m.Content)
		}
		prompt := []engine.Message{
			engine.SystemMessage(summarizePrompt),
			engine.UserMessage(conversation.String()),
		}

		summary, err := deps.Engine.Chat(ctx, deps.Model, prompt, nil)
		if err != nil {
			return mcpError(fmt.Sprintf("summarization failed: %v", err)), nil
		}

		e, err := deps.Memory.Store(ctx, memory.StoreRequest{
			Type:       memory.ContextSnapshot,
			Importance: memory.Useful,
			Content:    summary,
		})
		if err != nil && e.ID == "" {
			return mcpError(fmt.Sprintf("summary generated but failed to save: %v", err)), nil
		}
		return mcpText(summary), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		entries := deps.Memory.List(memory.ListOptions{Limit: 10})

		type memorySummary struct {
			ID         string `json:"id"`
			Type       string `json:"type"`
			Importance string `json:"importance"`
			CreatedAt  string `json:"created_at"`
			Content    string `json:"content"`
		}

		summaries := make([]memorySummary, len(entries))
		for i, e := range entries {
			content := e.Content
			if utf8.RuneCountInString(content) > 200 {
				runes := []rune(content)
				content = string(runes[:200]) + "..."
			}
			summaries[i] = memorySummary{
				ID:         e.ID,
				Type:       string(e.Type),
				Importance: string(e.Importance),
				CreatedAt:  e.CreatedAt.Format(time.RFC3339),
				Content:    content,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal memories: %w", err)
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

var _ Searcher = (*retrieval.Searcher)(nil)
