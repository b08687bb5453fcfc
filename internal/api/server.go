// Package api exposes the planner, knowledge base and memory over HTTP and
// MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/taskmind/internal/eventbus"
	"github.com/kalambet/taskmind/internal/history"
	"github.com/kalambet/taskmind/internal/memory"
	"github.com/kalambet/taskmind/internal/metrics"
	"github.com/kalambet/taskmind/internal/planner"
	"github.com/kalambet/taskmind/internal/resilience"
	"github.com/kalambet/taskmind/internal/retrieval"
	"github.com/kalambet/taskmind/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// DocumentStore is the document and job part of storage.Store.
type DocumentStore interface {
	SaveDocument(doc storage.Document) error
	GetDocument(id string) (storage.Document, error)
	ListDocuments(limit, offset int) ([]storage.Document, error)
	DeleteDocument(id string) error
	EnqueueJob(job storage.Job) error
}

// ChunkRemover drops the indexed chunks of a document.
type ChunkRemover interface {
	Remove(ctx context.Context, documentID string) (int, error)
}

// Searcher runs hybrid knowledge-base queries.
type Searcher interface {
	HybridSearch(ctx context.Context, query string, topK int) ([]retrieval.ScoredEntry, error)
}

// Memories is the part of memory.Manager the API uses.
type Memories interface {
	Retrieve(ctx context.Context, query string, opts memory.ListOptions) []memory.Scored
	Store(ctx context.Context, req memory.StoreRequest) (memory.Entry, error)
	List(opts memory.ListOptions) []memory.Entry
	Delete(ctx context.Context, id string) error
}

// Conversations is the part of history.Store the API uses.
type Conversations interface {
	CreateConversation(ctx context.Context, title string) (history.Conversation, error)
	AppendMessage(ctx context.Context, conversationID, role, content string) (history.Message, error)
	Get(id string) (history.Conversation, error)
	List() []history.Conversation
	Messages(conversationID string) ([]history.Message, error)
}

// Deps holds everything the HTTP handlers need. Search, Chunks, History,
// Bus, Metrics and Features are optional.
type Deps struct {
	Token      string
	Executor   *planner.Executor
	Documents  DocumentStore
	Chunks     ChunkRemover
	Search     Searcher
	Memory     Memories
	History    Conversations
	Bus        *eventbus.Bus
	Metrics    *metrics.Metrics
	Features   *resilience.Features
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// NewHandler builds the router. /health and /metrics are public; every
// other route requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	r := chi.NewRouter()
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}

	r.Get("/health", handleHealth(deps))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/chat", handleChat(deps))

		r.Get("/plans", handleListPlans(deps))
		r.Get("/plans/{id}", handleGetPlan(deps))
		r.Get("/plans/{id}/export", handleExportPlan(deps))
		r.Post("/plans/{id}/steps/{stepID}/retry", handleRetryStep(deps))

		r.Post("/ingest", handleIngest(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))
		r.Get("/recall", handleRecall(deps))

		r.Get("/memories", handleListMemories(deps))
		r.Post("/memories", handleCreateMemory(deps))
		r.Delete("/memories/{id}", handleDeleteMemory(deps))

		r.Get("/conversations", handleListConversations(deps))
		r.Get("/conversations/{id}/messages", handleListMessages(deps))

		r.Get("/events", handleEvents(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"status": "ok"}
		if deps.Features != nil {
			var degraded []string
			for _, f := range deps.Features.Snapshot() {
				if !f.Enabled {
					degraded = append(degraded, f.Name)
				}
			}
			if len(degraded) > 0 {
				resp["status"] = "degraded"
				resp["disabled_features"] = degraded
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
