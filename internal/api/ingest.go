package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/taskmind/internal/ingest"
	"github.com/kalambet/taskmind/internal/memory"
	"github.com/kalambet/taskmind/internal/retrieval"
	"github.com/kalambet/taskmind/internal/storage"
)

const maxIngestBodySize = 10 << 20 // 10MB
const maxURLFetchSize = 5 << 20    // 5MB

type IngestRequest struct {
	Source    string   `json:"source"`
	Type      string   `json:"type"` // text, url, file
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	URL       string   `json:"url"`
	Filename  string   `json:"filename"`
	MediaType string   `json:"media_type"`
	Tags      []string `json:"tags"`
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.Content == "" && req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of content or url is required")
			return
		}
		if req.Type == "" {
			req.Type = "text"
			if req.Content == "" {
				req.Type = "url"
			}
		}
		if req.Source == "" {
			req.Source = "api"
		}

		var body []byte
		mediaType := req.MediaType
		switch {
		case req.Type == "url" && req.URL != "":
			data, contentType, err := fetchURL(r.Context(), deps.HTTPClient, req.URL)
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "%v", err)
				return
			}
			body = data
			if mediaType == "" {
				mediaType = contentType
			}
			if req.Title == "" && strings.Contains(mediaType, "html") {
				req.Title = ingest.HTMLTitle(bytes.NewReader(data))
			}
			if req.Title == "" {
				req.Title = req.URL
			}
			if req.Source == "api" {
				req.Source = req.URL
			}

		case req.Type == "file" && req.Content != "":
			decoded, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			body = decoded
			if req.Title == "" {
				req.Title = req.Filename
			}

		case req.Type == "text" && req.Content != "":
			body = []byte(req.Content)
			if mediaType == "" {
				mediaType = ingest.MediaText
			}

		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "type %q needs %s", req.Type, neededField(req.Type))
			return
		}
		if mediaType == "" {
			mediaType = ingest.DetectMedia(req.Filename, body)
		}

		tagsJSON := "[]"
		if req.Tags != nil {
			b, err := json.Marshal(req.Tags)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to marshal tags: %v", err)
				return
			}
			tagsJSON = string(b)
		}

		doc := storage.Document{
			ID:        storage.NewID("doc"),
			Title:     req.Title,
			Source:    req.Source,
			MediaType: mediaType,
			Content:   body,
			Tags:      tagsJSON,
			Status:    "pending",
			CreatedAt: deps.now().UTC(),
		}
		if _, err := saveAndQueue(deps.Documents, doc); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     doc.ID,
			"status": "queued",
		})
	}
}

func neededField(t string) string {
	switch t {
	case "url":
		return "url"
	case "file", "text":
		return "content"
	}
	return "one of text, url or file"
}

func fetchURL(ctx context.Context, client *http.Client, rawURL string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", errors.New("invalid url: " + err.Error())
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", errors.New("failed to fetch url: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", errors.New("url returned status " + resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxURLFetchSize))
	if err != nil {
		return nil, "", errors.New("failed to read url response: " + err.Error())
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		docs, err := deps.Documents.ListDocuments(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}
		if docs == nil {
			docs = []storage.Document{}
		}
		writeJSON(w, http.StatusOK, docs)
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Documents.DeleteDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}

		removed := 0
		if deps.Chunks != nil {
			n, err := deps.Chunks.Remove(r.Context(), id)
			if err != nil {
				deps.logger().Warn("removing document chunks", "document_id", id, "error", err)
			}
			removed = n
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "chunks_removed": removed})
	}
}

type recallResponse struct {
	Query     string                     `json:"query"`
	Documents []retrieval.DocumentResult `json:"documents"`
	Memories  []scoredMemory             `json:"memories"`
}

// scoredMemory keeps the score visible next to the entry, which has its own
// JSON encoding.
type scoredMemory struct {
	Memory memory.Entry `json:"memory"`
	Score  float64      `json:"score"`
}

// handleRecall searches the knowledge base and memory for ?q=.
func handleRecall(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := strings.TrimSpace(r.URL.Query().Get("q"))
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		limit := parseIntParam(r, "limit", 5, 50)
		if limit == 0 {
			limit = 5
		}

		resp := recallResponse{Query: query, Documents: []retrieval.DocumentResult{}, Memories: []scoredMemory{}}
		if deps.Search != nil {
			results, err := deps.Search.HybridSearch(r.Context(), query, limit*2)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
				return
			}
			docs := retrieval.AggregateByDocument(results, 2)
			if len(docs) > limit {
				docs = docs[:limit]
			}
			resp.Documents = append(resp.Documents, docs...)
		}
		if deps.Memory != nil {
			for _, s := range deps.Memory.Retrieve(r.Context(), query, memory.ListOptions{Limit: limit}) {
				resp.Memories = append(resp.Memories, scoredMemory{Memory: s.Entry, Score: s.Score})
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
