package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/taskmind/internal/history"
	"github.com/kalambet/taskmind/internal/memory"
	"github.com/kalambet/taskmind/internal/storage"
)

type MemoryRequest struct {
	Type       memory.Type       `json:"type"`
	Importance memory.Importance `json:"importance"`
	Content    string            `json:"content"`
	Metadata   json.RawMessage   `json:"metadata,omitempty"`
	// TTL is a Go duration string such as "72h".
	TTL string `json:"ttl,omitempty"`
}

// handleListMemories lists memories. ?type= may repeat or hold a comma
// separated list.
func handleListMemories(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		opts := memory.ListOptions{
			MinImportance: memory.Importance(q.Get("min_importance")),
			Limit:         parseIntParam(r, "limit", 50, 500),
		}
		if opts.MinImportance != "" && !opts.MinImportance.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid min_importance %q", opts.MinImportance)
			return
		}
		for _, v := range q["type"] {
			for _, t := range strings.Split(v, ",") {
				t = strings.TrimSpace(t)
				if t == "" {
					continue
				}
				if !memory.Type(t).Valid() {
					httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid type %q", t)
					return
				}
				opts.Types = append(opts.Types, memory.Type(t))
			}
		}

		entries := deps.Memory.List(opts)
		if entries == nil {
			entries = []memory.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func handleCreateMemory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req MemoryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Importance == "" {
			req.Importance = memory.Useful
		}

		sr := memory.StoreRequest{
			Type:       req.Type,
			Importance: req.Importance,
			Content:    req.Content,
		}
		if req.TTL != "" {
			ttl, err := time.ParseDuration(req.TTL)
			if err != nil || ttl < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid ttl %q", req.TTL)
				return
			}
			sr.TTL = ttl
		}
		meta, err := memory.DecodeMetadata(req.Type, req.Metadata)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid metadata: %v", err)
			return
		}
		sr.Metadata = meta

		e, err := deps.Memory.Store(r.Context(), sr)
		if err != nil && e.ID != "" {
			deps.logger().Warn("pruning memories after store", "id", e.ID, "error", err)
			err = nil
		}
		if err != nil {
			if isMemoryValidation(err) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store memory: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, e)
	}
}

func isMemoryValidation(err error) bool {
	return errors.Is(err, memory.ErrInvalidType) ||
		errors.Is(err, memory.ErrInvalidImportance) ||
		errors.Is(err, memory.ErrEmptyContent) ||
		errors.Is(err, memory.ErrMetadataMismatch)
}

func handleDeleteMemory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Memory.Delete(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "memory not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete memory: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleListConversations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.History == nil {
			writeJSON(w, http.StatusOK, []any{})
			return
		}
		convs := deps.History.List()
		if limit := parseIntParam(r, "limit", 0, 0); limit > 0 && len(convs) > limit {
			convs = convs[:limit]
		}
		writeJSON(w, http.StatusOK, convs)
	}
}

func handleListMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.History == nil {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		msgs, err := deps.History.Messages(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list messages: %v", err)
			return
		}
		if msgs == nil {
			msgs = []history.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}
