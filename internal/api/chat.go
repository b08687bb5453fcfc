package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/taskmind/internal/composer"
	"github.com/kalambet/taskmind/internal/export"
	"github.com/kalambet/taskmind/internal/history"
	"github.com/kalambet/taskmind/internal/planner"
	"github.com/kalambet/taskmind/internal/storage"
)

type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type ChatResponse struct {
	ConversationID string             `json:"conversation_id,omitempty"`
	Planned        bool               `json:"planned"`
	Answer         string             `json:"answer"`
	Plan           *planner.Plan      `json:"plan,omitempty"`
	Assessment     planner.Assessment `json:"assessment"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		req.Message = strings.TrimSpace(req.Message)
		if req.Message == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}

		ctx := r.Context()
		convID := req.ConversationID
		var turns []composer.Turn
		if deps.History != nil {
			if convID == "" {
				c, err := deps.History.CreateConversation(ctx, "")
				if err != nil {
					httpError(w, http.StatusInternalServerError, "api_error", "failed to create conversation: %v", err)
					return
				}
				convID = c.ID
			} else if _, err := deps.History.Get(convID); errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "conversation not found")
				return
			} else if msgs, err := deps.History.Messages(convID); err == nil {
				turns = conversationTurns(msgs)
			}
			if _, err := deps.History.AppendMessage(ctx, convID, "user", req.Message); err != nil {
				deps.logger().Warn("recording user message", "conversation_id", convID, "error", err)
			}
		}

		out, err := deps.Executor.Handle(ctx, req.Message, turns...)
		if err != nil && !out.Planned {
			httpError(w, http.StatusBadGateway, "engine_error", "failed to answer: %v", err)
			return
		}
		if err != nil {
			deps.logger().Warn("plan ended early", "error", err)
		}

		if deps.History != nil && out.Answer != "" {
			if _, err := deps.History.AppendMessage(ctx, convID, "assistant", out.Answer); err != nil {
				deps.logger().Warn("recording assistant message", "conversation_id", convID, "error", err)
			}
		}

		writeJSON(w, http.StatusOK, ChatResponse{
			ConversationID: convID,
			Planned:        out.Planned,
			Answer:         out.Answer,
			Plan:           out.Plan,
			Assessment:     out.Assessment,
		})
	}
}

func conversationTurns(msgs []history.Message) []composer.Turn {
	turns := make([]composer.Turn, len(msgs))
	for i, m := range msgs {
		turns[i] = composer.Turn{Role: m.Role, Content: m.Content}
	}
	return turns
}

// planSummary is the list view of a plan.
type planSummary struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Status   planner.Status `json:"status"`
	Steps    int            `json:"steps"`
	Progress float64        `json:"progress"`
}

func handleListPlans(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plans := deps.Executor.Plans().List()
		out := make([]planSummary, len(plans))
		for i, p := range plans {
			out[i] = planSummary{
				ID:       p.ID,
				Title:    p.Title,
				Status:   p.Status,
				Steps:    len(p.Steps),
				Progress: planner.GetProgress(p),
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetPlan(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := deps.Executor.Plans().Get(chi.URLParam(r, "id"))
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "plan not found")
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// handleExportPlan renders the plan deliverable, or the task plan when
// nothing has been delivered yet, as a downloadable document.
func handleExportPlan(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := deps.Executor.Plans().Get(chi.URLParam(r, "id"))
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "plan not found")
			return
		}
		format, err := export.ParseFormat(r.URL.Query().Get("format"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		content := p.Context.Deliverable
		if strings.TrimSpace(content) == "" {
			content = planner.RenderTaskPlan(p, deps.now())
		}
		doc, err := export.Render(p.Title, content, format)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to render: %v", err)
			return
		}

		w.Header().Set("Content-Type", format.ContentType())
		w.Header().Set("Content-Disposition", `attachment; filename="`+p.ID+format.Extension()+`"`)
		w.Write(doc)
	}
}

func handleRetryStep(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Executor.RetryStep(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "stepID"))
		switch {
		case errors.Is(err, planner.ErrPlanNotFound):
			httpError(w, http.StatusNotFound, "not_found", "plan not found")
		case errors.Is(err, planner.ErrStepNotFound):
			httpError(w, http.StatusNotFound, "not_found", "step not found")
		case errors.Is(err, planner.ErrCannotRetry):
			httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "retry failed: %v", err)
		default:
			writeJSON(w, http.StatusOK, p)
		}
	}
}
