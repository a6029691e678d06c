// Package handler provides the HTTP handlers of the producer API.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/defexai/defex-reviewer/internal/core"
	"github.com/defexai/defex-reviewer/internal/metrics"
)

// Response is the body of an accepted review request.
type Response struct {
	Status string `json:"status"`
	TaskID string `json:"task_id"`
}

// ErrorResponse is the body of a rejected request.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// ReviewHandler validates review requests and enqueues them.
type ReviewHandler struct {
	publisher core.Publisher
	queue     string
	maxBody   int64
	logger    *slog.Logger
}

// NewReviewHandler creates a ReviewHandler publishing to queue. maxBody caps
// the request body size; zero or less disables the cap.
func NewReviewHandler(publisher core.Publisher, queue string, maxBody int64, logger *slog.Logger) *ReviewHandler {
	return &ReviewHandler{publisher: publisher, queue: queue, maxBody: maxBody, logger: logger}
}

// Handle serves POST /code/review. The request is answered as soon as the
// task is durably enqueued; the review itself runs asynchronously.
func (h *ReviewHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	var task core.ReviewTask
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.reject(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	if err := task.Validate(); err != nil {
		var ve *core.ValidationError
		if errors.As(err, &ve) {
			h.reject(w, http.StatusBadRequest, ve.Reason)
			return
		}
		h.reject(w, http.StatusBadRequest, err.Error())
		return
	}

	task.TaskID = uuid.NewString()
	payload, err := json.Marshal(task)
	if err != nil {
		h.logger.Error("failed to encode review task", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Detail: "failed to encode task"})
		return
	}

	if err := h.publisher.Publish(r.Context(), h.queue, payload); err != nil {
		metrics.ReviewRequests.WithLabelValues("unavailable").Inc()
		h.logger.Error("failed to enqueue review task", "task_id", task.TaskID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Detail: "review queue unavailable"})
		return
	}

	metrics.ReviewRequests.WithLabelValues("queued").Inc()
	h.logger.Info("review task queued",
		"task_id", task.TaskID,
		"repo", task.Repo,
		"pr", task.PRNumber,
		"inline_diff", task.HasInlineDiff(),
		"has_token", task.GitHubToken != "",
	)
	writeJSON(w, http.StatusAccepted, Response{Status: "queued", TaskID: task.TaskID})
}

func (h *ReviewHandler) reject(w http.ResponseWriter, status int, detail string) {
	metrics.ReviewRequests.WithLabelValues("invalid").Inc()
	h.logger.Warn("rejected review request", "status", status, "detail", detail)
	writeJSON(w, status, ErrorResponse{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
