// Package handler contains the HTTP handlers for the job API: submitting a
// generation job, reading its status, and rolling back to the previous
// output.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/reelsmith/reelsmith/internal/api/response"
	"github.com/reelsmith/reelsmith/internal/cache"
	"github.com/reelsmith/reelsmith/internal/queue"
	"github.com/reelsmith/reelsmith/internal/store"
	"github.com/reelsmith/reelsmith/internal/worker"
	"github.com/reelsmith/reelsmith/pkg/models"
)

const statusCacheTTL = 30 * time.Minute

const (
	maxPromptLen    = 4000
	maxDuration     = 180
	minDuration     = 5
	defaultDuration = 30
)

type jobResponse struct {
	ID                uuid.UUID          `json:"id"`
	Status            string             `json:"status"`
	Version           int                `json:"version"`
	Product           string             `json:"product"`
	Style             string             `json:"style,omitempty"`
	Prompt            string             `json:"prompt"`
	OutputRef         *string            `json:"output_ref,omitempty"`
	PreviousOutputRef *string            `json:"previous_output_ref,omitempty"`
	ErrorMessage      *string            `json:"error_message,omitempty"`
	EditHistory       models.EditHistory `json:"edit_history"`
	Stages            []*models.Stage    `json:"stages,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

func toJobResponse(job *models.Job, stages []*models.Stage) jobResponse {
	return jobResponse{
		ID:                job.ID,
		Status:            job.Status,
		Version:           job.Version,
		Product:           job.Product,
		Style:             job.Style,
		Prompt:            job.Prompt,
		OutputRef:         job.OutputRef,
		PreviousOutputRef: job.PreviousOutputRef,
		ErrorMessage:      job.ErrorMessage,
		EditHistory:       job.EditHistory,
		Stages:            stages,
		CreatedAt:         job.CreatedAt,
		UpdatedAt:         job.UpdatedAt,
	}
}

// NewSubmitJobHandler returns the handler for POST /api/v1/jobs: persist a
// pending job row, enqueue its payload, answer 202.
func NewSubmitJobHandler(st store.Store, q queue.Queue, ca cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Product      string `json:"product"`
			Style        string `json:"style"`
			Prompt       string `json:"prompt"`
			DurationSecs int    `json:"duration_secs"`
			VoiceID      string `json:"voice_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.Product == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "product is required", nil)
			return
		}
		if req.Prompt == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "prompt is required", nil)
			return
		}
		if len(req.Prompt) > maxPromptLen {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "prompt is too long", nil)
			return
		}
		if req.DurationSecs == 0 {
			req.DurationSecs = defaultDuration
		}
		if req.DurationSecs < minDuration || req.DurationSecs > maxDuration {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "duration_secs must be between 5 and 180", nil)
			return
		}

		job := &models.Job{
			ID:      uuid.New(),
			Status:  models.JobStatusPending,
			Product: req.Product,
			Style:   req.Style,
			Prompt:  req.Prompt,
		}
		if err := st.CreateJob(r.Context(), job); err != nil {
			slog.Error("create job", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create job", nil)
			return
		}

		payload, _ := json.Marshal(models.JobPayload{
			JobID:        job.ID,
			Product:      req.Product,
			Style:        req.Style,
			Prompt:       req.Prompt,
			DurationSecs: req.DurationSecs,
			VoiceID:      req.VoiceID,
		})
		if err := q.Enqueue(r.Context(), payload); err != nil {
			// The row stays pending; an operator can re-enqueue it.
			slog.Error("enqueue job", "job_id", job.ID, "error", err)
			response.Error(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "Failed to enqueue job", nil)
			return
		}
		_ = ca.SetJobStatus(r.Context(), job.ID, models.JobStatusPending, statusCacheTTL)

		response.Accepted(w, toJobResponse(job, nil))
	}
}

// NewGetJobHandler returns the handler for GET /api/v1/jobs/{jobID}. The
// Redis status mirror answers pure status polls without touching Postgres.
func NewGetJobHandler(st store.Store, ca cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := parseJobID(w, r)
		if !ok {
			return
		}

		// Fast path: status-only polls served from the cache mirror.
		if r.URL.Query().Get("fields") == "status" {
			if status, found, err := ca.GetJobStatus(r.Context(), jobID); err == nil && found {
				response.JSON(w, map[string]any{"id": jobID, "status": status})
				return
			}
		}

		job, err := st.GetJob(r.Context(), jobID)
		if !handleStoreErr(w, err) {
			return
		}

		stages, err := st.ListStages(r.Context(), jobID)
		if err != nil {
			slog.Error("list stages", "job_id", jobID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load stages", nil)
			return
		}

		_ = ca.SetJobStatus(r.Context(), jobID, job.Status, statusCacheTTL)
		response.JSON(w, toJobResponse(job, stages))
	}
}

// NewRollbackJobHandler returns the handler for
// POST /api/v1/jobs/{jobID}/rollback: swap the job's output back to the
// previous artifact.
func NewRollbackJobHandler(st store.Store, ca cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := parseJobID(w, r)
		if !ok {
			return
		}

		job, err := st.RollbackJob(r.Context(), jobID)
		if errors.Is(err, store.ErrNoPriorOutput) {
			response.Error(w, http.StatusConflict, "NO_PRIOR_OUTPUT",
				"Job has no previous output to roll back to", nil)
			return
		}
		if !handleStoreErr(w, err) {
			return
		}

		_ = ca.SetJobStatus(r.Context(), jobID, job.Status, statusCacheTTL)
		response.JSON(w, toJobResponse(job, nil))
	}
}

// NewHealthHandler returns the handler for GET /api/v1/health. Degraded
// dependencies are reported with a 503 so load balancers stop routing here.
func NewHealthHandler(check func(ctx context.Context) worker.HealthStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hs := check(r.Context())

		if !hs.QueueOK || !hs.StoreOK || !hs.Running {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more dependencies are unavailable", hs)
			return
		}
		response.JSON(w, map[string]any{
			"status":   "ok",
			"queue_ok": hs.QueueOK,
			"store_ok": hs.StoreOK,
			"running":  hs.Running,
		})
	}
}

func parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return jobID, true
}

// handleStoreErr writes the error response for a store failure and reports
// whether the caller may proceed.
func handleStoreErr(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "No job with that id", nil)
	default:
		slog.Error("store operation failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
	return false
}
