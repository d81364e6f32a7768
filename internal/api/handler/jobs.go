// Package handler holds the HTTP handlers for the job API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pressroom/pressroom/internal/api/response"
	"github.com/pressroom/pressroom/internal/queue"
	"github.com/pressroom/pressroom/internal/safety"
	"github.com/pressroom/pressroom/internal/store"
	"github.com/pressroom/pressroom/pkg/models"
)

// JobService is the slice of the queue service the handlers need.
type JobService interface {
	Submit(ctx context.Context, p queue.SubmitParams) (*models.Job, bool, error)
	Job(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// Jobs serves the /v1/pdf-jobs endpoints.
type Jobs struct {
	service JobService
}

// NewJobs creates the job handlers.
func NewJobs(service JobService) *Jobs {
	return &Jobs{service: service}
}

type submitRequest struct {
	URL                      string          `json:"url"`
	RenderMode               string          `json:"render_mode"`
	NavigationTimeoutSeconds int             `json:"navigation_timeout_seconds"`
	JobTimeoutSeconds        int             `json:"job_timeout_seconds"`
	MaxDomainWaitSeconds     int             `json:"max_domain_wait_seconds"`
	MaxRetries               *int            `json:"max_retries"`
	Metadata                 json.RawMessage `json:"metadata"`
}

type submitResponse struct {
	JobID        uuid.UUID `json:"job_id"`
	Status       string    `json:"status"`
	Deduplicated bool      `json:"deduplicated"`
}

// Submit accepts a URL-to-PDF conversion job and returns 202 with the job
// id, or the existing job's id when the submission deduplicates.
func (h *Jobs) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Request body must be valid JSON")
		return
	}
	if req.URL == "" {
		response.Error(w, http.StatusBadRequest, models.ErrCodeInvalidURL, "url is required")
		return
	}
	switch req.RenderMode {
	case "", models.RenderModePrintToPDF, models.RenderModeScreenshotToPDF:
	default:
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
			fmt.Sprintf("unknown render_mode: %q", req.RenderMode))
		return
	}

	job, deduplicated, err := h.service.Submit(r.Context(), queue.SubmitParams{
		URL:                      req.URL,
		RenderMode:               req.RenderMode,
		NavigationTimeoutSeconds: req.NavigationTimeoutSeconds,
		JobTimeoutSeconds:        req.JobTimeoutSeconds,
		MaxDomainWaitSeconds:     req.MaxDomainWaitSeconds,
		MaxRetries:               req.MaxRetries,
		Metadata:                 req.Metadata,
	})
	if err != nil {
		var verr *safety.ValidationError
		if errors.As(err, &verr) {
			response.Error(w, http.StatusBadRequest, verr.Code, verr.Reason)
			return
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create job")
		return
	}

	response.JSON(w, http.StatusAccepted, submitResponse{
		JobID:        job.ID,
		Status:       job.Status,
		Deduplicated: deduplicated,
	})
}

type statusResponse struct {
	JobID        uuid.UUID  `json:"job_id"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at"`
	ErrorCode    *string    `json:"error_code"`
	ErrorMessage *string    `json:"error_message"`
	Deduplicated bool       `json:"deduplicated"`
}

// Status returns the current state of a job.
func (h *Jobs) Status(w http.ResponseWriter, r *http.Request) {
	job, ok := h.lookup(w, r)
	if !ok {
		return
	}

	response.JSON(w, http.StatusOK, statusResponse{
		JobID:        job.ID,
		Status:       job.Status,
		Attempts:     job.Attempts,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
		ErrorCode:    job.ErrorCode,
		ErrorMessage: job.ErrorMessage,
		Deduplicated: job.Deduplicated,
	})
}

// Download streams the finished PDF artifact.
func (h *Jobs) Download(w http.ResponseWriter, r *http.Request) {
	job, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if job.Status != models.JobStatusSucceeded {
		response.Error(w, http.StatusBadRequest, "JOB_NOT_COMPLETED",
			fmt.Sprintf("Job not completed. Current status: %s", job.Status))
		return
	}
	if job.ArtifactPath == nil {
		response.Error(w, http.StatusNotFound, "FILE_NOT_FOUND",
			"PDF file not found (may have been cleaned up)")
		return
	}
	if _, err := os.Stat(*job.ArtifactPath); err != nil {
		response.Error(w, http.StatusNotFound, "FILE_NOT_FOUND",
			"PDF file not found (may have been cleaned up)")
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", job.ID.String()+".pdf"))
	http.ServeFile(w, r, *job.ArtifactPath)
}

// lookup parses the jobID route param and fetches the job, writing the 404
// itself on any miss. A malformed id is indistinguishable from an unknown
// one.
func (h *Jobs) lookup(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found")
		return nil, false
	}
	job, err := h.service.Job(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found")
		return nil, false
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch job")
		return nil, false
	}
	return job, true
}
