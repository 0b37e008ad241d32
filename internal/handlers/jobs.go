package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/saas-starter/backend/internal/models"
	"github.com/PortNumber53/saas-starter/backend/internal/store"
	"github.com/PortNumber53/saas-starter/backend/internal/worker"
)

// JobQueue defines the job operations exposed to administrators. The worker
// implements it.
type JobQueue interface {
	Enqueue(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	CancelJob(ctx context.Context, id int64) error
	GetQueueStats(ctx context.Context) (*models.JobStats, error)
	PendingJobs(ctx context.Context, limit int) ([]*models.Job, error)
}

// CreateJobRequest represents a request to enqueue a maintenance job
type CreateJobRequest struct {
	JobType        string     `json:"job_type" validate:"required,oneof=subscription.resync catalog.backfill"`
	SubscriptionID string     `json:"subscription_id,omitempty" validate:"required_if=JobType subscription.resync"`
	Priority       string     `json:"priority,omitempty" validate:"omitempty,oneof=low normal high critical"`
	MaxAttempts    int        `json:"max_attempts,omitempty" validate:"omitempty,min=1,max=10"`
	ScheduledFor   *time.Time `json:"scheduled_for,omitempty"`
}

// JobHandler holds dependencies for job handlers
type JobHandler struct {
	queue  JobQueue
	logger zerolog.Logger
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(queue JobQueue, logger zerolog.Logger) *JobHandler {
	return &JobHandler{queue: queue, logger: logger}
}

// RegisterRoutes registers job handlers under the admin router
func (h *JobHandler) RegisterRoutes(router chi.Router) {
	router.Post("/jobs", h.CreateJob)
	router.Get("/jobs", h.ListPendingJobs)
	router.Get("/jobs/stats", h.GetJobStats)
	router.Get("/jobs/{id}", h.GetJob)
	router.Post("/jobs/{id}/cancel", h.CancelJob)
}

// CreateJob enqueues a new job
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	maxAttempts := 3
	if req.MaxAttempts > 0 {
		maxAttempts = req.MaxAttempts
	}

	job := &models.Job{
		JobType:      req.JobType,
		Payload:      models.JSONB{},
		Priority:     models.JobPriority(req.Priority),
		MaxAttempts:  maxAttempts,
		ScheduledFor: req.ScheduledFor,
	}
	if req.SubscriptionID != "" {
		job.Payload["subscription_id"] = req.SubscriptionID
	}

	if err := h.queue.Enqueue(r.Context(), job); err != nil {
		if errors.Is(err, worker.ErrUnknownJobType) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("job_type", req.JobType).Msg("CreateJob: failed to enqueue job")
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":      job.ID,
		"status":  job.Status,
		"message": "Job created successfully",
	})
}

// GetJob retrieves a job by ID
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	job, err := h.queue.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error().Err(err).Int64("job_id", jobID).Msg("GetJob: failed to get job")
		writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelJob cancels a pending or failed job
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	if err := h.queue.CancelJob(r.Context(), jobID); err != nil {
		switch {
		case errors.Is(err, store.ErrJobNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, store.ErrJobNotCancellable):
			writeError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error().Err(err).Int64("job_id", jobID).Msg("CancelJob: failed to cancel job")
			writeError(w, http.StatusInternalServerError, "failed to cancel job")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      jobID,
		"message": "Job cancelled successfully",
	})
}

// GetJobStats returns statistics about the job queue
func (h *JobHandler) GetJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.GetQueueStats(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("GetJobStats: failed to get stats")
		writeError(w, http.StatusInternalServerError, "failed to retrieve job statistics")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListPendingJobs returns pending jobs
func (h *JobHandler) ListPendingJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 1000 {
		limit = l
	}

	jobs, err := h.queue.PendingJobs(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("ListPendingJobs: failed to list jobs")
		writeError(w, http.StatusInternalServerError, "failed to retrieve jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	jobID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || jobID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid job ID")
		return 0, false
	}
	return jobID, true
}
