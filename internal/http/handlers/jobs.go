package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"

	"genserver/internal/domain"
	"genserver/pkg/zip"
)

// secondsPerImage feeds the client-facing time estimate. Generation time
// varies with steps and resolution; this is deliberately a round figure.
const secondsPerImage = 15

type startResponse struct {
	JobID           string `json:"job_id"`
	Status          string `json:"status"`
	EstimatedTime   int    `json:"estimated_time"`
	PollURL         string `json:"poll_url"`
	CheckIntervalMS int    `json:"check_interval_ms"`
}

type jobView struct {
	ID            string                   `json:"id"`
	Status        domain.JobStatus         `json:"status"`
	Progress      int                      `json:"progress"`
	Quantity      int                      `json:"quantity"`
	EstimatedTime int                      `json:"estimated_time_remaining"`
	Result        *domain.GenerationResult `json:"result,omitempty"`
	Error         *domain.JobError         `json:"error,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
	StartedAt     *time.Time               `json:"started_at,omitempty"`
	CompletedAt   *time.Time               `json:"completed_at,omitempty"`
}

func viewOf(job *domain.Job) jobView {
	v := jobView{
		ID:          job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		Quantity:    job.Request.Quantity,
		Result:      job.Result,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
	if !job.Status.Terminal() {
		total := job.Request.Quantity * secondsPerImage
		v.EstimatedTime = total * (100 - job.Progress) / 100
	}
	return v
}

// JobsCreate accepts a generation request and answers immediately with the
// queued job's id and polling advice.
func (a *App) JobsCreate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req domain.GenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	job, err := a.Service.StartGeneration(r.Context(), userID, req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation):
			a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		case errors.Is(err, domain.ErrInsufficientCredit):
			a.error(w, http.StatusPaymentRequired, "insufficient_credit", "not enough credits for this request")
		case errors.Is(err, domain.ErrQueueFull):
			w.Header().Set("Retry-After", "30")
			a.error(w, http.StatusTooManyRequests, "queue_full", "generation queue is full, try again later")
		default:
			a.Log.Error().Err(err).Str("user_id", userID).Msg("handlers: start generation failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to start generation")
		}
		return
	}

	a.json(w, http.StatusAccepted, startResponse{
		JobID:           job.ID,
		Status:          "started",
		EstimatedTime:   job.Request.Quantity * secondsPerImage,
		PollURL:         path.Join("/v1/jobs", job.ID),
		CheckIntervalMS: int(a.Cfg.ClientPollInterval / time.Millisecond),
	})
}

// JobStatus returns the polled snapshot of one job.
func (a *App) JobStatus(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}
	job, err := a.Service.GetStatus(r.Context(), userID, jobID)
	if err != nil {
		a.jobError(w, err)
		return
	}
	a.json(w, http.StatusOK, viewOf(job))
}

// JobsList returns the caller's jobs plus aggregate queue statistics.
func (a *App) JobsList(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobs, stats := a.Service.ListJobs(r.Context(), userID)
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, viewOf(job))
	}
	a.json(w, http.StatusOK, map[string]any{
		"jobs":  views,
		"stats": stats,
	})
}

// JobCancel requests cancellation and reports the resulting snapshot. It is
// idempotent: cancelling a finished job is a success that changes nothing.
func (a *App) JobCancel(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}
	if err := a.Service.CancelJob(r.Context(), userID, jobID); err != nil {
		a.jobError(w, err)
		return
	}
	job, err := a.Service.GetStatus(r.Context(), userID, jobID)
	if err != nil {
		a.jobError(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"cancelled": true,
		"status":    job.Status,
	})
}

// JobDownload streams the completed job's images as one ZIP archive.
func (a *App) JobDownload(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	if a.Files == nil {
		a.error(w, http.StatusNotFound, "not_found", "downloads are not available on this deployment")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	job, err := a.Service.GetStatus(r.Context(), userID, jobID)
	if err != nil {
		a.jobError(w, err)
		return
	}
	if job.Status != domain.JobStatusCompleted || job.Result == nil {
		a.error(w, http.StatusConflict, "not_ready", "job has no downloadable output")
		return
	}

	entries := make([]zip.Entry, 0, len(job.Result.ImageURLs))
	for i, url := range job.Result.ImageURLs {
		data, err := a.Files.Read(url)
		if err != nil {
			a.Log.Error().Err(err).Str("job_id", jobID).Str("url", url).Msg("handlers: archive read failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to read generated image")
			return
		}
		entries = append(entries, zip.Entry{Filename: fmt.Sprintf("image-%02d.png", i+1), Data: data})
	}

	archive := zip.Archive(entries)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+".zip"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

func (a *App) jobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, domain.ErrForbidden):
		a.error(w, http.StatusForbidden, "forbidden", "job belongs to another user")
	default:
		a.Log.Error().Err(err).Msg("handlers: job operation failed")
		a.error(w, http.StatusInternalServerError, "internal", "job operation failed")
	}
}
