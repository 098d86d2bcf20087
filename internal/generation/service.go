package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"genserver/internal/domain"
	"genserver/internal/infra"
	"genserver/internal/ledger"
	"genserver/internal/metrics"
	image "genserver/internal/providers/image"
)

const (
	// MaxQuantity caps how many images one job may request.
	MaxQuantity = 10

	defaultWidth  = 1024
	defaultHeight = 1536
)

// Service is the generation orchestrator: the single entry point the HTTP
// layer calls. All of its methods are fast and never block on generation.
type Service struct {
	store   *Store
	queue   *Queue
	credits ledger.Ledger
	metrics *metrics.Metrics
	logger  infra.Logger
	cost    int64
}

// NewService wires the orchestrator.
func NewService(store *Store, queue *Queue, credits ledger.Ledger, m *metrics.Metrics, logger infra.Logger, costPerImage int64) *Service {
	return &Service{
		store:   store,
		queue:   queue,
		credits: credits,
		metrics: m,
		logger:  logger,
		cost:    costPerImage,
	}
}

// StartGeneration validates the request, charges the user's credits, creates
// the job and submits it to the queue. It returns the queued job snapshot
// immediately; completion is discovered by polling GetStatus.
func (s *Service) StartGeneration(ctx context.Context, userID string, req domain.GenerationRequest) (*domain.Job, error) {
	normalized, err := normalizeRequest(req)
	if err != nil {
		return nil, err
	}

	amount := s.cost * int64(normalized.Quantity)
	if err := s.credits.Charge(ctx, userID, amount); err != nil {
		if errors.Is(err, domain.ErrInsufficientCredit) {
			return nil, domain.ErrInsufficientCredit
		}
		return nil, fmt.Errorf("charge credits: %w", err)
	}

	job := s.store.Create(userID, normalized)
	if err := s.queue.Enqueue(job.ID); err != nil {
		// The job must not stay visible, and the charge must come back.
		s.store.Remove(job.ID)
		if rerr := s.credits.Refund(ctx, userID, amount); rerr != nil {
			s.logger.Error().Err(rerr).Str("user_id", userID).Msg("orchestrator: refund after enqueue failure")
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.JobsStarted.Inc()
	}
	s.logger.Info().
		Str("job_id", job.ID).
		Str("user_id", userID).
		Int("quantity", normalized.Quantity).
		Int("queue_depth", s.queue.Depth()).
		Msg("orchestrator: job enqueued")
	return job, nil
}

// GetStatus returns the caller's job snapshot, or ErrNotFound/ErrForbidden.
func (s *Service) GetStatus(ctx context.Context, userID, jobID string) (*domain.Job, error) {
	job, err := s.store.Get(jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, domain.ErrForbidden
	}
	return job, nil
}

// ListJobs returns the caller's jobs, most recent first, plus aggregate queue
// statistics.
func (s *Service) ListJobs(ctx context.Context, userID string) ([]*domain.Job, QueueStats) {
	stats := s.store.Stats()
	stats.QueueDepth = s.queue.Depth()
	stats.Workers = s.queue.Workers()
	return s.store.ListByUser(userID), stats
}

// CancelJob requests cancellation. Cancelling a terminal job is a no-op
// success. A queued job is cancelled (and refunded) before any backend call;
// a running job is signalled and cancels cooperatively at the worker's next
// checkpoint.
func (s *Service) CancelJob(ctx context.Context, userID, jobID string) error {
	job, err := s.store.Get(jobID)
	if err != nil {
		return err
	}
	if job.UserID != userID {
		return domain.ErrForbidden
	}
	if job.Status.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	_, err = s.store.Update(jobID, func(j *domain.Job) error {
		if j.Status != domain.JobStatusQueued {
			return errNotQueued
		}
		j.Status = domain.JobStatusCancelled
		j.CompletedAt = &now
		return nil
	})
	switch {
	case err == nil:
		// Removed from contention before a worker claimed it: the worker
		// pool will skip the id, settle the full charge here.
		refund := s.cost * int64(job.Request.Quantity)
		if rerr := s.credits.Refund(ctx, userID, refund); rerr != nil {
			s.logger.Error().Err(rerr).Str("job_id", jobID).Msg("orchestrator: refund on cancel failed")
		}
		if s.metrics != nil {
			s.metrics.ObserveTerminal(string(domain.JobStatusCancelled), 0)
		}
		s.logger.Info().Str("job_id", jobID).Msg("orchestrator: queued job cancelled")
		return nil
	case errors.Is(err, errNotQueued):
		// Already claimed; hand it to the running worker.
		s.queue.Cancel(jobID)
		s.logger.Info().Str("job_id", jobID).Msg("orchestrator: cancellation requested for running job")
		return nil
	case errors.Is(err, domain.ErrJobFinished):
		// Lost the race with the worker's terminal transition.
		return nil
	default:
		return err
	}
}

// RunSweeper evicts old terminal jobs on the given interval until ctx ends.
func (s *Service) RunSweeper(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.store.Sweep(retention); removed > 0 {
				s.logger.Info().Int("removed", removed).Msg("orchestrator: swept old jobs")
			}
		}
	}
}

// normalizeRequest applies defaults and validates bounds. Everything here
// fails before any credit is charged or job created.
func normalizeRequest(req domain.GenerationRequest) (domain.GenerationRequest, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return req, fmt.Errorf("%w: prompt is required", domain.ErrValidation)
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	if req.Quantity < 1 || req.Quantity > MaxQuantity {
		return req, fmt.Errorf("%w: quantity must be between 1 and %d", domain.ErrValidation, MaxQuantity)
	}
	if req.Width == 0 && req.Height == 0 {
		req.Width, req.Height = defaultWidth, defaultHeight
	}
	if !image.SupportedDimension(req.Width, req.Height) {
		return req, fmt.Errorf("%w: unsupported dimensions %dx%d", domain.ErrValidation, req.Width, req.Height)
	}
	if req.Steps == 0 {
		req.Steps = image.DefaultSteps
	}
	if req.Steps < 1 || req.Steps > 100 {
		return req, fmt.Errorf("%w: steps must be between 1 and 100", domain.ErrValidation)
	}
	if req.CFGScale == 0 {
		req.CFGScale = image.DefaultCFGScale
	}
	if req.CFGScale < 1 || req.CFGScale > 30 {
		return req, fmt.Errorf("%w: cfg_scale must be between 1 and 30", domain.ErrValidation)
	}
	if req.ArtStyle == "" {
		req.ArtStyle = image.DefaultStyle
	}
	for i := range req.LoRAs {
		if strings.TrimSpace(req.LoRAs[i].Name) == "" {
			return req, fmt.Errorf("%w: lora name is required", domain.ErrValidation)
		}
		if req.LoRAs[i].Strength < 0.1 {
			req.LoRAs[i].Strength = 0.1
		}
		if req.LoRAs[i].Strength > 1.5 {
			req.LoRAs[i].Strength = 1.5
		}
	}
	return req, nil
}
