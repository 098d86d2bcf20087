package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"genserver/internal/domain"
	"genserver/internal/infra"
	"genserver/internal/ledger"
	"genserver/internal/metrics"
	image "genserver/internal/providers/image"
	"genserver/internal/storage"
)

// QueueOptions configures the worker pool.
type QueueOptions struct {
	// Workers bounds the number of simultaneously running generations.
	// It should match the GPU capacity of the remote backend.
	Workers int
	// Capacity bounds the backlog of queued jobs.
	Capacity int
	// MaxRetries bounds backend attempts per sub-image.
	MaxRetries int
	// JobTimeout is the whole-job execution budget, backend calls and
	// uploads included.
	JobTimeout time.Duration
	// CostPerImage is the credit price of one image, used for settlement.
	CostPerImage int64
	// RetryBaseDelay seeds the exponential backoff between attempts.
	// Defaults to one second; tests shrink it.
	RetryBaseDelay time.Duration
}

// Queue is the bounded-concurrency execution engine. Jobs enter a FIFO
// channel; a fixed pool of workers drains it, so at most Workers jobs are
// running at any moment by construction.
type Queue struct {
	store    *Store
	backend  image.Generator
	uploader storage.Uploader
	credits  ledger.Ledger
	metrics  *metrics.Metrics
	logger   infra.Logger
	opts     QueueOptions

	jobs chan string
	wg   sync.WaitGroup

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	closed  bool
	cancels map[string]context.CancelFunc
	flagged map[string]bool
}

// NewQueue wires the worker pool. Start must be called before Enqueue.
func NewQueue(store *Store, backend image.Generator, uploader storage.Uploader, credits ledger.Ledger, m *metrics.Metrics, logger infra.Logger, opts QueueOptions) *Queue {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Capacity < 1 {
		opts.Capacity = 1
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:    store,
		backend:  backend,
		uploader: uploader,
		credits:  credits,
		metrics:  m,
		logger:   logger,
		opts:     opts,
		jobs:     make(chan string, opts.Capacity),
		baseCtx:  ctx,
		stop:     cancel,
		cancels:  make(map[string]context.CancelFunc),
		flagged:  make(map[string]bool),
	}
}

// Start launches the worker pool.
func (q *Queue) Start() {
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go func(worker int) {
			defer q.wg.Done()
			for jobID := range q.jobs {
				q.process(worker, jobID)
			}
		}(i)
	}
}

// Enqueue submits a job id to the FIFO backlog. It fails with
// domain.ErrQueueFull when the backlog is at capacity and never blocks.
func (q *Queue) Enqueue(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return domain.ErrQueueFull
	}
	select {
	case q.jobs <- jobID:
		if q.metrics != nil {
			q.metrics.QueueDepth.Set(float64(len(q.jobs)))
		}
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// Cancel requests cooperative cancellation of a running job. It returns true
// when an in-flight execution was signalled. The flag is recorded even when
// the worker has claimed the job but not yet registered its cancel func; the
// worker re-checks it right after registering, so a cancel landing in that
// window is still honored. Queued jobs are cancelled at the store level by
// the orchestrator and simply skipped here.
func (q *Queue) Cancel(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flagged[jobID] = true
	cancel, ok := q.cancels[jobID]
	if !ok {
		return false
	}
	cancel()
	return true
}

// Depth reports the current backlog size.
func (q *Queue) Depth() int {
	return len(q.jobs)
}

// Workers reports the pool size.
func (q *Queue) Workers() int {
	return q.opts.Workers
}

// Close stops intake, signals in-flight jobs and waits for the workers until
// ctx expires.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.stop()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errNotQueued = errors.New("job is not queued")

// process executes one job from claim to terminal transition. The worker owns
// the job exclusively for that whole span.
func (q *Queue) process(worker int, jobID string) {
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(len(q.jobs)))
	}

	// Claim: queued -> running. A job cancelled while it sat in the backlog
	// is terminal by now and skipped without a backend call.
	job, err := q.store.Update(jobID, func(j *domain.Job) error {
		if j.Status != domain.JobStatusQueued {
			return errNotQueued
		}
		now := time.Now().UTC()
		j.Status = domain.JobStatusRunning
		j.StartedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrJobFinished) || errors.Is(err, errNotQueued) {
			q.logger.Debug().Str("job_id", jobID).Msg("queue: skipping cancelled job")
		} else {
			q.logger.Error().Err(err).Str("job_id", jobID).Msg("queue: claim failed")
		}
		return
	}

	if q.metrics != nil {
		q.metrics.JobsRunning.Inc()
		defer q.metrics.JobsRunning.Dec()
	}
	q.logger.Info().
		Str("job_id", job.ID).
		Str("user_id", job.UserID).
		Int("worker", worker).
		Int("quantity", job.Request.Quantity).
		Msg("queue: job started")

	jobCtx, cancel := context.WithTimeout(q.baseCtx, q.opts.JobTimeout)
	q.mu.Lock()
	q.cancels[job.ID] = cancel
	requested := q.flagged[job.ID]
	q.mu.Unlock()
	if requested {
		// A cancel landed between the claim and the registration above.
		cancel()
	}
	defer func() {
		cancel()
		q.mu.Lock()
		delete(q.cancels, job.ID)
		delete(q.flagged, job.ID)
		q.mu.Unlock()
	}()

	q.run(jobCtx, job)
}

// run performs the generation fan-out and drives the job to its terminal
// state, settling credits exactly once.
func (q *Queue) run(ctx context.Context, job *domain.Job) {
	req := job.Request
	quantity := req.Quantity
	started := time.Now()

	var (
		urls          []string
		firstSeed     int64
		usedEmbedding bool
		lastErr       error
	)

	for i := 0; i < quantity; i++ {
		// Cancellation checkpoint: between sub-images, never mid-upload.
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		asset, err := q.generateOne(ctx, req, i)
		if err != nil {
			lastErr = err
			if errors.Is(err, image.ErrContentPolicy) || ctx.Err() != nil {
				break
			}
			// One ruined sub-image does not doom the batch.
			q.logger.Warn().Err(err).Str("job_id", job.ID).Int("index", i).Msg("queue: sub-image failed")
			continue
		}

		url, err := q.upload(job, asset, i)
		if err != nil {
			lastErr = err
			q.logger.Warn().Err(err).Str("job_id", job.ID).Int("index", i).Msg("queue: upload failed")
			continue
		}

		if len(urls) == 0 {
			firstSeed = asset.Seed
		}
		usedEmbedding = usedEmbedding || asset.UsedEmbedding
		urls = append(urls, url)

		progress := len(urls) * 100 / quantity
		if _, err := q.store.Update(job.ID, func(j *domain.Job) error {
			if progress > j.Progress {
				j.Progress = progress
			}
			return nil
		}); err != nil {
			// Terminal under our feet means a racing cancel; the checkpoint
			// above will see it on the next iteration.
			q.logger.Debug().Err(err).Str("job_id", job.ID).Msg("queue: progress update rejected")
		}
	}

	q.finish(job, urls, firstSeed, usedEmbedding, time.Since(started), lastErr)
}

// generateOne calls the backend for a single image with bounded retries and
// exponential backoff. Content-policy rejections fail fast.
func (q *Queue) generateOne(ctx context.Context, req domain.GenerationRequest, index int) (image.Asset, error) {
	provReq := image.GenerateRequest{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		CFGScale:       req.CFGScale,
		Model:          req.Model,
		ArtStyle:       req.ArtStyle,
		CharacterID:    req.CharacterID,
		NSFW:           req.NSFW,
	}
	for _, l := range req.LoRAs {
		provReq.LoRAs = append(provReq.LoRAs, image.LoRA{Name: l.Name, Strength: l.Strength})
	}
	if req.Seed != nil {
		// Vary the seed per sub-image so a batch does not repeat itself.
		provReq.Seed = *req.Seed + int64(index)
	}

	var lastErr error
	delay := q.opts.RetryBaseDelay
	for attempt := 1; attempt <= q.opts.MaxRetries; attempt++ {
		asset, err := q.backend.Generate(ctx, provReq)
		if err == nil {
			return asset, nil
		}
		lastErr = err
		if errors.Is(err, image.ErrContentPolicy) || ctx.Err() != nil {
			return image.Asset{}, err
		}
		if attempt == q.opts.MaxRetries {
			break
		}
		q.logger.Warn().Err(err).Int("attempt", attempt).Int("max", q.opts.MaxRetries).Msg("queue: backend attempt failed, backing off")
		select {
		case <-ctx.Done():
			return image.Asset{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > 5*time.Second {
			delay = 5 * time.Second
		}
	}
	return image.Asset{}, fmt.Errorf("backend failed after %d attempts: %w", q.opts.MaxRetries, lastErr)
}

// upload persists one produced image. It runs under the pool's base context
// rather than the job context so a user cancel never truncates an upload the
// backend already paid for.
func (q *Queue) upload(job *domain.Job, asset image.Asset, index int) (string, error) {
	ctx, cancel := context.WithTimeout(q.baseCtx, time.Minute)
	defer cancel()
	key := fmt.Sprintf("generated/images/%s/image-%02d.png", job.ID, index+1)
	return q.uploader.Store(ctx, key, asset.Data, asset.Format)
}

// finish applies the terminal transition and settles credits. Partial success
// is completed with a reduced count; zero images is failed; an observed user
// cancel is cancelled with collected URLs discarded.
func (q *Queue) finish(job *domain.Job, urls []string, seed int64, usedEmbedding bool, elapsed time.Duration, lastErr error) {
	q.mu.Lock()
	userCancelled := q.flagged[job.ID]
	q.mu.Unlock()

	now := time.Now().UTC()
	quantity := job.Request.Quantity
	var refund int64
	var final *domain.Job
	var err error

	switch {
	case userCancelled:
		refund = q.opts.CostPerImage * int64(quantity)
		final, err = q.store.Update(job.ID, func(j *domain.Job) error {
			j.Status = domain.JobStatusCancelled
			j.CompletedAt = &now
			return nil
		})
	case len(urls) > 0:
		refund = q.opts.CostPerImage * int64(quantity-len(urls))
		final, err = q.store.Update(job.ID, func(j *domain.Job) error {
			j.Status = domain.JobStatusCompleted
			j.CompletedAt = &now
			// Progress never moves backwards, even when the batch came up
			// short of the requested quantity.
			if p := len(urls) * 100 / quantity; p > j.Progress {
				j.Progress = p
			}
			j.Result = &domain.GenerationResult{
				ImageURLs:      urls,
				GeneratedCount: len(urls),
				Seed:           seed,
				GenerationTime: elapsed.Seconds(),
				UsedEmbedding:  usedEmbedding,
			}
			return nil
		})
	default:
		refund = q.opts.CostPerImage * int64(quantity)
		jobErr := classifyFailure(lastErr)
		final, err = q.store.Update(job.ID, func(j *domain.Job) error {
			j.Status = domain.JobStatusFailed
			j.CompletedAt = &now
			j.Error = &jobErr
			return nil
		})
	}

	if err != nil {
		// The transition lost a race with a concurrent terminal write; that
		// writer owns settlement.
		q.logger.Debug().Err(err).Str("job_id", job.ID).Msg("queue: terminal transition rejected")
		return
	}

	if refund > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if rerr := q.credits.Refund(ctx, job.UserID, refund); rerr != nil {
			q.logger.Error().Err(rerr).Str("job_id", job.ID).Int64("amount", refund).Msg("queue: refund failed")
		}
		cancel()
	}

	if q.metrics != nil {
		q.metrics.ObserveTerminal(string(final.Status), elapsed)
	}
	evt := q.logger.Info().
		Str("job_id", job.ID).
		Str("status", string(final.Status)).
		Int("generated", len(urls)).
		Dur("elapsed", elapsed)
	if final.Error != nil {
		evt = evt.Str("error_kind", string(final.Error.Kind))
	}
	evt.Msg("queue: job finished")
}

// classifyFailure maps an execution error onto the job error taxonomy.
func classifyFailure(err error) domain.JobError {
	switch {
	case err == nil:
		return domain.JobError{Message: "generation produced no images", Kind: domain.ErrorKindBackend}
	case errors.Is(err, image.ErrContentPolicy):
		return domain.JobError{Message: "prompt violates the content policy", Kind: domain.ErrorKindContentPolicy}
	case errors.Is(err, context.DeadlineExceeded):
		return domain.JobError{Message: "generation timed out", Kind: domain.ErrorKindTimeout}
	default:
		return domain.JobError{Message: err.Error(), Kind: domain.ErrorKindBackend}
	}
}
