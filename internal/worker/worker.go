// Package worker provides the async job queue processor with queue abstractions,
// worker loop, instrumentation hooks, and graceful shutdown handling.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/saas-starter/backend/internal/models"
)

// Handler is a function that processes a job
type Handler func(ctx context.Context, job *models.Job) error

// Handlers maps job types to their handlers
type Handlers map[string]Handler

// Queue is the persistent job queue. *store.JobStore implements it.
type Queue interface {
	Enqueue(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id int64) (*models.Job, error)
	ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errorMsg string) error
	ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error
	CancelJob(ctx context.Context, id int64) error
	ReleaseJob(ctx context.Context, id int64) error
	GetStats(ctx context.Context) (*models.JobStats, error)
	ListPendingJobs(ctx context.Context, limit int) ([]*models.Job, error)
	CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Instrumentation provides hooks for monitoring job lifecycle
type Instrumentation struct {
	OnEnqueue   func(job *models.Job)
	OnStart     func(job *models.Job)
	OnComplete  func(job *models.Job, duration time.Duration)
	OnFail      func(job *models.Job, err error, duration time.Duration)
	OnRetry     func(job *models.Job, retryAfter time.Duration)
	OnCancel    func(job *models.Job)
	OnHeartbeat func(workerID string, stats Stats)
}

// Stats holds worker statistics
type Stats struct {
	JobsProcessed   int64     `json:"jobs_processed"`
	JobsSucceeded   int64     `json:"jobs_succeeded"`
	JobsFailed      int64     `json:"jobs_failed"`
	JobsRetried     int64     `json:"jobs_retried"`
	ActiveWorkers   int       `json:"active_workers"`
	QueueDepth      int       `json:"queue_depth"`
	LastProcessedAt time.Time `json:"last_processed_at"`
}

// Config holds worker configuration
type Config struct {
	// MaxConcurrent is the maximum number of concurrent job processors
	MaxConcurrent int
	// PollInterval is the time between polling for new jobs
	PollInterval time.Duration
	// RetryBaseDelay is the base delay for exponential backoff
	RetryBaseDelay time.Duration
	// RetryMaxDelay is the maximum delay between retries
	RetryMaxDelay time.Duration
	// RetryBackoffMultiplier is the multiplier for exponential backoff
	RetryBackoffMultiplier float64
	// JobTimeout is the maximum time allowed for a job to run
	JobTimeout time.Duration
	// ShutdownTimeout is the maximum time to wait for jobs to complete during shutdown
	ShutdownTimeout time.Duration
	// HeartbeatInterval is the interval for sending heartbeat metrics
	HeartbeatInterval time.Duration
	// CleanupInterval is how often finished jobs are purged; zero disables it
	CleanupInterval time.Duration
	// RetainFinished is how long completed, failed and cancelled jobs are kept
	RetainFinished time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:          2,
		PollInterval:           time.Second,
		RetryBaseDelay:         time.Second,
		RetryMaxDelay:          time.Minute,
		RetryBackoffMultiplier: 2.0,
		JobTimeout:             5 * time.Minute,
		ShutdownTimeout:        30 * time.Second,
		HeartbeatInterval:      30 * time.Second,
		CleanupInterval:        time.Hour,
		RetainFinished:         7 * 24 * time.Hour,
	}
}

// Worker is the async job queue processor
type Worker struct {
	config          Config
	queue           Queue
	logger          zerolog.Logger
	instrumentation *Instrumentation

	handlersMu sync.RWMutex
	handlers   Handlers

	workerID string
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopped  bool
	mu       sync.RWMutex

	// activeJobs tracks currently processing job IDs for graceful shutdown
	activeJobs map[int64]context.CancelFunc

	statsMu         sync.RWMutex
	jobsProcessed   int64
	jobsSucceeded   int64
	jobsFailed      int64
	jobsRetried     int64
	lastProcessedAt time.Time
}

// New creates a new Worker instance
func New(config Config, queue Queue, logger zerolog.Logger) *Worker {
	defaults := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = defaults.RetryMaxDelay
	}
	if config.RetryBackoffMultiplier <= 1 {
		config.RetryBackoffMultiplier = defaults.RetryBackoffMultiplier
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = defaults.JobTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.RetainFinished <= 0 {
		config.RetainFinished = defaults.RetainFinished
	}

	workerID := generateWorkerID()
	return &Worker{
		config:          config,
		queue:           queue,
		logger:          logger.With().Str("component", "worker").Str("worker_id", workerID).Logger(),
		handlers:        Handlers{},
		workerID:        workerID,
		stopCh:          make(chan struct{}),
		activeJobs:      make(map[int64]context.CancelFunc),
		instrumentation: &Instrumentation{},
	}
}

// RegisterHandler binds a job type to its handler, replacing any previous one
func (w *Worker) RegisterHandler(jobType string, h Handler) {
	w.handlersMu.Lock()
	defer w.handlersMu.Unlock()
	w.handlers[jobType] = h
}

// HasHandler reports whether a job type can be processed
func (w *Worker) HasHandler(jobType string) bool {
	w.handlersMu.RLock()
	defer w.handlersMu.RUnlock()
	_, ok := w.handlers[jobType]
	return ok
}

func (w *Worker) handler(jobType string) (Handler, bool) {
	w.handlersMu.RLock()
	defer w.handlersMu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// SetInstrumentation sets the instrumentation hooks
func (w *Worker) SetInstrumentation(inst *Instrumentation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if inst == nil {
		inst = &Instrumentation{}
	}
	w.instrumentation = inst
}

func (w *Worker) hooks() *Instrumentation {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.instrumentation
}

// Start begins the worker loop
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info().Int("max_concurrent", w.config.MaxConcurrent).Msg("starting worker")

	if w.hooks().OnHeartbeat != nil {
		w.wg.Add(1)
		go w.heartbeat(ctx)
	}

	if w.config.CleanupInterval > 0 {
		w.wg.Add(1)
		go w.janitor(ctx)
	}

	for i := 0; i < w.config.MaxConcurrent; i++ {
		w.wg.Add(1)
		go w.processor(ctx, i)
	}
}

// Stop gracefully shuts down the worker
func (w *Worker) Stop(ctx context.Context) error {
	w.logger.Info().Msg("initiating graceful shutdown")

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, w.config.ShutdownTimeout)
	defer cancel()

	w.releaseActiveJobs(shutdownCtx)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info().Msg("graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		w.logger.Warn().Msg("shutdown timeout exceeded, forcing stop")
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// processor is the main loop for a single worker goroutine
func (w *Worker) processor(ctx context.Context, id int) {
	defer w.wg.Done()

	log := w.logger.With().Int("processor", id).Logger()
	log.Debug().Msg("processor started")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("processor stopping (context cancelled)")
			return
		case <-w.stopCh:
			log.Debug().Msg("processor stopping (stop signal)")
			return
		default:
			if err := w.processNextJob(ctx); err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					log.Error().Err(err).Msg("processor error")
					w.wait(ctx)
				}
			}
		}
	}
}

// wait sleeps one poll interval unless the worker is stopping
func (w *Worker) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopCh:
		return nil
	case <-time.After(w.config.PollInterval):
		return nil
	}
}

// processNextJob attempts to claim and process the next available job
func (w *Worker) processNextJob(ctx context.Context) error {
	job, err := w.queue.ClaimNextJob(ctx, w.workerID)
	if err != nil {
		return err
	}
	if job == nil {
		return w.wait(ctx)
	}

	w.processJob(ctx, job)
	return nil
}

// processJob handles the execution of a single job
func (w *Worker) processJob(ctx context.Context, job *models.Job) {
	start := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	w.trackActiveJob(job.ID, cancel)
	defer w.untrackActiveJob(job.ID)

	if h := w.hooks().OnStart; h != nil {
		h(job)
	}

	w.logger.Info().
		Int64("job_id", job.ID).
		Str("job_type", job.JobType).
		Int("attempt", job.Attempts).
		Int("max_attempts", job.MaxAttempts).
		Msg("processing job")

	handler, ok := w.handler(job.JobType)
	if !ok {
		w.handleError(ctx, job, fmt.Errorf("no handler registered for job type: %s", job.JobType), start)
		return
	}

	if err := handler(jobCtx, job); err != nil {
		w.handleError(ctx, job, err, start)
		return
	}
	w.handleSuccess(ctx, job, start)
}

// retryDelay is exponential backoff capped at RetryMaxDelay with ±20% jitter
func (w *Worker) retryDelay(attempts int) time.Duration {
	base := float64(w.config.RetryBaseDelay) * math.Pow(w.config.RetryBackoffMultiplier, float64(max(attempts-1, 0)))
	delay := min(base, float64(w.config.RetryMaxDelay))
	return time.Duration(delay * (0.8 + 0.4*rand.Float64()))
}

// handleError handles a job failure, retrying if appropriate
func (w *Worker) handleError(ctx context.Context, job *models.Job, err error, start time.Time) {
	duration := time.Since(start)
	log := w.logger.With().Int64("job_id", job.ID).Str("job_type", job.JobType).Logger()

	log.Warn().Err(err).Dur("duration", duration).Msg("job failed")

	w.statsMu.Lock()
	w.jobsProcessed++
	w.jobsFailed++
	w.lastProcessedAt = time.Now()
	w.statsMu.Unlock()

	if h := w.hooks().OnFail; h != nil {
		h(job, err, duration)
	}

	if job.CanRetry() {
		delay := w.retryDelay(job.Attempts)

		w.statsMu.Lock()
		w.jobsRetried++
		w.statsMu.Unlock()

		if h := w.hooks().OnRetry; h != nil {
			h(job, delay)
		}

		log.Info().Dur("retry_in", delay).Int("attempt", job.Attempts).Int("max_attempts", job.MaxAttempts).Msg("scheduling retry")
		if err := w.queue.ScheduleRetry(ctx, job.ID, err.Error(), time.Now().Add(delay)); err != nil {
			log.Error().Err(err).Msg("failed to schedule retry")
		}
		return
	}

	log.Error().Int("max_attempts", job.MaxAttempts).Msg("job exhausted all attempts, marking as failed")
	if err := w.queue.MarkFailed(ctx, job.ID, err.Error()); err != nil {
		log.Error().Err(err).Msg("failed to mark job as failed")
	}
}

// handleSuccess handles a successful job completion
func (w *Worker) handleSuccess(ctx context.Context, job *models.Job, start time.Time) {
	duration := time.Since(start)

	w.logger.Info().Int64("job_id", job.ID).Str("job_type", job.JobType).Dur("duration", duration).Msg("job completed")

	w.statsMu.Lock()
	w.jobsProcessed++
	w.jobsSucceeded++
	w.lastProcessedAt = time.Now()
	w.statsMu.Unlock()

	if h := w.hooks().OnComplete; h != nil {
		h(job, duration)
	}

	if err := w.queue.MarkCompleted(ctx, job.ID); err != nil {
		w.logger.Error().Err(err).Int64("job_id", job.ID).Msg("failed to mark job as completed")
	}
}

func (w *Worker) trackActiveJob(jobID int64, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeJobs[jobID] = cancel
}

func (w *Worker) untrackActiveJob(jobID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.activeJobs, jobID)
}

// releaseActiveJobs cancels running jobs and puts them back to pending
func (w *Worker) releaseActiveJobs(ctx context.Context) {
	w.mu.Lock()
	jobIDs := make([]int64, 0, len(w.activeJobs))
	for id, cancel := range w.activeJobs {
		jobIDs = append(jobIDs, id)
		cancel()
	}
	w.mu.Unlock()

	for _, id := range jobIDs {
		if err := w.queue.ReleaseJob(ctx, id); err != nil {
			w.logger.Error().Err(err).Int64("job_id", id).Msg("failed to release job")
			continue
		}
		w.logger.Info().Int64("job_id", id).Msg("released job back to pending")
	}
}

// heartbeat periodically sends stats updates
func (w *Worker) heartbeat(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if h := w.hooks().OnHeartbeat; h != nil {
				stats := w.getStats()
				if qs, err := w.queue.GetStats(ctx); err == nil {
					stats.QueueDepth = qs.Pending
				}
				h(w.workerID, stats)
			}
		}
	}
}

// janitor purges finished jobs older than RetainFinished
func (w *Worker) janitor(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.cleanup(ctx)
		}
	}
}

func (w *Worker) cleanup(ctx context.Context) {
	removed, err := w.queue.CleanupOldJobs(ctx, w.config.RetainFinished)
	if err != nil {
		w.logger.Error().Err(err).Msg("job cleanup failed")
		return
	}
	if removed > 0 {
		w.logger.Info().Int64("removed", removed).Msg("purged finished jobs")
	}
}

func (w *Worker) getStats() Stats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()

	w.mu.RLock()
	activeWorkers := len(w.activeJobs)
	w.mu.RUnlock()

	return Stats{
		JobsProcessed:   w.jobsProcessed,
		JobsSucceeded:   w.jobsSucceeded,
		JobsFailed:      w.jobsFailed,
		JobsRetried:     w.jobsRetried,
		ActiveWorkers:   activeWorkers,
		LastProcessedAt: w.lastProcessedAt,
	}
}

// GetStats returns current worker statistics
func (w *Worker) GetStats() Stats {
	return w.getStats()
}

// Enqueue creates a new job in the queue. Unknown job types are rejected.
func (w *Worker) Enqueue(ctx context.Context, job *models.Job) error {
	if err := job.IsValid(); err != nil {
		return err
	}
	if !w.HasHandler(job.JobType) {
		return fmt.Errorf("%w: %s", ErrUnknownJobType, job.JobType)
	}

	if err := w.queue.Enqueue(ctx, job); err != nil {
		return err
	}

	if h := w.hooks().OnEnqueue; h != nil {
		h(job)
	}

	w.logger.Info().Int64("job_id", job.ID).Str("job_type", job.JobType).Str("priority", string(job.Priority)).Msg("enqueued job")
	return nil
}

// ErrUnknownJobType is returned by Enqueue for a job type with no handler
var ErrUnknownJobType = errors.New("unknown job type")

// GetJob returns a job by id
func (w *Worker) GetJob(ctx context.Context, jobID int64) (*models.Job, error) {
	return w.queue.GetByID(ctx, jobID)
}

// PendingJobs lists runnable jobs in claim order
func (w *Worker) PendingJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	return w.queue.ListPendingJobs(ctx, limit)
}

// CancelJob cancels a pending or failed job
func (w *Worker) CancelJob(ctx context.Context, jobID int64) error {
	if err := w.queue.CancelJob(ctx, jobID); err != nil {
		return err
	}

	if h := w.hooks().OnCancel; h != nil {
		if job, _ := w.queue.GetByID(ctx, jobID); job != nil {
			h(job)
		}
	}

	w.logger.Info().Int64("job_id", jobID).Msg("cancelled job")
	return nil
}

// GetQueueStats returns statistics about the job queue
func (w *Worker) GetQueueStats(ctx context.Context) (*models.JobStats, error) {
	return w.queue.GetStats(ctx)
}

func generateWorkerID() string {
	return fmt.Sprintf("worker-%d-%d", time.Now().UnixNano(), rand.Intn(10000))
}
