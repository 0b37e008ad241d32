package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripeapi "github.com/stripe/stripe-go/v83"

	"github.com/PortNumber53/saas-starter/backend/internal/billing"
	"github.com/PortNumber53/saas-starter/backend/internal/models"
)

// memQueue is a minimal in-memory Queue.
type memQueue struct {
	mu        sync.Mutex
	nextID    int64
	jobs      map[int64]*models.Job
	completed []int64
	failed    []int64
	retried   []int64
	released  []int64
	cleanups  int
}

func newMemQueue() *memQueue {
	return &memQueue{jobs: map[int64]*models.Job{}}
}

func (q *memQueue) Enqueue(_ context.Context, job *models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	job.ID = q.nextID
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	cp := *job
	q.jobs[job.ID] = &cp
	return nil
}

func (q *memQueue) GetByID(_ context.Context, id int64) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, errors.New("job not found")
	}
	cp := *job
	return &cp, nil
}

func (q *memQueue) ClaimNextJob(_ context.Context, _ string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id := int64(1); id <= q.nextID; id++ {
		job, ok := q.jobs[id]
		if ok && job.Status == models.JobStatusPending {
			job.Status = models.JobStatusProcessing
			job.Attempts++
			cp := *job
			return &cp, nil
		}
	}
	return nil, nil
}

func (q *memQueue) setStatus(id int64, status models.JobStatus) {
	if job, ok := q.jobs[id]; ok {
		job.Status = status
	}
}

func (q *memQueue) MarkCompleted(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, id)
	q.setStatus(id, models.JobStatusCompleted)
	return nil
}

func (q *memQueue) MarkFailed(_ context.Context, id int64, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, id)
	q.setStatus(id, models.JobStatusFailed)
	return nil
}

func (q *memQueue) ScheduleRetry(_ context.Context, id int64, _ string, _ time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retried = append(q.retried, id)
	q.setStatus(id, models.JobStatusPending)
	return nil
}

func (q *memQueue) CancelJob(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setStatus(id, models.JobStatusCancelled)
	return nil
}

func (q *memQueue) ReleaseJob(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = append(q.released, id)
	q.setStatus(id, models.JobStatusPending)
	return nil
}

func (q *memQueue) GetStats(context.Context) (*models.JobStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := &models.JobStats{Total: len(q.jobs)}
	for _, job := range q.jobs {
		if job.Status == models.JobStatusPending {
			stats.Pending++
		}
	}
	return stats, nil
}

func (q *memQueue) ListPendingJobs(context.Context, int) ([]*models.Job, error) {
	return nil, nil
}

func (q *memQueue) CleanupOldJobs(context.Context, time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleanups++
	return 0, nil
}

func newTestWorker(q Queue) *Worker {
	return New(Config{PollInterval: 10 * time.Millisecond, RetryBaseDelay: time.Millisecond}, q, zerolog.Nop())
}

func TestEnqueueRejectsUnknownJobType(t *testing.T) {
	w := newTestWorker(newMemQueue())

	err := w.Enqueue(context.Background(), &models.Job{JobType: "mystery", MaxAttempts: 1})
	assert.ErrorIs(t, err, ErrUnknownJobType)
}

func TestProcessNextJobCompletes(t *testing.T) {
	q := newMemQueue()
	w := newTestWorker(q)

	var got string
	w.RegisterHandler(models.JobTypeSubscriptionResync, func(_ context.Context, job *models.Job) error {
		got = job.Payload.String("subscription_id")
		return nil
	})

	job := &models.Job{
		JobType:     models.JobTypeSubscriptionResync,
		MaxAttempts: 3,
		Payload:     models.StringMap(map[string]string{"subscription_id": "sub_1"}),
	}
	require.NoError(t, w.Enqueue(context.Background(), job))
	require.NoError(t, w.processNextJob(context.Background()))

	assert.Equal(t, "sub_1", got)
	assert.Equal(t, []int64{job.ID}, q.completed)
	assert.Equal(t, int64(1), w.GetStats().JobsSucceeded)
}

func TestFailedJobIsRetriedThenFailed(t *testing.T) {
	q := newMemQueue()
	w := newTestWorker(q)

	var failures int
	w.SetInstrumentation(&Instrumentation{
		OnFail: func(*models.Job, error, time.Duration) { failures++ },
	})
	w.RegisterHandler(models.JobTypeCatalogBackfill, func(context.Context, *models.Job) error {
		return errors.New("provider unavailable")
	})

	job := &models.Job{JobType: models.JobTypeCatalogBackfill, MaxAttempts: 2}
	require.NoError(t, w.Enqueue(context.Background(), job))

	require.NoError(t, w.processNextJob(context.Background()))
	assert.Equal(t, []int64{job.ID}, q.retried)
	assert.Empty(t, q.failed)

	require.NoError(t, w.processNextJob(context.Background()))
	assert.Equal(t, []int64{job.ID}, q.failed)
	assert.Equal(t, 2, failures)
	assert.Equal(t, int64(1), w.GetStats().JobsRetried)
}

func TestRetryDelayIsCapped(t *testing.T) {
	w := New(Config{RetryBaseDelay: time.Second, RetryMaxDelay: 10 * time.Second}, newMemQueue(), zerolog.Nop())

	for attempts := 1; attempts < 10; attempts++ {
		d := w.retryDelay(attempts)
		assert.LessOrEqual(t, d, 12*time.Second)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
	}
}

func TestStartStopProcessesJobs(t *testing.T) {
	q := newMemQueue()
	w := newTestWorker(q)

	done := make(chan struct{})
	w.RegisterHandler(models.JobTypeCatalogBackfill, func(context.Context, *models.Job) error {
		close(done)
		return nil
	})
	require.NoError(t, w.Enqueue(context.Background(), &models.Job{JobType: models.JobTypeCatalogBackfill, MaxAttempts: 1}))

	w.Start(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed")
	}
	require.NoError(t, w.Stop(context.Background()))
	require.NoError(t, w.Stop(context.Background()))
}

func TestCleanupUsesRetention(t *testing.T) {
	q := newMemQueue()
	w := newTestWorker(q)

	w.cleanup(context.Background())
	assert.Equal(t, 1, q.cleanups)
}

type fakeResyncer struct{ ids []string }

func (f *fakeResyncer) Resync(_ context.Context, id string) error {
	f.ids = append(f.ids, id)
	return nil
}

type fakeBackfiller struct{ calls int }

func (f *fakeBackfiller) Backfill(context.Context, billing.CatalogLister) (billing.BackfillResult, error) {
	f.calls++
	return billing.BackfillResult{Products: 1}, nil
}

type emptyLister struct{}

func (emptyLister) ListProducts(context.Context) ([]*stripeapi.Product, error) { return nil, nil }
func (emptyLister) ListPrices(context.Context) ([]*stripeapi.Price, error)     { return nil, nil }

func TestBillingJobs(t *testing.T) {
	q := newMemQueue()
	w := newTestWorker(q)
	resyncer := &fakeResyncer{}
	backfiller := &fakeBackfiller{}
	RegisterBillingJobs(w, resyncer, backfiller, emptyLister{})

	ctx := context.Background()
	require.NoError(t, w.Enqueue(ctx, &models.Job{
		JobType:     models.JobTypeSubscriptionResync,
		MaxAttempts: 1,
		Payload:     models.StringMap(map[string]string{"subscription_id": "sub_9"}),
	}))
	require.NoError(t, w.Enqueue(ctx, &models.Job{JobType: models.JobTypeCatalogBackfill, MaxAttempts: 1}))
	require.NoError(t, w.Enqueue(ctx, &models.Job{JobType: models.JobTypeSubscriptionResync, MaxAttempts: 1}))

	for i := 0; i < 3; i++ {
		require.NoError(t, w.processNextJob(ctx))
	}

	assert.Equal(t, []string{"sub_9"}, resyncer.ids)
	assert.Equal(t, 1, backfiller.calls)
	assert.Len(t, q.completed, 2)
	assert.Len(t, q.failed, 1, "resync without subscription_id must fail")
}
