package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/outreachd/outreachd/pkg/core"
	"github.com/outreachd/outreachd/pkg/queue"
)

// Worker pulls waiting jobs from the queue and dispatches them to the
// processor registered for their kind. A bounded number of pullers run per
// kind; each puller processes one job at a time.
type Worker struct {
	queue  *queue.Queue
	config Config
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New creates a worker for the given queue. With no Kind options, every
// kind registered on the queue is processed at the default concurrency.
func New(q *queue.Queue, opts ...Option) *Worker {
	config := Config{
		PollInterval: 500 * time.Millisecond,
		WorkerID:     uuid.New().String(),
		StaleAfter:   10 * time.Minute,
		SweepEvery:   time.Minute,
	}

	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	if config.Kinds == nil {
		config.Kinds = make(map[core.JobKind]int)
		for _, k := range q.Kinds() {
			config.Kinds[k] = DefaultConcurrency
		}
	}

	if config.RetryPolicy == nil {
		p := DefaultRetryPolicy()
		config.RetryPolicy = &p
	}

	return &Worker{
		queue:  q,
		config: config,
		logger: slog.Default().With("component", "worker", "worker_id", config.WorkerID),
	}
}

// Start begins processing jobs. Blocks until the context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	kinds := make([]core.JobKind, 0, len(w.config.Kinds))
	totalConcurrency := 0
	for k, c := range w.config.Kinds {
		kinds = append(kinds, k)
		totalConcurrency += c
	}

	jobsChan := make(chan *core.Job, totalConcurrency)

	for i := 0; i < totalConcurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, jobsChan)
	}

	go w.sweepStaleLocks(ctx)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(jobsChan)
			w.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			job, err := w.dequeueWithRetry(ctx, kinds)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					w.logger.Error("failed to dequeue after retries", "error", err)
				}
				continue
			}
			if job != nil {
				select {
				case jobsChan <- job:
				case <-ctx.Done():
				}
			}
		}
	}
}

// dequeueWithRetry attempts to dequeue a job with backoff on storage failure.
func (w *Worker) dequeueWithRetry(ctx context.Context, kinds []core.JobKind) (*core.Job, error) {
	var job *core.Job
	err := retryWithBackoff(ctx, storageRetryPolicy(), func() error {
		var dequeueErr error
		job, dequeueErr = w.queue.Storage().Dequeue(ctx, kinds, w.config.WorkerID)
		return dequeueErr
	})
	return job, err
}

func (w *Worker) processLoop(ctx context.Context, jobs <-chan *core.Job) {
	defer w.wg.Done()

	for job := range jobs {
		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job *core.Job) {
	startTime := time.Now()

	p, ok := w.queue.GetProcessor(job.Kind)
	if !ok {
		w.logger.Error("no processor for job kind", "kind", job.Kind, "job_id", job.ID)
		w.failWithRetry(ctx, job.ID, fmt.Sprintf("no processor for %s", job.Kind), nil)
		return
	}

	w.queue.CallStartHooks(ctx, job)
	w.queue.Emit(&core.JobStarted{Job: job, Timestamp: startTime})

	// Keep the lock lease alive while the processor runs.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	go w.runHeartbeat(heartbeatCtx, job)

	err := w.executeProcessor(ctx, job, p)
	cancelHeartbeat()

	if err != nil {
		w.handleError(ctx, job, err)
		return
	}

	completeErr := w.completeWithRetry(ctx, job.ID, job.Result)
	if completeErr != nil {
		w.logger.Error("failed to complete job after retries", "job_id", job.ID, "error", completeErr)
		return
	}
	w.queue.CallCompleteHooks(ctx, job)
	w.queue.Emit(&core.JobCompleted{Job: job, Duration: time.Since(startTime), Timestamp: time.Now()})
}

// executeProcessor runs the processor, converting panics to errors so a
// misbehaving processor never takes the pool down.
func (w *Worker) executeProcessor(ctx context.Context, job *core.Job, p queue.Processor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.Process(ctx, job)
}

func (w *Worker) handleError(ctx context.Context, job *core.Job, err error) {
	var noRetry *core.NoRetryError
	if errors.As(err, &noRetry) {
		w.failWithRetry(ctx, job.ID, err.Error(), nil)
		w.queue.CallFailHooks(ctx, job, err)
		w.queue.Emit(&core.JobFailed{Job: job, Error: err, Timestamp: time.Now()})
		return
	}

	var retryAfter *core.RetryAfterError
	if errors.As(err, &retryAfter) && job.Attempt < job.MaxRetries {
		retryAt := time.Now().Add(retryAfter.Delay)
		w.failWithRetry(ctx, job.ID, err.Error(), &retryAt)
		w.queue.CallRetryHooks(ctx, job, job.Attempt, err)
		w.queue.Emit(&core.JobRetrying{Job: job, Attempt: job.Attempt, Error: err, NextRunAt: retryAt, Timestamp: time.Now()})
		return
	}

	if job.Attempt < job.MaxRetries {
		retryAt := time.Now().Add(w.config.RetryPolicy.BackoffFor(job.Attempt))
		w.failWithRetry(ctx, job.ID, err.Error(), &retryAt)
		w.queue.CallRetryHooks(ctx, job, job.Attempt, err)
		w.queue.Emit(&core.JobRetrying{Job: job, Attempt: job.Attempt, Error: err, NextRunAt: retryAt, Timestamp: time.Now()})
		return
	}

	w.failWithRetry(ctx, job.ID, err.Error(), nil)
	w.queue.CallFailHooks(ctx, job, err)
	w.queue.Emit(&core.JobFailed{Job: job, Error: err, Timestamp: time.Now()})
}

// completeWithRetry marks a job complete with retry on transient failures.
func (w *Worker) completeWithRetry(ctx context.Context, jobID string, result []byte) error {
	return retryWithBackoff(ctx, storageRetryPolicy(), func() error {
		return w.queue.Storage().Complete(ctx, jobID, w.config.WorkerID, result)
	})
}

// failWithRetry marks a job failed (or retrying when retryAt is set) with
// retry on transient storage failures.
func (w *Worker) failWithRetry(ctx context.Context, jobID string, errMsg string, retryAt *time.Time) {
	err := retryWithBackoff(ctx, storageRetryPolicy(), func() error {
		return w.queue.Storage().Fail(ctx, jobID, w.config.WorkerID, errMsg, retryAt)
	})
	if err != nil {
		w.logger.Error("failed to mark job as failed after retries", "job_id", jobID, "error", err)
	}
}

// runHeartbeat periodically extends the job lock during execution so a
// long-running batch is not reclaimed as stale.
func (w *Worker) runHeartbeat(ctx context.Context, job *core.Job) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := retryWithBackoff(ctx, storageRetryPolicy(), func() error {
				return w.queue.Storage().Heartbeat(ctx, job.ID, w.config.WorkerID)
			})
			if err != nil {
				w.logger.Warn("heartbeat failed after retries", "job_id", job.ID, "error", err)
			}
		}
	}
}

// sweepStaleLocks periodically releases locks held by pullers that died
// mid-processing, returning their jobs to the waiting bucket.
func (w *Worker) sweepStaleLocks(ctx context.Context) {
	ticker := time.NewTicker(w.config.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := w.queue.Storage().ReleaseStaleLocks(ctx, w.config.StaleAfter)
			if err != nil {
				w.logger.Error("stale lock sweep failed", "error", err)
				continue
			}
			if released > 0 {
				w.logger.Warn("reassigned stalled jobs", "count", released)
			}
		}
	}
}
