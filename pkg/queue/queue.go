// Package queue provides the durable job queue orchestrator.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/outreachd/outreachd/pkg/core"
)

// Processor is the kind-specific handler invoked for a dequeued job.
type Processor interface {
	Process(ctx context.Context, job *core.Job) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, job *core.Job) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, job *core.Job) error {
	return f(ctx, job)
}

// Queue manages processor registration, enqueueing, and job inspection.
type Queue struct {
	storage    core.Storage
	processors map[core.JobKind]Processor
	mu         sync.RWMutex

	// Hooks
	onStart    []func(context.Context, *core.Job)
	onComplete []func(context.Context, *core.Job)
	onFail     []func(context.Context, *core.Job, error)
	onRetry    []func(context.Context, *core.Job, int, error)

	// Event stream
	eventSubs []chan core.Event
}

// New creates a new Queue with the given storage backend.
func New(s core.Storage) *Queue {
	return &Queue{
		storage:    s,
		processors: make(map[core.JobKind]Processor),
	}
}

// Register registers the processor for a job kind. Enqueueing a kind with
// no registered processor fails.
func (q *Queue) Register(kind core.JobKind, p Processor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processors[kind] = p
}

// GetProcessor returns the processor for a kind.
func (q *Queue) GetProcessor(kind core.JobKind) (Processor, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	p, ok := q.processors[kind]
	return p, ok
}

// Kinds returns all registered job kinds.
func (q *Queue) Kinds() []core.JobKind {
	q.mu.RLock()
	defer q.mu.RUnlock()
	kinds := make([]core.JobKind, 0, len(q.processors))
	for k := range q.processors {
		kinds = append(kinds, k)
	}
	return kinds
}

// Enqueue adds a job to the queue in the waiting bucket. The payload is
// JSON-marshalled. The enqueue is durable before the call returns.
func (q *Queue) Enqueue(ctx context.Context, kind core.JobKind, userID, campaignID string, payload any, opts ...Option) (*core.Job, error) {
	q.mu.RLock()
	_, ok := q.processors[kind]
	q.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrNoHandler, kind)
	}

	options := NewOptions()
	for _, opt := range opts {
		opt.Apply(options)
	}

	var payloadBytes []byte
	if payload != nil {
		var err error
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("queue: failed to marshal payload: %w", err)
		}
	}

	if campaignID == "" {
		campaignID = core.SystemCampaign
	}

	job := &core.Job{
		ID:         uuid.New().String(),
		Kind:       kind,
		UserID:     userID,
		CampaignID: campaignID,
		Payload:    payloadBytes,
		Status:     core.StatusWaiting,
		Priority:   options.Priority,
		MaxRetries: options.MaxRetries,
	}

	if options.Delay > 0 {
		runAt := time.Now().Add(options.Delay)
		job.RunAt = &runAt
	}
	if options.RunAt != nil {
		job.RunAt = options.RunAt
	}

	if err := q.storage.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrQueueUnavailable, err)
	}
	return job, nil
}

// Get fetches a job by id. Returns core.ErrJobNotFound for unknown ids.
func (q *Queue) Get(ctx context.Context, jobID string) (*core.Job, error) {
	job, err := q.storage.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, core.ErrJobNotFound
	}
	return job, nil
}

// ListByState returns jobs in the given lifecycle bucket, oldest first.
func (q *Queue) ListByState(ctx context.Context, status core.JobStatus, limit int) ([]*core.Job, error) {
	return q.storage.GetJobsByStatus(ctx, status, limit)
}

// Stats returns per-bucket job counts.
func (q *Queue) Stats(ctx context.Context) (*core.Stats, error) {
	return q.storage.Stats(ctx)
}

// Storage returns the underlying storage.
func (q *Queue) Storage() core.Storage {
	return q.storage
}

// OnJobStart registers a callback for when a job starts.
func (q *Queue) OnJobStart(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onStart = append(q.onStart, fn)
	q.mu.Unlock()
}

// OnJobComplete registers a callback for when a job completes successfully.
func (q *Queue) OnJobComplete(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onComplete = append(q.onComplete, fn)
	q.mu.Unlock()
}

// OnJobFail registers a callback for when a job fails permanently.
func (q *Queue) OnJobFail(fn func(context.Context, *core.Job, error)) {
	q.mu.Lock()
	q.onFail = append(q.onFail, fn)
	q.mu.Unlock()
}

// OnRetry registers a callback for when a job is retried.
func (q *Queue) OnRetry(fn func(context.Context, *core.Job, int, error)) {
	q.mu.Lock()
	q.onRetry = append(q.onRetry, fn)
	q.mu.Unlock()
}

// Events returns a channel for receiving queue events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (q *Queue) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	q.mu.Lock()
	q.eventSubs = append(q.eventSubs, ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
func (q *Queue) Unsubscribe(ch <-chan core.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, sub := range q.eventSubs {
		if sub == ch {
			q.eventSubs = append(q.eventSubs[:i], q.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit emits an event to all subscribers. Slow consumers drop events
// rather than block the worker.
func (q *Queue) Emit(e core.Event) {
	q.mu.RLock()
	subs := make([]chan core.Event, len(q.eventSubs))
	copy(subs, q.eventSubs)
	q.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// CallStartHooks calls all registered start hooks.
func (q *Queue) CallStartHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job), len(q.onStart))
	copy(hooks, q.onStart)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallCompleteHooks calls all registered complete hooks.
func (q *Queue) CallCompleteHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job), len(q.onComplete))
	copy(hooks, q.onComplete)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallFailHooks calls all registered fail hooks.
func (q *Queue) CallFailHooks(ctx context.Context, job *core.Job, err error) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job, error), len(q.onFail))
	copy(hooks, q.onFail)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, err)
	}
}

// CallRetryHooks calls all registered retry hooks.
func (q *Queue) CallRetryHooks(ctx context.Context, job *core.Job, attempt int, err error) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job, int, error), len(q.onRetry))
	copy(hooks, q.onRetry)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, attempt, err)
	}
}
