// Package scheduler drives the time-based production of jobs. A single
// scheduler owns independent periodic tasks, each with its own cadence and
// a manual trigger entry point for operational control.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/outreachd/outreachd/pkg/core"
	"github.com/outreachd/outreachd/pkg/processor"
	"github.com/outreachd/outreachd/pkg/queue"
	"github.com/outreachd/outreachd/pkg/schedule"
)

// Task is one named periodic producer.
type Task struct {
	Name     string
	Schedule schedule.Schedule
	Run      func(ctx context.Context) error

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
	nextRun time.Time
	runs    int64
}

// TaskStatus is the API-facing view of one task.
type TaskStatus struct {
	Name      string     `json:"name"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   time.Time  `json:"next_run"`
	LastError string     `json:"last_error,omitempty"`
	Runs      int64      `json:"runs"`
}

// Config carries the scheduler's collaborators and cadences.
type Config struct {
	Queue *queue.Queue
	Store core.Store

	// ImportLimit caps each scheduled request-action batch.
	ImportLimit int

	// PendingMaxAge is the purge threshold for pending jobs.
	PendingMaxAge time.Duration

	// Retention counts for terminal jobs.
	KeepCompleted int
	KeepFailed    int

	// Cadences, overridable for tests.
	CampaignEvery  time.Duration
	FollowUpEvery  time.Duration
	ReconcileEvery time.Duration
	StatsEvery     time.Duration
}

func (c *Config) defaults() {
	if c.ImportLimit == 0 {
		c.ImportLimit = 10
	}
	if c.PendingMaxAge == 0 {
		c.PendingMaxAge = 72 * time.Hour
	}
	if c.KeepCompleted == 0 {
		c.KeepCompleted = 100
	}
	if c.KeepFailed == 0 {
		c.KeepFailed = 50
	}
	if c.CampaignEvery == 0 {
		c.CampaignEvery = 15 * time.Minute
	}
	if c.FollowUpEvery == 0 {
		c.FollowUpEvery = 13 * time.Minute
	}
	if c.ReconcileEvery == 0 {
		c.ReconcileEvery = time.Hour
	}
	if c.StatsEvery == 0 {
		c.StatsEvery = time.Hour
	}
}

// Scheduler runs the periodic producer tasks.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	tasks  []*Task
	now    func() time.Time
}

// New creates a scheduler with the five standard tasks.
func New(cfg Config) *Scheduler {
	cfg.defaults()
	s := &Scheduler{
		cfg:    cfg,
		logger: slog.Default().With("component", "scheduler"),
		now:    time.Now,
	}

	s.tasks = []*Task{
		{Name: "campaigns", Schedule: schedule.Every(cfg.CampaignEvery), Run: s.runCampaigns},
		{Name: "follow-ups", Schedule: schedule.Every(cfg.FollowUpEvery), Run: s.runFollowUps},
		{Name: "reconcile", Schedule: schedule.Every(cfg.ReconcileEvery), Run: s.runReconcile},
		{Name: "purge", Schedule: schedule.Daily(3, 0), Run: s.runPurge},
		{Name: "stats", Schedule: schedule.Every(cfg.StatsEvery), Run: s.runStats},
	}
	return s
}

// Start runs the scheduler loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	now := s.now()
	for _, t := range s.tasks {
		t.mu.Lock()
		t.nextRun = t.Schedule.Next(now)
		t.mu.Unlock()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := s.now()
			for _, t := range s.tasks {
				t.mu.Lock()
				due := !now.Before(t.nextRun)
				t.mu.Unlock()
				if due {
					s.runTask(ctx, t)
				}
			}
		}
	}
}

// runTask executes one task body, recording its outcome. A task error is
// logged and never escapes the loop.
func (s *Scheduler) runTask(ctx context.Context, t *Task) {
	err := t.Run(ctx)

	now := s.now()
	t.mu.Lock()
	t.lastRun = now
	t.lastErr = err
	t.nextRun = t.Schedule.Next(now)
	t.runs++
	t.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduler task failed", "task", t.Name, "error", err)
	}
}

// Trigger runs a task immediately, bypassing its schedule.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	for _, t := range s.tasks {
		if t.Name == name {
			s.runTask(ctx, t)
			t.mu.Lock()
			err := t.lastErr
			t.mu.Unlock()
			return err
		}
	}
	return fmt.Errorf("scheduler: unknown task %q", name)
}

// Status returns a snapshot of every task.
func (s *Scheduler) Status() []TaskStatus {
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		t.mu.Lock()
		st := TaskStatus{
			Name:    t.Name,
			NextRun: t.nextRun,
			Runs:    t.runs,
		}
		if !t.lastRun.IsZero() {
			lr := t.lastRun
			st.LastRun = &lr
		}
		if t.lastErr != nil {
			st.LastError = t.lastErr.Error()
		}
		t.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// runCampaigns enqueues a request-action job for every active campaign,
// capped at the import limit. A failure on one campaign does not stop the
// remainder.
func (s *Scheduler) runCampaigns(ctx context.Context) error {
	campaigns, err := s.cfg.Store.ListCampaignsByStatus(ctx, core.CampaignActive)
	if err != nil {
		return err
	}

	now := s.now()
	var failed int
	for _, c := range campaigns {
		if !c.InWindow(now) {
			continue
		}
		limit := c.DailyTarget
		if limit > s.cfg.ImportLimit {
			limit = s.cfg.ImportLimit
		}
		_, err := s.cfg.Queue.Enqueue(ctx, core.KindRequestAction, c.UserID, c.ID, processor.BatchPayload{Limit: limit})
		if err != nil {
			failed++
			s.logger.Error("failed to enqueue campaign job", "campaign_id", c.ID, "error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("scheduler: %d of %d campaign enqueues failed", failed, len(campaigns))
	}
	return nil
}

// runFollowUps enqueues a follow-up-action job for every user with at
// least one active or paused campaign inside its date window.
func (s *Scheduler) runFollowUps(ctx context.Context) error {
	users, err := s.cfg.Store.ListUsersWithCampaignsIn(ctx,
		[]core.CampaignStatus{core.CampaignActive, core.CampaignPaused}, s.now())
	if err != nil {
		return err
	}

	var failed int
	for _, userID := range users {
		_, err := s.cfg.Queue.Enqueue(ctx, core.KindFollowUpAction, userID, core.SystemCampaign, nil)
		if err != nil {
			failed++
			s.logger.Error("failed to enqueue follow-up job", "user_id", userID, "error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("scheduler: %d of %d follow-up enqueues failed", failed, len(users))
	}
	return nil
}

// runReconcile enqueues one reconcile-pending job; the processor performs
// the promotion pass under the worker's retry policy.
func (s *Scheduler) runReconcile(ctx context.Context) error {
	_, err := s.cfg.Queue.Enqueue(ctx, core.KindReconcile, core.SystemCampaign, core.SystemCampaign, nil)
	return err
}

// runPurge removes pending jobs past the age threshold regardless of retry
// state, and evicts terminal jobs beyond the retention counts.
func (s *Scheduler) runPurge(ctx context.Context) error {
	cutoff := s.now().Add(-s.cfg.PendingMaxAge)
	purged, err := s.cfg.Store.PurgePendingJobsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if purged > 0 {
		s.logger.Info("purged stale pending jobs", "count", purged, "cutoff", cutoff)
	}

	evicted, err := s.cfg.Queue.Storage().PruneFinished(ctx, s.cfg.KeepCompleted, s.cfg.KeepFailed)
	if err != nil {
		return err
	}
	if evicted > 0 {
		s.logger.Info("evicted finished jobs past retention", "count", evicted)
	}
	return nil
}

// runStats emits aggregate queue statistics for observability.
func (s *Scheduler) runStats(ctx context.Context) error {
	stats, err := s.cfg.Queue.Stats(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("queue stats",
		"waiting", stats.Waiting,
		"active", stats.Active,
		"completed", stats.Completed,
		"failed", stats.Failed,
	)
	return nil
}
