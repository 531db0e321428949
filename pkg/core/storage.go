package core

import (
	"context"
	"time"
)

// Starter is implemented by long-running components started from main.
type Starter interface {
	Start(ctx context.Context) error
}

// Storage defines the durable job queue persistence layer.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Job lifecycle
	Enqueue(ctx context.Context, job *Job) error
	Dequeue(ctx context.Context, kinds []JobKind, workerID string) (*Job, error)
	Complete(ctx context.Context, jobID string, workerID string, result []byte) error
	Fail(ctx context.Context, jobID string, workerID string, errMsg string, retryAt *time.Time) error

	// Locking
	Heartbeat(ctx context.Context, jobID string, workerID string) error
	ReleaseStaleLocks(ctx context.Context, staleDuration time.Duration) (int64, error)

	// Queries
	GetJob(ctx context.Context, jobID string) (*Job, error)
	GetJobsByStatus(ctx context.Context, status JobStatus, limit int) ([]*Job, error)
	Stats(ctx context.Context) (*Stats, error)

	// Retention
	PruneFinished(ctx context.Context, keepCompleted, keepFailed int) (int64, error)
}

// Store defines the domain persistence the processors and quota manager
// depend on. Implementations surface ErrPersistenceUnavailable when the
// backing store cannot be reached.
type Store interface {
	// Campaigns and accounts
	GetCampaign(ctx context.Context, id string) (*Campaign, error)
	ListCampaignsByStatus(ctx context.Context, status CampaignStatus) ([]*Campaign, error)
	ListUsersWithCampaignsIn(ctx context.Context, statuses []CampaignStatus, now time.Time) ([]string, error)
	GetAccount(ctx context.Context, userID string) (*PlatformAccount, error)

	// Quota
	GetLimits(ctx context.Context, userID string) (*UserLimits, error)
	GetUsage(ctx context.Context, userID string, date string) (*DailyUsage, error)
	IncrementUsage(ctx context.Context, userID string, date string, resource Resource, delta int) error

	// Pending jobs
	CreatePendingJob(ctx context.Context, pj *PendingJob) error
	ListReconcilablePendingJobs(ctx context.Context) ([]*PendingJob, error)
	IncrementPendingRetry(ctx context.Context, id string) error
	DeletePendingJob(ctx context.Context, id string) error
	PurgePendingJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Activity log
	AppendActivity(ctx context.Context, a *Activity) error
	ListActivities(ctx context.Context, userID string, limit int) ([]*Activity, error)
}
