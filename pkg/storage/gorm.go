// Package storage provides the GORM-backed persistence layer.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/outreachd/outreachd/pkg/core"
)

// lockDuration is the lease a puller holds on a dequeued job before the
// stale-lock sweeper may reassign it. Heartbeats extend it.
const lockDuration = 5 * time.Minute

// GormStorage implements core.Storage using GORM.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage creates a new GORM-backed job storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB exposes the underlying handle so the domain store can share it.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.Job{})
}

// Enqueue adds a job in the waiting bucket. Durable before return.
func (s *GormStorage) Enqueue(ctx context.Context, job *core.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.StatusWaiting
	}
	if job.CampaignID == "" {
		job.CampaignID = core.SystemCampaign
	}
	return s.db.WithContext(ctx).Create(job).Error
}

// Dequeue fetches and locks the next waiting job of a matching kind,
// transitioning it to active. Returns nil when no job is available.
func (s *GormStorage) Dequeue(ctx context.Context, kinds []core.JobKind, workerID string) (*core.Job, error) {
	var job core.Job
	now := time.Now()
	lockUntil := now.Add(lockDuration)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.
			Where("kind IN ?", kinds).
			Where("status = ?", core.StatusWaiting).
			Where("(run_at IS NULL OR run_at <= ?)", now).
			Where("(locked_until IS NULL OR locked_until < ?)", now).
			Order("priority DESC, created_at ASC").
			First(&job)

		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return nil
			}
			return result.Error
		}

		job.Status = core.StatusActive
		job.LockedBy = workerID
		job.LockedUntil = &lockUntil
		job.StartedAt = &now
		job.Attempt++

		return tx.Save(&job).Error
	})

	if err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, nil
	}
	return &job, nil
}

// Complete marks a job as successfully completed, storing its result.
// Validates that the worker owns the job.
func (s *GormStorage) Complete(ctx context.Context, jobID string, workerID string, result []byte) error {
	now := time.Now()
	res := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ?", jobID, workerID).
		Updates(map[string]any{
			"status":       core.StatusCompleted,
			"completed_at": now,
			"result":       result,
			"locked_by":    "",
			"locked_until": nil,
		})

	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// Fail records a failure. With retryAt set the job returns to the waiting
// bucket for another attempt; otherwise it lands in failed.
func (s *GormStorage) Fail(ctx context.Context, jobID string, workerID string, errMsg string, retryAt *time.Time) error {
	updates := map[string]any{
		"last_error":   errMsg,
		"locked_by":    "",
		"locked_until": nil,
	}

	if retryAt != nil {
		updates["status"] = core.StatusWaiting
		updates["run_at"] = retryAt
	} else {
		updates["status"] = core.StatusFailed
		now := time.Now()
		updates["completed_at"] = now
	}

	res := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ?", jobID, workerID).
		Updates(updates)

	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// Heartbeat extends the lock lease on an active job.
func (s *GormStorage) Heartbeat(ctx context.Context, jobID string, workerID string) error {
	lockUntil := time.Now().Add(lockDuration)
	return s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ?", jobID, workerID).
		Update("locked_until", lockUntil).Error
}

// ReleaseStaleLocks returns jobs whose puller stopped heartbeating to the
// waiting bucket so another puller can pick them up.
func (s *GormStorage) ReleaseStaleLocks(ctx context.Context, staleDuration time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleDuration)
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("status = ?", core.StatusActive).
		Where("locked_until < ?", cutoff).
		Updates(map[string]any{
			"status":       core.StatusWaiting,
			"locked_by":    "",
			"locked_until": nil,
		})
	return result.RowsAffected, result.Error
}

// GetJob retrieves a job by id. Returns nil when not found.
func (s *GormStorage) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJobsByStatus retrieves jobs in a lifecycle bucket, oldest first.
func (s *GormStorage) GetJobsByStatus(ctx context.Context, status core.JobStatus, limit int) ([]*core.Job, error) {
	var jobList []*core.Job
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobList).Error
	return jobList, err
}

// Stats returns per-bucket job counts.
func (s *GormStorage) Stats(ctx context.Context) (*core.Stats, error) {
	var rows []struct {
		Status core.JobStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := &core.Stats{}
	for _, row := range rows {
		switch row.Status {
		case core.StatusWaiting:
			stats.Waiting = row.Count
		case core.StatusActive:
			stats.Active = row.Count
		case core.StatusCompleted:
			stats.Completed = row.Count
		case core.StatusFailed:
			stats.Failed = row.Count
		}
	}
	return stats, nil
}

// PruneFinished evicts terminal jobs beyond the retention counts, keeping
// the newest keepCompleted completed and keepFailed failed jobs.
func (s *GormStorage) PruneFinished(ctx context.Context, keepCompleted, keepFailed int) (int64, error) {
	var total int64
	for _, p := range []struct {
		status core.JobStatus
		keep   int
	}{
		{core.StatusCompleted, keepCompleted},
		{core.StatusFailed, keepFailed},
	} {
		keepIDs := s.db.WithContext(ctx).
			Model(&core.Job{}).
			Select("id").
			Where("status = ?", p.status).
			Order("completed_at DESC").
			Limit(p.keep)

		result := s.db.WithContext(ctx).
			Where("status = ?", p.status).
			Where("id NOT IN (?)", keepIDs).
			Delete(&core.Job{})
		if result.Error != nil {
			return total, result.Error
		}
		total += result.RowsAffected
	}
	return total, nil
}
