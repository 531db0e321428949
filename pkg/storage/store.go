package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/outreachd/outreachd/pkg/core"
)

// GormStore implements core.Store using GORM. It usually shares the
// database handle with GormStorage.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed domain store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// DB returns the underlying GORM handle.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// Migrate creates the domain tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&core.Campaign{},
		&core.PlatformAccount{},
		&core.DailyUsage{},
		&core.UserLimits{},
		&core.PendingJob{},
		&core.Activity{},
	)
}

// wrapErr maps backing-store failures onto the retryable persistence error.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", core.ErrPersistenceUnavailable, err)
}

// GetCampaign fetches a campaign by id. Returns nil when not found.
func (s *GormStore) GetCampaign(ctx context.Context, id string) (*core.Campaign, error) {
	var c core.Campaign
	err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	return &c, nil
}

// ListCampaignsByStatus returns campaigns in a given state, oldest first.
func (s *GormStore) ListCampaignsByStatus(ctx context.Context, status core.CampaignStatus) ([]*core.Campaign, error) {
	var campaigns []*core.Campaign
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&campaigns).Error
	return campaigns, wrapErr(err)
}

// ListUsersWithCampaignsIn returns distinct user ids owning at least one
// campaign in one of the given states whose date window covers now.
func (s *GormStore) ListUsersWithCampaignsIn(ctx context.Context, statuses []core.CampaignStatus, now time.Time) ([]string, error) {
	var userIDs []string
	err := s.db.WithContext(ctx).
		Model(&core.Campaign{}).
		Distinct("user_id").
		Where("status IN ?", statuses).
		Where("(start_date IS NULL OR start_date <= ?)", now).
		Where("(end_date IS NULL OR end_date >= ?)", now).
		Pluck("user_id", &userIDs).Error
	return userIDs, wrapErr(err)
}

// GetAccount fetches a user's platform credentials. Returns nil when absent.
func (s *GormStore) GetAccount(ctx context.Context, userID string) (*core.PlatformAccount, error) {
	var a core.PlatformAccount
	err := s.db.WithContext(ctx).First(&a, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	return &a, nil
}

// GetLimits returns the user's daily caps, materializing defaults on first read.
func (s *GormStore) GetLimits(ctx context.Context, userID string) (*core.UserLimits, error) {
	var l core.UserLimits
	err := s.db.WithContext(ctx).First(&l, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		defaults := core.DefaultLimits(userID)
		if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(defaults).Error; err != nil {
			return nil, wrapErr(err)
		}
		return defaults, nil
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	return &l, nil
}

// GetUsage returns today's usage row for a user, zero-valued when absent.
func (s *GormStore) GetUsage(ctx context.Context, userID string, date string) (*core.DailyUsage, error) {
	var u core.DailyUsage
	err := s.db.WithContext(ctx).
		First(&u, "user_id = ? AND date = ?", userID, date).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &core.DailyUsage{UserID: userID, Date: date}, nil
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	return &u, nil
}

func usageColumn(r core.Resource) (string, error) {
	switch r {
	case core.ResourceConnections:
		return "connections", nil
	case core.ResourceMessages:
		return "messages", nil
	case core.ResourceVisits:
		return "visits", nil
	case core.ResourcePlatformMail:
		return "platform_mail", nil
	}
	return "", fmt.Errorf("storage: unknown resource %q", r)
}

// IncrementUsage atomically adds delta to one usage counter. The upsert
// serializes racing increments for the same user at the database.
func (s *GormStore) IncrementUsage(ctx context.Context, userID string, date string, resource core.Resource, delta int) error {
	col, err := usageColumn(resource)
	if err != nil {
		return err
	}

	row := &core.DailyUsage{UserID: userID, Date: date}
	switch resource {
	case core.ResourceConnections:
		row.Connections = delta
	case core.ResourceMessages:
		row.Messages = delta
	case core.ResourceVisits:
		row.Visits = delta
	case core.ResourcePlatformMail:
		row.PlatformMail = delta
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "date"}},
		DoUpdates: clause.Assignments(map[string]any{
			col: gorm.Expr(col+" + ?", delta),
		}),
	}).Create(row).Error
	return wrapErr(err)
}

// CreatePendingJob records deferred work. Idempotent per
// (user, campaign, kind, resource): an existing record is left untouched.
func (s *GormStore) CreatePendingJob(ctx context.Context, pj *core.PendingJob) error {
	if pj.ID == "" {
		pj.ID = uuid.New().String()
	}
	if pj.CampaignID == "" {
		pj.CampaignID = core.SystemCampaign
	}
	if pj.MaxRetries == 0 {
		pj.MaxRetries = 5
	}

	return wrapErr(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&core.PendingJob{}).
			Where("user_id = ? AND campaign_id = ? AND kind = ? AND resource = ?",
				pj.UserID, pj.CampaignID, pj.Kind, pj.Resource).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		return tx.Create(pj).Error
	}))
}

// ListReconcilablePendingJobs returns pending jobs still under their retry
// budget, oldest first.
func (s *GormStore) ListReconcilablePendingJobs(ctx context.Context) ([]*core.PendingJob, error) {
	var pending []*core.PendingJob
	err := s.db.WithContext(ctx).
		Where("retry_count < max_retries").
		Order("created_at ASC").
		Find(&pending).Error
	return pending, wrapErr(err)
}

// IncrementPendingRetry bumps the retry counter on a pending job.
func (s *GormStore) IncrementPendingRetry(ctx context.Context, id string) error {
	return wrapErr(s.db.WithContext(ctx).
		Model(&core.PendingJob{}).
		Where("id = ?", id).
		Update("retry_count", gorm.Expr("retry_count + 1")).Error)
}

// DeletePendingJob removes a pending job once promoted to a real job.
func (s *GormStore) DeletePendingJob(ctx context.Context, id string) error {
	return wrapErr(s.db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&core.PendingJob{}).Error)
}

// PurgePendingJobsBefore removes pending jobs created before the cutoff,
// regardless of retry state.
func (s *GormStore) PurgePendingJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&core.PendingJob{})
	return result.RowsAffected, wrapErr(result.Error)
}

// AppendActivity appends one activity log record.
func (s *GormStore) AppendActivity(ctx context.Context, a *core.Activity) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CampaignID == "" {
		a.CampaignID = core.SystemCampaign
	}
	return wrapErr(s.db.WithContext(ctx).Create(a).Error)
}

// ListActivities returns a user's newest activity records.
func (s *GormStore) ListActivities(ctx context.Context, userID string, limit int) ([]*core.Activity, error) {
	var activities []*core.Activity
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&activities).Error
	return activities, wrapErr(err)
}
