// Package core provides the domain models and interfaces shared by the
// orchestration packages.
package core

import (
	"time"
)

// JobKind identifies which processor handles a job.
type JobKind string

const (
	KindRequestAction  JobKind = "request-action"
	KindFollowUpAction JobKind = "follow-up-action"
	KindReconcile      JobKind = "reconcile-pending"
)

// JobStatus represents the current lifecycle bucket of a job.
// A job is visible in exactly one bucket at a time.
type JobStatus string

const (
	StatusWaiting   JobStatus = "waiting"
	StatusActive    JobStatus = "active"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// SystemCampaign is the campaign id used for user-scoped jobs that do not
// belong to any campaign (e.g. follow-up runs).
const SystemCampaign = "system"

// Job represents a unit of orchestrated work.
type Job struct {
	ID          string     `gorm:"primaryKey;size:36"`
	Kind        JobKind    `gorm:"index;size:32;not null"`
	UserID      string     `gorm:"index;size:36;not null"`
	CampaignID  string     `gorm:"index;size:36;default:'system'"`
	Payload     []byte     `gorm:"type:bytes"`
	Status      JobStatus  `gorm:"index;size:20;default:'waiting'"`
	Priority    int        `gorm:"index;default:0"`
	Attempt     int        `gorm:"default:0"`
	MaxRetries  int        `gorm:"default:3"`
	LastError   string     `gorm:"type:text"`
	RunAt       *time.Time `gorm:"index"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time  `gorm:"autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime"`
	LockedBy    string     `gorm:"size:255"`
	LockedUntil *time.Time `gorm:"index"`
	Result      []byte     `gorm:"type:bytes"`
}

// Terminal reports whether the job has reached a terminal bucket.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Stats holds per-bucket job counts.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
