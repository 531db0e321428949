package core

import (
	"time"
)

// Resource identifies a per-user daily quota bucket.
type Resource string

const (
	ResourceConnections  Resource = "connections"
	ResourceMessages     Resource = "messages"
	ResourceVisits       Resource = "visits"
	ResourcePlatformMail Resource = "platform_mail"
)

// CampaignStatus is the lifecycle state of an outreach campaign.
type CampaignStatus string

const (
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// Campaign is an outreach campaign owned by one user.
type Campaign struct {
	ID           string         `gorm:"primaryKey;size:36"`
	UserID       string         `gorm:"index;size:36;not null"`
	Name         string         `gorm:"size:255"`
	Status       CampaignStatus `gorm:"index;size:20;default:'paused'"`
	SearchURL    string         `gorm:"type:text"`
	NoteTemplate string         `gorm:"type:text"`
	DailyTarget  int            `gorm:"default:10"`
	StartDate    *time.Time
	EndDate      *time.Time
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// InWindow reports whether the campaign's date window covers the given time.
// A missing bound is open-ended.
func (c *Campaign) InWindow(now time.Time) bool {
	if c.StartDate != nil && now.Before(*c.StartDate) {
		return false
	}
	if c.EndDate != nil && now.After(*c.EndDate) {
		return false
	}
	return true
}

// PlatformAccount holds a user's credentials for the remote platform.
type PlatformAccount struct {
	ID          string `gorm:"primaryKey;size:36"`
	UserID      string `gorm:"uniqueIndex;size:36;not null"`
	Email       string `gorm:"size:255"`
	Password    string `gorm:"size:255"`
	TrialEndsAt *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// TrialExpired reports whether the account's trial window has lapsed.
// Accounts without a trial bound never expire.
func (a *PlatformAccount) TrialExpired(now time.Time) bool {
	return a.TrialEndsAt != nil && now.After(*a.TrialEndsAt)
}

// DailyUsage tracks quota consumption for one user on one calendar date.
// Counters only move up within a day; a new date starts a fresh row.
type DailyUsage struct {
	UserID       string    `gorm:"primaryKey;size:36"`
	Date         string    `gorm:"primaryKey;size:10"` // YYYY-MM-DD
	Connections  int       `gorm:"default:0"`
	Messages     int       `gorm:"default:0"`
	Visits       int       `gorm:"default:0"`
	PlatformMail int       `gorm:"default:0"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// Get returns the counter for a resource.
func (u *DailyUsage) Get(r Resource) int {
	switch r {
	case ResourceConnections:
		return u.Connections
	case ResourceMessages:
		return u.Messages
	case ResourceVisits:
		return u.Visits
	case ResourcePlatformMail:
		return u.PlatformMail
	}
	return 0
}

// UserLimits holds the four per-day caps for one user.
type UserLimits struct {
	UserID       string    `gorm:"primaryKey;size:36"`
	Connections  int       `gorm:"default:30"`
	Messages     int       `gorm:"default:50"`
	Visits       int       `gorm:"default:100"`
	PlatformMail int       `gorm:"default:0"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// Get returns the cap for a resource.
func (l *UserLimits) Get(r Resource) int {
	switch r {
	case ResourceConnections:
		return l.Connections
	case ResourceMessages:
		return l.Messages
	case ResourceVisits:
		return l.Visits
	case ResourcePlatformMail:
		return l.PlatformMail
	}
	return 0
}

// DefaultLimits returns the caps materialized for a user on first read.
func DefaultLimits(userID string) *UserLimits {
	return &UserLimits{
		UserID:       userID,
		Connections:  30,
		Messages:     50,
		Visits:       100,
		PlatformMail: 0,
	}
}

// Remaining holds the non-negative allowance left today per resource.
type Remaining struct {
	Connections  int `json:"connections"`
	Messages     int `json:"messages"`
	Visits       int `json:"visits"`
	PlatformMail int `json:"platform_mail"`
}

// Get returns the remaining allowance for a resource.
func (r Remaining) Get(res Resource) int {
	switch res {
	case ResourceConnections:
		return r.Connections
	case ResourceMessages:
		return r.Messages
	case ResourceVisits:
		return r.Visits
	case ResourcePlatformMail:
		return r.PlatformMail
	}
	return 0
}

// PendingJob records outreach work deferred because quota was exhausted.
// The scheduler later promotes it back into a real Job and deletes the row.
type PendingJob struct {
	ID         string    `gorm:"primaryKey;size:36"`
	UserID     string    `gorm:"index;size:36;not null"`
	CampaignID string    `gorm:"index;size:36;default:'system'"`
	Kind       JobKind   `gorm:"size:32;not null"`
	Resource   Resource  `gorm:"size:32;not null"`
	Requested  int       `gorm:"not null"`
	RetryCount int       `gorm:"default:0"`
	MaxRetries int       `gorm:"default:5"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

// ActivityType classifies an activity log entry.
type ActivityType string

const (
	ActivityStarted   ActivityType = "started"
	ActivityCompleted ActivityType = "completed"
	ActivityFailed    ActivityType = "failed"
	ActivityDeferred  ActivityType = "deferred"
)

// Activity is one append-only log record bracketing automation work.
type Activity struct {
	ID         string       `gorm:"primaryKey;size:36"`
	UserID     string       `gorm:"index;size:36;not null"`
	CampaignID string       `gorm:"index;size:36;default:'system'"`
	JobID      string       `gorm:"index;size:36"`
	Type       ActivityType `gorm:"size:20;not null"`
	Message    string       `gorm:"type:text"`
	CreatedAt  time.Time    `gorm:"autoCreateTime"`
}
