// Package quota gates outreach actions against per-user daily limits.
//
// The manager only reads usage and writes pending-job records; usage
// counters are incremented by the processors as actions actually succeed.
package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/outreachd/outreachd/pkg/core"
)

// Manager computes remaining allowances and records deferred work.
type Manager struct {
	store  core.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a quota manager over the given store.
func New(store core.Store) *Manager {
	return &Manager{
		store:  store,
		logger: slog.Default().With("component", "quota"),
		now:    time.Now,
	}
}

// SetClock overrides the clock. Used by tests to pin the calendar date.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// today returns the calendar date key for usage rows.
func (m *Manager) today() string {
	return m.now().UTC().Format("2006-01-02")
}

// Remaining returns the non-negative allowance left today per resource,
// computed as max(0, limit - usageToday). Limits are defaulted on first read.
func (m *Manager) Remaining(ctx context.Context, userID string) (core.Remaining, error) {
	limits, err := m.store.GetLimits(ctx, userID)
	if err != nil {
		return core.Remaining{}, err
	}
	usage, err := m.store.GetUsage(ctx, userID, m.today())
	if err != nil {
		return core.Remaining{}, err
	}

	return core.Remaining{
		Connections:  clamp(limits.Connections - usage.Connections),
		Messages:     clamp(limits.Messages - usage.Messages),
		Visits:       clamp(limits.Visits - usage.Visits),
		PlatformMail: clamp(limits.PlatformMail - usage.PlatformMail),
	}, nil
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// MaxActionsForRun is the authoritative gate a processor calls before
// consuming a resource. Returns min(requested, remaining); 0 when exhausted
// (not an error).
func (m *Manager) MaxActionsForRun(ctx context.Context, userID string, resource core.Resource, requested int) (int, error) {
	if requested <= 0 {
		return 0, nil
	}
	remaining, err := m.Remaining(ctx, userID)
	if err != nil {
		return 0, err
	}
	allowed := remaining.Get(resource)
	if requested < allowed {
		allowed = requested
	}
	return allowed, nil
}

// CreatePendingJob records outreach work to retry once quota frees up.
// Idempotent per (user, campaign, kind, resource).
func (m *Manager) CreatePendingJob(ctx context.Context, userID, campaignID string, kind core.JobKind, resource core.Resource, requested int) error {
	err := m.store.CreatePendingJob(ctx, &core.PendingJob{
		UserID:     userID,
		CampaignID: campaignID,
		Kind:       kind,
		Resource:   resource,
		Requested:  requested,
	})
	if err != nil {
		return err
	}
	m.logger.Info("deferred work recorded",
		"user_id", userID,
		"campaign_id", campaignID,
		"kind", kind,
		"resource", resource,
		"requested", requested,
	)
	return nil
}
