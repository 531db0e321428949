package quota

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/outreachd/outreachd/pkg/core"
	"github.com/outreachd/outreachd/pkg/storage"
)

var dbCounter atomic.Int64

func setupManager(t *testing.T) (*Manager, *storage.GormStore) {
	t.Helper()
	n := dbCounter.Add(1)
	dbPath := fmt.Sprintf("/tmp/outreachd_quota_test_%d_%d.db", os.Getpid(), n)
	t.Cleanup(func() { _ = os.Remove(dbPath) })

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store := storage.NewGormStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	return New(store), store
}

func TestRemaining_DefaultsWhenUnused(t *testing.T) {
	m, _ := setupManager(t)

	remaining, err := m.Remaining(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 30, remaining.Connections)
	assert.Equal(t, 50, remaining.Messages)
	assert.Equal(t, 100, remaining.Visits)
	assert.Equal(t, 0, remaining.PlatformMail)
}

func TestRemaining_ClampsAtZero(t *testing.T) {
	m, store := setupManager(t)
	ctx := context.Background()

	fixed := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return fixed })

	// Usage over the cap, e.g. after a limit was lowered mid-day.
	require.NoError(t, store.IncrementUsage(ctx, "user-1", "2026-08-31", core.ResourceConnections, 45))

	remaining, err := m.Remaining(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining.Connections)
}

func TestMaxActionsForRun(t *testing.T) {
	m, store := setupManager(t)
	ctx := context.Background()

	fixed := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return fixed })

	// 28 of 30 connections used: a request for 10 is trimmed to 2.
	require.NoError(t, store.IncrementUsage(ctx, "user-1", "2026-08-31", core.ResourceConnections, 28))

	allowed, err := m.MaxActionsForRun(ctx, "user-1", core.ResourceConnections, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, allowed)

	// Requests under the allowance pass through untouched.
	allowed, err = m.MaxActionsForRun(ctx, "user-1", core.ResourceConnections, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, allowed)

	// Exhausted quota yields zero, not an error.
	require.NoError(t, store.IncrementUsage(ctx, "user-1", "2026-08-31", core.ResourceConnections, 2))
	allowed, err = m.MaxActionsForRun(ctx, "user-1", core.ResourceConnections, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, allowed)
}

func TestMaxActionsForRun_NonPositiveRequest(t *testing.T) {
	m, _ := setupManager(t)

	allowed, err := m.MaxActionsForRun(context.Background(), "user-1", core.ResourceMessages, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, allowed)

	allowed, err = m.MaxActionsForRun(context.Background(), "user-1", core.ResourceMessages, -3)
	require.NoError(t, err)
	assert.Equal(t, 0, allowed)
}

func TestMaxActionsForRun_NewDayResetsAllowance(t *testing.T) {
	m, store := setupManager(t)
	ctx := context.Background()

	day1 := time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return day1 })
	require.NoError(t, store.IncrementUsage(ctx, "user-1", "2026-08-31", core.ResourceConnections, 30))

	allowed, err := m.MaxActionsForRun(ctx, "user-1", core.ResourceConnections, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, allowed)

	m.SetClock(func() time.Time { return day1.Add(2 * time.Hour) })
	allowed, err = m.MaxActionsForRun(ctx, "user-1", core.ResourceConnections, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, allowed)
}

func TestCreatePendingJob_KeepsRequestedAmount(t *testing.T) {
	m, store := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.CreatePendingJob(ctx, "user-1", "camp-1", core.KindRequestAction, core.ResourceConnections, 10))

	pending, err := store.ListReconcilablePendingJobs(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 10, pending[0].Requested)
	assert.Equal(t, "camp-1", pending[0].CampaignID)
	assert.Equal(t, core.KindRequestAction, pending[0].Kind)
}
