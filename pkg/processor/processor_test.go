package processor

import (
	"context"
	"encoding/json"
	"errors"
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
	"github.com/outreachd/outreachd/pkg/queue"
	"github.com/outreachd/outreachd/pkg/quota"
	"github.com/outreachd/outreachd/pkg/runner"
	"github.com/outreachd/outreachd/pkg/session"
	"github.com/outreachd/outreachd/pkg/storage"
)

var dbCounter atomic.Int64

// fakeAutomator counts actions and fails on demand.
type fakeAutomator struct {
	connects  atomic.Int64
	followUps atomic.Int64

	// failAfter fails every action once the count exceeds it; 0 disables.
	failAfter int64
}

func (f *fakeAutomator) SendConnectionRequest(ctx context.Context, sess *session.Session, campaign *core.Campaign) error {
	if n := f.connects.Add(1); f.failAfter > 0 && n > f.failAfter {
		return errors.New("automation failed")
	}
	return nil
}

func (f *fakeAutomator) SendFollowUpMessage(ctx context.Context, sess *session.Session, userID string) error {
	if n := f.followUps.Add(1); f.failAfter > 0 && n > f.failAfter {
		return errors.New("automation failed")
	}
	return nil
}

type fixture struct {
	store     *storage.GormStore
	quota     *quota.Manager
	sessions  *session.Manager
	runner    *runner.Runner
	automator *fakeAutomator
	cfg       Config
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	n := dbCounter.Add(1)
	dbPath := fmt.Sprintf("/tmp/outreachd_processor_test_%d_%d.db", os.Getpid(), n)
	t.Cleanup(func() { _ = os.Remove(dbPath) })

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store := storage.NewGormStore(db)
	require.NoError(t, store.Migrate(context.Background()))

	launcher := func(ctx context.Context) (context.Context, context.CancelFunc, error) {
		browserCtx, cancel := context.WithCancel(ctx)
		return browserCtx, cancel, nil
	}
	sessions := session.NewManager(launcher, "")
	t.Cleanup(sessions.CloseAll)

	login := runner.LoginFunc(func(ctx context.Context, sess *session.Session, account *core.PlatformAccount) error {
		return nil
	})
	run := runner.New(sessions, store, login)
	run.SetLocator(func(sess *session.Session) (string, error) {
		return "https://www.example.com/feed/", nil
	})

	automator := &fakeAutomator{}
	return &fixture{
		store:     store,
		quota:     quota.New(store),
		sessions:  sessions,
		runner:    run,
		automator: automator,
		cfg: Config{
			Store:     store,
			Quota:     quota.New(store),
			Runner:    run,
			Automator: automator,
			Budget:    time.Minute,
			Pace:      NoPacing,
		},
	}
}

func (f *fixture) seedCampaign(t *testing.T, status core.CampaignStatus, target int) *core.Campaign {
	t.Helper()
	c := &core.Campaign{ID: "camp-1", UserID: "user-1", Status: status, DailyTarget: target}
	require.NoError(t, f.store.DB().Create(c).Error)
	return c
}

func (f *fixture) seedAccount(t *testing.T, trialEndsAt *time.Time) {
	t.Helper()
	require.NoError(t, f.store.DB().Create(&core.PlatformAccount{
		ID:          "acct-1",
		UserID:      "user-1",
		Email:       "user@example.com",
		Password:    "secret",
		TrialEndsAt: trialEndsAt,
	}).Error)
}

func todayKey() string {
	return time.Now().UTC().Format("2006-01-02")
}

func connectJob(t *testing.T, limit int) *core.Job {
	t.Helper()
	payload, err := json.Marshal(BatchPayload{Limit: limit})
	require.NoError(t, err)
	return &core.Job{
		ID:         "job-1",
		Kind:       core.KindRequestAction,
		UserID:     "user-1",
		CampaignID: "camp-1",
		Payload:    payload,
	}
}

func TestConnect_PerformsBatchWithinQuota(t *testing.T) {
	f := setupFixture(t)
	f.seedCampaign(t, core.CampaignActive, 10)
	f.seedAccount(t, nil)
	ctx := context.Background()

	p := NewConnect(f.cfg)
	job := connectJob(t, 3)
	require.NoError(t, p.Process(ctx, job))

	assert.Equal(t, int64(3), f.automator.connects.Load())

	usage, err := f.store.GetUsage(ctx, "user-1", todayKey())
	require.NoError(t, err)
	assert.Equal(t, 3, usage.Connections)

	var result runner.Result
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, 3, result.Performed)

	// Fully satisfied: nothing deferred.
	pending, err := f.store.ListReconcilablePendingJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestConnect_TrimsToRemainingQuota(t *testing.T) {
	f := setupFixture(t)
	f.seedCampaign(t, core.CampaignActive, 10)
	f.seedAccount(t, nil)
	ctx := context.Background()

	// 28 of the default 30 connections already used today.
	require.NoError(t, f.store.IncrementUsage(ctx, "user-1", todayKey(), core.ResourceConnections, 28))

	p := NewConnect(f.cfg)
	job := connectJob(t, 10)
	require.NoError(t, p.Process(ctx, job))

	assert.Equal(t, int64(2), f.automator.connects.Load())

	usage, err := f.store.GetUsage(ctx, "user-1", todayKey())
	require.NoError(t, err)
	assert.Equal(t, 30, usage.Connections)

	// The unmet remainder is deferred.
	pending, err := f.store.ListReconcilablePendingJobs(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 8, pending[0].Requested)
	assert.Equal(t, core.KindRequestAction, pending[0].Kind)
	assert.Equal(t, core.ResourceConnections, pending[0].Resource)
}

func TestConnect_QuotaExhaustedDefersOriginalAmount(t *testing.T) {
	f := setupFixture(t)
	f.seedCampaign(t, core.CampaignActive, 10)
	f.seedAccount(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.IncrementUsage(ctx, "user-1", todayKey(), core.ResourceConnections, 30))

	p := NewConnect(f.cfg)
	require.NoError(t, p.Process(ctx, connectJob(t, 10)))

	assert.Zero(t, f.automator.connects.Load())

	pending, err := f.store.ListReconcilablePendingJobs(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 10, pending[0].Requested)

	activities, err := f.store.ListActivities(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.Equal(t, core.ActivityDeferred, activities[0].Type)
}

func TestConnect_InactiveCampaignIsBenign(t *testing.T) {
	f := setupFixture(t)
	f.seedCampaign(t, core.CampaignPaused, 10)
	f.seedAccount(t, nil)

	p := NewConnect(f.cfg)
	require.NoError(t, p.Process(context.Background(), connectJob(t, 5)))
	assert.Zero(t, f.automator.connects.Load())
}

func TestConnect_CampaignOutsideWindowIsBenign(t *testing.T) {
	f := setupFixture(t)
	past := time.Now().Add(-24 * time.Hour)
	c := &core.Campaign{ID: "camp-1", UserID: "user-1", Status: core.CampaignActive, DailyTarget: 10, EndDate: &past}
	require.NoError(t, f.store.DB().Create(c).Error)
	f.seedAccount(t, nil)

	p := NewConnect(f.cfg)
	require.NoError(t, p.Process(context.Background(), connectJob(t, 5)))
	assert.Zero(t, f.automator.connects.Load())
}

func TestConnect_MissingAccountIsNotRetried(t *testing.T) {
	f := setupFixture(t)
	f.seedCampaign(t, core.CampaignActive, 10)

	p := NewConnect(f.cfg)
	err := p.Process(context.Background(), connectJob(t, 5))
	require.Error(t, err)

	var noRetry *core.NoRetryError
	assert.ErrorAs(t, err, &noRetry)
}

func TestConnect_ExpiredTrialIsBenign(t *testing.T) {
	f := setupFixture(t)
	f.seedCampaign(t, core.CampaignActive, 10)
	past := time.Now().Add(-time.Hour)
	f.seedAccount(t, &past)

	p := NewConnect(f.cfg)
	require.NoError(t, p.Process(context.Background(), connectJob(t, 5)))
	assert.Zero(t, f.automator.connects.Load())
}

func TestConnect_ActionFailureKeepsPartialProgress(t *testing.T) {
	f := setupFixture(t)
	f.seedCampaign(t, core.CampaignActive, 10)
	f.seedAccount(t, nil)
	ctx := context.Background()

	f.automator.failAfter = 2

	p := NewConnect(f.cfg)
	err := p.Process(ctx, connectJob(t, 5))
	require.Error(t, err)

	// The two successful actions are already counted against quota.
	usage, err := f.store.GetUsage(ctx, "user-1", todayKey())
	require.NoError(t, err)
	assert.Equal(t, 2, usage.Connections)
}

func TestConnect_ZeroLimitFallsBackToCampaignTarget(t *testing.T) {
	f := setupFixture(t)
	f.seedCampaign(t, core.CampaignActive, 4)
	f.seedAccount(t, nil)

	p := NewConnect(f.cfg)
	job := &core.Job{ID: "job-1", Kind: core.KindRequestAction, UserID: "user-1", CampaignID: "camp-1"}
	require.NoError(t, p.Process(context.Background(), job))
	assert.Equal(t, int64(4), f.automator.connects.Load())
}

func TestFollowUp_PerformsBatch(t *testing.T) {
	f := setupFixture(t)
	f.seedAccount(t, nil)
	ctx := context.Background()

	p := NewFollowUp(f.cfg)
	job := &core.Job{ID: "job-1", Kind: core.KindFollowUpAction, UserID: "user-1", CampaignID: core.SystemCampaign}
	payload, err := json.Marshal(BatchPayload{Limit: 3})
	require.NoError(t, err)
	job.Payload = payload

	require.NoError(t, p.Process(ctx, job))
	assert.Equal(t, int64(3), f.automator.followUps.Load())

	usage, err := f.store.GetUsage(ctx, "user-1", todayKey())
	require.NoError(t, err)
	assert.Equal(t, 3, usage.Messages)
}

func TestFollowUp_QuotaExhaustedDefers(t *testing.T) {
	f := setupFixture(t)
	f.seedAccount(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.IncrementUsage(ctx, "user-1", todayKey(), core.ResourceMessages, 50))

	p := NewFollowUp(f.cfg)
	job := &core.Job{ID: "job-1", Kind: core.KindFollowUpAction, UserID: "user-1", CampaignID: core.SystemCampaign}
	require.NoError(t, p.Process(ctx, job))

	assert.Zero(t, f.automator.followUps.Load())

	pending, err := f.store.ListReconcilablePendingJobs(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, DefaultFollowUpLimit, pending[0].Requested)
	assert.Equal(t, core.ResourceMessages, pending[0].Resource)
	assert.Equal(t, core.SystemCampaign, pending[0].CampaignID)
}

func TestReconcile_PromotesPendingJobs(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	jobStorage := storage.NewGormStorage(f.store.DB())
	require.NoError(t, jobStorage.Migrate(ctx))
	q := queue.New(jobStorage)
	q.Register(core.KindRequestAction, queue.ProcessorFunc(func(ctx context.Context, job *core.Job) error { return nil }))
	q.Register(core.KindReconcile, queue.ProcessorFunc(func(ctx context.Context, job *core.Job) error { return nil }))

	require.NoError(t, f.store.CreatePendingJob(ctx, &core.PendingJob{
		UserID:     "user-1",
		CampaignID: "camp-1",
		Kind:       core.KindRequestAction,
		Resource:   core.ResourceConnections,
		Requested:  8,
	}))

	p := NewReconcile(f.store, q)
	reconcileJob := &core.Job{ID: "job-r", Kind: core.KindReconcile, UserID: core.SystemCampaign}
	require.NoError(t, p.Process(ctx, reconcileJob))

	waiting, err := q.ListByState(ctx, core.StatusWaiting, 10)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, core.KindRequestAction, waiting[0].Kind)
	assert.Equal(t, "user-1", waiting[0].UserID)

	var payload BatchPayload
	require.NoError(t, json.Unmarshal(waiting[0].Payload, &payload))
	assert.Equal(t, 8, payload.Limit)

	// The pending row is gone; a second pass promotes nothing more.
	pending, err := f.store.ListReconcilablePendingJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, p.Process(ctx, reconcileJob))
	waiting, err = q.ListByState(ctx, core.StatusWaiting, 10)
	require.NoError(t, err)
	assert.Len(t, waiting, 1)
}

func TestReconcile_EnqueueFailureKeepsPendingRow(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	jobStorage := storage.NewGormStorage(f.store.DB())
	require.NoError(t, jobStorage.Migrate(ctx))
	// No processor registered for request-action, so enqueue fails.
	q := queue.New(jobStorage)

	require.NoError(t, f.store.CreatePendingJob(ctx, &core.PendingJob{
		UserID:    "user-1",
		Kind:      core.KindRequestAction,
		Resource:  core.ResourceConnections,
		Requested: 5,
	}))

	p := NewReconcile(f.store, q)
	require.NoError(t, p.Process(ctx, &core.Job{ID: "job-r", Kind: core.KindReconcile}))

	pending, err := f.store.ListReconcilablePendingJobs(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
}

func TestRunBatch_StopsAtBudget(t *testing.T) {
	calls := 0
	performed, err := runBatch(context.Background(), 100, -time.Second, NoPacing,
		func(ctx context.Context) error { calls++; return nil },
		func(ctx context.Context) error { return nil },
	)
	require.NoError(t, err)
	assert.Zero(t, performed)
	assert.Zero(t, calls)
}

func TestRunBatch_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	performed, err := runBatch(ctx, 10, time.Minute, NoPacing,
		func(ctx context.Context) error {
			calls++
			if calls == 2 {
				cancel()
			}
			return nil
		},
		func(ctx context.Context) error { return nil },
	)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, performed)
}
