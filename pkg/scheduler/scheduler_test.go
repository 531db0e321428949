package scheduler

import (
	"context"
	"encoding/json"
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
	"github.com/outreachd/outreachd/pkg/processor"
	"github.com/outreachd/outreachd/pkg/queue"
	"github.com/outreachd/outreachd/pkg/storage"
)

var dbCounter atomic.Int64

func setupScheduler(t *testing.T) (*Scheduler, *queue.Queue, *storage.GormStore) {
	t.Helper()
	n := dbCounter.Add(1)
	dbPath := fmt.Sprintf("/tmp/outreachd_scheduler_test_%d_%d.db", os.Getpid(), n)
	t.Cleanup(func() { _ = os.Remove(dbPath) })

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	jobStorage := storage.NewGormStorage(db)
	require.NoError(t, jobStorage.Migrate(context.Background()))
	store := storage.NewGormStore(db)
	require.NoError(t, store.Migrate(context.Background()))

	q := queue.New(jobStorage)
	noop := queue.ProcessorFunc(func(ctx context.Context, job *core.Job) error { return nil })
	q.Register(core.KindRequestAction, noop)
	q.Register(core.KindFollowUpAction, noop)
	q.Register(core.KindReconcile, noop)

	s := New(Config{Queue: q, Store: store, ImportLimit: 10})
	return s, q, store
}

func TestTrigger_Campaigns(t *testing.T) {
	s, q, store := setupScheduler(t)
	ctx := context.Background()

	past := time.Now().Add(-24 * time.Hour)
	require.NoError(t, store.DB().Create(&core.Campaign{ID: "c1", UserID: "u1", Status: core.CampaignActive, DailyTarget: 25}).Error)
	require.NoError(t, store.DB().Create(&core.Campaign{ID: "c2", UserID: "u2", Status: core.CampaignActive, DailyTarget: 5}).Error)
	require.NoError(t, store.DB().Create(&core.Campaign{ID: "c3", UserID: "u3", Status: core.CampaignPaused, DailyTarget: 5}).Error)
	require.NoError(t, store.DB().Create(&core.Campaign{ID: "c4", UserID: "u4", Status: core.CampaignActive, DailyTarget: 5, EndDate: &past}).Error)

	require.NoError(t, s.Trigger(ctx, "campaigns"))

	waiting, err := q.ListByState(ctx, core.StatusWaiting, 10)
	require.NoError(t, err)
	require.Len(t, waiting, 2)

	limits := map[string]int{}
	for _, job := range waiting {
		assert.Equal(t, core.KindRequestAction, job.Kind)
		var payload processor.BatchPayload
		require.NoError(t, json.Unmarshal(job.Payload, &payload))
		limits[job.CampaignID] = payload.Limit
	}
	// Targets above the import limit are capped.
	assert.Equal(t, 10, limits["c1"])
	assert.Equal(t, 5, limits["c2"])
}

func TestTrigger_FollowUps(t *testing.T) {
	s, q, store := setupScheduler(t)
	ctx := context.Background()

	require.NoError(t, store.DB().Create(&core.Campaign{ID: "c1", UserID: "u1", Status: core.CampaignActive}).Error)
	require.NoError(t, store.DB().Create(&core.Campaign{ID: "c2", UserID: "u1", Status: core.CampaignPaused}).Error)
	require.NoError(t, store.DB().Create(&core.Campaign{ID: "c3", UserID: "u2", Status: core.CampaignPaused}).Error)
	require.NoError(t, store.DB().Create(&core.Campaign{ID: "c4", UserID: "u3", Status: core.CampaignCompleted}).Error)

	require.NoError(t, s.Trigger(ctx, "follow-ups"))

	waiting, err := q.ListByState(ctx, core.StatusWaiting, 10)
	require.NoError(t, err)
	require.Len(t, waiting, 2)

	users := map[string]bool{}
	for _, job := range waiting {
		assert.Equal(t, core.KindFollowUpAction, job.Kind)
		assert.Equal(t, core.SystemCampaign, job.CampaignID)
		users[job.UserID] = true
	}
	assert.True(t, users["u1"])
	assert.True(t, users["u2"])
}

func TestTrigger_Reconcile(t *testing.T) {
	s, q, _ := setupScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.Trigger(ctx, "reconcile"))

	waiting, err := q.ListByState(ctx, core.StatusWaiting, 10)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, core.KindReconcile, waiting[0].Kind)
}

func TestTrigger_Purge(t *testing.T) {
	s, _, store := setupScheduler(t)
	ctx := context.Background()

	old := &core.PendingJob{UserID: "u1", Kind: core.KindRequestAction, Resource: core.ResourceConnections, Requested: 3}
	require.NoError(t, store.CreatePendingJob(ctx, old))
	past := time.Now().Add(-96 * time.Hour)
	require.NoError(t, store.DB().Model(&core.PendingJob{}).Where("id = ?", old.ID).Update("created_at", past).Error)

	fresh := &core.PendingJob{UserID: "u2", Kind: core.KindRequestAction, Resource: core.ResourceConnections, Requested: 3}
	require.NoError(t, store.CreatePendingJob(ctx, fresh))

	require.NoError(t, s.Trigger(ctx, "purge"))

	pending, err := store.ListReconcilablePendingJobs(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, fresh.ID, pending[0].ID)
}

func TestTrigger_UnknownTask(t *testing.T) {
	s, _, _ := setupScheduler(t)
	assert.Error(t, s.Trigger(context.Background(), "nope"))
}

func TestStatus(t *testing.T) {
	s, _, _ := setupScheduler(t)
	ctx := context.Background()

	status := s.Status()
	require.Len(t, status, 5)
	names := map[string]bool{}
	for _, st := range status {
		names[st.Name] = true
		assert.Zero(t, st.Runs)
		assert.Nil(t, st.LastRun)
	}
	for _, want := range []string{"campaigns", "follow-ups", "reconcile", "purge", "stats"} {
		assert.True(t, names[want], "missing task %s", want)
	}

	require.NoError(t, s.Trigger(ctx, "stats"))

	for _, st := range s.Status() {
		if st.Name == "stats" {
			assert.Equal(t, int64(1), st.Runs)
			assert.NotNil(t, st.LastRun)
		}
	}
}

func TestRunCampaigns_FaultIsolation(t *testing.T) {
	_, q, store := setupScheduler(t)
	ctx := context.Background()

	require.NoError(t, store.DB().Create(&core.Campaign{ID: "c1", UserID: "u1", Status: core.CampaignActive, DailyTarget: 5}).Error)

	// An unregistered kind makes every enqueue fail; the task reports the
	// failure without panicking.
	bare := queue.New(q.Storage())
	s2 := New(Config{Queue: bare, Store: store})
	assert.Error(t, s2.Trigger(ctx, "campaigns"))
}

func TestStart_RunsDueTasks(t *testing.T) {
	s, q, store := setupScheduler(t)

	require.NoError(t, store.DB().Create(&core.Campaign{ID: "c1", UserID: "u1", Status: core.CampaignActive, DailyTarget: 5}).Error)

	// Pin the clock far enough ahead that every Every-based task is due on
	// the first tick.
	base := time.Now()
	var offset atomic.Int64
	s.now = func() time.Time { return base.Add(time.Duration(offset.Load())) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Start(ctx)
	}()

	offset.Store(int64(16 * time.Minute))

	require.Eventually(t, func() bool {
		waiting, err := q.ListByState(context.Background(), core.StatusWaiting, 10)
		return err == nil && len(waiting) > 0
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	<-done
}
