package queue

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
	"github.com/outreachd/outreachd/pkg/storage"
)

var dbCounter atomic.Int64

func setupTestQueue(t *testing.T) *Queue {
	t.Helper()
	n := dbCounter.Add(1)
	dbPath := fmt.Sprintf("/tmp/outreachd_queue_test_%d_%d.db", os.Getpid(), n)
	t.Cleanup(func() { _ = os.Remove(dbPath) })

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	s := storage.NewGormStorage(db)
	require.NoError(t, s.Migrate(context.Background()))
	return New(s)
}

func noopProcessor() Processor {
	return ProcessorFunc(func(ctx context.Context, job *core.Job) error {
		return nil
	})
}

func TestEnqueue(t *testing.T) {
	q := setupTestQueue(t)
	q.Register(core.KindRequestAction, noopProcessor())

	job, err := q.Enqueue(context.Background(), core.KindRequestAction, "user-1", "camp-1", map[string]int{"limit": 5})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, core.StatusWaiting, job.Status)
	assert.Equal(t, DefaultMaxRetries, job.MaxRetries)

	var payload map[string]int
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, 5, payload["limit"])
}

func TestEnqueue_UnregisteredKind(t *testing.T) {
	q := setupTestQueue(t)

	_, err := q.Enqueue(context.Background(), core.KindRequestAction, "user-1", "", nil)
	assert.ErrorIs(t, err, core.ErrNoHandler)
}

func TestEnqueue_DefaultsCampaignToSystem(t *testing.T) {
	q := setupTestQueue(t)
	q.Register(core.KindReconcile, noopProcessor())

	job, err := q.Enqueue(context.Background(), core.KindReconcile, "system", "", nil)
	require.NoError(t, err)
	assert.Equal(t, core.SystemCampaign, job.CampaignID)
}

func TestEnqueue_Options(t *testing.T) {
	q := setupTestQueue(t)
	q.Register(core.KindRequestAction, noopProcessor())

	job, err := q.Enqueue(context.Background(), core.KindRequestAction, "user-1", "camp-1", nil,
		Priority(5), Retries(7), Delay(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 5, job.Priority)
	assert.Equal(t, 7, job.MaxRetries)
	require.NotNil(t, job.RunAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *job.RunAt, 5*time.Second)
}

func TestGet(t *testing.T) {
	q := setupTestQueue(t)
	q.Register(core.KindRequestAction, noopProcessor())

	job, err := q.Enqueue(context.Background(), core.KindRequestAction, "user-1", "camp-1", nil)
	require.NoError(t, err)

	got, err := q.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, err = q.Get(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestListByStateAndStats(t *testing.T) {
	q := setupTestQueue(t)
	q.Register(core.KindRequestAction, noopProcessor())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, core.KindRequestAction, "user-1", "camp-1", nil)
		require.NoError(t, err)
	}

	waiting, err := q.ListByState(ctx, core.StatusWaiting, 10)
	require.NoError(t, err)
	assert.Len(t, waiting, 3)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Waiting)
}

func TestKinds(t *testing.T) {
	q := setupTestQueue(t)
	q.Register(core.KindRequestAction, noopProcessor())
	q.Register(core.KindFollowUpAction, noopProcessor())

	kinds := q.Kinds()
	assert.ElementsMatch(t, []core.JobKind{core.KindRequestAction, core.KindFollowUpAction}, kinds)
}

func TestEvents(t *testing.T) {
	q := setupTestQueue(t)

	ch := q.Events()
	defer q.Unsubscribe(ch)

	q.Emit(&core.JobStarted{Job: &core.Job{ID: "j1"}, Timestamp: time.Now()})

	select {
	case e := <-ch:
		started, ok := e.(*core.JobStarted)
		require.True(t, ok)
		assert.Equal(t, "j1", started.Job.ID)
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
}

func TestHooks(t *testing.T) {
	q := setupTestQueue(t)

	var started, completed atomic.Int64
	q.OnJobStart(func(ctx context.Context, job *core.Job) { started.Add(1) })
	q.OnJobComplete(func(ctx context.Context, job *core.Job) { completed.Add(1) })

	job := &core.Job{ID: "j1", Kind: core.KindRequestAction}
	q.CallStartHooks(context.Background(), job)
	q.CallCompleteHooks(context.Background(), job)
	q.CallCompleteHooks(context.Background(), job)

	assert.Equal(t, int64(1), started.Load())
	assert.Equal(t, int64(2), completed.Load())
}
