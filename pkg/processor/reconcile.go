package processor

import (
	"context"
	"log/slog"

	"github.com/outreachd/outreachd/pkg/core"
	"github.com/outreachd/outreachd/pkg/queue"
)

// Reconcile processes reconcile-pending jobs: it promotes deferred pending
// jobs back into real jobs, passing along their requested amounts. Pending
// rows past their retry budget are skipped and left for the daily purge.
type Reconcile struct {
	store  core.Store
	queue  *queue.Queue
	logger *slog.Logger
}

// NewReconcile creates the reconcile-pending processor.
func NewReconcile(store core.Store, q *queue.Queue) *Reconcile {
	return &Reconcile{
		store:  store,
		queue:  q,
		logger: slog.Default().With("component", "processor", "kind", core.KindReconcile),
	}
}

// Process promotes every reconcilable pending job. A failure on one pending
// job is logged and does not block the remainder; the pending row is
// deleted only after its replacement job is durably enqueued, so a crash
// mid-pass re-promotes rather than loses work.
func (p *Reconcile) Process(ctx context.Context, job *core.Job) error {
	pending, err := p.store.ListReconcilablePendingJobs(ctx)
	if err != nil {
		return err
	}

	for _, pj := range pending {
		if err := p.promote(ctx, pj); err != nil {
			p.logger.Error("failed to promote pending job",
				"pending_id", pj.ID, "user_id", pj.UserID, "error", err)
		}
	}
	return nil
}

func (p *Reconcile) promote(ctx context.Context, pj *core.PendingJob) error {
	if err := p.store.IncrementPendingRetry(ctx, pj.ID); err != nil {
		return err
	}

	_, err := p.queue.Enqueue(ctx, pj.Kind, pj.UserID, pj.CampaignID, BatchPayload{Limit: pj.Requested})
	if err != nil {
		return err
	}

	if err := p.store.DeletePendingJob(ctx, pj.ID); err != nil {
		return err
	}

	p.logger.Info("pending job promoted",
		"pending_id", pj.ID,
		"user_id", pj.UserID,
		"kind", pj.Kind,
		"resource", pj.Resource,
		"requested", pj.Requested,
	)
	return nil
}
