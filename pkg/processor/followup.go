package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/outreachd/outreachd/pkg/core"
	"github.com/outreachd/outreachd/pkg/runner"
	"github.com/outreachd/outreachd/pkg/session"
)

// DefaultFollowUpLimit caps a follow-up batch when the job payload does not
// specify one.
const DefaultFollowUpLimit = 10

func errNoAccount(userID string) error {
	return fmt.Errorf("processor: no platform account for user %s", userID)
}

// FollowUp processes follow-up-action jobs: user-scoped follow-up message
// batches gated by the messages quota.
type FollowUp struct {
	cfg    Config
	logger *slog.Logger
}

// NewFollowUp creates the follow-up-action processor.
func NewFollowUp(cfg Config) *FollowUp {
	cfg.defaults()
	return &FollowUp{
		cfg:    cfg,
		logger: slog.Default().With("component", "processor", "kind", core.KindFollowUpAction),
	}
}

// Process runs one follow-up batch for the job's user.
func (p *FollowUp) Process(ctx context.Context, job *core.Job) error {
	account, err := p.cfg.Store.GetAccount(ctx, job.UserID)
	if err != nil {
		return err
	}
	if account == nil {
		return core.NoRetry(errNoAccount(job.UserID))
	}
	if account.TrialExpired(time.Now()) {
		p.logger.Info("trial expired, nothing to do", "job_id", job.ID, "user_id", job.UserID)
		return nil
	}

	requested := DefaultFollowUpLimit
	var payload BatchPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err == nil && payload.Limit > 0 {
			requested = payload.Limit
		}
	}

	allowed, err := p.cfg.Quota.MaxActionsForRun(ctx, job.UserID, core.ResourceMessages, requested)
	if err != nil {
		return err
	}
	if allowed == 0 {
		if err := p.cfg.Quota.CreatePendingJob(ctx, job.UserID, core.SystemCampaign, core.KindFollowUpAction, core.ResourceMessages, requested); err != nil {
			return err
		}
		return appendDeferred(ctx, p.cfg.Store, job, core.ResourceMessages, requested)
	}

	result, runErr := p.cfg.Runner.Run(ctx, nil, account, job.ID, func(ctx context.Context, sess *session.Session) (runner.Result, error) {
		performed, err := runBatch(ctx, allowed, p.cfg.Budget, p.cfg.Pace,
			func(ctx context.Context) error {
				return p.cfg.Automator.SendFollowUpMessage(ctx, sess, job.UserID)
			},
			func(ctx context.Context) error {
				return p.cfg.Store.IncrementUsage(ctx, job.UserID, today(), core.ResourceMessages, 1)
			},
		)
		return runner.Result{Performed: performed}, err
	})

	if runErr != nil {
		return runErr
	}

	job.Result, _ = json.Marshal(result)

	if result.Performed < requested {
		shortfall := requested - result.Performed
		if err := p.cfg.Quota.CreatePendingJob(ctx, job.UserID, core.SystemCampaign, core.KindFollowUpAction, core.ResourceMessages, shortfall); err != nil {
			return err
		}
	}
	return nil
}
