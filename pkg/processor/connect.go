package processor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/outreachd/outreachd/pkg/core"
	"github.com/outreachd/outreachd/pkg/quota"
	"github.com/outreachd/outreachd/pkg/runner"
	"github.com/outreachd/outreachd/pkg/session"
)

// DefaultRunBudget is the wall-clock ceiling for one batch of actions.
// Once exceeded the batch stops initiating new actions and returns its
// partial progress.
const DefaultRunBudget = 3 * time.Minute

// BatchPayload is the payload carried by request-action and
// follow-up-action jobs. A zero Limit falls back to the campaign target.
type BatchPayload struct {
	Limit int `json:"limit,omitempty"`
}

// Config carries the collaborators shared by the outreach processors.
type Config struct {
	Store     core.Store
	Quota     *quota.Manager
	Runner    *runner.Runner
	Automator Automator
	Budget    time.Duration
	Pace      Pacer
}

func (c *Config) defaults() {
	if c.Budget == 0 {
		c.Budget = DefaultRunBudget
	}
	if c.Pace == nil {
		c.Pace = RandomPacer(5*time.Second, 15*time.Second)
	}
}

// Connect processes request-action jobs: campaign-scoped connection
// request batches gated by the connections quota.
type Connect struct {
	cfg    Config
	logger *slog.Logger
}

// NewConnect creates the request-action processor.
func NewConnect(cfg Config) *Connect {
	cfg.defaults()
	return &Connect{
		cfg:    cfg,
		logger: slog.Default().With("component", "processor", "kind", core.KindRequestAction),
	}
}

// Process runs one connection-request batch for the job's campaign.
// Benign outcomes (inactive campaign, closed date window, expired trial,
// exhausted quota) complete the job without error; unexpected failures are
// rethrown for the worker's retry policy.
func (p *Connect) Process(ctx context.Context, job *core.Job) error {
	campaign, err := p.cfg.Store.GetCampaign(ctx, job.CampaignID)
	if err != nil {
		return err
	}
	if campaign == nil || campaign.Status != core.CampaignActive {
		p.logger.Info("campaign not active, nothing to do", "job_id", job.ID, "campaign_id", job.CampaignID)
		return nil
	}
	now := time.Now()
	if !campaign.InWindow(now) {
		p.logger.Info("campaign outside date window, nothing to do", "job_id", job.ID, "campaign_id", campaign.ID)
		return nil
	}

	account, err := p.cfg.Store.GetAccount(ctx, job.UserID)
	if err != nil {
		return err
	}
	if account == nil {
		return core.NoRetry(errNoAccount(job.UserID))
	}
	if account.TrialExpired(now) {
		p.logger.Info("trial expired, nothing to do", "job_id", job.ID, "user_id", job.UserID)
		return nil
	}

	requested := campaign.DailyTarget
	var payload BatchPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err == nil && payload.Limit > 0 {
			requested = payload.Limit
		}
	}

	allowed, err := p.cfg.Quota.MaxActionsForRun(ctx, job.UserID, core.ResourceConnections, requested)
	if err != nil {
		return err
	}
	if allowed == 0 {
		if err := p.cfg.Quota.CreatePendingJob(ctx, job.UserID, campaign.ID, core.KindRequestAction, core.ResourceConnections, requested); err != nil {
			return err
		}
		return appendDeferred(ctx, p.cfg.Store, job, core.ResourceConnections, requested)
	}

	result, runErr := p.cfg.Runner.Run(ctx, campaign, account, job.ID, func(ctx context.Context, sess *session.Session) (runner.Result, error) {
		performed, err := runBatch(ctx, allowed, p.cfg.Budget, p.cfg.Pace,
			func(ctx context.Context) error {
				return p.cfg.Automator.SendConnectionRequest(ctx, sess, campaign)
			},
			func(ctx context.Context) error {
				return p.cfg.Store.IncrementUsage(ctx, job.UserID, today(), core.ResourceConnections, 1)
			},
		)
		return runner.Result{Performed: performed}, err
	})

	if runErr != nil {
		// Progress made before the failure is already counted; the retry
		// re-gates through the quota manager.
		return runErr
	}

	job.Result, _ = json.Marshal(result)

	// Work that could not run today is deferred, carrying the shortfall.
	if result.Performed < requested {
		shortfall := requested - result.Performed
		if err := p.cfg.Quota.CreatePendingJob(ctx, job.UserID, campaign.ID, core.KindRequestAction, core.ResourceConnections, shortfall); err != nil {
			return err
		}
	}
	return nil
}

// today returns the calendar date key used for usage rows.
func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

// appendDeferred records the quota-exhausted outcome on the activity log.
func appendDeferred(ctx context.Context, store core.Store, job *core.Job, resource core.Resource, requested int) error {
	return store.AppendActivity(ctx, &core.Activity{
		UserID:     job.UserID,
		CampaignID: job.CampaignID,
		JobID:      job.ID,
		Type:       core.ActivityDeferred,
		Message:    string(resource) + " quota exhausted, work deferred",
	})
}
