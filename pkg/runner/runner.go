// Package runner binds a browser session to a caller-supplied outreach
// action and brackets it with activity logging and error propagation. The
// concrete DOM automation lives behind the Action and Login seams.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/outreachd/outreachd/pkg/core"
	"github.com/outreachd/outreachd/pkg/session"
)

// Result is the outcome of one action invocation. Partial progress is not
// an error: Performed reports how many outreach actions actually happened.
type Result struct {
	Performed int    `json:"performed"`
	Notes     string `json:"notes,omitempty"`
}

// Action is the capability object executed against a live session.
type Action func(ctx context.Context, sess *session.Session) (Result, error)

// Login restores the platform login state for an account. Implemented by
// the UI-automation collaborator.
type Login interface {
	Login(ctx context.Context, sess *session.Session, account *core.PlatformAccount) error
}

// LoginFunc adapts a function to the Login interface.
type LoginFunc func(ctx context.Context, sess *session.Session, account *core.PlatformAccount) error

// Login calls f.
func (f LoginFunc) Login(ctx context.Context, sess *session.Session, account *core.PlatformAccount) error {
	return f(ctx, sess, account)
}

// Runner executes actions against per-user sessions.
type Runner struct {
	sessions *session.Manager
	store    core.Store
	login    Login
	logger   *slog.Logger

	// locate reads the session's current URL. Overridable for tests that
	// run without a browser.
	locate func(sess *session.Session) (string, error)
}

// New creates a Runner.
func New(sessions *session.Manager, store core.Store, login Login) *Runner {
	return &Runner{
		sessions: sessions,
		store:    store,
		login:    login,
		logger:   slog.Default().With("component", "runner"),
		locate: func(sess *session.Session) (string, error) {
			return sess.Location(10 * time.Second)
		},
	}
}

// SetLocator overrides the location probe. Test hook.
func (r *Runner) SetLocator(fn func(sess *session.Session) (string, error)) {
	r.locate = fn
}

// needsLogin is the login heuristic: the platform bounces logged-out
// sessions to a login or checkpoint page.
func needsLogin(location string) bool {
	loc := strings.ToLower(location)
	return strings.Contains(loc, "/login") ||
		strings.Contains(loc, "/checkpoint") ||
		strings.Contains(loc, "/authwall")
}

// Run acquires the user's session lease, ensures login state, executes the
// action, and brackets it with started/completed/failed activity records.
// Errors are logged and rethrown so the worker retry policy applies.
func (r *Runner) Run(ctx context.Context, campaign *core.Campaign, account *core.PlatformAccount, jobID string, action Action) (Result, error) {
	userID := account.UserID
	campaignID := core.SystemCampaign
	if campaign != nil {
		campaignID = campaign.ID
	}

	release := r.sessions.Acquire(userID)
	defer release()

	r.appendActivity(ctx, userID, campaignID, jobID, core.ActivityStarted, "automation run started")

	sess, err := r.sessions.GetOrCreate(ctx, userID)
	if err != nil {
		r.appendActivity(ctx, userID, campaignID, jobID, core.ActivityFailed, err.Error())
		return Result{}, err
	}

	if err := r.ensureLoggedIn(ctx, sess, account); err != nil {
		r.appendActivity(ctx, userID, campaignID, jobID, core.ActivityFailed, err.Error())
		return Result{}, err
	}

	result, err := action(ctx, sess)
	r.sessions.Touch(userID)

	if err != nil {
		r.logger.Error("action failed",
			"user_id", userID, "campaign_id", campaignID, "job_id", jobID, "error", err)
		r.appendActivity(ctx, userID, campaignID, jobID, core.ActivityFailed, err.Error())
		return result, err
	}

	r.appendActivity(ctx, userID, campaignID, jobID, core.ActivityCompleted,
		fmt.Sprintf("automation run completed: %d actions", result.Performed))
	return result, nil
}

// ensureLoggedIn checks the session's current location and performs a login
// through the collaborator when the heuristic says the session bounced.
func (r *Runner) ensureLoggedIn(ctx context.Context, sess *session.Session, account *core.PlatformAccount) error {
	if sess.LoggedIn() {
		return nil
	}

	location, err := r.locate(sess)
	if err != nil {
		return fmt.Errorf("runner: read session location: %w", err)
	}

	if needsLogin(location) {
		if err := r.login.Login(ctx, sess, account); err != nil {
			return fmt.Errorf("runner: login for user %s: %w", account.UserID, err)
		}
	}

	sess.SetLoggedIn(true)
	return nil
}

// appendActivity writes one log record. A failed write is logged but never
// masks the action outcome.
func (r *Runner) appendActivity(ctx context.Context, userID, campaignID, jobID string, typ core.ActivityType, msg string) {
	err := r.store.AppendActivity(ctx, &core.Activity{
		UserID:     userID,
		CampaignID: campaignID,
		JobID:      jobID,
		Type:       typ,
		Message:    msg,
	})
	if err != nil {
		r.logger.Warn("activity append failed", "user_id", userID, "error", err)
	}
}
