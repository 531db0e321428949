// Package platform implements the UI-automation collaborator against the
// remote platform. The orchestration core only depends on the processor
// and runner seams; everything selector-specific is confined here.
package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/outreachd/outreachd/pkg/core"
	"github.com/outreachd/outreachd/pkg/session"
)

const actionTimeout = 30 * time.Second

// Automation drives the platform UI for single outreach actions.
type Automation struct {
	loginURL string
}

// New creates the UI-automation collaborator.
func New(loginURL string) *Automation {
	return &Automation{loginURL: loginURL}
}

// Login signs the session's page in with the account credentials.
func (a *Automation) Login(ctx context.Context, sess *session.Session, account *core.PlatformAccount) error {
	runCtx, cancel := context.WithTimeout(sess.Ctx(), 60*time.Second)
	defer cancel()

	err := chromedp.Run(runCtx,
		chromedp.Navigate(a.loginURL),
		chromedp.WaitVisible(`#username`, chromedp.ByID),
		chromedp.SendKeys(`#username`, account.Email, chromedp.ByID),
		chromedp.SendKeys(`#password`, account.Password, chromedp.ByID),
		chromedp.Click(`button[type="submit"]`, chromedp.NodeVisible),
		chromedp.WaitReady("body"),
	)
	if err != nil {
		return fmt.Errorf("platform: login failed: %w", err)
	}
	return nil
}

// SendConnectionRequest opens the campaign's search results and sends one
// connection request with the campaign's note template.
func (a *Automation) SendConnectionRequest(ctx context.Context, sess *session.Session, campaign *core.Campaign) error {
	runCtx, cancel := context.WithTimeout(sess.Ctx(), actionTimeout)
	defer cancel()

	actions := []chromedp.Action{
		chromedp.Navigate(campaign.SearchURL),
		chromedp.WaitReady("body"),
		chromedp.Click(`button[aria-label*="Invite"]`, chromedp.NodeVisible),
	}
	if campaign.NoteTemplate != "" {
		actions = append(actions,
			chromedp.Click(`button[aria-label="Add a note"]`, chromedp.NodeVisible),
			chromedp.SendKeys(`textarea[name="message"]`, campaign.NoteTemplate, chromedp.NodeVisible),
		)
	}
	actions = append(actions,
		chromedp.Click(`button[aria-label="Send invitation"], button[aria-label="Send now"]`, chromedp.NodeVisible),
	)

	if err := chromedp.Run(runCtx, actions...); err != nil {
		return fmt.Errorf("platform: connection request failed: %w", err)
	}
	return nil
}

// SendFollowUpMessage opens the user's conversations and sends one
// follow-up to the next unmessaged accepted connection.
func (a *Automation) SendFollowUpMessage(ctx context.Context, sess *session.Session, userID string) error {
	runCtx, cancel := context.WithTimeout(sess.Ctx(), actionTimeout)
	defer cancel()

	err := chromedp.Run(runCtx,
		chromedp.Navigate("https://www.linkedin.com/mynetwork/invitation-manager/sent/"),
		chromedp.WaitReady("body"),
		chromedp.Click(`a[data-control-name="connection_profile"]`, chromedp.NodeVisible),
		chromedp.Click(`button[aria-label*="Message"]`, chromedp.NodeVisible),
		chromedp.SendKeys(`div[role="textbox"]`, "Thanks for connecting!", chromedp.NodeVisible),
		chromedp.Click(`button[type="submit"]`, chromedp.NodeVisible),
	)
	if err != nil {
		return fmt.Errorf("platform: follow-up message failed: %w", err)
	}
	return nil
}
