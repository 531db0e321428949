// Package processor implements the kind-specific job handlers. The
// processors own eligibility checks, quota gating, batch pacing, and
// progress accounting; the concrete DOM automation is delegated to the
// Automator collaborator.
package processor

import (
	"context"
	"math/rand"
	"time"

	"github.com/outreachd/outreachd/pkg/core"
	"github.com/outreachd/outreachd/pkg/session"
)

// Automator drives the remote platform UI for single outreach actions.
// Implementations live outside this core.
type Automator interface {
	// SendConnectionRequest performs one connection request for the
	// campaign's audience. Returns an error when the UI interaction fails.
	SendConnectionRequest(ctx context.Context, sess *session.Session, campaign *core.Campaign) error

	// SendFollowUpMessage sends one follow-up message to the user's next
	// unmessaged accepted connection.
	SendFollowUpMessage(ctx context.Context, sess *session.Session, userID string) error
}

// Pacer inserts the human-like delay between consecutive outreach actions.
type Pacer func(ctx context.Context) error

// RandomPacer sleeps a random duration in [min, max), respecting context
// cancellation.
func RandomPacer(min, max time.Duration) Pacer {
	return func(ctx context.Context) error {
		d := min + time.Duration(rand.Int63n(int64(max-min)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
			return nil
		}
	}
}

// NoPacing is a Pacer that returns immediately. Test hook.
func NoPacing(context.Context) error { return nil }

// runBatch performs up to max actions, stopping once the wall-clock budget
// elapses. Partial progress is not an error. An action failure stops the
// batch and is returned alongside the count already performed; onSuccess is
// invoked after each successful action for usage accounting.
func runBatch(ctx context.Context, max int, budget time.Duration, pace Pacer, action func(ctx context.Context) error, onSuccess func(ctx context.Context) error) (int, error) {
	deadline := time.Now().Add(budget)
	performed := 0

	for i := 0; i < max; i++ {
		if time.Now().After(deadline) {
			break
		}
		if err := ctx.Err(); err != nil {
			return performed, err
		}

		if err := action(ctx); err != nil {
			return performed, err
		}
		performed++

		if err := onSuccess(ctx); err != nil {
			return performed, err
		}

		if i < max-1 {
			if err := pace(ctx); err != nil {
				return performed, err
			}
		}
	}
	return performed, nil
}
