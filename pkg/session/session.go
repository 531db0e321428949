// Package session owns the per-user browser sessions used to drive the
// remote platform UI. At most one live session exists per user; the manager
// is the only writer, and runners borrow sessions for one job at a time.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

// Launcher creates a browser context ready for chromedp actions. The
// returned cancel must release every underlying resource. Injected so tests
// can run without a browser installed.
type Launcher func(ctx context.Context) (context.Context, context.CancelFunc, error)

// ChromeLauncher returns a Launcher that starts a headless Chrome via a
// fresh exec allocator per session.
func ChromeLauncher(headless bool) Launcher {
	return func(ctx context.Context) (context.Context, context.CancelFunc, error) {
		allocCtx, allocCancel := chromedp.NewExecAllocator(ctx,
			append(chromedp.DefaultExecAllocatorOptions[:],
				chromedp.Flag("headless", headless),
				chromedp.Flag("disable-gpu", true),
				chromedp.Flag("no-sandbox", true),
				chromedp.Flag("disable-dev-shm-usage", true),
			)...,
		)

		browserCtx, browserCancel := chromedp.NewContext(allocCtx)
		cancel := func() {
			browserCancel()
			allocCancel()
		}
		return browserCtx, cancel, nil
	}
}

// Session is a per-user singleton browser handle.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	loggedIn     bool
	lastActivity time.Time
	closed       bool
}

// Ctx returns the chromedp context for running actions against the session.
func (s *Session) Ctx() context.Context {
	return s.ctx
}

// LoggedIn reports whether the session has passed the login heuristic.
func (s *Session) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn
}

// SetLoggedIn records the login state.
func (s *Session) SetLoggedIn(v bool) {
	s.mu.Lock()
	s.loggedIn = v
	s.mu.Unlock()
}

// LastActivity returns the instant of the last touch.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// healthy reports whether the underlying browser context is still usable.
func (s *Session) healthy() bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	select {
	case <-s.ctx.Done():
		return false
	default:
		return true
	}
}

// close releases the underlying browser. Idempotent.
func (s *Session) close() {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()
	if alreadyClosed {
		return
	}
	s.cancel()
}

// Navigate drives the session's page to a URL, bounded by timeout.
func (s *Session) Navigate(url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	return chromedp.Run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
	)
}

// Location returns the URL the session's page is currently on.
func (s *Session) Location(timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	var url string
	err := chromedp.Run(ctx, chromedp.Location(&url))
	return url, err
}

// Screenshot captures the visible viewport as PNG bytes.
func (s *Session) Screenshot(timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	var buf []byte
	err := chromedp.Run(ctx, chromedp.CaptureScreenshot(&buf))
	return buf, err
}

// Click dispatches a pointer click at viewport coordinates.
func (s *Session) Click(x, y float64, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	return chromedp.Run(ctx, chromedp.MouseClickXY(x, y))
}

// SendKeys types text into the currently focused element.
func (s *Session) SendKeys(text string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	return chromedp.Run(ctx, chromedp.KeyEvent(text))
}
