package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultIdleTimeout is the inactivity window after which a session
// self-closes. Re-armed on every touch.
const DefaultIdleTimeout = 20 * time.Minute

// Notifier receives session lifecycle events for the realtime channel.
// May be nil.
type Notifier interface {
	SessionClosed(userID, sessionID string)
}

// Manager owns at most one live browser session per user. All mutation
// funnels through its methods; there is no ambient session table.
type Manager struct {
	launcher    Launcher
	entryURL    string
	idleTimeout time.Duration
	logger      *slog.Logger
	notifier    Notifier
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	leases   map[string]*sync.Mutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIdleTimeout overrides the inactivity expiry window.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithNotifier wires a lifecycle notifier (e.g. the realtime hub).
func WithNotifier(n Notifier) ManagerOption {
	return func(m *Manager) { m.notifier = n }
}

// WithClock overrides the clock. Used by tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager. entryURL is the platform page a
// fresh session navigates to.
func NewManager(launcher Launcher, entryURL string, opts ...ManagerOption) *Manager {
	m := &Manager{
		launcher:    launcher,
		entryURL:    entryURL,
		idleTimeout: DefaultIdleTimeout,
		logger:      slog.Default().With("component", "session"),
		now:         time.Now,
		sessions:    make(map[string]*Session),
		leases:      make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire takes the per-user lease serializing session use across
// concurrent jobs for the same user. The returned release func must be
// called when the job's borrow ends.
func (m *Manager) Acquire(userID string) (release func()) {
	m.mu.Lock()
	lease, ok := m.leases[userID]
	if !ok {
		lease = &sync.Mutex{}
		m.leases[userID] = lease
	}
	m.mu.Unlock()

	lease.Lock()
	return lease.Unlock
}

// GetOrCreate returns the user's live session if healthy, otherwise
// replaces it with a fresh one navigated to the platform entry point.
func (m *Manager) GetOrCreate(ctx context.Context, userID string) (*Session, error) {
	m.mu.Lock()
	existing := m.sessions[userID]
	m.mu.Unlock()

	if existing != nil {
		if existing.healthy() {
			existing.touch(m.now())
			return existing, nil
		}
		// Stale record: destroy before replacing.
		m.logger.Warn("replacing unhealthy session", "user_id", userID, "session_id", existing.ID)
		m.remove(userID, existing)
	}

	browserCtx, cancel, err := m.launcher(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: launch browser for user %s: %w", userID, err)
	}

	s := &Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		CreatedAt:    m.now(),
		ctx:          browserCtx,
		cancel:       cancel,
		lastActivity: m.now(),
	}

	if m.entryURL != "" {
		if err := s.Navigate(m.entryURL, 60*time.Second); err != nil {
			s.close()
			return nil, fmt.Errorf("session: navigate to entry point: %w", err)
		}
	}

	m.mu.Lock()
	// A concurrent GetOrCreate may have won the race; keep the first one.
	if current, ok := m.sessions[userID]; ok && current.healthy() {
		m.mu.Unlock()
		s.close()
		current.touch(m.now())
		return current, nil
	}
	m.sessions[userID] = s
	m.mu.Unlock()

	m.logger.Info("session created", "user_id", userID, "session_id", s.ID)
	return s, nil
}

// Get returns the user's current session, or nil if none exists.
func (m *Manager) Get(userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[userID]
}

// Touch re-arms the inactivity clock on the user's session. No-op when no
// session exists.
func (m *Manager) Touch(userID string) {
	m.mu.Lock()
	s := m.sessions[userID]
	m.mu.Unlock()
	if s != nil {
		s.touch(m.now())
	}
}

// Close releases the user's session and removes the record. No-op when no
// session exists.
func (m *Manager) Close(userID string) {
	m.mu.Lock()
	s := m.sessions[userID]
	m.mu.Unlock()
	if s != nil {
		m.remove(userID, s)
	}
}

// CloseAll releases every session. Called on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make(map[string]*Session, len(m.sessions))
	for uid, s := range m.sessions {
		all[uid] = s
	}
	m.mu.Unlock()

	for uid, s := range all {
		m.remove(uid, s)
	}
}

// Count returns the number of live session records.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) remove(userID string, s *Session) {
	s.close()
	m.mu.Lock()
	if m.sessions[userID] == s {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
	m.logger.Info("session closed", "user_id", userID, "session_id", s.ID)
	if m.notifier != nil {
		m.notifier.SessionClosed(userID, s.ID)
	}
}

// Start runs the expiry sweeper until the context is cancelled. Sessions
// idle past the timeout self-close; a touch re-arms the window.
func (m *Manager) Start(ctx context.Context) error {
	interval := m.idleTimeout / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.CloseAll()
			return ctx.Err()
		case <-ticker.C:
			m.expireIdle()
		}
	}
}

// ExpireIdle closes sessions whose last activity is older than the idle
// timeout and returns how many were closed.
func (m *Manager) expireIdle() int {
	cutoff := m.now().Add(-m.idleTimeout)

	m.mu.Lock()
	var expired []*Session
	var users []string
	for uid, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			expired = append(expired, s)
			users = append(users, uid)
		}
	}
	m.mu.Unlock()

	for i, s := range expired {
		m.logger.Info("session expired after inactivity", "user_id", users[i], "session_id", s.ID)
		m.remove(users[i], s)
	}
	return len(expired)
}

// SweepNow triggers one expiry pass immediately. Exposed for tests and
// operational tooling.
func (m *Manager) SweepNow() int {
	return m.expireIdle()
}
