package chatsesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CloseReason records why a session ended.
type CloseReason string

const (
	ReasonLogout    CloseReason = "logout"
	ReasonTimeout   CloseReason = "timeout"
	ReasonAbandoned CloseReason = "abandoned"
	ReasonFailed    CloseReason = "failed"
)

// SessionManager tracks live sessions and expires them after a period without activity.
// Each user has at most one live timer: RestartTimer cancels the previous task before
// registering the next one, and an expiring task acts only while it is still registered.
type SessionManager struct {
	registry *Registry
	store    UserStorer
	notifier *notifier
	tracker  *ActivityTracker
	monitor  Monitor
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
	timeout  time.Duration

	// expiryCtx parents every timer context; Close cancels it.
	expiryCtx    context.Context
	cancelExpiry context.CancelFunc
	wg           sync.WaitGroup
}

func NewSessionManager(registry *Registry, store UserStorer, cfg *Config) *SessionManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionManager{
		registry:     registry,
		store:        store,
		notifier:     newNotifier(cfg),
		monitor:      cfg.Monitor,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		now:          cfg.Now,
		timeout:      cfg.SessionTimeout,
		expiryCtx:    ctx,
		cancelExpiry: cancel,
	}
}

// StartSession creates an unauthorized session for user, replacing any existing one,
// persists the user record and starts the inactivity timer.
func (m *SessionManager) StartSession(ctx context.Context, user UserID) error {
	now := m.now()
	session := &Session{
		ID:             uuid.New(),
		UserID:         user,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.registry.mu.Lock()
	m.registry.sessions[user] = session
	m.registry.mu.Unlock()

	if _, err := m.store.UpsertUser(ctx, UpsertUserRequest{UserID: user}); err != nil {
		m.dropSession(user, session)
		return fmt.Errorf("%w: %w", ErrFailedUpsertingUser, err)
	}

	m.metrics.setActiveSessions(m.registry.activeSessions())
	if err := m.monitor.AuditSessionStarted(ctx, user, session.ID); err != nil {
		m.logger.Error("audit session started", "error", err)
	}
	m.RestartTimer(user)
	return nil
}

// dropSession undoes a session whose record could not be persisted.
func (m *SessionManager) dropSession(user UserID, session *Session) {
	m.registry.mu.Lock()
	defer m.registry.mu.Unlock()
	if m.registry.sessions[user] == session {
		delete(m.registry.sessions, user)
	}
}

// RestartTimer supersedes any pending expiry for user with a new one.
func (m *SessionManager) RestartTimer(user UserID) {
	ctx, cancel := context.WithCancel(m.expiryCtx)
	task := &timerTask{cancel: cancel}

	m.registry.mu.Lock()
	if prev, ok := m.registry.timers[user]; ok {
		prev.cancel()
	}
	m.registry.timers[user] = task
	m.registry.mu.Unlock()

	m.wg.Add(1)
	go m.expireAfter(ctx, user, task)
}

// RegisterActivity records activity for user and restarts the inactivity timer.
// It returns false when the user has no session.
func (m *SessionManager) RegisterActivity(user UserID) bool {
	now := m.now()

	m.registry.mu.Lock()
	session, ok := m.registry.sessions[user]
	if ok {
		session.LastActivityAt = now
	}
	m.registry.mu.Unlock()
	if !ok {
		return false
	}

	if m.tracker != nil {
		m.tracker.RecordActivity(user, now)
	}
	m.RestartTimer(user)
	return true
}

// SetAuthorized marks user's session as authorized, creating the session first if needed,
// and persists the authorization as an active user record.
func (m *SessionManager) SetAuthorized(ctx context.Context, user UserID, authID string, claims Claims) error {
	m.registry.mu.Lock()
	_, ok := m.registry.sessions[user]
	m.registry.mu.Unlock()
	if !ok {
		if err := m.StartSession(ctx, user); err != nil {
			return err
		}
	}

	m.registry.mu.Lock()
	session, ok := m.registry.sessions[user]
	if ok {
		session.Authorized = true
		session.AuthID = authID
		session.AuthData = claims
	}
	m.registry.mu.Unlock()
	if !ok {
		// Closed between creation and authorization.
		return ErrUnknownUser
	}

	_, err := m.store.UpsertUser(ctx, UpsertUserRequest{
		UserID:   user,
		AuthID:   authID,
		Claims:   claims,
		IsActive: true,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedUpsertingUser, err)
	}

	if err := m.monitor.AuditAuthorizationSuccess(ctx, user, authID); err != nil {
		m.logger.Error("audit authorization success", "error", err)
	}
	m.RestartTimer(user)
	return nil
}

func (m *SessionManager) IsAuthorized(user UserID) bool {
	session, ok := m.registry.Session(user)
	return ok && session.Authorized
}

// AuthData returns the claims stored for an authorized session, or nil.
func (m *SessionManager) AuthData(user UserID) Claims {
	session, ok := m.registry.Session(user)
	if !ok || !session.Authorized {
		return nil
	}
	return session.AuthData
}

// CloseSession ends user's session. It is idempotent and returns false when there was
// no session. A timed-out authorized user is deactivated in storage first; storage errors
// are logged and the in-memory cleanup proceeds regardless.
func (m *SessionManager) CloseSession(ctx context.Context, user UserID, reason CloseReason) bool {
	return m.closeSession(ctx, user, reason, nil)
}

// closeSession implements CloseSession. A non-nil task restricts the close to the
// expiry owned by that task: once the timer has been restarted or cleared, nothing is closed.
func (m *SessionManager) closeSession(ctx context.Context, user UserID, reason CloseReason, task *timerTask) bool {
	m.registry.mu.Lock()
	current, ok := m.registry.sessions[user]
	if ok && task != nil && m.registry.timers[user] != task {
		ok = false
	}
	var session Session
	if ok {
		session = *current
	}
	m.registry.mu.Unlock()
	if !ok {
		return false
	}

	if reason == ReasonTimeout && session.Authorized {
		if _, err := m.store.DeactivateUser(ctx, user); err != nil {
			m.logger.Error("deactivate user", "user_id", user, "error", fmt.Errorf("%w: %w", ErrFailedDeactivatingUser, err))
		} else {
			m.logger.Info("user deactivated", "user_id", user)
		}
	}

	m.registry.mu.Lock()
	current, ok = m.registry.sessions[user]
	if !ok || current.ID != session.ID || (task != nil && m.registry.timers[user] != task) {
		// The session or its timer changed while storage was updated.
		m.registry.mu.Unlock()
		return false
	}
	delete(m.registry.flows, user)
	delete(m.registry.sessions, user)
	if live, ok := m.registry.timers[user]; ok {
		live.cancel()
		delete(m.registry.timers, user)
	}
	remaining := len(m.registry.sessions)
	m.registry.mu.Unlock()

	m.metrics.setActiveSessions(remaining)
	m.metrics.observeClose(reason)
	if err := m.monitor.AuditSessionClosed(ctx, user, session.ID, string(reason)); err != nil {
		m.logger.Error("audit session closed", "error", err)
	}
	m.logger.Info("session closed", "user_id", user, "reason", reason)
	return true
}

// expireAfter is the timer body. Cancellation during the wait exits without side effects.
// The timeout notice is sent under the task's context, so activity that restarts the timer
// while the notice is being retried aborts the retry and keeps the session open.
func (m *SessionManager) expireAfter(ctx context.Context, user UserID, task *timerTask) {
	defer m.wg.Done()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	m.registry.mu.Lock()
	if m.registry.timers[user] != task {
		m.registry.mu.Unlock()
		return
	}
	session, ok := m.registry.sessions[user]
	authorized := ok && session.Authorized
	m.registry.mu.Unlock()

	m.logger.Info("session timer fired", "user_id", user)
	if !ok {
		m.registry.mu.Lock()
		if m.registry.timers[user] == task {
			delete(m.registry.timers, user)
		}
		m.registry.mu.Unlock()
		return
	}

	if authorized {
		m.notifier.timeoutNotice(ctx, user)
	}
	if !m.closeSession(m.expiryCtx, user, ReasonTimeout, task) {
		m.logger.Info("session expiry superseded", "user_id", user)
	}
}

// Close cancels every pending timer and waits for running expiry handlers.
func (m *SessionManager) Close() {
	m.cancelExpiry()
	m.wg.Wait()

	m.registry.mu.Lock()
	clear(m.registry.timers)
	m.registry.mu.Unlock()
}
