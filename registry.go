package chatsesh

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UserID identifies a chat user. It is the key of every per-user map.
type UserID int64

func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

type (
	// Session is the in-memory record of a user's interaction window.
	Session struct {
		ID             uuid.UUID
		UserID         UserID
		StartedAt      time.Time
		LastActivityAt time.Time
		Authorized     bool
		AuthID         string
		AuthData       Claims
	}

	// DeviceFlowRecord tracks one in-flight device authorization.
	DeviceFlowRecord struct {
		UserID        UserID
		DeviceCode    string
		ExpiresAt     time.Time
		Interval      time.Duration
		LastCheckedAt time.Time

		// Placeholder records never reach the provider; polling them yields a synthetic token.
		Placeholder bool
	}

	timerTask struct {
		cancel context.CancelFunc
	}
)

// Registry owns the per-user state shared by the device flow poller and the session manager.
// All three maps are guarded by mu; no network call is made while it is held.
type Registry struct {
	mu       sync.Mutex
	sessions map[UserID]*Session
	flows    map[UserID]*DeviceFlowRecord
	timers   map[UserID]*timerTask
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: map[UserID]*Session{},
		flows:    map[UserID]*DeviceFlowRecord{},
		timers:   map[UserID]*timerTask{},
	}
}

// Session returns a copy of the user's session.
func (r *Registry) Session(user UserID) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[user]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// DeviceFlow returns a copy of the user's in-flight device flow record.
func (r *Registry) DeviceFlow(user UserID) (DeviceFlowRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.flows[user]
	if !ok {
		return DeviceFlowRecord{}, false
	}
	return *rec, true
}

// ClearDeviceFlow removes the user's device flow record, reporting whether one existed.
func (r *Registry) ClearDeviceFlow(user UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.flows[user]
	delete(r.flows, user)
	return ok
}

func (r *Registry) putDeviceFlow(rec *DeviceFlowRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[rec.UserID] = rec
}

// liveTimers reports the number of registered timer tasks.
func (r *Registry) liveTimers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

func (r *Registry) activeSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
