// An in-memory store that can be provided to Chatsesh for testing and offline runs.

package chatsesh

import (
	"context"
	"maps"
	"sync"
	"time"
)

type (
	// UserStorer is the storage collaborator the session manager writes through.
	UserStorer interface {
		UpsertUser(ctx context.Context, req UpsertUserRequest) (*UserRecord, error)
		// DeactivateUser returns nil without error when the user is unknown.
		DeactivateUser(ctx context.Context, user UserID) (*UserRecord, error)
	}

	// UserGetter is implemented by stores that can restore a previous authorization.
	UserGetter interface {
		// GetUser returns ErrUnknownUser when the user has no record.
		GetUser(ctx context.Context, user UserID) (*UserRecord, error)
	}

	// HistoryStorer persists the conversation with the bot.
	HistoryStorer interface {
		CreateChat(ctx context.Context, user UserID, chatID int64) error
		// LogMessage returns ErrChatNotFound when no chat record exists for chatID.
		LogMessage(ctx context.Context, chatID int64, text string, fromUser bool) error
	}

	ActivityRecorder interface {
		BatchRecordActivity(ctx context.Context, updates map[UserID]time.Time) (int, error)
	}

	UserRecord struct {
		UserID         UserID
		AuthID         string
		AuthData       Claims
		FullName       string
		PhoneNumber    string
		Email          string
		FirstAuthAt    time.Time
		LastAuthAt     time.Time
		LastActivityAt time.Time
		IsActive       bool
	}

	UpsertUserRequest struct {
		UserID   UserID
		AuthID   string
		Claims   Claims
		IsActive bool

		FullName    string
		PhoneNumber string
		Email       string
	}

	MessageRecord struct {
		ChatID   int64
		Text     string
		FromUser bool
		At       time.Time
	}
)

// MergeUpsert applies req to existing (nil for a new user) and returns the resulting record.
// Authorization fields, including IsActive, change only when req carries an AuthID.
// Explicit profile fields win over values found in the claims.
func MergeUpsert(existing *UserRecord, req UpsertUserRequest, now time.Time) *UserRecord {
	rec := &UserRecord{UserID: req.UserID}
	if existing != nil {
		*rec = *existing
	} else {
		rec.IsActive = req.IsActive
	}

	if req.AuthID != "" {
		rec.AuthID = req.AuthID
		rec.AuthData = req.Claims
		rec.LastAuthAt = now
		rec.IsActive = req.IsActive
		if rec.FirstAuthAt.IsZero() {
			rec.FirstAuthAt = now
		}
	}

	if req.FullName != "" {
		rec.FullName = req.FullName
	} else if name := req.Claims.Name(); name != "" {
		rec.FullName = name
	}
	if req.Email != "" {
		rec.Email = req.Email
	} else if email := req.Claims.Email(); email != "" {
		rec.Email = email
	}
	if req.PhoneNumber != "" {
		rec.PhoneNumber = req.PhoneNumber
	} else if phone := req.Claims.PhoneNumber(); phone != "" {
		rec.PhoneNumber = phone
	}
	return rec
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    map[UserID]*UserRecord{},
		chats:    map[int64]UserID{},
		messages: map[int64][]MessageRecord{},
		now:      time.Now,
	}
}

type MemoryStore struct {
	mu       sync.RWMutex
	users    map[UserID]*UserRecord
	chats    map[int64]UserID
	messages map[int64][]MessageRecord
	now      func() time.Time
}

func (ms *MemoryStore) UpsertUser(ctx context.Context, req UpsertUserRequest) (*UserRecord, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec := MergeUpsert(ms.users[req.UserID], req, ms.now().UTC())
	ms.users[req.UserID] = rec
	return copyRecord(rec), nil
}

func (ms *MemoryStore) DeactivateUser(ctx context.Context, user UserID) (*UserRecord, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec, ok := ms.users[user]
	if !ok {
		return nil, nil
	}
	rec.IsActive = false
	return copyRecord(rec), nil
}

func (ms *MemoryStore) GetUser(ctx context.Context, user UserID) (*UserRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	rec, ok := ms.users[user]
	if !ok {
		return nil, ErrUnknownUser
	}
	return copyRecord(rec), nil
}

func (ms *MemoryStore) CreateChat(ctx context.Context, user UserID, chatID int64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.users[user]; !ok {
		return ErrUnknownUser
	}
	ms.chats[chatID] = user
	return nil
}

func (ms *MemoryStore) LogMessage(ctx context.Context, chatID int64, text string, fromUser bool) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.chats[chatID]; !ok {
		return ErrChatNotFound
	}
	ms.messages[chatID] = append(ms.messages[chatID], MessageRecord{
		ChatID:   chatID,
		Text:     text,
		FromUser: fromUser,
		At:       ms.now().UTC(),
	})
	return nil
}

// Messages returns the logged history of chatID in insertion order.
func (ms *MemoryStore) Messages(chatID int64) []MessageRecord {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return append([]MessageRecord(nil), ms.messages[chatID]...)
}

func (ms *MemoryStore) BatchRecordActivity(ctx context.Context, updates map[UserID]time.Time) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	count := 0
	for user, timestamp := range updates {
		rec, ok := ms.users[user]
		if ok {
			rec.LastActivityAt = timestamp
			count++
		}
	}
	return count, nil
}

// Reset clears all records.
// This is useful for testing to isolate state between test cases.
func (ms *MemoryStore) Reset() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.users = map[UserID]*UserRecord{}
	ms.chats = map[int64]UserID{}
	ms.messages = map[int64][]MessageRecord{}
}

func copyRecord(rec *UserRecord) *UserRecord {
	c := *rec
	c.AuthData = maps.Clone(rec.AuthData)
	return &c
}

// Ensure interfaces are implemented
var _ UserStorer = (*MemoryStore)(nil)
var _ UserGetter = (*MemoryStore)(nil)
var _ HistoryStorer = (*MemoryStore)(nil)
var _ ActivityRecorder = (*MemoryStore)(nil)
