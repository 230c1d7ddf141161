// Package chatseshtest holds behavioural contracts shared by the chatsesh storage backends.
package chatseshtest

import (
	"testing"
	"time"

	"github.com/rlebel12/chatsesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Store is the full storage surface a backend is expected to provide.
type Store interface {
	chatsesh.UserStorer
	chatsesh.UserGetter
	chatsesh.HistoryStorer
	chatsesh.ActivityRecorder
}

// StoreContract checks a Store implementation. NewStore must return an empty store.
// Messages lists a chat's history in insertion order.
type StoreContract struct {
	NewStore func(t *testing.T) Store
	Messages func(t *testing.T, store Store, chatID int64) []chatsesh.MessageRecord
}

func (c StoreContract) Test(t *testing.T) {
	claims := chatsesh.Claims{
		"sub":          "auth0|abc",
		"name":         "Ada Lovelace",
		"email":        "ada@example.com",
		"phone_number": "+100",
	}

	t.Run("creates an inactive user without authorization", func(t *testing.T) {
		store := c.NewStore(t)
		rec, err := store.UpsertUser(t.Context(), chatsesh.UpsertUserRequest{UserID: 1})
		require.NoError(t, err)

		assert.Equal(t, chatsesh.UserID(1), rec.UserID)
		assert.Empty(t, rec.AuthID)
		assert.False(t, rec.IsActive)
		assert.True(t, rec.FirstAuthAt.IsZero())
	})

	t.Run("upsert without auth id is idempotent", func(t *testing.T) {
		store := c.NewStore(t)
		_, err := store.UpsertUser(t.Context(), chatsesh.UpsertUserRequest{UserID: 1})
		require.NoError(t, err)
		_, err = store.UpsertUser(t.Context(), chatsesh.UpsertUserRequest{UserID: 1})
		require.NoError(t, err)

		got, err := store.GetUser(t.Context(), 1)
		require.NoError(t, err)
		assert.Equal(t, chatsesh.UserID(1), got.UserID)
		assert.False(t, got.IsActive)
	})

	t.Run("authorization sets auth fields and profile from claims", func(t *testing.T) {
		store := c.NewStore(t)
		_, err := store.UpsertUser(t.Context(), chatsesh.UpsertUserRequest{UserID: 7})
		require.NoError(t, err)

		rec, err := store.UpsertUser(t.Context(), chatsesh.UpsertUserRequest{
			UserID:   7,
			AuthID:   "auth0|abc",
			Claims:   claims,
			IsActive: true,
		})
		require.NoError(t, err)
		assert.Equal(t, "auth0|abc", rec.AuthID)
		assert.True(t, rec.IsActive)
		assert.Equal(t, "Ada Lovelace", rec.FullName)
		assert.Equal(t, "ada@example.com", rec.Email)
		assert.Equal(t, "+100", rec.PhoneNumber)
		assert.False(t, rec.FirstAuthAt.IsZero())
		assert.False(t, rec.LastAuthAt.IsZero())

		got, err := store.GetUser(t.Context(), 7)
		require.NoError(t, err)
		assert.Equal(t, "auth0|abc", got.AuthID)
		assert.Equal(t, "auth0|abc", got.AuthData.Subject())
		assert.Equal(t, "Ada Lovelace", got.FullName)
		assert.True(t, got.IsActive)
	})

	t.Run("explicit profile fields win over claims", func(t *testing.T) {
		store := c.NewStore(t)
		rec, err := store.UpsertUser(t.Context(), chatsesh.UpsertUserRequest{
			UserID:   3,
			AuthID:   "auth0|abc",
			Claims:   claims,
			IsActive: true,
			FullName: "Augusta King",
		})
		require.NoError(t, err)
		assert.Equal(t, "Augusta King", rec.FullName)
		assert.Equal(t, "ada@example.com", rec.Email)
	})

	t.Run("first auth time is kept on reauthorization", func(t *testing.T) {
		store := c.NewStore(t)
		first, err := store.UpsertUser(t.Context(), chatsesh.UpsertUserRequest{UserID: 4, AuthID: "a", IsActive: true})
		require.NoError(t, err)
		second, err := store.UpsertUser(t.Context(), chatsesh.UpsertUserRequest{UserID: 4, AuthID: "b", IsActive: true})
		require.NoError(t, err)

		assert.Equal(t, first.FirstAuthAt.Unix(), second.FirstAuthAt.Unix())
		assert.Equal(t, "b", second.AuthID)
	})

	t.Run("is active is taken exactly as supplied", func(t *testing.T) {
		store := c.NewStore(t)
		rec, err := store.UpsertUser(t.Context(), chatsesh.UpsertUserRequest{UserID: 1001, AuthID: "a", IsActive: false})
		require.NoError(t, err)
		assert.False(t, rec.IsActive)
	})

	t.Run("deactivate marks user inactive and keeps authorization", func(t *testing.T) {
		store := c.NewStore(t)
		_, err := store.UpsertUser(t.Context(), chatsesh.UpsertUserRequest{UserID: 5, AuthID: "a", IsActive: true})
		require.NoError(t, err)

		rec, err := store.DeactivateUser(t.Context(), 5)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.False(t, rec.IsActive)
		assert.Equal(t, "a", rec.AuthID)

		got, err := store.GetUser(t.Context(), 5)
		require.NoError(t, err)
		assert.False(t, got.IsActive)
	})

	t.Run("deactivate unknown user returns nil", func(t *testing.T) {
		store := c.NewStore(t)
		rec, err := store.DeactivateUser(t.Context(), 404)
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("get unknown user", func(t *testing.T) {
		store := c.NewStore(t)
		_, err := store.GetUser(t.Context(), 404)
		assert.ErrorIs(t, err, chatsesh.ErrUnknownUser)
	})

	t.Run("logs messages for known chats", func(t *testing.T) {
		store := c.NewStore(t)
		_, err := store.UpsertUser(t.Context(), chatsesh.UpsertUserRequest{UserID: 8})
		require.NoError(t, err)
		require.NoError(t, store.CreateChat(t.Context(), 8, 8))
		require.NoError(t, store.CreateChat(t.Context(), 8, 8))

		require.NoError(t, store.LogMessage(t.Context(), 8, "hello", true))
		require.NoError(t, store.LogMessage(t.Context(), 8, "hi", false))

		msgs := c.Messages(t, store, 8)
		require.Len(t, msgs, 2)
		assert.Equal(t, "hello", msgs[0].Text)
		assert.True(t, msgs[0].FromUser)
		assert.Equal(t, "hi", msgs[1].Text)
		assert.False(t, msgs[1].FromUser)
	})

	t.Run("log message without chat", func(t *testing.T) {
		store := c.NewStore(t)
		err := store.LogMessage(t.Context(), 99, "lost", false)
		assert.ErrorIs(t, err, chatsesh.ErrChatNotFound)
	})

	t.Run("create chat for unknown user", func(t *testing.T) {
		store := c.NewStore(t)
		err := store.CreateChat(t.Context(), 99, 99)
		assert.ErrorIs(t, err, chatsesh.ErrUnknownUser)
	})

	t.Run("batch records activity for known users", func(t *testing.T) {
		store := c.NewStore(t)
		_, err := store.UpsertUser(t.Context(), chatsesh.UpsertUserRequest{UserID: 10})
		require.NoError(t, err)
		_, err = store.UpsertUser(t.Context(), chatsesh.UpsertUserRequest{UserID: 11})
		require.NoError(t, err)

		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		count, err := store.BatchRecordActivity(t.Context(), map[chatsesh.UserID]time.Time{
			10:  at,
			11:  at.Add(time.Minute),
			404: at,
		})
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		got, err := store.GetUser(t.Context(), 10)
		require.NoError(t, err)
		assert.Equal(t, at.Unix(), got.LastActivityAt.Unix())
	})

	t.Run("empty activity batch", func(t *testing.T) {
		store := c.NewStore(t)
		count, err := store.BatchRecordActivity(t.Context(), nil)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}
