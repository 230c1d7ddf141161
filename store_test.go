package chatsesh_test

import (
	"testing"
	"time"

	"github.com/rlebel12/chatsesh"
	"github.com/rlebel12/chatsesh/chatseshtest"
	"github.com/stretchr/testify/assert"
)

func TestMemoryStore(t *testing.T) {
	chatseshtest.StoreContract{
		NewStore: func(t *testing.T) chatseshtest.Store {
			return chatsesh.NewMemoryStore()
		},
		Messages: func(t *testing.T, store chatseshtest.Store, chatID int64) []chatsesh.MessageRecord {
			return store.(*chatsesh.MemoryStore).Messages(chatID)
		},
	}.Test(t)
}

func TestMemoryStore_Reset(t *testing.T) {
	store := chatsesh.NewMemoryStore()
	_, err := store.UpsertUser(t.Context(), chatsesh.UpsertUserRequest{UserID: 1})
	assert.NoError(t, err)

	store.Reset()
	_, err = store.GetUser(t.Context(), 1)
	assert.ErrorIs(t, err, chatsesh.ErrUnknownUser)
}

func TestMergeUpsert(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	claims := chatsesh.Claims{"sub": "auth0|abc", "name": "Claim Name", "email": "claim@example.com"}

	t.Run("new user without authorization", func(t *testing.T) {
		rec := chatsesh.MergeUpsert(nil, chatsesh.UpsertUserRequest{UserID: 1}, now)
		assert.Equal(t, &chatsesh.UserRecord{UserID: 1}, rec)
	})

	t.Run("authorization stamps both times once", func(t *testing.T) {
		rec := chatsesh.MergeUpsert(nil, chatsesh.UpsertUserRequest{UserID: 1, AuthID: "auth0|abc", Claims: claims, IsActive: true}, now)
		assert.Equal(t, now, rec.FirstAuthAt)
		assert.Equal(t, now, rec.LastAuthAt)
		assert.True(t, rec.IsActive)

		later := now.Add(time.Hour)
		rec = chatsesh.MergeUpsert(rec, chatsesh.UpsertUserRequest{UserID: 1, AuthID: "auth0|abc", Claims: claims, IsActive: true}, later)
		assert.Equal(t, now, rec.FirstAuthAt)
		assert.Equal(t, later, rec.LastAuthAt)
	})

	t.Run("explicit profile fields win over claims", func(t *testing.T) {
		rec := chatsesh.MergeUpsert(nil, chatsesh.UpsertUserRequest{
			UserID:   1,
			AuthID:   "auth0|abc",
			Claims:   claims,
			FullName: "Given Name",
		}, now)
		assert.Equal(t, "Given Name", rec.FullName)
		assert.Equal(t, "claim@example.com", rec.Email)
	})

	t.Run("upsert without auth id keeps authorization", func(t *testing.T) {
		existing := &chatsesh.UserRecord{UserID: 1, AuthID: "auth0|abc", IsActive: true, LastAuthAt: now}
		rec := chatsesh.MergeUpsert(existing, chatsesh.UpsertUserRequest{UserID: 1}, now.Add(time.Hour))
		assert.Equal(t, "auth0|abc", rec.AuthID)
		assert.True(t, rec.IsActive)
		assert.Equal(t, now, rec.LastAuthAt)
	})
}
