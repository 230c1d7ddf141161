package chatsesh

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type authFixture struct {
	cs       *Chatsesh
	store    *FakeStore
	provider *fakeProvider
	notifier *FakeNotifier
	monitor  *fakeMonitor
}

// newAuthFixture polls a fake provider every few milliseconds. The device reply omits the
// interval so the configured poll interval applies.
func newAuthFixture(t *testing.T, opts ...NewOpts) *authFixture {
	t.Helper()
	f := &authFixture{
		store:    NewFakeStore(),
		provider: newFakeProvider(t),
		notifier: &FakeNotifier{},
		monitor:  &fakeMonitor{},
	}
	f.provider.SetDeviceReply(http.StatusOK, map[string]any{
		"device_code":      "device-123",
		"user_code":        "ABCD-EFGH",
		"verification_uri": "https://idp.example.test/activate",
		"expires_in":       900,
	})
	opts = append([]NewOpts{
		WithProvider(f.provider.Provider()),
		WithPollInterval(5 * time.Millisecond),
		WithMaxPollAttempts(500),
		WithNotifyRetryDelay(time.Millisecond),
		WithNotifier(f.notifier),
		WithMonitor(f.monitor),
	}, opts...)
	f.cs = New(f.store, opts...)
	t.Cleanup(f.cs.Close)
	return f
}

func (f *authFixture) finished(user UserID) func() bool {
	return func() bool { return !f.cs.Orchestrator().Running(user) }
}

func TestOrchestrator_Success(t *testing.T) {
	t.Run("provider approval authorizes the user", func(t *testing.T) {
		f := newAuthFixture(t)
		v, err := f.cs.BeginAuthorization(t.Context(), 42)
		require.NoError(t, err)
		assert.Equal(t, "ABCD-EFGH", v.UserCode)
		assert.True(t, f.cs.Orchestrator().Running(42))

		f.provider.SetTokenReplies(pendingReply(), pendingReply(), tokenReply("at-1"))
		require.Eventually(t, f.finished(42), waitFor, tick)

		assert.True(t, f.cs.IsAuthorized(42))
		assert.Equal(t, "auth0|abc", f.cs.AuthData(42).Subject())
		assert.Equal(t, []string{MessageAuthorized}, f.notifier.Messages())
		_, ok := f.cs.Registry().DeviceFlow(42)
		assert.False(t, ok)

		rec, err := f.store.GetUser(t.Context(), 42)
		require.NoError(t, err)
		assert.Equal(t, "auth0|abc", rec.AuthID)
		assert.True(t, rec.IsActive)

		history := f.store.Messages(42)
		require.Len(t, history, 1)
		assert.Equal(t, MessageAuthorized, history[0].Text)
		assert.False(t, history[0].FromUser)
	})

	t.Run("offline mode authorizes with a synthetic profile", func(t *testing.T) {
		f := newAuthFixture(t, WithOfflineMode(true))
		v, err := f.cs.BeginAuthorization(t.Context(), 42)
		require.NoError(t, err)
		assert.Equal(t, "TEST-CODE-42", v.UserCode)

		require.Eventually(t, f.finished(42), waitFor, tick)
		assert.True(t, f.cs.IsAuthorized(42))
		assert.Equal(t, "auth0|test42", f.cs.AuthData(42).Subject())
		assert.Equal(t, []string{MessageAuthorized}, f.notifier.Messages())
		assert.Empty(t, f.provider.TokenRequests())
	})

	t.Run("progress is reported every fifth attempt", func(t *testing.T) {
		var mu sync.Mutex
		var percents []int
		progress := func(ctx context.Context, user UserID, percent int) {
			mu.Lock()
			defer mu.Unlock()
			percents = append(percents, percent)
		}
		f := newAuthFixture(t, WithMaxPollAttempts(10), WithProgress(progress))
		_, err := f.cs.BeginAuthorization(t.Context(), 42)
		require.NoError(t, err)

		require.Eventually(t, f.finished(42), waitFor, tick)
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []int{50, 100}, percents)
	})
}

func TestOrchestrator_Failure(t *testing.T) {
	assertClosed := func(t *testing.T, f *authFixture, user UserID) {
		t.Helper()
		_, ok := f.cs.Registry().Session(user)
		assert.False(t, ok, "session left behind")
		_, ok = f.cs.Registry().DeviceFlow(user)
		assert.False(t, ok, "device flow left behind")
		assert.Zero(t, f.cs.Registry().liveTimers())
	}

	t.Run("provider error", func(t *testing.T) {
		f := newAuthFixture(t)
		f.provider.SetTokenReplies(pendingReply(), errorReply("access_denied"))
		_, err := f.cs.BeginAuthorization(t.Context(), 42)
		require.NoError(t, err)

		require.Eventually(t, f.finished(42), waitFor, tick)
		messages := f.notifier.Messages()
		require.Len(t, messages, 1)
		assert.Contains(t, messages[0], "❌ Error during authorization")
		assert.Contains(t, messages[0], "access_denied")
		assert.Equal(t, []string{OutcomeFailed}, f.monitor.Failures())
		assertClosed(t, f, 42)
	})

	t.Run("attempts exhausted", func(t *testing.T) {
		f := newAuthFixture(t, WithMaxPollAttempts(3))
		_, err := f.cs.BeginAuthorization(t.Context(), 42)
		require.NoError(t, err)

		require.Eventually(t, f.finished(42), waitFor, tick)
		assert.Equal(t, []string{MessagePollTimeout}, f.notifier.Messages())
		assert.Equal(t, []string{OutcomeTimeout}, f.monitor.Failures())
		assert.LessOrEqual(t, len(f.provider.TokenRequests()), 3)
		assertClosed(t, f, 42)
	})

	t.Run("device code expires", func(t *testing.T) {
		f := newAuthFixture(t)
		f.provider.SetDeviceReply(http.StatusOK, map[string]any{
			"device_code":      "device-123",
			"user_code":        "ABCD-EFGH",
			"verification_uri": "https://idp.example.test/activate",
			"expires_in":       1,
		})
		_, err := f.cs.BeginAuthorization(t.Context(), 42)
		require.NoError(t, err)

		require.Eventually(t, f.finished(42), 3*time.Second, tick)
		assert.Equal(t, []string{MessageCodeExpired}, f.notifier.Messages())
		assert.Equal(t, []string{OutcomeExpired}, f.monitor.Failures())
		assertClosed(t, f, 42)
	})

	t.Run("profile without subject", func(t *testing.T) {
		f := newAuthFixture(t)
		f.provider.SetTokenReplies(tokenReply("at-1"))
		f.provider.SetUserinfo(fakeReply{status: http.StatusOK, body: map[string]any{"name": "Nobody"}})
		_, err := f.cs.BeginAuthorization(t.Context(), 42)
		require.NoError(t, err)

		require.Eventually(t, f.finished(42), waitFor, tick)
		messages := f.notifier.Messages()
		require.Len(t, messages, 1)
		assert.Contains(t, messages[0], errMissingSubject.Error())
		assert.False(t, f.cs.IsAuthorized(42))
		assertClosed(t, f, 42)
	})

	t.Run("session expiry during polling", func(t *testing.T) {
		f := newAuthFixture(t, WithSessionTimeout(30*time.Millisecond))
		_, err := f.cs.BeginAuthorization(t.Context(), 42)
		require.NoError(t, err)

		require.Eventually(t, f.finished(42), waitFor, tick)
		assert.Equal(t, []string{MessagePollTimeout}, f.notifier.Messages())
		assertClosed(t, f, 42)
	})

	t.Run("storage failure is returned from begin", func(t *testing.T) {
		f := newAuthFixture(t)
		f.store.UpsertErr = errors.New("db down")

		_, err := f.cs.BeginAuthorization(t.Context(), 42)
		assert.ErrorIs(t, err, ErrFailedUpsertingUser)
		assert.False(t, f.cs.Orchestrator().Running(42))
		assert.Empty(t, f.provider.DeviceForms())
	})
}

func TestOrchestrator_Lifecycle(t *testing.T) {
	t.Run("begin supersedes the running authorization", func(t *testing.T) {
		f := newAuthFixture(t)
		_, err := f.cs.BeginAuthorization(t.Context(), 42)
		require.NoError(t, err)
		first, _ := f.cs.Registry().Session(42)

		_, err = f.cs.BeginAuthorization(t.Context(), 42)
		require.NoError(t, err)
		second, ok := f.cs.Registry().Session(42)
		require.True(t, ok)
		assert.NotEqual(t, first.ID, second.ID)
		assert.True(t, f.cs.Orchestrator().Running(42))
		assert.Len(t, f.provider.DeviceForms(), 2)

		f.provider.SetTokenReplies(tokenReply("at-1"))
		require.Eventually(t, f.finished(42), waitFor, tick)
		assert.Equal(t, []string{MessageAuthorized}, f.notifier.Messages())
	})

	t.Run("cancel stops polling and clears the flow", func(t *testing.T) {
		f := newAuthFixture(t)
		_, err := f.cs.BeginAuthorization(t.Context(), 42)
		require.NoError(t, err)

		assert.True(t, f.cs.Orchestrator().Cancel(42))
		assert.False(t, f.cs.Orchestrator().Running(42))
		_, ok := f.cs.Registry().DeviceFlow(42)
		assert.False(t, ok)
		_, ok = f.cs.Registry().Session(42)
		assert.True(t, ok, "cancel leaves the session to the caller")

		assert.False(t, f.cs.Orchestrator().Cancel(42))
		assert.Empty(t, f.notifier.Messages())
	})

	t.Run("logout closes the session", func(t *testing.T) {
		f := newAuthFixture(t)
		_, err := f.cs.BeginAuthorization(t.Context(), 42)
		require.NoError(t, err)

		assert.True(t, f.cs.Logout(t.Context(), 42))
		assert.False(t, f.cs.Logout(t.Context(), 42))
		assert.False(t, f.cs.Orchestrator().Running(42))
		assert.Equal(t, []string{string(ReasonLogout)}, f.monitor.Closed())
		assert.Empty(t, f.notifier.Messages())
	})

	t.Run("close abandons running authorizations", func(t *testing.T) {
		f := newAuthFixture(t)
		_, err := f.cs.BeginAuthorization(t.Context(), 42)
		require.NoError(t, err)

		f.cs.Close()
		_, ok := f.cs.Registry().Session(42)
		assert.False(t, ok)
		assert.Equal(t, []string{string(ReasonAbandoned)}, f.monitor.Closed())
		assert.Empty(t, f.notifier.Messages())
	})
}

func TestOrchestrator_Resume(t *testing.T) {
	t.Run("authorized session", func(t *testing.T) {
		f := newAuthFixture(t)
		require.NoError(t, f.cs.Sessions().SetAuthorized(t.Context(), 42, "auth0|abc", Claims{"sub": "auth0|abc"}))

		v, err := f.cs.BeginAuthorization(t.Context(), 42)
		require.NoError(t, err)
		assert.Equal(t, Verification{Resumed: true}, v)
		assert.False(t, f.cs.Orchestrator().Running(42))
		assert.Empty(t, f.provider.DeviceForms())
	})

	t.Run("active stored record", func(t *testing.T) {
		f := newAuthFixture(t)
		_, err := f.store.UpsertUser(t.Context(), UpsertUserRequest{
			UserID:   42,
			AuthID:   "auth0|abc",
			Claims:   Claims{"sub": "auth0|abc"},
			IsActive: true,
		})
		require.NoError(t, err)

		v, err := f.cs.BeginAuthorization(t.Context(), 42)
		require.NoError(t, err)
		assert.True(t, v.Resumed)
		assert.True(t, f.cs.IsAuthorized(42))
		assert.Equal(t, "auth0|abc", f.cs.AuthData(42).Subject())
	})

	t.Run("inactive stored record starts a device flow", func(t *testing.T) {
		f := newAuthFixture(t)
		_, err := f.store.UpsertUser(t.Context(), UpsertUserRequest{
			UserID: 42,
			AuthID: "auth0|abc",
			Claims: Claims{"sub": "auth0|abc"},
		})
		require.NoError(t, err)

		v, err := f.cs.BeginAuthorization(t.Context(), 42)
		require.NoError(t, err)
		assert.False(t, v.Resumed)
		assert.Equal(t, "ABCD-EFGH", v.UserCode)
	})
}

func TestNew(t *testing.T) {
	t.Run("activity tracker follows the flush interval", func(t *testing.T) {
		cs := New(NewMemoryStore(), WithActivityFlushInterval(time.Hour))
		t.Cleanup(cs.Close)
		require.NotNil(t, cs.ActivityTracker())
		assert.Same(t, cs.ActivityTracker(), cs.Sessions().tracker)

		cs = New(NewMemoryStore())
		t.Cleanup(cs.Close)
		assert.Nil(t, cs.ActivityTracker())
	})

	t.Run("defaults", func(t *testing.T) {
		cs := New(NewMemoryStore())
		t.Cleanup(cs.Close)
		assert.Equal(t, DefaultSessionTimeout, cs.Config.SessionTimeout)
		assert.Equal(t, DefaultPollInterval, cs.Config.PollInterval)
		assert.Equal(t, DefaultMaxPollAttempts, cs.Config.MaxPollAttempts)
		assert.NotNil(t, cs.Config.History)
		assert.True(t, cs.Poller().Offline())
		assert.NotNil(t, cs.Logger())
	})
}
