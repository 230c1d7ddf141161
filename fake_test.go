package chatsesh

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// FakeNotifier records messages and fails the first Failures deliveries.
type FakeNotifier struct {
	mu       sync.Mutex
	Failures int
	calls    int
	messages []string
}

func (n *FakeNotifier) Notify(ctx context.Context, user UserID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.calls <= n.Failures {
		return errors.New("chat unavailable")
	}
	n.messages = append(n.messages, text)
	return nil
}

func (n *FakeNotifier) Messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

func (n *FakeNotifier) Calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

// FakeStore wraps a MemoryStore with injectable failures.
type FakeStore struct {
	*MemoryStore
	UpsertErr     error
	DeactivateErr error

	mu          sync.Mutex
	deactivated []UserID
}

func NewFakeStore() *FakeStore {
	return &FakeStore{MemoryStore: NewMemoryStore()}
}

func (s *FakeStore) UpsertUser(ctx context.Context, req UpsertUserRequest) (*UserRecord, error) {
	if s.UpsertErr != nil {
		return nil, s.UpsertErr
	}
	return s.MemoryStore.UpsertUser(ctx, req)
}

func (s *FakeStore) DeactivateUser(ctx context.Context, user UserID) (*UserRecord, error) {
	s.mu.Lock()
	s.deactivated = append(s.deactivated, user)
	s.mu.Unlock()
	if s.DeactivateErr != nil {
		return nil, s.DeactivateErr
	}
	return s.MemoryStore.DeactivateUser(ctx, user)
}

func (s *FakeStore) Deactivated() []UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]UserID(nil), s.deactivated...)
}

// fakeProvider serves the device authorization, token and userinfo endpoints. Token
// responses are taken from tokenReplies in order; the last one repeats.
type fakeProvider struct {
	*httptest.Server

	mu            sync.Mutex
	deviceStatus  int
	deviceReply   map[string]any
	tokenReplies  []fakeReply
	tokenRequests []url.Values
	deviceForms   []url.Values
	userinfo      fakeReply
	authHeaders   []string
}

type fakeReply struct {
	status int
	body   map[string]any
}

func pendingReply() fakeReply {
	return fakeReply{status: http.StatusBadRequest, body: map[string]any{"error": "authorization_pending"}}
}

func errorReply(code string) fakeReply {
	return fakeReply{status: http.StatusBadRequest, body: map[string]any{"error": code, "error_description": code + " description"}}
}

func tokenReply(accessToken string) fakeReply {
	return fakeReply{status: http.StatusOK, body: map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
	}}
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{
		deviceStatus: http.StatusOK,
		deviceReply: map[string]any{
			"device_code":               "device-123",
			"user_code":                 "ABCD-EFGH",
			"verification_uri":          "https://idp.example.test/activate",
			"verification_uri_complete": "https://idp.example.test/activate?user_code=ABCD-EFGH",
			"expires_in":                900,
			"interval":                  5,
		},
		tokenReplies: []fakeReply{pendingReply()},
		userinfo: fakeReply{status: http.StatusOK, body: map[string]any{
			"sub":   "auth0|abc",
			"name":  "Ada Lovelace",
			"email": "ada@example.com",
		}},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/device/code", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		p.mu.Lock()
		p.deviceForms = append(p.deviceForms, r.PostForm)
		status, body := p.deviceStatus, p.deviceReply
		p.mu.Unlock()
		writeFakeJSON(w, status, body)
	})
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		p.mu.Lock()
		p.tokenRequests = append(p.tokenRequests, r.PostForm)
		reply := p.tokenReplies[0]
		if len(p.tokenReplies) > 1 {
			p.tokenReplies = p.tokenReplies[1:]
		}
		p.mu.Unlock()
		writeFakeJSON(w, reply.status, reply.body)
	})
	mux.HandleFunc("GET /userinfo", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.authHeaders = append(p.authHeaders, r.Header.Get("Authorization"))
		reply := p.userinfo
		p.mu.Unlock()
		writeFakeJSON(w, reply.status, reply.body)
	})
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

func (p *fakeProvider) Provider() Provider {
	return Provider{
		Name: "fake",
		OAuth2: &oauth2.Config{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			Scopes:       []string{"openid", "profile", "email"},
			Endpoint: oauth2.Endpoint{
				DeviceAuthURL: p.URL + "/oauth/device/code",
				TokenURL:      p.URL + "/oauth/token",
				AuthStyle:     oauth2.AuthStyleInParams,
			},
		},
		Audience:    "https://api.example.test",
		UserInfoURL: p.URL + "/userinfo",
	}
}

func (p *fakeProvider) SetTokenReplies(replies ...fakeReply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenReplies = replies
}

func (p *fakeProvider) SetDeviceReply(status int, body map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deviceStatus, p.deviceReply = status, body
}

func (p *fakeProvider) SetUserinfo(reply fakeReply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userinfo = reply
}

func (p *fakeProvider) TokenRequests() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.tokenRequests...)
}

func (p *fakeProvider) DeviceForms() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.deviceForms...)
}

func (p *fakeProvider) AuthHeaders() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.authHeaders...)
}

func writeFakeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// fakeMonitor records audit events.
type fakeMonitor struct {
	mu             sync.Mutex
	started        int
	closed         []string
	successes      []string
	failures       []string
	providerErrors int
}

func (m *fakeMonitor) AuditAuthorizationSuccess(ctx context.Context, user UserID, authID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successes = append(m.successes, authID)
	return nil
}

func (m *fakeMonitor) AuditAuthorizationFailure(ctx context.Context, user UserID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, reason)
	return nil
}

func (m *fakeMonitor) AuditSessionStarted(ctx context.Context, user UserID, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
	return nil
}

func (m *fakeMonitor) AuditSessionClosed(ctx context.Context, user UserID, sessionID uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, reason)
	return nil
}

func (m *fakeMonitor) AuditProviderError(ctx context.Context, provider string, err error, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providerErrors++
	return nil
}

func (m *fakeMonitor) Closed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.closed...)
}

func (m *fakeMonitor) Failures() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.failures...)
}

func (m *fakeMonitor) ProviderErrors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.providerErrors
}

// fakeAuditor records profiles passed to RecordProfile.
type fakeAuditor struct {
	mu       sync.Mutex
	profiles []Claims
}

func (a *fakeAuditor) RecordProfile(ctx context.Context, claims Claims) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.profiles = append(a.profiles, claims)
	return nil
}

func (a *fakeAuditor) Profiles() []Claims {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Claims(nil), a.profiles...)
}

// testConfig returns a Config with defaults applied for store.
func testConfig(store UserStorer, opts ...NewOpts) *Config {
	cfg := &Config{
		SessionTimeout:   DefaultSessionTimeout,
		PollInterval:     DefaultPollInterval,
		MaxPollAttempts:  DefaultMaxPollAttempts,
		NotifyRetryDelay: time.Millisecond,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.setDefaults(store)
	return cfg
}
