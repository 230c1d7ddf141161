package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/rlebel12/chatsesh"
)

// TestServer runs chatsesh over HTTP against a FakeDeviceProvider.
type TestServer struct {
	Server   *httptest.Server
	Chatsesh *chatsesh.Chatsesh
	Store    *chatsesh.MemoryStore
	Provider *FakeDeviceProvider
	Notifier *RecordingNotifier

	opts []chatsesh.NewOpts
}

// TestServerOption configures a TestServer.
type TestServerOption func(*TestServer)

// WithChatseshOpts appends options passed to chatsesh.New.
func WithChatseshOpts(opts ...chatsesh.NewOpts) TestServerOption {
	return func(ts *TestServer) {
		ts.opts = append(ts.opts, opts...)
	}
}

// WithOffline runs chatsesh without a configured provider.
func WithOffline() TestServerOption {
	return func(ts *TestServer) {
		ts.opts = append(ts.opts, chatsesh.WithProvider(chatsesh.Provider{}))
	}
}

// NewTestServer starts a server with a fast poll interval and a one minute session timeout.
func NewTestServer(opts ...TestServerOption) *TestServer {
	ts := &TestServer{
		Store:    chatsesh.NewMemoryStore(),
		Provider: NewFakeDeviceProvider(),
		Notifier: &RecordingNotifier{},
	}
	defaults := []chatsesh.NewOpts{
		chatsesh.WithProvider(ts.Provider.Provider()),
		chatsesh.WithPollInterval(10 * time.Millisecond),
		chatsesh.WithMaxPollAttempts(500),
		chatsesh.WithNotifyRetryDelay(time.Millisecond),
		chatsesh.WithNotifier(ts.Notifier),
	}
	ts.opts = defaults
	for _, opt := range opts {
		opt(ts)
	}

	ts.Chatsesh = chatsesh.New(ts.Store, ts.opts...)
	ts.Server = httptest.NewServer(ts.Chatsesh.Handler())
	return ts
}

func (ts *TestServer) Close() {
	ts.Server.Close()
	ts.Chatsesh.Close()
	ts.Provider.Close()
}

// Post sends body as JSON and decodes a JSON response into out when out is non-nil.
func (ts *TestServer) Post(ctx context.Context, path string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.Server.URL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	return ts.do(req, out)
}

// Get decodes a JSON response into out when out is non-nil.
func (ts *TestServer) Get(ctx context.Context, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.Server.URL+path, nil)
	if err != nil {
		return 0, err
	}
	return ts.do(req, out)
}

func (ts *TestServer) do(req *http.Request, out any) (int, error) {
	resp, err := ts.Server.Client().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Status fetches the status of user.
func (ts *TestServer) Status(ctx context.Context, user chatsesh.UserID) (chatsesh.StatusResponse, error) {
	var status chatsesh.StatusResponse
	code, err := ts.Get(ctx, fmt.Sprintf("/auth/status?user_id=%d", user), &status)
	if err == nil && code != http.StatusOK {
		err = fmt.Errorf("status: unexpected code %d", code)
	}
	return status, err
}

// RecordingNotifier keeps every delivered message.
type RecordingNotifier struct {
	mu       sync.Mutex
	messages []Message
}

type Message struct {
	User chatsesh.UserID
	Text string
}

func (n *RecordingNotifier) Notify(ctx context.Context, user chatsesh.UserID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, Message{User: user, Text: text})
	return nil
}

// For returns the messages sent to user.
func (n *RecordingNotifier) For(user chatsesh.UserID) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var texts []string
	for _, m := range n.messages {
		if m.User == user {
			texts = append(texts, m.Text)
		}
	}
	return texts
}
