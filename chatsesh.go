package chatsesh

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

const (
	DefaultSessionTimeout   = 60 * time.Second
	DefaultPollInterval     = 5 * time.Second
	DefaultMaxPollAttempts  = 30
	DefaultNotifyRetryDelay = 1 * time.Second
)

func New(store UserStorer, opts ...NewOpts) *Chatsesh {
	config := &Config{
		SessionTimeout:   DefaultSessionTimeout,
		PollInterval:     DefaultPollInterval,
		MaxPollAttempts:  DefaultMaxPollAttempts,
		NotifyRetryDelay: DefaultNotifyRetryDelay,
	}
	for _, opt := range opts {
		opt(config)
	}
	config.setDefaults(store)

	registry := NewRegistry()
	poller := NewDeviceFlowPoller(registry, config)
	sessions := NewSessionManager(registry, store, config)
	cs := &Chatsesh{
		Config:       config,
		Store:        store,
		registry:     registry,
		poller:       poller,
		sessions:     sessions,
		orchestrator: NewOrchestrator(poller, sessions, store, config),
	}
	if config.ActivityRecorder != nil && config.ActivityFlushInterval > 0 {
		cs.tracker = NewActivityTracker(config.ActivityRecorder, config.ActivityFlushInterval, config.Logger)
		sessions.tracker = cs.tracker
	}
	return cs
}

type (
	// Chatsesh authorizes chat users through a device flow and keeps their sessions alive
	// while they interact.
	Chatsesh struct {
		Config *Config
		Store  UserStorer

		registry     *Registry
		poller       *DeviceFlowPoller
		sessions     *SessionManager
		orchestrator *Orchestrator
		tracker      *ActivityTracker
	}

	NewOpts func(*Config)
)

// BeginAuthorization starts a session and a device flow for user, then polls for completion
// in the background. The outcome is reported to the user through the configured Notifier.
func (cs *Chatsesh) BeginAuthorization(ctx context.Context, user UserID) (Verification, error) {
	return cs.orchestrator.Begin(ctx, user)
}

// PollAuthorization polls the provider once for user's in-flight device flow.
func (cs *Chatsesh) PollAuthorization(ctx context.Context, user UserID) PollResult {
	return cs.poller.Poll(ctx, user)
}

func (cs *Chatsesh) FetchProfile(ctx context.Context, token *oauth2.Token) (Claims, error) {
	return cs.poller.FetchProfile(ctx, token)
}

// RegisterActivity extends user's session. It returns false when the user has no session.
func (cs *Chatsesh) RegisterActivity(user UserID) bool {
	return cs.sessions.RegisterActivity(user)
}

func (cs *Chatsesh) IsAuthorized(user UserID) bool {
	return cs.sessions.IsAuthorized(user)
}

func (cs *Chatsesh) AuthData(user UserID) Claims {
	return cs.sessions.AuthData(user)
}

// Logout abandons any running authorization for user and closes the session.
func (cs *Chatsesh) Logout(ctx context.Context, user UserID) bool {
	cs.orchestrator.Cancel(user)
	return cs.sessions.CloseSession(ctx, user, ReasonLogout)
}

// Close stops background polling and session timers and flushes recorded activity.
func (cs *Chatsesh) Close() {
	cs.orchestrator.Close()
	cs.sessions.Close()
	if cs.tracker != nil {
		cs.tracker.Close()
	}
}

func (cs *Chatsesh) Registry() *Registry { return cs.registry }
func (cs *Chatsesh) Poller() *DeviceFlowPoller { return cs.poller }
func (cs *Chatsesh) Sessions() *SessionManager { return cs.sessions }
func (cs *Chatsesh) Orchestrator() *Orchestrator { return cs.orchestrator }
func (cs *Chatsesh) Logger() *slog.Logger { return cs.Config.Logger }
func (cs *Chatsesh) ActivityTracker() *ActivityTracker { return cs.tracker }

type (
	Config struct {
		Provider    Provider
		OfflineMode bool

		SessionTimeout        time.Duration
		PollInterval          time.Duration
		MaxPollAttempts       int
		NotifyRetryDelay      time.Duration
		ActivityFlushInterval time.Duration

		HTTPClient       *http.Client
		Notifier         Notifier
		History          HistoryStorer
		ActivityRecorder ActivityRecorder
		Auditor          ProfileAuditor
		Monitor          Monitor
		Metrics          *Metrics
		Progress         ProgressFunc

		Logger *slog.Logger
		Now    func() time.Time
	}

	// Provider describes the identity provider that serves the device flow.
	Provider struct {
		Name        string
		OAuth2      *oauth2.Config
		Audience    string
		UserInfoURL string
	}

	// ProgressFunc receives polling progress as a percentage of the attempt budget.
	ProgressFunc func(ctx context.Context, user UserID, percent int)
)

// Missing names the provider settings that are absent.
func (p Provider) Missing() []string {
	var missing []string
	if p.OAuth2 == nil || p.OAuth2.Endpoint.DeviceAuthURL == "" || p.OAuth2.Endpoint.TokenURL == "" || p.UserInfoURL == "" {
		missing = append(missing, "domain")
	}
	if p.OAuth2 == nil || p.OAuth2.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if p.OAuth2 == nil || p.OAuth2.ClientSecret == "" {
		missing = append(missing, "client_secret")
	}
	if p.Audience == "" {
		missing = append(missing, "audience")
	}
	return missing
}

func (cfg *Config) setDefaults(store UserStorer) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NopNotifier{}
	}
	if cfg.Auditor == nil {
		cfg.Auditor = NopAuditor{}
	}
	if cfg.Monitor == nil {
		cfg.Monitor = &NoopMonitor{}
	}
	if cfg.History == nil {
		if h, ok := store.(HistoryStorer); ok {
			cfg.History = h
		}
	}
	if cfg.ActivityRecorder == nil {
		if r, ok := store.(ActivityRecorder); ok {
			cfg.ActivityRecorder = r
		}
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = DefaultMaxPollAttempts
	}
	if cfg.NotifyRetryDelay < 0 {
		cfg.NotifyRetryDelay = 0
	}
}

func WithLogger(logger *slog.Logger) func(*Config) {
	return func(c *Config) {
		c.Logger = logger
	}
}

func WithProvider(p Provider) func(*Config) {
	return func(c *Config) {
		c.Provider = p
	}
}

// WithOfflineMode forces placeholder device flows even when the provider is configured.
func WithOfflineMode(offline bool) func(*Config) {
	return func(c *Config) {
		c.OfflineMode = offline
	}
}

func WithSessionTimeout(d time.Duration) func(*Config) {
	return func(c *Config) {
		c.SessionTimeout = d
	}
}

func WithPollInterval(d time.Duration) func(*Config) {
	return func(c *Config) {
		c.PollInterval = d
	}
}

func WithMaxPollAttempts(n int) func(*Config) {
	return func(c *Config) {
		c.MaxPollAttempts = n
	}
}

func WithNotifyRetryDelay(d time.Duration) func(*Config) {
	return func(c *Config) {
		c.NotifyRetryDelay = d
	}
}

// WithActivityFlushInterval enables batched persistence of last-activity timestamps.
func WithActivityFlushInterval(d time.Duration) func(*Config) {
	return func(c *Config) {
		c.ActivityFlushInterval = d
	}
}

func WithHTTPClient(client *http.Client) func(*Config) {
	return func(c *Config) {
		c.HTTPClient = client
	}
}

func WithNotifier(n Notifier) func(*Config) {
	return func(c *Config) {
		c.Notifier = n
	}
}

func WithHistory(h HistoryStorer) func(*Config) {
	return func(c *Config) {
		c.History = h
	}
}

func WithActivityRecorder(r ActivityRecorder) func(*Config) {
	return func(c *Config) {
		c.ActivityRecorder = r
	}
}

func WithAuditor(a ProfileAuditor) func(*Config) {
	return func(c *Config) {
		c.Auditor = a
	}
}

func WithMonitor(m Monitor) func(*Config) {
	return func(c *Config) {
		c.Monitor = m
	}
}

func WithMetrics(m *Metrics) func(*Config) {
	return func(c *Config) {
		c.Metrics = m
	}
}

func WithProgress(fn ProgressFunc) func(*Config) {
	return func(c *Config) {
		c.Progress = fn
	}
}

func WithNow(now func() time.Time) func(*Config) {
	return func(c *Config) {
		c.Now = now
	}
}
