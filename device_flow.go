package chatsesh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	placeholderVerificationURL = "https://example.com/auth"
	placeholderExpiry          = 1800 * time.Second
	syntheticTokenPrefix       = "dummy_access_token_"
	syntheticTokenLifetime     = 86400

	deviceCodeGrantType     = "urn:ietf:params:oauth:grant-type:device_code"
	errAuthorizationPending = "authorization_pending"
	maxResponseBytes        = 1 << 20
)

// Verification is what the user needs to approve a device authorization.
type Verification struct {
	URL       string
	UserCode  string
	ExpiresIn int

	// Resumed is set when a stored authorization was restored and no device flow was started.
	Resumed bool
}

// PollStatus tags the outcome of a single poll.
type PollStatus int

const (
	// PollIdle means no device flow is in flight for the user.
	PollIdle PollStatus = iota
	PollPending
	PollAuthorized
	PollExpired
	PollFailed
)

func (s PollStatus) String() string {
	switch s {
	case PollIdle:
		return "idle"
	case PollPending:
		return "pending"
	case PollAuthorized:
		return "authorized"
	case PollExpired:
		return "expired"
	case PollFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PollResult is the tagged result of DeviceFlowPoller.Poll.
// Token is set only for PollAuthorized and Err only for PollFailed.
type PollResult struct {
	Status PollStatus
	Token  *oauth2.Token
	Err    error
}

// Terminal reports whether the device flow record is gone after this result.
func (r PollResult) Terminal() bool {
	return r.Status != PollPending
}

// DeviceFlowPoller runs the client side of the OAuth 2.0 device authorization grant.
// Start never fails outward: when the provider is unusable it records a placeholder flow
// that completes locally.
type DeviceFlowPoller struct {
	registry *Registry
	provider Provider
	offline  bool
	interval time.Duration
	client   *http.Client
	auditor  ProfileAuditor
	monitor  Monitor
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewDeviceFlowPoller(registry *Registry, cfg *Config) *DeviceFlowPoller {
	p := &DeviceFlowPoller{
		registry: registry,
		provider: cfg.Provider,
		offline:  cfg.OfflineMode,
		interval: cfg.PollInterval,
		client:   cfg.HTTPClient,
		auditor:  cfg.Auditor,
		monitor:  cfg.Monitor,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if missing := cfg.Provider.Missing(); len(missing) > 0 {
		p.offline = true
		p.logger.Warn("identity provider configuration incomplete, using offline mode", "missing", missing)
	}
	return p
}

// Offline reports whether the poller serves placeholder flows only.
func (p *DeviceFlowPoller) Offline() bool {
	return p.offline
}

// Start requests a device code and a user code for user and records the in-flight flow,
// replacing any previous one.
func (p *DeviceFlowPoller) Start(ctx context.Context, user UserID) Verification {
	if p.offline {
		p.logger.Info("starting placeholder device flow", "user_id", user)
		return p.placeholder(user)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	var opts []oauth2.AuthCodeOption
	if p.provider.Audience != "" {
		opts = append(opts, oauth2.SetAuthURLParam("audience", p.provider.Audience))
	}
	resp, err := p.provider.OAuth2.DeviceAuth(ctx, opts...)
	if err != nil {
		p.logger.Error("request device code, falling back to placeholder flow", "user_id", user, "error", err)
		p.auditProviderError(ctx, err, user)
		return p.placeholder(user)
	}

	now := p.now()
	expiresIn := placeholderExpiry
	if !resp.Expiry.IsZero() {
		// Expiry is stamped from the wall clock while decoding; only the duration carries over to now.
		expiresIn = time.Until(resp.Expiry).Round(time.Second)
	}
	interval := time.Duration(resp.Interval) * time.Second
	if interval <= 0 {
		interval = p.interval
	}
	p.registry.putDeviceFlow(&DeviceFlowRecord{
		UserID:        user,
		DeviceCode:    resp.DeviceCode,
		ExpiresAt:     now.Add(expiresIn),
		Interval:      interval,
		LastCheckedAt: now,
	})

	verificationURL := resp.VerificationURIComplete
	if verificationURL == "" {
		verificationURL = resp.VerificationURI
	}
	p.logger.Info("device flow started", "user_id", user, "verification_url", verificationURL)
	return Verification{
		URL:       verificationURL,
		UserCode:  resp.UserCode,
		ExpiresIn: int(expiresIn / time.Second),
	}
}

func (p *DeviceFlowPoller) placeholder(user UserID) Verification {
	now := p.now()
	p.registry.putDeviceFlow(&DeviceFlowRecord{
		UserID:        user,
		ExpiresAt:     now.Add(placeholderExpiry),
		Interval:      p.interval,
		LastCheckedAt: now,
		Placeholder:   true,
	})
	return Verification{
		URL:       placeholderVerificationURL,
		UserCode:  "TEST-CODE-" + user.String(),
		ExpiresIn: int(placeholderExpiry / time.Second),
	}
}

// Poll checks once whether the user has approved the device.
// Throttling against the record's interval happens before any network I/O.
func (p *DeviceFlowPoller) Poll(ctx context.Context, user UserID) PollResult {
	now := p.now()

	p.registry.mu.Lock()
	rec, ok := p.registry.flows[user]
	if !ok {
		p.registry.mu.Unlock()
		return p.result(PollResult{Status: PollIdle})
	}
	if now.After(rec.ExpiresAt) {
		delete(p.registry.flows, user)
		p.registry.mu.Unlock()
		p.logger.Info("device code expired", "user_id", user)
		return p.result(PollResult{Status: PollExpired})
	}
	if now.Sub(rec.LastCheckedAt) < rec.Interval {
		p.registry.mu.Unlock()
		return p.result(PollResult{Status: PollPending})
	}
	rec.LastCheckedAt = now
	if rec.Placeholder {
		delete(p.registry.flows, user)
		p.registry.mu.Unlock()
		p.logger.Info("returning synthetic token", "user_id", user)
		return p.result(PollResult{Status: PollAuthorized, Token: syntheticToken(user, now)})
	}
	deviceCode := rec.DeviceCode
	p.registry.mu.Unlock()

	token, pending, err := p.exchange(ctx, deviceCode)
	if pending {
		return p.result(PollResult{Status: PollPending})
	}
	p.forget(user, rec)
	if err != nil {
		p.logger.Error("poll device flow", "user_id", user, "error", err)
		p.auditProviderError(ctx, err, user)
		return p.result(PollResult{Status: PollFailed, Err: err})
	}
	p.logger.Info("received access token", "user_id", user)
	return p.result(PollResult{Status: PollAuthorized, Token: token})
}

// forget removes rec unless a newer flow replaced it while the token request was in flight.
func (p *DeviceFlowPoller) forget(user UserID, rec *DeviceFlowRecord) {
	p.registry.mu.Lock()
	defer p.registry.mu.Unlock()
	if p.registry.flows[user] == rec {
		delete(p.registry.flows, user)
	}
}

func (p *DeviceFlowPoller) result(r PollResult) PollResult {
	p.metrics.observePoll(r.Status)
	return r
}

type tokenJSON struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type errorJSON struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorURI         string `json:"error_uri"`
}

// exchange performs one device_code grant request. oauth2.Config.DeviceAccessToken polls
// until completion, so the single request is issued here.
func (p *DeviceFlowPoller) exchange(ctx context.Context, deviceCode string) (*oauth2.Token, bool, error) {
	cfg := p.provider.OAuth2
	form := url.Values{
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
		"device_code":   {deviceCode},
		"grant_type":    {deviceCodeGrantType},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, false, fmt.Errorf("%w: create request: %w", ErrTokenExchange, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("%w: send request: %w", ErrTokenExchange, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, false, fmt.Errorf("%w: read response: %w", ErrTokenExchange, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retrieveErr := &oauth2.RetrieveError{Response: resp, Body: body}
		var e errorJSON
		if json.Unmarshal(body, &e) == nil {
			retrieveErr.ErrorCode = e.Error
			retrieveErr.ErrorDescription = e.ErrorDescription
			retrieveErr.ErrorURI = e.ErrorURI
		}
		if retrieveErr.ErrorCode == errAuthorizationPending {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("%w: %w", ErrTokenExchange, retrieveErr)
	}

	var tj tokenJSON
	if err := json.Unmarshal(body, &tj); err != nil {
		return nil, false, fmt.Errorf("%w: decode token: %w", ErrTokenExchange, err)
	}
	if tj.AccessToken == "" {
		return nil, false, fmt.Errorf("%w: response missing access_token", ErrTokenExchange)
	}
	token := &oauth2.Token{
		AccessToken:  tj.AccessToken,
		TokenType:    tj.TokenType,
		RefreshToken: tj.RefreshToken,
		ExpiresIn:    tj.ExpiresIn,
	}
	if tj.ExpiresIn > 0 {
		token.Expiry = p.now().Add(time.Duration(tj.ExpiresIn) * time.Second)
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err == nil {
		token = token.WithExtra(raw)
	}
	return token, false, nil
}

// FetchProfile exchanges an access token for the user's profile claims.
func (p *DeviceFlowPoller) FetchProfile(ctx context.Context, token *oauth2.Token) (Claims, error) {
	if token == nil || token.AccessToken == "" {
		return nil, ErrMissingAccessToken
	}
	if id, ok := strings.CutPrefix(token.AccessToken, syntheticTokenPrefix); ok {
		return syntheticClaims(id, p.now()), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.provider.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %w", ErrProfileRequest, err)
	}
	token.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: send request: %w", ErrProfileRequest, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrProfileRequest, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: response not ok: %s: %s", ErrProfileRequest, resp.Status, body)
	}

	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("%w: decode claims: %w", ErrProfileRequest, err)
	}

	if err := p.auditor.RecordProfile(ctx, claims); err != nil {
		p.logger.Error("record profile audit", "sub", claims.Subject(), "error", err)
	}
	return claims, nil
}

func (p *DeviceFlowPoller) auditProviderError(ctx context.Context, err error, user UserID) {
	if auditErr := p.monitor.AuditProviderError(ctx, p.provider.Name, err, map[string]string{"user_id": user.String()}); auditErr != nil {
		p.logger.Error("audit provider error", "error", auditErr)
	}
}

func syntheticToken(user UserID, now time.Time) *oauth2.Token {
	return &oauth2.Token{
		AccessToken: syntheticTokenPrefix + user.String(),
		TokenType:   "Bearer",
		ExpiresIn:   syntheticTokenLifetime,
		Expiry:      now.Add(syntheticTokenLifetime * time.Second),
	}
}
