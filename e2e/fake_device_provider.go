package e2e

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/rlebel12/chatsesh"
	"github.com/rlebel12/chatsesh/providers"
	"golang.org/x/oauth2"
)

const (
	fakeClientID     = "test-client-id"
	fakeClientSecret = "test-client-secret"
	fakeAudience     = "https://api.example.test"
)

// FakeDeviceProvider simulates an identity provider that serves the device authorization grant.
// Device codes stay pending until Approve or Deny is called with their user code.
type FakeDeviceProvider struct {
	Server *httptest.Server

	mu            sync.Mutex
	grants        map[string]*deviceGrant // by device code
	byUserCode    map[string]*deviceGrant
	tokens        map[string]chatsesh.Claims // access token to profile
	tokenRequests int
	audiences     []string
}

type deviceGrant struct {
	deviceCode string
	userCode   string
	state      string
	claims     chatsesh.Claims
}

const (
	grantPending  = "pending"
	grantApproved = "approved"
	grantDenied   = "denied"
	grantExpired  = "expired"
	grantUsed     = "used"
)

func NewFakeDeviceProvider() *FakeDeviceProvider {
	p := &FakeDeviceProvider{
		grants:     map[string]*deviceGrant{},
		byUserCode: map[string]*deviceGrant{},
		tokens:     map[string]chatsesh.Claims{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/device/code", p.handleDeviceCode)
	mux.HandleFunc("POST /oauth/token", p.handleToken)
	mux.HandleFunc("GET /userinfo", p.handleUserInfo)
	p.Server = httptest.NewServer(mux)
	return p
}

// Provider returns a chatsesh provider pointed at the fake server.
func (p *FakeDeviceProvider) Provider() chatsesh.Provider {
	return providers.Custom("fake", oauth2.Endpoint{
		DeviceAuthURL: p.Server.URL + "/oauth/device/code",
		TokenURL:      p.Server.URL + "/oauth/token",
		AuthStyle:     oauth2.AuthStyleInParams,
	}, p.Server.URL+"/userinfo", fakeClientID, fakeClientSecret, fakeAudience)
}

func (p *FakeDeviceProvider) Close() {
	p.Server.Close()
}

// Approve completes the grant for userCode with the given profile.
func (p *FakeDeviceProvider) Approve(userCode string, claims chatsesh.Claims) bool {
	return p.transition(userCode, grantApproved, claims)
}

func (p *FakeDeviceProvider) Deny(userCode string) bool {
	return p.transition(userCode, grantDenied, nil)
}

func (p *FakeDeviceProvider) Expire(userCode string) bool {
	return p.transition(userCode, grantExpired, nil)
}

func (p *FakeDeviceProvider) transition(userCode, state string, claims chatsesh.Claims) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.byUserCode[userCode]
	if !ok || g.state != grantPending {
		return false
	}
	g.state = state
	g.claims = claims
	return true
}

// TokenRequests reports how many device_code grant requests reached the token endpoint.
func (p *FakeDeviceProvider) TokenRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenRequests
}

// Audiences lists the audience parameters received by the device code endpoint.
func (p *FakeDeviceProvider) Audiences() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.audiences...)
}

// POST /oauth/device/code with client_id, scope and audience
func (p *FakeDeviceProvider) handleDeviceCode(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if r.PostForm.Get("client_id") != fakeClientID {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	g := &deviceGrant{
		deviceCode: randomHex(16),
		userCode:   strings.ToUpper(randomHex(4)),
		state:      grantPending,
	}
	p.mu.Lock()
	p.grants[g.deviceCode] = g
	p.byUserCode[g.userCode] = g
	p.audiences = append(p.audiences, r.PostForm.Get("audience"))
	p.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"device_code":               g.deviceCode,
		"user_code":                 g.userCode,
		"verification_uri":          p.Server.URL + "/activate",
		"verification_uri_complete": p.Server.URL + "/activate?user_code=" + g.userCode,
		"expires_in":                900,
	})
}

// POST /oauth/token with grant_type=urn:ietf:params:oauth:grant-type:device_code
func (p *FakeDeviceProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if r.PostForm.Get("grant_type") != "urn:ietf:params:oauth:grant-type:device_code" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}
	if r.PostForm.Get("client_id") != fakeClientID || r.PostForm.Get("client_secret") != fakeClientSecret {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenRequests++

	g, ok := p.grants[r.PostForm.Get("device_code")]
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	switch g.state {
	case grantPending:
		writeOAuthError(w, http.StatusForbidden, "authorization_pending")
	case grantDenied:
		writeOAuthError(w, http.StatusForbidden, "access_denied")
	case grantExpired:
		writeOAuthError(w, http.StatusBadRequest, "expired_token")
	case grantUsed:
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
	case grantApproved:
		g.state = grantUsed
		accessToken := randomHex(24)
		p.tokens[accessToken] = g.claims
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": accessToken,
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}
}

// GET /userinfo with Authorization: Bearer <token>
func (p *FakeDeviceProvider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	accessToken, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	p.mu.Lock()
	claims, ok := p.tokens[accessToken]
	p.mu.Unlock()
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}
