package chatsesh

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

type userRequest struct {
	UserID UserID `json:"user_id"`
}

// BeginResponse is returned by the begin endpoint.
type BeginResponse struct {
	VerificationURL string `json:"verification_url,omitempty"`
	UserCode        string `json:"user_code,omitempty"`
	ExpiresIn       int    `json:"expires_in,omitempty"`
	Resumed         bool   `json:"resumed"`
}

// PollResponse is returned by the poll endpoint. Token fields are present only when
// Status is "authorized".
type PollResponse struct {
	Status      string `json:"status"`
	AccessToken string `json:"access_token,omitempty"`
	TokenType   string `json:"token_type,omitempty"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
	Error       string `json:"error,omitempty"`
}

// StatusResponse is returned by the status endpoint.
type StatusResponse struct {
	UserID     UserID `json:"user_id"`
	Authorized bool   `json:"authorized"`
	Polling    bool   `json:"polling"`
	Claims     Claims `json:"claims,omitempty"`
}

// Handler returns the HTTP surface the chat transport talks to.
func (cs *Chatsesh) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/begin", cs.BeginHandler())
	mux.HandleFunc("POST /auth/poll", cs.PollHandler())
	mux.HandleFunc("GET /auth/status", cs.StatusHandler())
	mux.HandleFunc("POST /activity", cs.ActivityHandler())
	mux.HandleFunc("POST /auth/logout", cs.LogoutHandler())
	return mux
}

// BeginHandler starts an authorization and polls for it in the background.
//
// POST /auth/begin
// Request body: {"user_id": 42}
// Response: BeginResponse
func (cs *Chatsesh) BeginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := cs.decodeUser(w, r)
		if !ok {
			return
		}

		v, err := cs.BeginAuthorization(r.Context(), user)
		if err != nil {
			cs.Logger().Error("begin authorization", "user_id", user, "error", err)
			http.Error(w, "begin authorization", http.StatusInternalServerError)
			return
		}
		cs.writeJSON(w, http.StatusOK, BeginResponse{
			VerificationURL: v.URL,
			UserCode:        v.UserCode,
			ExpiresIn:       v.ExpiresIn,
			Resumed:         v.Resumed,
		})
	}
}

// PollHandler polls the provider once on behalf of a transport that drives polling itself.
// It refuses while the background loop owns the flow.
//
// POST /auth/poll
// Request body: {"user_id": 42}
// Response: PollResponse
func (cs *Chatsesh) PollHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := cs.decodeUser(w, r)
		if !ok {
			return
		}
		if cs.orchestrator.Running(user) {
			http.Error(w, "authorization is polled in the background", http.StatusConflict)
			return
		}

		result := cs.PollAuthorization(r.Context(), user)
		resp := PollResponse{Status: result.Status.String()}
		switch result.Status {
		case PollAuthorized:
			resp.AccessToken = result.Token.AccessToken
			resp.TokenType = result.Token.TokenType
			resp.ExpiresIn = result.Token.ExpiresIn
		case PollFailed:
			resp.Error = result.Err.Error()
		}
		cs.writeJSON(w, http.StatusOK, resp)
	}
}

// StatusHandler reports whether a user is authorized.
//
// GET /auth/status?user_id=42
// Response: StatusResponse
func (cs *Chatsesh) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
		if err != nil {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}
		user := UserID(id)
		cs.writeJSON(w, http.StatusOK, StatusResponse{
			UserID:     user,
			Authorized: cs.IsAuthorized(user),
			Polling:    cs.orchestrator.Running(user),
			Claims:     cs.AuthData(user),
		})
	}
}

// ActivityHandler extends a user's session.
//
// POST /activity
// Request body: {"user_id": 42}
// Response: 204, or 404 when the user has no session
func (cs *Chatsesh) ActivityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := cs.decodeUser(w, r)
		if !ok {
			return
		}
		if !cs.RegisterActivity(user) {
			http.Error(w, "no session", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// LogoutHandler closes a user's session.
//
// POST /auth/logout
// Request body: {"user_id": 42}
// Response: {"closed": true}
func (cs *Chatsesh) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := cs.decodeUser(w, r)
		if !ok {
			return
		}
		closed := cs.Logout(r.Context(), user)
		cs.writeJSON(w, http.StatusOK, map[string]bool{"closed": closed})
	}
}

func (cs *Chatsesh) decodeUser(w http.ResponseWriter, r *http.Request) (UserID, bool) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return 0, false
	}
	if req.UserID == 0 {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return 0, false
	}
	return req.UserID, true
}

func (cs *Chatsesh) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		cs.Logger().Error("encode response", "error", err)
	}
}
