// Package providers builds chatsesh.Provider values for identity providers that support the
// OAuth 2.0 device authorization grant.
package providers

import (
	"strings"

	"github.com/rlebel12/chatsesh"
	"golang.org/x/oauth2"
)

// DefaultScopes are requested when no scopes are given.
var DefaultScopes = []string{"openid", "profile", "email"}

// Opt is a function type for configuring provider options.
type Opt func(*chatsesh.Provider)

// WithScopes replaces the requested scopes. Blank entries are ignored.
func WithScopes(scopes ...string) Opt {
	return func(p *chatsesh.Provider) {
		p.OAuth2.Scopes = nonEmpty(scopes)
	}
}

// WithScope replaces the requested scopes with a space-separated scope string.
func WithScope(scope string) Opt {
	return WithScopes(strings.Fields(scope)...)
}

// WithName sets the provider name used in logs and audit events.
func WithName(name string) Opt {
	return func(p *chatsesh.Provider) {
		p.Name = name
	}
}

func newProvider(name string, endpoint oauth2.Endpoint, userInfoURL, clientID, clientSecret, audience string, opts ...Opt) chatsesh.Provider {
	p := chatsesh.Provider{
		Name: name,
		OAuth2: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       append([]string(nil), DefaultScopes...),
			Endpoint:     endpoint,
		},
		Audience:    audience,
		UserInfoURL: userInfoURL,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
