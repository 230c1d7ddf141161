package providers

import (
	"strings"

	"github.com/rlebel12/chatsesh"
	"golang.org/x/oauth2"
)

// Auth0 returns a provider for an Auth0 tenant. domain is the tenant host, for example
// "example.eu.auth0.com"; a value with an explicit scheme is used as the base URL unchanged.
// An empty domain yields a provider whose endpoints are blank, which chatsesh reports as missing.
func Auth0(domain, clientID, clientSecret, audience string, opts ...Opt) chatsesh.Provider {
	base := auth0BaseURL(domain)
	var endpoint oauth2.Endpoint
	var userInfoURL string
	if base != "" {
		endpoint = oauth2.Endpoint{
			AuthURL:       base + "/authorize",
			DeviceAuthURL: base + "/oauth/device/code",
			TokenURL:      base + "/oauth/token",
			AuthStyle:     oauth2.AuthStyleInParams,
		}
		userInfoURL = base + "/userinfo"
	}
	return newProvider("auth0", endpoint, userInfoURL, clientID, clientSecret, audience, opts...)
}

func auth0BaseURL(domain string) string {
	domain = strings.TrimRight(strings.TrimSpace(domain), "/")
	if domain == "" {
		return ""
	}
	if strings.HasPrefix(domain, "https://") || strings.HasPrefix(domain, "http://") {
		return domain
	}
	return "https://" + domain
}

// Custom returns a provider for any server exposing the device authorization, token and
// userinfo endpoints.
func Custom(name string, endpoint oauth2.Endpoint, userInfoURL, clientID, clientSecret, audience string, opts ...Opt) chatsesh.Provider {
	return newProvider(name, endpoint, userInfoURL, clientID, clientSecret, audience, opts...)
}
