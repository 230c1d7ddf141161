package chatsesh

import "time"

// Claims holds the profile attributes returned by the identity provider's userinfo endpoint.
type Claims map[string]any

func (c Claims) Subject() string     { return c.str("sub") }
func (c Claims) Email() string       { return c.str("email") }
func (c Claims) Name() string        { return c.str("name") }
func (c Claims) PhoneNumber() string { return c.str("phone_number") }

func (c Claims) str(key string) string {
	v, _ := c[key].(string)
	return v
}

// syntheticClaims is the deterministic profile served for placeholder tokens.
func syntheticClaims(id string, now time.Time) Claims {
	return Claims{
		"sub":            "auth0|test" + id,
		"name":           "Test User " + id,
		"nickname":       "testuser" + id,
		"email":          "test" + id + "@example.com",
		"email_verified": true,
		"picture":        "https://example.com/avatar.png",
		"updated_at":     now.UTC().Format(time.RFC3339),
	}
}
