// Package credential holds the access/refresh credential pair and the store
// that owns it for the lifetime of a session.
package credential

import (
	"net/url"
	"strings"
	"time"
)

// Credential is the token pair plus the instant after which AccessToken
// must not be used.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether the access token can still be used at now.
func (c *Credential) Valid(now time.Time) bool {
	if c == nil || c.AccessToken == "" {
		return false
	}
	return now.Before(c.ExpiresAt)
}

// CanRefresh reports whether the credential carries a refresh token.
func (c *Credential) CanRefresh() bool {
	return c != nil && c.RefreshToken != ""
}

// Preview returns a log-safe prefix of the access token.
func (c *Credential) Preview() string {
	if c == nil {
		return ""
	}
	return Redact(c.AccessToken)
}

// Redact shortens a token for display, never returning more than 8 characters.
func Redact(token string) string {
	if len(token) <= 8 {
		return "[REDACTED]"
	}
	return token[:8] + "..."
}

// KeyForOrigin derives the storage key for credentials issued by the API at
// rawURL. Every URL of the same origin maps to the same key.
func KeyForOrigin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "roster:" + strings.TrimRight(rawURL, "/")
	}
	return "roster:" + strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
