package models

import (
	"time"
)

// Credentials is full credential set of one amoCRM account as persisted in the token file.
// Grant parameters (client id, secret, redirect uri) are kept along with tokens: they are required to refresh.
// Presence of every field is checked when token file is loaded
type Credentials struct {
	Subdomain    string `json:"subdomain"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURI  string `json:"redirect_uri"`

	TokenType    string `json:"token_type"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`

	// Validity window in seconds
	ExpiresIn int64 `json:"expires_in"`

	// Unix time in milliseconds when the grant was requested
	ReceivedAt int64 `json:"received_at"`
}

// ExpiresAt returns unix time in milliseconds after which the access token is expired
func (c Credentials) ExpiresAt() int64 {
	return c.ReceivedAt + c.ExpiresIn*1000
}

// IsExpired reports whether now is past expiration.
// Must be called on every access: now moves, the record doesn't
func (c Credentials) IsExpired(now time.Time) bool {
	return now.UnixMilli() > c.ExpiresAt()
}

// Apply returns copy of credentials with token fields replaced by the grant ones.
// Grant parameters are kept as is
func (c Credentials) Apply(g Grant) Credentials {
	c.TokenType = g.TokenType
	c.AccessToken = g.AccessToken
	c.RefreshToken = g.RefreshToken
	c.ExpiresIn = g.ExpiresIn
	c.ReceivedAt = g.ReceivedAt
	return c
}

// Grant is token endpoint answer to authorization_code or refresh_token grant
type Grant struct {
	TokenType    string `json:"token_type" validate:"required"`
	AccessToken  string `json:"access_token" validate:"required"`
	RefreshToken string `json:"refresh_token" validate:"required"`
	ExpiresIn    int64  `json:"expires_in" validate:"gt=0"`

	// Not sent by provider; stamped by client right before the request
	ReceivedAt int64 `json:"-"`
}
