package amocrm

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
)

// Consent page modes: redirect with code posted to parent window or opened in popup
const (
	ModePostMessage = "post_message"
	ModePopup       = "popup"
)

// AuthorizeURL returns consent page URL the account admin opens to grant access.
// After consent amoCRM redirects to integration redirect uri with 'code' and 'state'
func (c *Client) AuthorizeURL(clientID string, state string, mode string) string {
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("state", state)
	if mode != "" {
		q.Set("mode", mode)
	}

	u := url.URL{
		Scheme:   "https",
		Host:     "www." + c.host,
		Path:     "/oauth",
		RawQuery: q.Encode(),
	}
	return u.String()
}

// AccessClaims amoCRM puts into access token
type AccessClaims struct {
	jwt.RegisteredClaims
	AccountID  int64    `json:"account_id"`
	BaseDomain string   `json:"base_domain,omitempty"`
	APIDomain  string   `json:"api_domain,omitempty"`
	Scopes     []string `json:"scopes,omitempty"`
}

// ParseAccessClaims decodes claims without signature verification.
// Client doesn't own provider key, claims are for display only and must not be trusted for authorization
func ParseAccessClaims(access string) (AccessClaims, error) {
	var claims AccessClaims

	if access == "" {
		return claims, errors.New("access token is empty")
	}

	_, _, err := jwt.NewParser().ParseUnverified(access, &claims)
	if err != nil {
		return claims, fmt.Errorf("error while decoding access token. Err: %w", err)
	}

	return claims, nil
}
