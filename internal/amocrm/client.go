package amocrm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nkiryanov/amoauth/internal/apperrors"
	"github.com/nkiryanov/amoauth/internal/logger"
	"github.com/nkiryanov/amoauth/internal/models"
)

const (
	DefaultHost     = "amocrm.ru"
	AccessTokenPath = "/oauth2/access_token"
	UserAgent       = "amoCRM-oAuth-client/1.0"

	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"

	defaultTimeout = 10 * time.Second
	maxBodySize    = 1 << 20
)

type Config struct {
	// Provider host; account endpoint is https://{subdomain}.{host}
	// If not set than DefaultHost is used
	Host string

	// Bound for single token endpoint exchange
	// If not set than default is used
	Timeout time.Duration

	// Builds scheme and host of the token endpoint for subdomain
	// Tests point it to local server, production leaves it empty
	BaseURL func(subdomain string) string

	HTTPClient *http.Client

	// Clock to stamp grants with
	Now func() time.Time
}

// Client exchanges authorization code or refresh token for a new grant
type Client struct {
	host    string
	timeout time.Duration
	baseURL func(subdomain string) string
	now     func() time.Time

	client *http.Client
	logger logger.Logger
}

type RefreshRequest struct {
	Subdomain    string
	ClientID     string
	ClientSecret string
	RefreshToken string
	RedirectURI  string
}

type AuthorizationRequest struct {
	Subdomain    string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
}

// Token endpoint request body
type grantRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	GrantType    string `json:"grant_type"`
	Code         string `json:"code,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	RedirectURI  string `json:"redirect_uri"`
}

// Token endpoint error body; amoCRM answers with problem+json
type errorResponse struct {
	Title  string `json:"title"`
	Hint   string `json:"hint"`
	Detail string `json:"detail"`
}

func NewClient(cfg Config, l logger.Logger) *Client {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if l == nil {
		l = logger.NewNoOpLogger()
	}

	c := &Client{
		host:    cfg.Host,
		timeout: cfg.Timeout,
		baseURL: cfg.BaseURL,
		now:     cfg.Now,
		client:  cfg.HTTPClient,
		logger:  l,
	}
	if c.baseURL == nil {
		c.baseURL = c.accountURL
	}

	return c
}

func (c *Client) accountURL(subdomain string) string {
	return "https://" + subdomain + "." + c.host
}

// Refresh trades refresh token for a new grant. Refresh token is single use:
// on success the old one is no longer valid
func (c *Client) Refresh(ctx context.Context, r RefreshRequest) (models.Grant, error) {
	return c.grant(ctx, r.Subdomain, grantRequest{
		ClientID:     r.ClientID,
		ClientSecret: r.ClientSecret,
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: r.RefreshToken,
		RedirectURI:  r.RedirectURI,
	})
}

// Exchange trades one time authorization code for the first grant
func (c *Client) Exchange(ctx context.Context, r AuthorizationRequest) (models.Grant, error) {
	return c.grant(ctx, r.Subdomain, grantRequest{
		ClientID:     r.ClientID,
		ClientSecret: r.ClientSecret,
		GrantType:    GrantTypeAuthorizationCode,
		Code:         r.Code,
		RedirectURI:  r.RedirectURI,
	})
}

func (c *Client) grant(ctx context.Context, subdomain string, body grantRequest) (models.Grant, error) {
	var g models.Grant

	if subdomain == "" {
		return g, &apperrors.ValidationError{Fields: map[string]string{"subdomain": "required"}}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return g, fmt.Errorf("failed to encode grant request: %w", err)
	}

	endpoint := c.baseURL(subdomain) + AccessTokenPath

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return g, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	// Stamp before sending: validity window starts no later than provider's one
	receivedAt := c.now().UnixMilli()

	c.logger.Debug("Token exchange", "endpoint", endpoint, "grant_type", body.GrantType)
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("Token endpoint unreachable", "endpoint", endpoint, "error", err)
		return g, &apperrors.NetworkError{URL: endpoint, Err: err}
	}
	defer resp.Body.Close() // nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		c.logger.Warn("Failed to read token endpoint response", "endpoint", endpoint, "error", err)
		return g, &apperrors.NetworkError{URL: endpoint, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return g, c.processFailure(resp.StatusCode, raw)
	}

	return c.processSuccess(resp.StatusCode, raw, receivedAt)
}

func (c *Client) processSuccess(status int, raw []byte, receivedAt int64) (models.Grant, error) {
	var g models.Grant

	if err := json.Unmarshal(raw, &g); err != nil {
		c.logger.Warn("Failed to decode grant", "error", err)
		return models.Grant{}, &apperrors.ProtocolError{StatusCode: status, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if err := models.Validate(g); err != nil {
		c.logger.Warn("Incomplete grant", "error", err)
		return models.Grant{}, &apperrors.ProtocolError{StatusCode: status, Err: err}
	}

	g.ReceivedAt = receivedAt
	c.logger.Debug("Grant received", "token_type", g.TokenType, "expires_in", g.ExpiresIn)
	return g, nil
}

func (c *Client) processFailure(status int, raw []byte) error {
	protoErr := &apperrors.ProtocolError{StatusCode: status}

	// Best effort: error body is optional and not always JSON
	var e errorResponse
	if json.Unmarshal(raw, &e) == nil {
		protoErr.Title, protoErr.Hint, protoErr.Detail = e.Title, e.Hint, e.Detail
	}

	c.logger.Warn("Token endpoint rejected grant", "status_code", status, "hint", protoErr.Hint)
	return protoErr
}
