package amocrm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nkiryanov/amoauth/internal/apperrors"
)

const AccountPath = "/api/v4/account"

type Account struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Subdomain string `json:"subdomain"`
	Country   string `json:"country"`
	Currency  string `json:"currency"`
}

// Account fetches account the token was issued for.
// httpClient must authorize requests, see token.Transport
func (c *Client) Account(ctx context.Context, httpClient *http.Client, subdomain string) (Account, error) {
	var a Account

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL(subdomain) + AccountPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return a, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return a, fmt.Errorf("failed to get account: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return a, &apperrors.NetworkError{URL: endpoint, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Failed to get account", "status_code", resp.StatusCode)
		return a, c.processFailure(resp.StatusCode, raw)
	}

	if err := json.Unmarshal(raw, &a); err != nil {
		return a, &apperrors.ProtocolError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	return a, nil
}
