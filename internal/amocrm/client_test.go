package amocrm

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/amoauth/internal/apperrors"
	"github.com/nkiryanov/amoauth/internal/models"
	"github.com/nkiryanov/amoauth/internal/testutil"
)

func Test_Client(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	newClient := func(ts *testutil.TokenServer, timeout time.Duration) *Client {
		return NewClient(Config{
			BaseURL:    ts.BaseURL,
			HTTPClient: ts.HTTPClient(),
			Timeout:    timeout,
			Now:        func() time.Time { return now },
		}, nil)
	}

	refreshReq := RefreshRequest{
		Subdomain:    "test",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RefreshToken: "R1",
		RedirectURI:  "https://example.com/oauth",
	}

	t.Run("new defaults", func(t *testing.T) {
		c := NewClient(Config{}, nil)

		require.Equal(t, DefaultHost, c.host)
		require.Equal(t, defaultTimeout, c.timeout)
		require.Equal(t, "https://test.amocrm.ru", c.baseURL("test"))
	})

	t.Run("Refresh", func(t *testing.T) {
		t.Run("return grant", func(t *testing.T) {
			ts := testutil.StartTokenServer(t, testutil.RespondGrant("A2", "R2", 3600))

			g, err := newClient(ts, 0).Refresh(t.Context(), refreshReq)

			require.NoError(t, err)
			require.Equal(t, models.Grant{
				TokenType:    "Bearer",
				AccessToken:  "A2",
				RefreshToken: "R2",
				ExpiresIn:    3600,
				ReceivedAt:   now.UnixMilli(),
			}, g)
		})

		t.Run("request shape", func(t *testing.T) {
			ts := testutil.StartTokenServer(t, testutil.RespondGrant("A2", "R2", 3600))

			_, err := newClient(ts, 0).Refresh(t.Context(), refreshReq)
			require.NoError(t, err)

			reqs := ts.Requests()
			require.Len(t, reqs, 1)
			r := reqs[0]
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/oauth2/access_token", r.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, "application/json", r.Header.Get("Accept"))
			assert.Equal(t, "amoCRM-oAuth-client/1.0", r.Header.Get("User-Agent"))
			assert.Equal(t, "client-id", r.ClientID)
			assert.Equal(t, "client-secret", r.ClientSecret)
			assert.Equal(t, "refresh_token", r.GrantType)
			assert.Equal(t, "R1", r.RefreshToken)
			assert.Empty(t, r.Code)
			assert.Equal(t, "https://example.com/oauth", r.RedirectURI)
		})

		t.Run("stamp before request", func(t *testing.T) {
			ts := testutil.StartTokenServer(t, testutil.RespondGrant("A2", "R2", 3600))
			stamped := 0
			c := NewClient(Config{
				BaseURL:    ts.BaseURL,
				HTTPClient: ts.HTTPClient(),
				Now: func() time.Time {
					require.Equal(t, 0, ts.Calls(), "must be stamped before request is sent")
					stamped++
					return now
				},
			}, nil)

			g, err := c.Refresh(t.Context(), refreshReq)

			require.NoError(t, err)
			require.Equal(t, 1, stamped)
			require.Equal(t, now.UnixMilli(), g.ReceivedAt)
		})

		t.Run("provider rejects", func(t *testing.T) {
			ts := testutil.StartTokenServer(t, testutil.RespondStatus(http.StatusBadRequest,
				`{"hint":"Token has been revoked","title":"Некорректный запрос","type":"https://developers.amocrm.ru/v3/errors/OAuthProblemJson","status":400,"detail":"Refresh token is invalid"}`,
			))

			_, err := newClient(ts, 0).Refresh(t.Context(), refreshReq)

			require.ErrorIs(t, err, apperrors.ErrProtocol)
			var protoErr *apperrors.ProtocolError
			require.ErrorAs(t, err, &protoErr)
			assert.Equal(t, http.StatusBadRequest, protoErr.StatusCode)
			assert.Equal(t, "Token has been revoked", protoErr.Hint)
			assert.Equal(t, "Refresh token is invalid", protoErr.Detail)
		})

		t.Run("provider rejects without body", func(t *testing.T) {
			ts := testutil.StartTokenServer(t, testutil.RespondStatus(http.StatusInternalServerError, `oops`))

			_, err := newClient(ts, 0).Refresh(t.Context(), refreshReq)

			var protoErr *apperrors.ProtocolError
			require.ErrorAs(t, err, &protoErr)
			assert.Equal(t, http.StatusInternalServerError, protoErr.StatusCode)
		})

		t.Run("malformed json", func(t *testing.T) {
			ts := testutil.StartTokenServer(t, testutil.RespondStatus(http.StatusOK, `{"access_token":`))

			_, err := newClient(ts, 0).Refresh(t.Context(), refreshReq)

			require.ErrorIs(t, err, apperrors.ErrProtocol)
		})

		t.Run("incomplete grant", func(t *testing.T) {
			ts := testutil.StartTokenServer(t, testutil.RespondStatus(http.StatusOK, `{"access_token":"A2","token_type":"Bearer","expires_in":3600}`))

			g, err := newClient(ts, 0).Refresh(t.Context(), refreshReq)

			require.ErrorIs(t, err, apperrors.ErrProtocol)
			require.ErrorIs(t, err, apperrors.ErrValidation)
			require.Equal(t, models.Grant{}, g, "partial grant must not leak")
		})

		t.Run("timeout", func(t *testing.T) {
			release := make(chan struct{})
			ts := testutil.StartTokenServer(t, func(r testutil.GrantRequest) (int, string) {
				<-release
				return testutil.RespondGrant("A2", "R2", 3600)(r)
			})
			t.Cleanup(func() { close(release) }) // before server close, it waits for handlers

			_, err := newClient(ts, 50*time.Millisecond).Refresh(t.Context(), refreshReq)

			require.ErrorIs(t, err, apperrors.ErrNetwork)
			require.ErrorIs(t, err, context.DeadlineExceeded)
		})

		t.Run("unreachable", func(t *testing.T) {
			c := NewClient(Config{BaseURL: func(string) string { return "http://127.0.0.1:1" }}, nil)

			_, err := c.Refresh(t.Context(), refreshReq)

			require.ErrorIs(t, err, apperrors.ErrNetwork)
		})

		t.Run("empty subdomain", func(t *testing.T) {
			_, err := NewClient(Config{}, nil).Refresh(t.Context(), RefreshRequest{RefreshToken: "R1"})

			require.ErrorIs(t, err, apperrors.ErrValidation)
		})
	})

	t.Run("Exchange", func(t *testing.T) {
		ts := testutil.StartTokenServer(t, testutil.RespondGrant("A1", "R1", 86400))

		g, err := newClient(ts, 0).Exchange(t.Context(), AuthorizationRequest{
			Subdomain:    "test",
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			Code:         "def502",
			RedirectURI:  "https://example.com/oauth",
		})

		require.NoError(t, err)
		require.Equal(t, "A1", g.AccessToken)
		require.Equal(t, int64(86400), g.ExpiresIn)

		reqs := ts.Requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, "authorization_code", reqs[0].GrantType)
		assert.Equal(t, "def502", reqs[0].Code)
		assert.Empty(t, reqs[0].RefreshToken)
	})
}
