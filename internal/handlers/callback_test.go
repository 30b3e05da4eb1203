package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/amoauth/internal/amocrm"
	"github.com/nkiryanov/amoauth/internal/apperrors"
	"github.com/nkiryanov/amoauth/internal/logger"
	"github.com/nkiryanov/amoauth/internal/models"
	"github.com/nkiryanov/amoauth/internal/service/token"
	"github.com/nkiryanov/amoauth/internal/testutil"
)

type authenticatorFunc func(ctx context.Context, subdomain string, code string) (models.Credentials, error)

func (f authenticatorFunc) Authenticate(ctx context.Context, subdomain string, code string) (models.Credentials, error) {
	return f(ctx, subdomain, code)
}

func Test_CallbackHandler(t *testing.T) {
	authorized := models.Credentials{
		Subdomain:  "test",
		ExpiresIn:  86400,
		ReceivedAt: 1700000000000,
	}

	// Run http server with callback handler on '/oauth'
	serve := func(t *testing.T, auth authenticator) (string, *[]models.Credentials) {
		var got []models.Credentials
		h := NewCallback(auth, "state-1", logger.NewNoOpLogger(), func(c models.Credentials) {
			got = append(got, c)
		})

		srv := httptest.NewServer(NewRouter("/oauth", h))
		t.Cleanup(srv.Close)

		return srv.URL, &got
	}

	get := func(t *testing.T, url string) (int, string) {
		resp, err := http.Get(url)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		return resp.StatusCode, string(body)
	}

	t.Run("authorized ok", func(t *testing.T) {
		var gotSubdomain, gotCode string
		url, got := serve(t, authenticatorFunc(func(_ context.Context, subdomain string, code string) (models.Credentials, error) {
			gotSubdomain, gotCode = subdomain, code
			return authorized, nil
		}))

		status, body := get(t, url+"/oauth?code=def502&state=state-1&referer=test.amocrm.ru")

		require.Equalf(t, http.StatusOK, status, "not expected code. Body: %s", body)
		require.JSONEq(t, `
			{
				"message": "Authorized successfully",
				"subdomain": "test",
				"expires_at": 1700086400000
			}`, body)
		require.Equal(t, "test", gotSubdomain)
		require.Equal(t, "def502", gotCode)
		require.Len(t, *got, 1, "authorized callback should be called once")
	})

	t.Run("repeated redirect", func(t *testing.T) {
		exchanges := 0
		url, got := serve(t, authenticatorFunc(func(context.Context, string, string) (models.Credentials, error) {
			exchanges++
			return authorized, nil
		}))

		status, _ := get(t, url+"/oauth?code=def502&state=state-1&referer=test.amocrm.ru")
		require.Equal(t, http.StatusOK, status)

		status, body := get(t, url+"/oauth?code=def502&state=state-1&referer=test.amocrm.ru")

		require.Equal(t, http.StatusConflict, status)
		require.JSONEq(t, `{"error": "service_error", "message": "Already authorized"}`, body)
		require.Equal(t, 1, exchanges, "code must be exchanged once")
		require.Len(t, *got, 1, "authorized callback should be called once")
	})

	t.Run("retry after failed exchange", func(t *testing.T) {
		fail := true
		url, got := serve(t, authenticatorFunc(func(context.Context, string, string) (models.Credentials, error) {
			if fail {
				fail = false
				return models.Credentials{}, &apperrors.ProtocolError{StatusCode: http.StatusBadRequest}
			}
			return authorized, nil
		}))

		status, _ := get(t, url+"/oauth?code=old&state=state-1&referer=test.amocrm.ru")
		require.Equal(t, http.StatusBadGateway, status)

		status, _ = get(t, url+"/oauth?code=def502&state=state-1&referer=test.amocrm.ru")
		require.Equal(t, http.StatusOK, status, "failed exchange doesn't close callback")
		require.Len(t, *got, 1)
	})

	t.Run("declined", func(t *testing.T) {
		url, got := serve(t, authenticatorFunc(func(context.Context, string, string) (models.Credentials, error) {
			t.Error("authenticator must not be called")
			return models.Credentials{}, nil
		}))

		status, body := get(t, url+"/oauth?error=access_denied&state=state-1")

		require.Equal(t, http.StatusForbidden, status)
		require.JSONEq(t, `{"error": "service_error", "message": "Authorization declined: access_denied"}`, body)
		require.Empty(t, *got)
	})

	t.Run("state mismatch", func(t *testing.T) {
		url, got := serve(t, authenticatorFunc(func(context.Context, string, string) (models.Credentials, error) {
			t.Error("authenticator must not be called")
			return models.Credentials{}, nil
		}))

		status, body := get(t, url+"/oauth?code=def502&state=forged")

		require.Equal(t, http.StatusBadRequest, status)
		require.JSONEq(t, `{"error": "service_error", "message": "State mismatch"}`, body)
		require.Empty(t, *got)
	})

	t.Run("no code", func(t *testing.T) {
		url, _ := serve(t, nil)

		status, body := get(t, url+"/oauth?state=state-1")

		require.Equal(t, http.StatusBadRequest, status)
		require.JSONEq(t, `
			{
				"error": "validation_failed",
				"message": "Request validation failed",
				"fields": {"code": "This field is required"}
			}`, body)
	})

	t.Run("exchange errors", func(t *testing.T) {
		tests := []struct {
			name     string
			err      error
			status   int
			expected string
		}{
			{
				name:     "validation",
				err:      &apperrors.ValidationError{Fields: map[string]string{"subdomain": "required"}},
				status:   http.StatusBadRequest,
				expected: `{"error": "validation_failed", "message": "Request validation failed", "fields": {"subdomain": "This field is required"}}`,
			},
			{
				name:     "protocol",
				err:      &apperrors.ProtocolError{StatusCode: http.StatusBadRequest, Hint: "Authorization code has expired"},
				status:   http.StatusBadGateway,
				expected: `{"error": "service_error", "message": "Provider rejected authorization code"}`,
			},
			{
				name:     "network",
				err:      &apperrors.NetworkError{URL: "https://test.amocrm.ru", Err: context.DeadlineExceeded},
				status:   http.StatusBadGateway,
				expected: `{"error": "service_error", "message": "Provider is unavailable"}`,
			},
			{
				name:     "persistence",
				err:      &apperrors.PersistenceError{Op: "save", Path: "token.json", Err: fmt.Errorf("disk full")},
				status:   http.StatusInternalServerError,
				expected: `{"error": "service_error", "message": "Internal server error"}`,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				url, got := serve(t, authenticatorFunc(func(context.Context, string, string) (models.Credentials, error) {
					return models.Credentials{}, tt.err
				}))

				status, body := get(t, url+"/oauth?code=def502&state=state-1")

				require.Equal(t, tt.status, status)
				require.JSONEq(t, tt.expected, body)
				require.Empty(t, *got, "failed exchange is not authorization")
			})
		}
	})

	t.Run("healthz", func(t *testing.T) {
		url, _ := serve(t, nil)

		status, _ := get(t, url+"/healthz")

		require.Equal(t, http.StatusNoContent, status)
	})

	t.Run("with token service", func(t *testing.T) {
		ts := testutil.StartTokenServer(t, testutil.RespondGrant("A1", "R1", 86400))
		client := amocrm.NewClient(amocrm.Config{BaseURL: ts.BaseURL, HTTPClient: ts.HTTPClient()}, logger.NewNoOpLogger())
		path := filepath.Join(t.TempDir(), "token.json")

		url, got := serve(t, authenticatorFunc(func(ctx context.Context, subdomain string, code string) (models.Credentials, error) {
			tok, err := token.Authenticate(ctx, path, client, amocrm.AuthorizationRequest{
				Subdomain:    subdomain,
				ClientID:     "client-id",
				ClientSecret: "client-secret",
				Code:         code,
				RedirectURI:  "https://example.com/oauth",
			})
			if err != nil {
				return models.Credentials{}, err
			}
			return tok.Credentials(ctx)
		}))

		status, body := get(t, url+"/oauth?code=def502&state=state-1&referer=test.amocrm.ru")

		require.Equalf(t, http.StatusOK, status, "not expected code. Body: %s", body)
		require.Len(t, *got, 1)
		require.Equal(t, "A1", (*got)[0].AccessToken)
		require.Equal(t, "def502", ts.Requests()[0].Code)
		require.FileExists(t, path)
	})
}

func TestRefererSubdomain(t *testing.T) {
	tests := []struct {
		referer  string
		expected string
	}{
		{"test.amocrm.ru", "test"},
		{"https://test.kommo.com/", "test"},
		{"amocrm.ru", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.referer, func(t *testing.T) {
			require.Equal(t, tt.expected, RefererSubdomain(tt.referer))
		})
	}
}
