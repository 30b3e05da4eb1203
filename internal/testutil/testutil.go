package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// GrantRequest is what fake token endpoint received
type GrantRequest struct {
	Method string
	Path   string
	Header http.Header

	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RefreshToken string `json:"refresh_token"`
	RedirectURI  string `json:"redirect_uri"`
}

// Responder returns status code and raw body of the token endpoint answer
type Responder func(r GrantRequest) (status int, body string)

// TokenServer is fake amoCRM token endpoint
type TokenServer struct {
	URL string

	srv *httptest.Server

	mu       sync.Mutex
	requests []GrantRequest
	respond  Responder
}

// Start fake token endpoint. Closed when test is finished
func StartTokenServer(t *testing.T, respond Responder) *TokenServer {
	t.Helper()

	ts := &TokenServer{respond: respond}
	ts.srv = httptest.NewServer(http.HandlerFunc(ts.handle))
	ts.URL = ts.srv.URL
	t.Cleanup(ts.srv.Close)

	return ts
}

func (ts *TokenServer) handle(w http.ResponseWriter, r *http.Request) {
	gr := GrantRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
	}

	body, err := io.ReadAll(r.Body)
	if err == nil {
		err = json.Unmarshal(body, &gr)
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("bad grant request: %v", err), http.StatusBadRequest)
		return
	}

	ts.mu.Lock()
	ts.requests = append(ts.requests, gr)
	respond := ts.respond
	ts.mu.Unlock()

	status, answer := respond(gr)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, answer)
}

// BaseURL fits amocrm.Config.BaseURL: every subdomain served by this server
func (ts *TokenServer) BaseURL(string) string {
	return ts.URL
}

// HTTPClient with transport closed along with the server
func (ts *TokenServer) HTTPClient() *http.Client {
	return ts.srv.Client()
}

// SetResponder replaces answer for the next requests
func (ts *TokenServer) SetResponder(respond Responder) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.respond = respond
}

func (ts *TokenServer) Requests() []GrantRequest {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]GrantRequest(nil), ts.requests...)
}

func (ts *TokenServer) Calls() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.requests)
}

// RespondGrant answers with successful grant
func RespondGrant(access string, refresh string, expiresIn int64) Responder {
	return func(GrantRequest) (int, string) {
		return http.StatusOK, fmt.Sprintf(
			`{"token_type":"Bearer","expires_in":%d,"access_token":%q,"refresh_token":%q}`,
			expiresIn, access, refresh,
		)
	}
}

// RespondStatus answers with arbitrary status and body
func RespondStatus(status int, body string) Responder {
	return func(GrantRequest) (int, string) {
		return status, body
	}
}
