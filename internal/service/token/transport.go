package token

import (
	"context"
	"net/http"

	"github.com/nkiryanov/amoauth/internal/models"
)

// Source of valid credentials; *Token implements it
type Source interface {
	Credentials(ctx context.Context) (models.Credentials, error)
}

// Transport authorizes every request with fresh access token
type Transport struct {
	Source Source

	// Base transport; http.DefaultTransport if nil
	Base http.RoundTripper
}

func (tr *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	c, err := tr.Source.Credentials(req.Context())
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, err
	}

	// RoundTripper must not modify the request
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", c.TokenType+" "+c.AccessToken)

	return tr.base().RoundTrip(r)
}

func (tr *Transport) base() http.RoundTripper {
	if tr.Base != nil {
		return tr.Base
	}
	return http.DefaultTransport
}

// HTTPClient returns client calling amoCRM API on behalf of token owner
func (t *Token) HTTPClient(base http.RoundTripper) *http.Client {
	return &http.Client{Transport: &Transport{Source: t, Base: base}}
}
