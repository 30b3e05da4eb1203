package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/nkiryanov/amoauth/internal/apperrors"
	"github.com/nkiryanov/amoauth/internal/handlers/render"
	"github.com/nkiryanov/amoauth/internal/logger"
	"github.com/nkiryanov/amoauth/internal/models"
)

type authenticator interface {
	// Exchange authorization code for tokens and persist them.
	// Subdomain may be empty if provider didn't send referer
	Authenticate(ctx context.Context, subdomain string, code string) (models.Credentials, error)
}

// CallbackHandler receives consent page redirect: ?code=...&state=...&referer={subdomain}.amocrm.ru
type CallbackHandler struct {
	auth   authenticator
	state  string
	logger logger.Logger

	// Called once tokens are received and saved
	onAuthorized func(models.Credentials)

	// Exchanges run one at a time; after the first success redirects are refused
	mu         sync.Mutex
	authorized bool
}

func NewCallback(auth authenticator, state string, l logger.Logger, onAuthorized func(models.Credentials)) *CallbackHandler {
	if onAuthorized == nil {
		onAuthorized = func(models.Credentials) {}
	}
	return &CallbackHandler{
		auth:         auth,
		state:        state,
		logger:       l,
		onAuthorized: onAuthorized,
	}
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type CallbackSuccessResponse struct {
		Message   string `json:"message"`
		Subdomain string `json:"subdomain"`
		ExpiresAt int64  `json:"expires_at"`
	}

	q := r.URL.Query()

	// Admin declined access on consent page
	if reason := q.Get("error"); reason != "" {
		h.logger.Warn("Authorization declined", "reason", reason)
		render.ServiceError(w, "Authorization declined: "+reason, http.StatusForbidden)
		return
	}

	if h.state != "" && q.Get("state") != h.state {
		h.logger.Warn("Callback state mismatch")
		render.ServiceError(w, "State mismatch", http.StatusBadRequest)
		return
	}

	code := q.Get("code")
	if code == "" {
		render.ValidationError(w, &apperrors.ValidationError{Fields: map[string]string{"code": "required"}})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.authorized {
		h.logger.Warn("Repeated callback after authorization")
		render.ServiceError(w, "Already authorized", http.StatusConflict)
		return
	}

	c, err := h.auth.Authenticate(r.Context(), RefererSubdomain(q.Get("referer")), code)
	if err != nil {
		h.logger.Error("Authorization code exchange failed", "error", err)

		var validationErr *apperrors.ValidationError
		switch {
		case errors.As(err, &validationErr):
			render.ValidationError(w, validationErr)
		case errors.Is(err, apperrors.ErrProtocol):
			render.ServiceError(w, "Provider rejected authorization code", http.StatusBadGateway)
		case errors.Is(err, apperrors.ErrNetwork):
			render.ServiceError(w, "Provider is unavailable", http.StatusBadGateway)
		default:
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	h.authorized = true
	h.logger.Info("Account authorized", "subdomain", c.Subdomain)
	render.JSON(w, CallbackSuccessResponse{
		Message:   "Authorized successfully",
		Subdomain: c.Subdomain,
		ExpiresAt: c.ExpiresAt(),
	})
	h.onAuthorized(c)
}

// RefererSubdomain extracts account subdomain from referer host: "test.amocrm.ru" -> "test"
func RefererSubdomain(referer string) string {
	host := referer
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	host, _, _ = strings.Cut(host, "/")

	labels := strings.Split(host, ".")
	if len(labels) < 3 {
		return ""
	}
	return labels[0]
}
