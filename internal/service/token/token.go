package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nkiryanov/amoauth/internal/amocrm"
	"github.com/nkiryanov/amoauth/internal/logger"
	"github.com/nkiryanov/amoauth/internal/models"
	"github.com/nkiryanov/amoauth/internal/repository"
	"github.com/nkiryanov/amoauth/internal/repository/file"
)

const (
	// Bound for the whole refresh exchange, shared by all waiters
	defaultRefreshTimeout = 30 * time.Second

	refreshKey      = "refresh"
	forceRefreshKey = "refresh:force"
)

// Interface to exchange grants with token endpoint
type Client interface {
	Refresh(ctx context.Context, r amocrm.RefreshRequest) (models.Grant, error)
	Exchange(ctx context.Context, r amocrm.AuthorizationRequest) (models.Grant, error)
}

// SaveResult is passed to SaveHook after every attempt to persist the token
type SaveResult struct {
	Path        string
	Credentials models.Credentials
	Err         error
}

type SaveHook func(SaveResult)

type Option func(*Token)

// Clock used to check expiration
func WithClock(now func() time.Time) Option {
	return func(t *Token) { t.now = now }
}

func WithLogger(l logger.Logger) Option {
	return func(t *Token) { t.logger = l }
}

// Repository to persist token with; token file store by default
func WithRepo(repo repository.CredentialsRepo) Option {
	return func(t *Token) { t.repo = repo }
}

func WithRefreshTimeout(d time.Duration) Option {
	return func(t *Token) { t.refreshTimeout = d }
}

// Hook called after each save attempt, successful or not.
// Runs while token is locked: it must not call Token methods
func WithSaveHook(h SaveHook) Option {
	return func(t *Token) { t.onSave = h }
}

// Token is credential set bound to one token file.
// Every read checks expiration and refreshes the token first if needed,
// so callers never get expired access token.
// Safe for concurrent use; at most one refresh is in flight at a time
type Token struct {
	path   string
	client Client
	repo   repository.CredentialsRepo

	now            func() time.Time
	refreshTimeout time.Duration
	logger         logger.Logger
	onSave         SaveHook

	mu    sync.RWMutex
	creds models.Credentials

	// Credentials in memory are not on disk yet: last save failed
	unsaved bool

	// Waiters of expired token share single exchange: refresh token is single use
	flight singleflight.Group

	// Forced and lazy refresh fly under different keys but never exchange at the same time
	exchangeMu sync.Mutex
}

func newToken(path string, client Client, opts []Option) *Token {
	t := &Token{
		path:           path,
		client:         client,
		repo:           file.NewStore(),
		now:            time.Now,
		refreshTimeout: defaultRefreshTimeout,
		logger:         logger.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}

	return t
}

// New binds credentials to token file. Nothing is written until the first refresh
func New(path string, c models.Credentials, client Client, opts ...Option) *Token {
	t := newToken(path, client, opts)
	t.creds = c
	return t
}

// Open loads token from file
func Open(ctx context.Context, path string, client Client, opts ...Option) (*Token, error) {
	t := newToken(path, client, opts)

	c, err := t.repo.Load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("error while loading token. Err: %w", err)
	}
	t.creds = c

	return t, nil
}

// Authenticate exchanges authorization code for the first grant and saves token to file
func Authenticate(ctx context.Context, path string, client Client, r amocrm.AuthorizationRequest, opts ...Option) (*Token, error) {
	t := newToken(path, client, opts)

	grant, err := client.Exchange(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("error while exchanging authorization code. Err: %w", err)
	}

	c := models.Credentials{
		Subdomain:    r.Subdomain,
		ClientID:     r.ClientID,
		ClientSecret: r.ClientSecret,
		RedirectURI:  r.RedirectURI,
	}.Apply(grant)

	if err := t.commit(ctx, c); err != nil {
		return nil, err
	}

	t.logger.Info("Token issued", "subdomain", c.Subdomain, "path", path)
	return t, nil
}

func (t *Token) Path() string {
	return t.path
}

// Subdomain doesn't depend on token freshness
func (t *Token) Subdomain() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.creds.Subdomain
}

// Credentials returns valid credential set, refreshing it first if expired.
// Returned credentials are always the ones saved to token file
func (t *Token) Credentials(ctx context.Context) (models.Credentials, error) {
	c, stale := t.current()
	if !stale {
		return c, nil
	}

	return t.refresh(ctx, false)
}

// Refresh exchanges refresh token even if access token is still valid
func (t *Token) Refresh(ctx context.Context) (models.Credentials, error) {
	return t.refresh(ctx, true)
}

func (t *Token) AccessToken(ctx context.Context) (string, error) {
	c, err := t.Credentials(ctx)
	return c.AccessToken, err
}

func (t *Token) RefreshToken(ctx context.Context) (string, error) {
	c, err := t.Credentials(ctx)
	return c.RefreshToken, err
}

func (t *Token) TokenType(ctx context.Context) (string, error) {
	c, err := t.Credentials(ctx)
	return c.TokenType, err
}

// ExpiresIn in seconds
func (t *Token) ExpiresIn(ctx context.Context) (int64, error) {
	c, err := t.Credentials(ctx)
	return c.ExpiresIn, err
}

// ReceivedAt in unix milliseconds
func (t *Token) ReceivedAt(ctx context.Context) (int64, error) {
	c, err := t.Credentials(ctx)
	return c.ReceivedAt, err
}

// ExpiresAt in unix milliseconds
func (t *Token) ExpiresAt(ctx context.Context) (int64, error) {
	c, err := t.Credentials(ctx)
	return c.ExpiresAt(), err
}

// current returns credentials and whether they can't be handed out as is
func (t *Token) current() (models.Credentials, bool) {
	c, expired, unsaved := t.state()
	return c, expired || unsaved
}

func (t *Token) state() (c models.Credentials, expired bool, unsaved bool) {
	t.mu.RLock()
	c, unsaved = t.creds, t.unsaved
	t.mu.RUnlock()

	return c, c.IsExpired(t.now()), unsaved
}

// refresh joins in-flight exchange or starts a new one.
// Exchange isn't tied to the caller context: waiter may leave, the others still get the result
func (t *Token) refresh(ctx context.Context, force bool) (models.Credentials, error) {
	key := refreshKey
	if force {
		key = forceRefreshKey
	}

	ch := t.flight.DoChan(key, func() (any, error) {
		return t.exchange(context.WithoutCancel(ctx), force)
	})

	select {
	case <-ctx.Done():
		return models.Credentials{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.Credentials{}, res.Err
		}
		return res.Val.(models.Credentials), nil
	}
}

func (t *Token) exchange(ctx context.Context, force bool) (models.Credentials, error) {
	t.exchangeMu.Lock()
	defer t.exchangeMu.Unlock()

	current, expired, unsaved := t.state()

	// Previous flight may have finished between caller's check and this one
	if !expired && !force {
		if unsaved {
			// Provider already rotated tokens: only saving is left
			if err := t.commit(ctx, current); err != nil {
				return models.Credentials{}, err
			}
		}
		return current, nil
	}

	log := t.logger.With("subdomain", current.Subdomain, "path", t.path)
	log.Debug("Refreshing token", "expires_at", current.ExpiresAt(), "forced", force)

	exchangeCtx, cancel := context.WithTimeout(ctx, t.refreshTimeout)
	defer cancel()

	grant, err := t.client.Refresh(exchangeCtx, amocrm.RefreshRequest{
		Subdomain:    current.Subdomain,
		ClientID:     current.ClientID,
		ClientSecret: current.ClientSecret,
		RefreshToken: current.RefreshToken,
		RedirectURI:  current.RedirectURI,
	})
	if err != nil {
		log.Warn("Token refresh failed", "error", err)
		return models.Credentials{}, fmt.Errorf("error while refreshing token. Err: %w", err)
	}

	// Old refresh token is spent now: keep the new one even if save fails
	updated := current.Apply(grant)
	if err := t.commit(ctx, updated); err != nil {
		return models.Credentials{}, err
	}

	log.Info("Token refreshed", "expires_at", updated.ExpiresAt())
	return updated, nil
}

// commit replaces credentials and saves them under write lock,
// so readers never get credentials that are not on disk.
// If save fails credentials stay in memory marked unsaved; next read retries the save
func (t *Token) commit(ctx context.Context, c models.Credentials) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.creds = c
	t.unsaved = true

	if err := t.save(ctx, c); err != nil {
		return err
	}

	t.unsaved = false
	return nil
}

func (t *Token) save(ctx context.Context, c models.Credentials) error {
	err := t.repo.Save(ctx, t.path, c)

	if t.onSave != nil {
		t.onSave(SaveResult{Path: t.path, Credentials: c, Err: err})
	}

	if err != nil {
		t.logger.Error("Token not saved", "path", t.path, "error", err)
		return fmt.Errorf("error while saving token. Err: %w", err)
	}

	t.logger.Debug("Token saved", "path", t.path)
	return nil
}
