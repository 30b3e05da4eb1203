package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/amoauth/internal/amocrm"
	"github.com/nkiryanov/amoauth/internal/logger"
	"github.com/nkiryanov/amoauth/internal/models"
	"github.com/nkiryanov/amoauth/internal/service/token"
)

const (
	cmdAuth         = "auth"
	cmdToken        = "token"
	cmdRefresh      = "refresh"
	cmdStatus       = "status"
	cmdAccount      = "account"
	cmdAuthorizeURL = "authorize-url"
	cmdServe        = "serve"
)

var commands = []string{cmdAuth, cmdToken, cmdRefresh, cmdStatus, cmdAccount, cmdAuthorizeURL, cmdServe}

type App struct {
	cfg    *Config
	logger logger.Logger
	client *amocrm.Client

	// Command output; logs go to stderr
	out io.Writer
}

func NewApp(c *Config, out io.Writer) (*App, error) {
	return newApp(c, out, amocrm.Config{})
}

// newApp lets tests point client to local token endpoint
func newApp(c *Config, out io.Writer, clientCfg amocrm.Config) (*App, error) {
	logger, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	clientCfg.Host = c.Host
	clientCfg.Timeout = c.Timeout

	return &App{
		cfg:    c,
		logger: logger,
		client: amocrm.NewClient(clientCfg, logger.WithGroup("amocrm")),
		out:    out,
	}, nil
}

func (a *App) Run(ctx context.Context, command string) error {
	switch command {
	case cmdAuth:
		return a.auth(ctx)
	case cmdToken:
		return a.token(ctx)
	case cmdRefresh:
		return a.refresh(ctx)
	case cmdStatus:
		return a.status(ctx)
	case cmdAccount:
		return a.account(ctx)
	case cmdAuthorizeURL:
		return a.authorizeURL()
	case cmdServe:
		return a.serve(ctx)
	default:
		return fmt.Errorf("unknown command %q, expected one of: %s", command, strings.Join(commands, ", "))
	}
}

func (a *App) tokenOptions() []token.Option {
	return []token.Option{
		token.WithLogger(a.logger.WithGroup("token")),
		// Client bounds single exchange; give the whole refresh a bit more for the save
		token.WithRefreshTimeout(a.cfg.Timeout + 5*time.Second),
	}
}

func (a *App) open(ctx context.Context) (*token.Token, error) {
	return token.Open(ctx, a.cfg.TokenFile, a.client, a.tokenOptions()...)
}

func (a *App) auth(ctx context.Context) error {
	c, err := a.authenticate(ctx, a.cfg.Subdomain, a.cfg.AuthCode)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(a.out, "Auth data saved to %s, access token expires at %s\n", a.cfg.TokenFile, formatMillis(c.ExpiresAt()))
	return err
}

// authenticate exchanges code and saves the first token set to token file
func (a *App) authenticate(ctx context.Context, subdomain string, code string) (models.Credentials, error) {
	if subdomain == "" {
		subdomain = a.cfg.Subdomain
	}

	tok, err := token.Authenticate(ctx, a.cfg.TokenFile, a.client, amocrm.AuthorizationRequest{
		Subdomain:    subdomain,
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		Code:         code,
		RedirectURI:  a.cfg.RedirectURI,
	}, a.tokenOptions()...)
	if err != nil {
		return models.Credentials{}, err
	}

	return tok.Credentials(ctx)
}

func (a *App) token(ctx context.Context) error {
	tok, err := a.open(ctx)
	if err != nil {
		return err
	}

	access, err := tok.AccessToken(ctx)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(a.out, access)
	return err
}

func (a *App) refresh(ctx context.Context) error {
	tok, err := a.open(ctx)
	if err != nil {
		return err
	}

	c, err := tok.Refresh(ctx)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(a.out, c.AccessToken)
	return err
}

func (a *App) status(ctx context.Context) error {
	tok, err := a.open(ctx)
	if err != nil {
		return err
	}

	c, err := tok.Credentials(ctx)
	if err != nil {
		return err
	}

	return a.printStatus(tok.Path(), c)
}

func (a *App) printStatus(path string, c models.Credentials) error {
	lines := [][2]string{
		{"Token file", path},
		{"Subdomain", c.Subdomain},
		{"Token type", c.TokenType},
		{"Received at", formatMillis(c.ReceivedAt)},
		{"Expires at", formatMillis(c.ExpiresAt())},
	}

	// Access token is JWT for amoCRM, but it's not something client relies on
	claims, err := amocrm.ParseAccessClaims(c.AccessToken)
	if err != nil {
		a.logger.Debug("Access token claims not available", "error", err)
	} else {
		lines = append(lines,
			[2]string{"Account ID", fmt.Sprint(claims.AccountID)},
			[2]string{"User ID", claims.Subject},
			[2]string{"Scopes", strings.Join(claims.Scopes, ",")},
		)
	}

	for _, l := range lines {
		if _, err := fmt.Fprintf(a.out, "%-12s %s\n", l[0]+":", l[1]); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) account(ctx context.Context) error {
	tok, err := a.open(ctx)
	if err != nil {
		return err
	}

	account, err := a.client.Account(ctx, tok.HTTPClient(nil), tok.Subdomain())
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(a.out, "%d %s (%s)\n", account.ID, account.Name, account.Subdomain)
	return err
}

func (a *App) authorizeURL() error {
	state := uuid.NewString()
	a.logger.Debug("Authorization state generated", "state", state)

	_, err := fmt.Fprintln(a.out, a.client.AuthorizeURL(a.cfg.ClientID, state, a.cfg.Mode))
	return err
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
