package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/amoauth/internal/handlers"
	"github.com/nkiryanov/amoauth/internal/handlers/middleware"
	"github.com/nkiryanov/amoauth/internal/logger"
	"github.com/nkiryanov/amoauth/internal/models"
)

const shutdownTimeout = 5 * time.Second

type authenticatorFunc func(ctx context.Context, subdomain string, code string) (models.Credentials, error)

func (f authenticatorFunc) Authenticate(ctx context.Context, subdomain string, code string) (models.Credentials, error) {
	return f(ctx, subdomain, code)
}

type ServerApp struct {
	Handler http.Handler
	logger  logger.Logger
}

// Serve accepts connections on listener and closes gracefully on context cancellation
func (s *ServerApp) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Serve until context is cancelled; then close gracefully connections
	s.logger.Info("Starting server", "addr", ln.Addr().String())
	err := httpServer.Serve(ln)
	srvCtxCancel()
	<-idleConnsClosed

	return err
}

// serve waits for consent page redirect, exchanges received code and stops
func (a *App) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	state := uuid.NewString()
	var authorized atomic.Bool

	callback := handlers.NewCallback(
		authenticatorFunc(a.authenticate),
		state,
		a.logger.WithGroup("callback"),
		func(c models.Credentials) {
			authorized.Store(true)
			_, _ = fmt.Fprintf(a.out, "Auth data saved to %s, access token expires at %s\n", a.cfg.TokenFile, formatMillis(c.ExpiresAt()))
			cancel()
		},
	)

	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("error while listening %s. Err: %w", a.cfg.ListenAddr, err)
	}

	path := callbackPath(a.cfg.RedirectURI)
	srv := &ServerApp{
		Handler: handlers.NewRouter(path, callback, middleware.LoggerMiddleware(a.logger.WithGroup("http"))),
		logger:  a.logger,
	}

	_, _ = fmt.Fprintf(a.out, "Open in browser to grant access: %s\n", a.client.AuthorizeURL(a.cfg.ClientID, state, a.cfg.Mode))
	_, _ = fmt.Fprintf(a.out, "Waiting for redirect on http://%s%s\n", ln.Addr().String(), path)

	err = srv.Serve(ctx, ln)
	if !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	if !authorized.Load() {
		return errors.New("server stopped before authorization completed")
	}
	return nil
}

// callbackPath is the path of redirect uri; server gets redirect there
func callbackPath(redirectURI string) string {
	u, err := url.Parse(redirectURI)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}
