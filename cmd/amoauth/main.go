package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// Initialize context that cancelled on SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Getenv, os.Getwd, os.Args[1:], os.Stdout); err != nil {
		slog.Error("amoauth failed", "error", err.Error())
		cancel()
		os.Exit(1)
	}
}

// run loads config in order: defaults, .env, environment, flags; then runs the command
func run(ctx context.Context, getenv func(string) string, getwd func() (string, error), args []string, out io.Writer) error {
	c := NewConfig()

	if err := c.LoadDotEnv(getwd); err != nil {
		return fmt.Errorf("error while loading .env: %w", err)
	}
	if err := c.LoadEnv(getenv); err != nil {
		return fmt.Errorf("error while loading env: %w", err)
	}
	rest, err := c.ParseFlags(args)
	if err != nil {
		return fmt.Errorf("error while parsing flags: %w", err)
	}

	if len(rest) != 1 {
		return errors.New("exactly one command expected: amoauth [flags] <auth|token|refresh|status|account|authorize-url|serve>")
	}
	command := rest[0]

	if err := c.Validate(command); err != nil {
		return err
	}

	app, err := NewApp(c, out)
	if err != nil {
		return err
	}

	return app.Run(ctx, command)
}
