package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Logging levels
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Environments; dev logs human readable text, prod logs JSON
const (
	EnvDev        = "dev"
	EnvProduction = "prod"
)

// Logger interface defines the logging contract
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	With(args ...any) Logger
	WithGroup(name string) Logger
}

// New returns logger suitable for environment.
// Logs go to stderr: stdout of the CLI is reserved for tokens and command output
func New(environment string, level string) (Logger, error) {
	switch environment {
	case EnvDev:
		return NewTextLogger(level)
	case EnvProduction:
		return NewJSONLogger(level)
	default:
		return nil, fmt.Errorf("unknown environment %q, expected %q or %q", environment, EnvDev, EnvProduction)
	}
}

// NewTextLogger creates a new text logger with the specified level
func NewTextLogger(level string) (Logger, error) {
	opts, err := handlerOptions(level)
	if err != nil {
		return nil, err
	}
	return wrap(slog.NewTextHandler(os.Stderr, opts)), nil
}

// NewJSONLogger creates a new JSON logger with the specified level
func NewJSONLogger(level string) (Logger, error) {
	opts, err := handlerOptions(level)
	if err != nil {
		return nil, err
	}
	return wrap(slog.NewJSONHandler(os.Stderr, opts)), nil
}

// NewNoOpLogger creates a logger that discards all log messages
func NewNoOpLogger() Logger {
	return wrap(slog.NewTextHandler(io.Discard, nil))
}

func handlerOptions(level string) (*slog.HandlerOptions, error) {
	l, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	return &slog.HandlerOptions{
		Level:       l,
		AddSource:   true,
		ReplaceAttr: replace,
	}, nil
}

func wrap(h slog.Handler) Logger {
	return &slogLogger{logger: slog.New(h)}
}
