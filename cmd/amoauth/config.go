package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/amoauth/internal/amocrm"
	"github.com/nkiryanov/amoauth/internal/logger"
)

const (
	defaultLoggingLevel = logger.LevelInfo
	defaultEnvironment  = logger.EnvDev
	defaultTokenFile    = "token.json"
	defaultTimeout      = 10 * time.Second
	defaultMode         = amocrm.ModePostMessage
	defaultListenAddr   = "localhost:8080"
)

type Config struct {
	// Default logging level
	LogLevel string

	// Environment
	Environment string

	// amoCRM account subdomain: {subdomain}.amocrm.ru
	Subdomain string

	// Integration credentials from amoCRM integration settings
	ClientID     string
	ClientSecret string
	RedirectURI  string

	// One time authorization code, needed by 'auth' command only
	AuthCode string

	// Provider host, amocrm.ru or kommo.com
	Host string

	// Token storage *.json file
	TokenFile string

	// Bound for token endpoint exchange
	Timeout time.Duration

	// Consent page mode for 'authorize-url' and 'serve' commands
	Mode string

	// Address 'serve' command listens for consent page redirect
	ListenAddr string
}

func NewConfig() *Config {
	return &Config{
		LogLevel:    defaultLoggingLevel,
		Environment: defaultEnvironment,
		Host:        amocrm.DefaultHost,
		TokenFile:   defaultTokenFile,
		Timeout:     defaultTimeout,
		Mode:        defaultMode,
		ListenAddr:  defaultListenAddr,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}
	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			*o = d
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"LOG_LEVEL":         setString(&c.LogLevel),
		"ENVIRONMENT":       setString(&c.Environment),
		"AMO_SUBDOMAIN":     setString(&c.Subdomain),
		"AMO_CLIENT_ID":     setString(&c.ClientID),
		"AMO_CLIENT_SECRET": setString(&c.ClientSecret),
		"AMO_REDIRECT_URI":  setString(&c.RedirectURI),
		"AMO_AUTH_CODE":     setString(&c.AuthCode),
		"AMO_HOST":          setString(&c.Host),
		"TOKEN_FILE":        setString(&c.TokenFile),
		"REQUEST_TIMEOUT":   setDuration(&c.Timeout),
		"LISTEN_ADDR":       setString(&c.ListenAddr),
	}

	var errs []error
	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
	}

	return errors.Join(errs...)
}

// ParseFlags parses flags and returns positional arguments (command)
func (c *Config) ParseFlags(args []string) ([]string, error) {
	fs := pflag.NewFlagSet("amoauth", pflag.ContinueOnError)

	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")
	fs.StringVarP(&c.Subdomain, "subdomain", "s", c.Subdomain, "amoCRM account subdomain")
	fs.StringVar(&c.ClientID, "client-id", c.ClientID, "Integration ID")
	fs.StringVar(&c.ClientSecret, "client-secret", c.ClientSecret, "Integration secret key")
	fs.StringVar(&c.RedirectURI, "redirect-uri", c.RedirectURI, "Redirect URI from integration settings")
	fs.StringVarP(&c.AuthCode, "code", "c", c.AuthCode, "Authorization code")
	fs.StringVar(&c.Host, "host", c.Host, "Provider host")
	fs.StringVarP(&c.TokenFile, "token-file", "f", c.TokenFile, "Token storage *.json file path")
	fs.DurationVarP(&c.Timeout, "timeout", "t", c.Timeout, "Token endpoint request timeout")
	fs.StringVar(&c.Mode, "mode", c.Mode, "Consent page mode (post_message, popup)")
	fs.StringVarP(&c.ListenAddr, "listen-addr", "a", c.ListenAddr, "Address to wait consent page redirect on")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return fs.Args(), nil
}

// Validate checks options required by command
func (c *Config) Validate(command string) error {
	required := map[string]string{
		"token-file": c.TokenFile,
	}

	switch command {
	case cmdAuth:
		required["subdomain"] = c.Subdomain
		required["client-id"] = c.ClientID
		required["client-secret"] = c.ClientSecret
		required["redirect-uri"] = c.RedirectURI
		required["code"] = c.AuthCode
	case cmdAuthorizeURL:
		required["client-id"] = c.ClientID
	case cmdServe:
		required["client-id"] = c.ClientID
		required["client-secret"] = c.ClientSecret
		required["redirect-uri"] = c.RedirectURI
		required["listen-addr"] = c.ListenAddr
	}

	var missing []string
	for name, value := range required {
		if value == "" {
			missing = append(missing, "--"+name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("command %q requires options: %s", command, strings.Join(missing, ", "))
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}

	return nil
}
