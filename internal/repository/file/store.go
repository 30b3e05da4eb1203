package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nkiryanov/amoauth/internal/apperrors"
	"github.com/nkiryanov/amoauth/internal/models"
	"github.com/nkiryanov/amoauth/internal/repository"
)

// Token file holds client secret: readable by owner only
const fileMode = 0o600

// document is token file as read from disk.
// Every key must be present; any value, zero included, is kept as is
type document struct {
	Subdomain    *string `json:"subdomain" validate:"required"`
	ClientID     *string `json:"client_id" validate:"required"`
	ClientSecret *string `json:"client_secret" validate:"required"`
	RedirectURI  *string `json:"redirect_uri" validate:"required"`
	TokenType    *string `json:"token_type" validate:"required"`
	AccessToken  *string `json:"access_token" validate:"required"`
	RefreshToken *string `json:"refresh_token" validate:"required"`
	ExpiresIn    *int64  `json:"expires_in" validate:"required"`
	ReceivedAt   *int64  `json:"received_at" validate:"required"`
}

func (d document) credentials() models.Credentials {
	return models.Credentials{
		Subdomain:    *d.Subdomain,
		ClientID:     *d.ClientID,
		ClientSecret: *d.ClientSecret,
		RedirectURI:  *d.RedirectURI,
		TokenType:    *d.TokenType,
		AccessToken:  *d.AccessToken,
		RefreshToken: *d.RefreshToken,
		ExpiresIn:    *d.ExpiresIn,
		ReceivedAt:   *d.ReceivedAt,
	}
}

// Store keeps credentials as JSON documents on local filesystem
type Store struct{}

func NewStore() repository.CredentialsRepo {
	return &Store{}
}

// Save writes credentials to temp file in the same directory and renames it over path,
// so a crash mid-write never leaves truncated token file
func (s *Store) Save(ctx context.Context, path string, c models.Credentials) error {
	if err := ctx.Err(); err != nil {
		return &apperrors.PersistenceError{Op: "save", Path: path, Err: err}
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return &apperrors.PersistenceError{Op: "save", Path: path, Err: fmt.Errorf("failed to encode: %w", err)}
	}

	if err := writeAtomic(path, data); err != nil {
		return &apperrors.PersistenceError{Op: "save", Path: path, Err: err}
	}

	return nil
}

// Load reads credentials saved by Save. Missing keys fail with ValidationError
func (s *Store) Load(ctx context.Context, path string) (models.Credentials, error) {
	if err := ctx.Err(); err != nil {
		return models.Credentials{}, &apperrors.PersistenceError{Op: "load", Path: path, Err: err}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return models.Credentials{}, &apperrors.PersistenceError{Op: "load", Path: path, Err: err}
	}

	var d document
	if err := json.Unmarshal(data, &d); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return models.Credentials{}, &apperrors.ValidationError{
				Fields: map[string]string{typeErr.Field: "type"},
				Err:    err,
			}
		}
		return models.Credentials{}, &apperrors.ValidationError{Err: fmt.Errorf("failed to parse %s: %w", path, err)}
	}

	if err := models.Validate(d); err != nil {
		return models.Credentials{}, err
	}

	return d.credentials(), nil
}

func writeAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = tmp.Chmod(fileMode); err != nil {
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace: %w", err)
	}

	return nil
}
