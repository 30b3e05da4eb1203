package repository

import (
	"context"

	"github.com/nkiryanov/amoauth/internal/models"
)

// Credentials repository interface
// One location (file path) holds exactly one credential set
type CredentialsRepo interface {
	// Save whole credential set, replacing what is stored at path
	// Partial writes are not allowed: either the new record or the old one must stay readable
	// Must return apperrors.PersistenceError on failure
	Save(ctx context.Context, path string, c models.Credentials) error

	// Load credential set stored at path
	// If nothing readable at path must return apperrors.PersistenceError
	// If stored record is malformed or incomplete must return apperrors.ValidationError
	Load(ctx context.Context, path string) (models.Credentials, error)
}
