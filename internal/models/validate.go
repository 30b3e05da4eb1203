package models

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nkiryanov/amoauth/internal/apperrors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	// Report fields by 'json' tag: that is how user sees them in token file or provider response
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Validate checks struct tags of Credentials or Grant.
// Returns *apperrors.ValidationError with every failed field
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return &apperrors.ValidationError{Err: err}
	}

	fields := make(map[string]string, len(errs))
	for _, fieldErr := range errs {
		fields[fieldErr.Field()] = fieldErr.Tag()
	}
	return &apperrors.ValidationError{Fields: fields}
}
