package apperrors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNetwork     = errors.New("token endpoint unreachable")
	ErrProtocol    = errors.New("token endpoint protocol error")
	ErrPersistence = errors.New("token file persistence error")
	ErrValidation  = errors.New("token record validation error")
)

// Exchange with the token endpoint failed before any response was received
// (dial error, timeout, cancelled context)
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() []error {
	return []error{ErrNetwork, e.Err}
}

// Token endpoint answered, but not with a usable grant
type ProtocolError struct {
	StatusCode int

	// Optional details from provider error body
	Title  string
	Hint   string
	Detail string

	Err error
}

func (e *ProtocolError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "status: %d", e.StatusCode)
	for _, kv := range [][2]string{{"title", e.Title}, {"hint", e.Hint}, {"detail", e.Detail}} {
		if kv[1] != "" {
			fmt.Fprintf(&b, ", %s: %s", kv[0], kv[1])
		}
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ", error: %v", e.Err)
	}
	return b.String()
}

func (e *ProtocolError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProtocol}
	}
	return []error{ErrProtocol, e.Err}
}

// Reading or writing the token file failed
type PersistenceError struct {
	Op   string // "load" or "save"
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// Record or grant doesn't hold all required fields
type ValidationError struct {
	// Field name (as in json) mapped to failed rule
	Fields map[string]string
	Err    error
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("invalid token record: %v", e.Err)
	}

	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+" ("+e.Fields[name]+")")
	}
	return "invalid token record, fields: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.Err}
}
