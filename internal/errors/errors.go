package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrInternal      = errors.New("internal error")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidInput  = errors.New("invalid input")
	ErrDuplicate     = errors.New("already processed")
	ErrTenantMissing = errors.New("tenant context missing")

	// ErrStaleReference marks a job whose community, subject or intent vanished
	// between enqueue and execution. Such jobs are discarded, never retried.
	ErrStaleReference = errors.New("stale reference")

	// ErrPermanent marks a job failure that must not be retried, such as a
	// message that left the provider but could not be recorded.
	ErrPermanent = errors.New("permanent failure")
)

func NewInternal(format string, a ...interface{}) error {
	return fmt.Errorf("INTERNAL: %s: %w", fmt.Sprintf(format, a...), ErrInternal)
}

func NewNotFound(format string, a ...interface{}) error {
	return fmt.Errorf("NOT FOUND: %s: %w", fmt.Sprintf(format, a...), ErrNotFound)
}

func NewConflict(format string, a ...interface{}) error {
	return fmt.Errorf("CONFLICT: %s: %w", fmt.Sprintf(format, a...), ErrConflict)
}

func NewInvalidInput(format string, a ...interface{}) error {
	return fmt.Errorf("INVALID: %s: %w", fmt.Sprintf(format, a...), ErrInvalidInput)
}

func NewStaleReference(format string, a ...interface{}) error {
	return fmt.Errorf("STALE: %s: %w", fmt.Sprintf(format, a...), ErrStaleReference)
}

func NewTenantMissing(format string, a ...interface{}) error {
	return fmt.Errorf("FATAL: %s: %w", fmt.Sprintf(format, a...), ErrTenantMissing)
}

func NewPermanent(format string, a ...interface{}) error {
	return fmt.Errorf("PERMANENT: %s: %w", fmt.Sprintf(format, a...), ErrPermanent)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

func IsStale(err error) bool {
	return errors.Is(err, ErrStaleReference)
}

func IsTenantMissing(err error) bool {
	return errors.Is(err, ErrTenantMissing)
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

func IsInternal(err error) bool {
	return err != nil && !IsNotFound(err) && !IsConflict(err) && !IsValidation(err) && !IsInvalidInput(err)
}

// ValidationError carries field-scoped messages for a rejected write.
type ValidationError struct {
	Fields map[string][]string `json:"errors"`
}

func NewValidationError() *ValidationError {
	return &ValidationError{Fields: make(map[string][]string)}
}

func (e *ValidationError) Add(field, message string) {
	e.Fields[field] = append(e.Fields[field], message)
}

func (e *ValidationError) Empty() bool {
	return e == nil || len(e.Fields) == 0
}

// OrNil returns nil when no field failed so callers can return it directly.
func (e *ValidationError) OrNil() error {
	if e.Empty() {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f, strings.Join(e.Fields[f], "; ")))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// AsValidation extracts the field errors, if any.
func AsValidation(err error) (*ValidationError, bool) {
	var v *ValidationError
	ok := errors.As(err, &v)
	return v, ok
}
