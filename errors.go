package bucketcache

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors
var (
	// ErrKeyNotFound is returned when no entry exists for a key.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyExpired is returned when an entry existed but its lifetime had
	// elapsed by the time it was read. It matches ErrKeyNotFound under
	// errors.Is, so callers that only care about absence need a single check.
	ErrKeyExpired = fmt.Errorf("%w: entry expired", ErrKeyNotFound)

	// ErrCallbackRegistered is returned when a hit callback is registered on
	// a CachedFunc that already has one.
	ErrCallbackRegistered = errors.New("hit callback already registered")
)

// KeyMaterialError indicates that key material could not be canonically
// encoded. It is fatal: values carrying live resource handles or cycles are
// never silently coerced into a fingerprint.
type KeyMaterialError struct {
	Err error
}

// Error implements the error interface.
func (e *KeyMaterialError) Error() string {
	return fmt.Sprintf("unsuitable key material: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *KeyMaterialError) Unwrap() error {
	return e.Err
}

// BackendUnavailableError is returned by Open when a backend selected by name
// has not been registered. Backends cost nothing until explicitly requested.
type BackendUnavailableError struct {
	Name string
}

// Error implements the error interface.
func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend %q is not registered", e.Name)
}

// CorruptEntryError indicates an entry file that exists but could not be
// decoded by the configured backend. The file is left in place so it can be
// inspected or deleted deliberately.
type CorruptEntryError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *CorruptEntryError) Error() string {
	return fmt.Sprintf("corrupt cache entry %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying decode error.
func (e *CorruptEntryError) Unwrap() error {
	return e.Err
}

// MutatedArgumentsError indicates that a wrapped function modified its
// arguments (or, for methods, its receiver) during the call. The stored
// entry would be unreachable under the fingerprint of the original
// arguments, so the condition is reported instead of cached silently.
type MutatedArgumentsError struct {
	Function string
}

// Error implements the error interface.
func (e *MutatedArgumentsError) Error() string {
	return fmt.Sprintf("%s mutated its arguments during the call", e.Function)
}

// ValidationError represents one or more validation errors that occurred
// while wrapping a function.
type ValidationError struct {
	Errors []error
}

// Error implements the error interface.
func (ve *ValidationError) Error() string {
	if len(ve.Errors) == 0 {
		return "validation failed"
	}
	if len(ve.Errors) == 1 {
		return fmt.Sprintf("validation failed: %v", ve.Errors[0])
	}

	var buf strings.Builder
	buf.WriteString(fmt.Sprintf("validation failed with %d errors:\n", len(ve.Errors)))
	for i, err := range ve.Errors {
		fmt.Fprintf(&buf, "  %d. %v\n", i+1, err)
	}
	return buf.String()
}

// Unwrap returns the underlying errors for use with errors.Is and errors.As.
// This implements the multi-error unwrap interface introduced in Go 1.20.
func (ve *ValidationError) Unwrap() []error {
	return ve.Errors
}

// newValidationError creates a ValidationError from a slice of errors.
// Returns nil if the slice is empty.
func newValidationError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: errs}
}
