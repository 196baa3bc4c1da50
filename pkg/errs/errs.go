// Package errs defines the error kinds shared by every pipeline stage and the
// query path. Callers match them with errors.As or the Is* helpers.
package errs

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input: an address, a label, rule parameters.
// The offending item is rejected and the surrounding batch continues.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// NotFoundError reports an unknown address, cluster, entity, rule or event.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ConflictError reports a concurrent modification detected mid-write.
type ConflictError struct {
	Resource string
	Detail   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Detail)
}

// DependencyError wraps a failure of a backing store, label source or channel.
type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency %s unavailable: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

func Validation(field, value, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

func Conflict(resource, detail string) error {
	return &ConflictError{Resource: resource, Detail: detail}
}

// Dependency wraps err unless it is nil or already a DependencyError.
func Dependency(dep string, err error) error {
	if err == nil {
		return nil
	}
	var d *DependencyError
	if errors.As(err, &d) {
		return err
	}
	return &DependencyError{Dependency: dep, Err: err}
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

func IsDependency(err error) bool {
	var e *DependencyError
	return errors.As(err, &e)
}
