// Package errs defines the error kinds shared by every billing component.
// Domain packages keep their own snake_case sentinels and wrap them with a
// kind so the HTTP layer and the scheduler can decide how to react.
package errs

import (
	"errors"
	"strings"
)

var (
	ErrValidation          = errors.New("validation_error")
	ErrConflict            = errors.New("conflict")
	ErrTransientGateway    = errors.New("transient_gateway_error")
	ErrSignature           = errors.New("signature_error")
	ErrReconciliationDrift = errors.New("reconciliation_drift")
	ErrNotFound            = errors.New("not_found")
)

// Error carries a kind, the underlying domain sentinel and an optional field.
type Error struct {
	Kind  error
	Cause error
	Field string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// Code returns the domain sentinel text, falling back to the kind.
func (e *Error) Code() string {
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Kind.Error()
}

func wrap(kind, cause error, field string) error {
	if cause == nil {
		return nil
	}
	var existing *Error
	if errors.As(cause, &existing) && existing.Kind == kind {
		return cause
	}
	return &Error{Kind: kind, Cause: cause, Field: strings.TrimSpace(field)}
}

func Validation(cause error, field string) error { return wrap(ErrValidation, cause, field) }

func Conflict(cause error) error { return wrap(ErrConflict, cause, "") }

func NotFound(cause error) error { return wrap(ErrNotFound, cause, "") }

func Transient(cause error) error { return wrap(ErrTransientGateway, cause, "") }

func Signature(cause error) error { return wrap(ErrSignature, cause, "") }

func Drift(cause error) error { return wrap(ErrReconciliationDrift, cause, "") }

// KindOf reports the kind attached to err, or nil when err is unclassified.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrValidation,
		ErrConflict,
		ErrTransientGateway,
		ErrSignature,
		ErrReconciliationDrift,
		ErrNotFound,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// FieldOf returns the offending field for validation errors.
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}

// CodeOf returns the domain code for classified errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
