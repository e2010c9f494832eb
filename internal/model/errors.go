package model

import (
	"errors"
	"fmt"
)

// Kind classifies a domain failure so callers can branch on it.
type Kind string

const (
	KindValidation             Kind = "validation_error"
	KindUnknownUnit            Kind = "unknown_unit"
	KindInvalidBloomLevel      Kind = "invalid_bloom_level"
	KindGenerationTimeout      Kind = "generation_timeout"
	KindGenerationFailed       Kind = "generation_failed"
	KindPersistence            Kind = "persistence_error"
	KindUnsatisfiableBlueprint Kind = "unsatisfiable_blueprint"
	KindNotFound               Kind = "not_found"
	KindUnavailable            Kind = "unavailable"
)

// IsValidation reports whether k is a request-shape failure (validation or one of its sub-kinds).
func (k Kind) IsValidation() bool {
	switch k {
	case KindValidation, KindUnknownUnit, KindInvalidBloomLevel:
		return true
	}
	return false
}

// Error is a structured domain error: kind, human message, and the offending
// field or paper slot where applicable.
type Error struct {
	Kind    Kind
	Message string
	Field   string
	Slot    *int
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf creates a kinded error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// FieldError creates a validation-class error pointing at a request field.
func FieldError(kind Kind, field, message string) *Error {
	return &Error{Kind: kind, Field: field, Message: message}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// SlotError reports a paper slot that could not be filled.
func SlotError(slot int, message string) *Error {
	return &Error{Kind: KindUnsatisfiableBlueprint, Message: message, Slot: &slot}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
