// Package apperr defines the typed errors returned by the lifecycle services.
// The API boundary maps each Kind to an HTTP status and a stable code.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies an error for callers that need to branch on failure type.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindBusinessRule Kind = "business_rule"
	KindConflict     Kind = "conflict"
	KindExpired      Kind = "expired"
	KindInternal     Kind = "internal"
)

// Sentinels usable with errors.Is against any *Error of the same kind.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrBusinessRule = errors.New("business rule violated")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
)

// Fields maps an input field to a machine-readable violation code.
type Fields map[string]string

// Empty reports whether no violations were collected.
func (f Fields) Empty() bool { return len(f) == 0 }

// Required records a "required" violation when value is blank.
func (f Fields) Required(field, value string) {
	if strings.TrimSpace(value) == "" {
		f[field] = "required"
	}
}

// Add records code for field unless the field already has a violation.
func (f Fields) Add(field, code string) {
	if _, ok := f[field]; !ok {
		f[field] = code
	}
}

// Error is the concrete error type carried through the services.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Fields  Fields
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k+"="+e.Fields[k])
		}
		sort.Strings(keys)
		msg = fmt.Sprintf("%s (%s)", msg, strings.Join(keys, ", "))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels so callers can write errors.Is(err, apperr.ErrConflict).
func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrBusinessRule:
		return e.Kind == KindBusinessRule
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrExpired:
		return e.Kind == KindExpired
	}
	return false
}

func newError(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validation reports malformed or missing input.
func Validation(code, format string, args ...any) *Error {
	return newError(KindValidation, code, format, args...)
}

// Invalid wraps collected field violations into a validation error.
func Invalid(fields Fields) *Error {
	return &Error{Kind: KindValidation, Code: "invalid_input", Message: "invalid input", Fields: fields}
}

// NotFound reports an unresolvable entity or token, including cross-tenant lookups.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Code: entity + "_not_found", Message: fmt.Sprintf("%s %s not found", entity, id)}
}

// BusinessRule reports a disallowed transition or unmet precondition.
func BusinessRule(code, format string, args ...any) *Error {
	return newError(KindBusinessRule, code, format, args...)
}

// Conflict reports a lost race on a conditional write or a duplicate conversion.
func Conflict(code, format string, args ...any) *Error {
	return newError(KindConflict, code, format, args...)
}

// Expired reports a token or entity past its validity window.
func Expired(code, format string, args ...any) *Error {
	return newError(KindExpired, code, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}
