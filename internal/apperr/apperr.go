package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure. Transport layers map kinds to status codes.
type Kind string

const (
	KindInvalid      Kind = "invalid"
	KindConflict     Kind = "conflict"
	KindCapacity     Kind = "capacity"
	KindNotFound     Kind = "not_found"
	KindConsistency  Kind = "consistency"
	KindUpstream     Kind = "upstream"
	KindInternal     Kind = "internal"
	KindUnauthorized Kind = "unauthorized"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetails returns a copy of e carrying a diagnostic payload. The
// receiver is left untouched so package-level errors stay shareable.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func Invalid(code, message string) *Error  { return New(KindInvalid, code, message) }
func Conflict(code, message string) *Error { return New(KindConflict, code, message) }
func Capacity(code, message string) *Error { return New(KindCapacity, code, message) }
func NotFound(code, message string) *Error { return New(KindNotFound, code, message) }

func Consistency(code, message string) *Error {
	return New(KindConsistency, code, message)
}

func Upstream(code, message string, err error) *Error {
	return Wrap(KindUpstream, code, message, err)
}

func Internal(message string, err error) *Error {
	return Wrap(KindInternal, "internal_error", message, err)
}

// As extracts the first *Error in the chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func IsCode(err error, code string) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// StatusFor maps an error to an HTTP status code.
func StatusFor(err error) int {
	switch KindOf(err) {
	case KindInvalid:
		return http.StatusBadRequest
	case KindConflict, KindCapacity:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstream:
		return http.StatusBadGateway
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
