// Package apperr defines the error taxonomy shared by the LNURL flows and
// the management API.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindForbidden           Kind = "forbidden"
	KindExpired             Kind = "expired"
	KindExternalService     Kind = "external_service"
	KindUnsupportedDomain   Kind = "unsupported_domain"
	KindBadExternalResponse Kind = "bad_external_response"
	KindInternal            Kind = "internal"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(KindForbidden, format, args...)
}

func Expired(format string, args ...any) *Error {
	return New(KindExpired, format, args...)
}

func External(err error, format string, args ...any) *Error {
	return Wrap(KindExternalService, err, format, args...)
}

func UnsupportedDomain(format string, args ...any) *Error {
	return New(KindUnsupportedDomain, format, args...)
}

func BadExternalResponse(format string, args ...any) *Error {
	return New(KindBadExternalResponse, format, args...)
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsDomain reports whether err carries a classified application error.
func IsDomain(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindUnsupportedDomain:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindExpired:
		return http.StatusGone
	case KindExternalService, KindBadExternalResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Reason is the client-facing message. Internal errors never leak details.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal error"
}
