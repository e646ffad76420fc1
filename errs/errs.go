// Package errs holds the error kinds shared by every layer of strategylab.
//
// Every error that crosses a package boundary toward a caller carries a
// stable Kind so the caller can tell a bad request from a conflict from a
// missing resource, and knows when a retry is safe.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind string

const (
	Validation Kind = "validation"
	NotFound   Kind = "not_found"
	Conflict   Kind = "conflict"
	Upstream   Kind = "upstream"
	Delivery   Kind = "delivery"
	Internal   Kind = "internal"
)

// Error is a classified error with a human readable message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg == "" {
			return e.Err.Error()
		}
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match against a bare kind sentinel such as ErrNotFound.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Msg != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrValidation = &Error{Kind: Validation}
	ErrNotFound   = &Error{Kind: NotFound}
	ErrConflict   = &Error{Kind: Conflict}
	ErrUpstream   = &Error{Kind: Upstream}
	ErrDelivery   = &Error{Kind: Delivery}
)

func Validationf(format string, args ...any) error {
	return &Error{Kind: Validation, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) error {
	return &Error{Kind: NotFound, Msg: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...any) error {
	return &Error{Kind: Conflict, Msg: fmt.Sprintf(format, args...)}
}

// UpstreamErr wraps a broker or market-data failure.
func UpstreamErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Upstream, Msg: msg, Err: err}
}

// DeliveryErr wraps a failed push to a single subscriber.
func DeliveryErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Delivery, Msg: msg, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Unclassified errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Retryable reports whether repeating the operation may succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Upstream, Delivery:
		return true
	}
	return false
}

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Upstream:
		return http.StatusBadGateway
	case Delivery:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
