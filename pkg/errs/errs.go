// Package errs defines title-node's typed error taxonomy and its mapping
// onto HTTP status codes, so that every component returns an error the
// dispatcher can translate uniformly without inspecting string content.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for dispatch-level HTTP translation.
type Kind string

const (
	BadRequest        Kind = "BadRequest"
	Unauthorized      Kind = "Unauthorized"
	Forbidden         Kind = "Forbidden"
	RejectedSignature Kind = "RejectedSignature"
	InvalidState      Kind = "InvalidState"
	PayloadTooLarge   Kind = "PayloadTooLarge"
	ResourceExhausted Kind = "ResourceExhausted"
	Deadline          Kind = "Deadline"
	SlowPeer          Kind = "SlowPeer"
	Decrypt           Kind = "Decrypt"
	Verification      Kind = "Verification"
	Wasm              Kind = "Wasm"
	Proxy             Kind = "Proxy"
	Internal          Kind = "Internal"
)

// httpStatus and retriable mirror the §7 table exactly.
var httpStatus = map[Kind]int{
	BadRequest:        http.StatusBadRequest,
	Unauthorized:      http.StatusUnauthorized,
	Forbidden:         http.StatusForbidden,
	RejectedSignature: http.StatusForbidden,
	InvalidState:      http.StatusConflict,
	PayloadTooLarge:   http.StatusRequestEntityTooLarge,
	ResourceExhausted: http.StatusServiceUnavailable,
	Deadline:          http.StatusGatewayTimeout,
	SlowPeer:          http.StatusRequestTimeout,
	Decrypt:           http.StatusBadRequest,
	Verification:      http.StatusUnprocessableEntity,
	Wasm:              http.StatusUnprocessableEntity,
	Proxy:             http.StatusBadGateway,
	Internal:          http.StatusInternalServerError,
}

var retriable = map[Kind]bool{
	ResourceExhausted: true,
	Deadline:          true,
	SlowPeer:          true,
	Proxy:             true,
}

// Error is the concrete typed error every component returns. It never
// embeds the offending plaintext, private-key material, or raw outbound
// request per §7's propagation policy.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a typed error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds a typed error around an existing error, preserving it for
// errors.Is/As while attaching a dispatch Kind.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// HTTPStatus returns the HTTP status code for err, defaulting to 500 when
// err is not a *Error.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		if status, ok := httpStatus[e.Kind]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

// KindOf extracts the Kind of err, defaulting to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Retriable reports whether a client may usefully retry err.
func Retriable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return retriable[e.Kind]
	}
	return false
}
