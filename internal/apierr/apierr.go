// Package apierr defines the typed error kinds the webhook relay's
// components return, and maps each to the HTTP status the surface
// layer responds with, generalizing the teacher's per-handler
// http.Error/metrics pattern into a single table.
package apierr

import (
	"errors"
	"net/http"
)

// Kind identifies a class of failure from §7 of the component design.
type Kind int

const (
	// KindInvalidSubscription covers wrong key lengths, non-HTTPS or
	// non-allowlisted endpoints, and oversized endpoint strings.
	KindInvalidSubscription Kind = iota
	KindAuthMissing
	KindAuthMismatch
	KindNotFound
	KindPayloadTooLarge
	KindRateLimited
	KindReadTimeout
	KindQueueFull
)

var statusByKind = map[Kind]int{
	KindInvalidSubscription: http.StatusBadRequest,
	KindAuthMissing:         http.StatusUnauthorized,
	KindAuthMismatch:        http.StatusForbidden,
	KindNotFound:            http.StatusNotFound,
	KindPayloadTooLarge:     http.StatusRequestEntityTooLarge,
	KindRateLimited:         http.StatusTooManyRequests,
	KindReadTimeout:         http.StatusRequestTimeout,
	KindQueueFull:           http.StatusServiceUnavailable,
}

// Error is a typed, terse error carrying a Kind for HTTP mapping.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// HTTPStatus returns the HTTP status code for this error's Kind.
func (e *Error) HTTPStatus() int {
	if status, ok := statusByKind[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New constructs an Error of the given kind with a terse message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// InvalidSubscription builds a KindInvalidSubscription error.
func InvalidSubscription(msg string) error { return New(KindInvalidSubscription, msg) }

// AuthMissing builds a KindAuthMissing error.
func AuthMissing(msg string) error { return New(KindAuthMissing, msg) }

// AuthMismatch builds a KindAuthMismatch error.
func AuthMismatch(msg string) error { return New(KindAuthMismatch, msg) }

// NotFound builds a KindNotFound error.
func NotFound(msg string) error { return New(KindNotFound, msg) }

// PayloadTooLarge builds a KindPayloadTooLarge error.
func PayloadTooLarge(msg string) error { return New(KindPayloadTooLarge, msg) }

// RateLimited builds a KindRateLimited error.
func RateLimited(msg string) error { return New(KindRateLimited, msg) }

// ReadTimeout builds a KindReadTimeout error.
func ReadTimeout(msg string) error { return New(KindReadTimeout, msg) }

// QueueFull builds a KindQueueFull error.
func QueueFull(msg string) error { return New(KindQueueFull, msg) }

// HTTPStatus returns the status code for any error: 200 when err is
// nil, and 500 when err is not an *Error or has an unrecognized Kind.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind == kind
	}
	return false
}
