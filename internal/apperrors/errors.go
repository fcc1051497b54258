// Package apperrors defines the typed error taxonomy shared by every
// control-plane component (signaling hub, storage gateway, repository,
// expiry engine, admission controller, API layer) and the HTTP status
// mapping the API layer uses to surface them.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies the category of a control-plane error.
type Code string

const (
	CodeValidationFailed     Code = "validation_failed"
	CodeUnauthenticated      Code = "unauthenticated"
	CodeForbidden            Code = "forbidden"
	CodeNotFound             Code = "not_found"
	CodeInvalidState         Code = "invalid_state"
	CodeExpired              Code = "expired"
	CodeGone                 Code = "gone"
	CodeOversize             Code = "oversize"
	CodeUnsupportedMedia     Code = "unsupported_media"
	CodePasswordRequired     Code = "password_required"
	CodePasswordIncorrect    Code = "password_incorrect"
	CodeQuotaExceeded        Code = "quota_exceeded"
	CodeRateLimited          Code = "rate_limited"
	CodeUnknownPeer          Code = "unknown_peer"
	CodeCrossRoomForbidden   Code = "cross_room_forbidden"
	CodeFrameTooLarge        Code = "frame_too_large"
	CodeSendBufferExhausted  Code = "send_buffer_exhausted"
	CodeUnavailable          Code = "unavailable"
	CodeInternal             Code = "internal"
)

// Error is the concrete error type carried through the control plane.
// It wraps an underlying cause the way pkg/utils.Wrap does, but also
// tags the failure with a Code so the API layer never has to parse
// error strings to pick an HTTP status.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an *Error tagging cause with code. Returns nil if cause is nil,
// mirroring pkg/utils.Wrap's nil-safety.
func Wrap(code Code, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: cause}
}

// As extracts an *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// CodeOf returns the Code carried by err, or CodeInternal if err does not
// carry one of ours.
func CodeOf(err error) Code {
	if ae, ok := As(err); ok {
		return ae.Code
	}
	return CodeInternal
}

// httpStatus maps every taxonomy code to the status table in spec.md §6/§7.
var httpStatus = map[Code]int{
	CodeValidationFailed:    http.StatusBadRequest,
	CodeUnauthenticated:     http.StatusUnauthorized,
	CodeForbidden:           http.StatusForbidden,
	CodeNotFound:            http.StatusNotFound,
	CodeInvalidState:        http.StatusConflict,
	CodeExpired:             http.StatusGone,
	CodeGone:                http.StatusGone,
	CodeOversize:            http.StatusRequestEntityTooLarge,
	CodeUnsupportedMedia:    http.StatusUnsupportedMediaType,
	CodePasswordRequired:    http.StatusLocked,
	CodePasswordIncorrect:   http.StatusLocked,
	CodeQuotaExceeded:       http.StatusForbidden,
	CodeRateLimited:         http.StatusTooManyRequests,
	CodeUnknownPeer:         http.StatusBadRequest,
	CodeCrossRoomForbidden:  http.StatusBadRequest,
	CodeFrameTooLarge:       http.StatusBadRequest,
	CodeSendBufferExhausted: http.StatusBadRequest,
	CodeUnavailable:         http.StatusServiceUnavailable,
	CodeInternal:            http.StatusInternalServerError,
}

// HTTPStatus returns the status code the API layer should respond with for
// a given taxonomy Code, defaulting to 500 for anything unrecognised.
func HTTPStatus(c Code) int {
	if s, ok := httpStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}
