package chat

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Code is the machine-readable error category sent to clients.
type Code string

const (
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeAuth         Code = "AUTH_ERROR"
	CodePermission   Code = "PERMISSION_ERROR"
	CodeRateLimit    Code = "RATE_LIMIT"
	CodeNotFound     Code = "NOT_FOUND"
	CodeRoomInactive Code = "ROOM_INACTIVE"
	CodeAccessDenied Code = "ACCESS_DENIED"
	CodeUnavailable  Code = "SERVICE_UNAVAILABLE"
	CodeInternal     Code = "INTERNAL_ERROR"
)

// ErrNotFound is returned by stores when the requested record does not exist.
var ErrNotFound = errors.New("chat: not found")

// Error is a request failure that carries the code reported to the client.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration // set for CodeRateLimit
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error with the given code and client-facing message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Validation(format string, args ...any) *Error {
	return NewError(CodeValidation, fmt.Sprintf(format, args...))
}

func PermissionDenied(message string) *Error {
	return NewError(CodePermission, message)
}

func NotFound(what string) *Error {
	return NewError(CodeNotFound, what+" not found")
}

func AccessDenied(message string) *Error {
	return NewError(CodeAccessDenied, message)
}

func RoomInactive() *Error {
	return NewError(CodeRoomInactive, "room is not active")
}

func AuthFailed(message string) *Error {
	return NewError(CodeAuth, message)
}

// RateLimited reports a throttled action; retryAfter tells the client when
// the oldest counted event leaves the window.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeRateLimit,
		Message:    "too many requests, slow down",
		RetryAfter: retryAfter,
	}
}

// Unavailable wraps a store failure or timeout.
func Unavailable(err error) *Error {
	return &Error{Code: CodeUnavailable, Message: "service temporarily unavailable", Err: err}
}

// Internal wraps an unexpected failure. The cause is kept for logs only.
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}

// CodeOf classifies any error into a client code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return CodeUnavailable
	}
	return CodeInternal
}

// AsError converts err into an *Error, classifying unknown errors with
// CodeOf. Messages of unclassified errors are never exposed to clients.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	switch CodeOf(err) {
	case CodeNotFound:
		return &Error{Code: CodeNotFound, Message: "not found", Err: err}
	case CodeUnavailable:
		return Unavailable(err)
	}
	return Internal(err)
}

// StoreError maps a store failure to the client taxonomy: missing records
// become NOT_FOUND for what, everything else SERVICE_UNAVAILABLE.
func StoreError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		e := NotFound(what)
		e.Err = err
		return e
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return Unavailable(err)
}
