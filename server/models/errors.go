package models

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindMissingCredential ErrorKind = "MISSING_CREDENTIAL"
	KindInvalidCredential ErrorKind = "INVALID_CREDENTIAL"
	KindForbidden         ErrorKind = "FORBIDDEN"
	KindInvalidImage      ErrorKind = "INVALID_IMAGE"
	KindInferenceFailure  ErrorKind = "INFERENCE_FAILURE"
	KindNotFound          ErrorKind = "NOT_FOUND"
	KindStorageFailure    ErrorKind = "STORAGE_FAILURE"
	KindRateLimited       ErrorKind = "RATE_LIMITED"
	KindRequestTooLarge   ErrorKind = "REQUEST_TOO_LARGE"
	KindBadRequest        ErrorKind = "BAD_REQUEST"
)

// Sentinels for errors.Is; matching is by kind only.
var (
	ErrMissingCredential = &Error{Kind: KindMissingCredential, Message: "authorization token required"}
	ErrInvalidCredential = &Error{Kind: KindInvalidCredential, Message: "invalid or expired token, please sign in again"}
	ErrForbidden         = &Error{Kind: KindForbidden, Message: "access to this namespace is not allowed"}
	ErrInvalidImage      = &Error{Kind: KindInvalidImage, Message: "invalid image file"}
	ErrInferenceFailure  = &Error{Kind: KindInferenceFailure, Message: "detection failed"}
	ErrNotFound          = &Error{Kind: KindNotFound, Message: "file not found"}
	ErrStorageFailure    = &Error{Kind: KindStorageFailure, Message: "failed to store artifacts"}
	ErrRateLimited       = &Error{Kind: KindRateLimited, Message: "rate limit exceeded"}
	ErrBadRequest        = &Error{Kind: KindBadRequest, Message: "malformed request"}
)

type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Wrap attaches cause to a copy of the sentinel kind, keeping its message.
func Wrap(kind *Error, cause error) *Error {
	return &Error{Kind: kind.Kind, Message: kind.Message, Cause: cause}
}

func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind of err, or "" if err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
