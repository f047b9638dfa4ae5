package core

import (
	"errors"
	"fmt"

	"github.com/vovakirdan/wirechat-engine/internal/calls"
	"github.com/vovakirdan/wirechat-engine/internal/presence"
	"github.com/vovakirdan/wirechat-engine/internal/store"
)

// Error codes for domain errors.
const (
	ErrCodeAccessDenied     = "access_denied"
	ErrCodeNotFound         = "not_found"
	ErrCodeInvalidArgument  = "invalid_argument"
	ErrCodeTooOld           = "too_old"
	ErrCodeRejected         = "rejected"
	ErrCodeTransientNetwork = "transient_network"
	ErrCodeInternal         = "internal"
)

// Sentinels for errors.Is. Any CoreError with the same code matches.
var (
	ErrAccessDenied     = &CoreError{Code: ErrCodeAccessDenied, Message: "access denied"}
	ErrNotFound         = &CoreError{Code: ErrCodeNotFound, Message: "not found"}
	ErrInvalidArgument  = &CoreError{Code: ErrCodeInvalidArgument, Message: "invalid argument"}
	ErrTooOld           = &CoreError{Code: ErrCodeTooOld, Message: "too old"}
	ErrRejected         = &CoreError{Code: ErrCodeRejected, Message: "rejected by server"}
	ErrTransientNetwork = &CoreError{Code: ErrCodeTransientNetwork, Message: "network unavailable"}
	ErrInternal         = &CoreError{Code: ErrCodeInternal, Message: "internal error"}
)

// ErrClosed is returned by calls made after the engine loop stopped.
var ErrClosed = errors.New("engine closed")

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
	Err     error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// Is matches any CoreError carrying the same code.
func (e *CoreError) Is(target error) bool {
	var t *CoreError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}

func coreErrorf(code, format string, args ...any) *CoreError {
	return &CoreError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// internalError wraps a storage or encoding failure.
func internalError(msg string, err error) *CoreError {
	return &CoreError{Code: ErrCodeInternal, Message: msg, Err: err}
}

// Code extracts the error code of err, or "" for foreign errors.
func Code(err error) string {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// mapComponentError converts sentinel errors of the component packages.
func mapComponentError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, calls.ErrNoCall):
		return &CoreError{Code: ErrCodeNotFound, Message: "no call in room", Err: err}
	case errors.Is(err, calls.ErrCallInProgress), errors.Is(err, calls.ErrNotRinging),
		errors.Is(err, calls.ErrUnknownDevice):
		return &CoreError{Code: ErrCodeInvalidArgument, Message: err.Error(), Err: err}
	case errors.Is(err, presence.ErrInvalidStatus), errors.Is(err, presence.ErrInvalidTimeout):
		return &CoreError{Code: ErrCodeInvalidArgument, Message: err.Error(), Err: err}
	case errors.Is(err, store.ErrNotFound):
		return &CoreError{Code: ErrCodeNotFound, Message: "not found", Err: err}
	}
	var ce *CoreError
	if errors.As(err, &ce) {
		return err
	}
	return internalError("internal error", err)
}

// serverError converts an error frame to a CoreError. Unknown codes are
// treated as rejections.
func serverError(code, msg string) *CoreError {
	switch code {
	case ErrCodeAccessDenied, ErrCodeNotFound, ErrCodeInvalidArgument, ErrCodeTooOld, ErrCodeTransientNetwork:
		return coreError(code, msg)
	}
	return &CoreError{Code: ErrCodeRejected, Message: msg}
}
