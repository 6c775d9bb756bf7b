// Package errors provides the application error type and the error taxonomy
// shared by the execution, event and checkpoint subsystems.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"

	ErrCodeUnsupportedEngine         = "UNSUPPORTED_ENGINE"
	ErrCodeSpawnFailed               = "SPAWN_FAILED"
	ErrCodeProcessCrashed            = "PROCESS_CRASHED"
	ErrCodeCancelTimedOut            = "CANCEL_TIMED_OUT"
	ErrCodeCheckpointWriteFailed     = "CHECKPOINT_WRITE_FAILED"
	ErrCodeCheckpointRestoreConflict = "CHECKPOINT_RESTORE_CONFLICT"
	ErrCodeSubscriberOverrun         = "SUBSCRIBER_OVERRUN"
)

// Sentinels for errors.Is. Any AppError with the same code matches.
var (
	ErrNotFound                  = &AppError{Code: ErrCodeNotFound, HTTPStatus: http.StatusNotFound}
	ErrBadRequest                = &AppError{Code: ErrCodeBadRequest, HTTPStatus: http.StatusBadRequest}
	ErrConflict                  = &AppError{Code: ErrCodeConflict, HTTPStatus: http.StatusConflict}
	ErrUnsupportedEngine         = &AppError{Code: ErrCodeUnsupportedEngine, HTTPStatus: http.StatusBadRequest}
	ErrSpawnFailed               = &AppError{Code: ErrCodeSpawnFailed, HTTPStatus: http.StatusUnprocessableEntity}
	ErrProcessCrashed            = &AppError{Code: ErrCodeProcessCrashed, HTTPStatus: http.StatusInternalServerError}
	ErrCancelTimedOut            = &AppError{Code: ErrCodeCancelTimedOut, HTTPStatus: http.StatusOK}
	ErrCheckpointWriteFailed     = &AppError{Code: ErrCodeCheckpointWriteFailed, HTTPStatus: http.StatusInternalServerError}
	ErrCheckpointRestoreConflict = &AppError{Code: ErrCodeCheckpointRestoreConflict, HTTPStatus: http.StatusConflict}
	ErrSubscriberOverrun         = &AppError{Code: ErrCodeSubscriberOverrun, HTTPStatus: http.StatusServiceUnavailable}
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.HTTPStatus)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError carrying the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func newError(sentinel *AppError, message string, err error) *AppError {
	return &AppError{
		Code:       sentinel.Code,
		Message:    message,
		HTTPStatus: sentinel.HTTPStatus,
		Err:        err,
	}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return newError(ErrNotFound, fmt.Sprintf("%s with id '%s' not found", resource, id), nil)
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return newError(ErrBadRequest, message, nil)
}

// ValidationError creates a bad request error for a specific field.
func ValidationError(field string, message string) *AppError {
	return newError(ErrBadRequest, fmt.Sprintf("validation failed for field '%s': %s", field, message), nil)
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return newError(ErrConflict, message, nil)
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// UnsupportedEngine is returned when no command builder exists for an engine id.
func UnsupportedEngine(engineID string) *AppError {
	return newError(ErrUnsupportedEngine, fmt.Sprintf("unsupported engine %q", engineID), nil)
}

// SpawnFailed reports a process that could not be started.
func SpawnFailed(reason string, err error) *AppError {
	return newError(ErrSpawnFailed, reason, err)
}

// ProcessCrashed reports a non-zero exit or a signal death.
func ProcessCrashed(detail string) *AppError {
	return newError(ErrProcessCrashed, detail, nil)
}

// CancelTimedOut reports that the grace period expired and a forced kill was used.
func CancelTimedOut(detail string) *AppError {
	return newError(ErrCancelTimedOut, detail, nil)
}

// CheckpointWriteFailed wraps a failed checkpoint persistence step.
func CheckpointWriteFailed(step string, err error) *AppError {
	return newError(ErrCheckpointWriteFailed, step, err)
}

// CheckpointRestoreConflict is returned when restoring into a running session.
func CheckpointRestoreConflict(sessionID string) *AppError {
	return newError(ErrCheckpointRestoreConflict,
		fmt.Sprintf("session '%s' is running; cancel it before restoring", sessionID), nil)
}

// SubscriberOverrun reports a consumer disconnected for falling behind.
func SubscriberOverrun(consumerID, sessionID string) *AppError {
	return newError(ErrSubscriberOverrun,
		fmt.Sprintf("consumer '%s' fell behind on session '%s'", consumerID, sessionID), nil)
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return InternalError(message, err)
}

// HTTPStatus returns the status to use for err in an HTTP response.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Code returns the AppError code carried by err, or ErrCodeInternalError.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
