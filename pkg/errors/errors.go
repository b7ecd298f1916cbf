package errors

import (
	stderrors "errors"
	"fmt"
)

// Code is a standardized, machine-readable error category.
type Code string

const (
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeAlreadyExists      Code = "ALREADY_EXISTS"
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodeResourceLocked     Code = "RESOURCE_LOCKED"
	CodeUnavailable        Code = "UNAVAILABLE"
	CodeVersionMismatch    Code = "VERSION_MISMATCH"
	CodeInternal           Code = "INTERNAL"
)

// AppError is the standard error type carrying a Code, a human-readable
// message, and an optional underlying cause.
type AppError struct {
	Code    Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches AppErrors by Code and Message so that callers can compare against
// sentinel errors built with New(code, ...); sentinels that share a code stay
// distinguishable.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if stderrors.As(target, &t) {
		return e.Code == t.Code && e.Message == t.Message
	}
	return false
}

// New creates an AppError with the given code, message, and optional cause.
func New(code Code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Newf creates an AppError with a formatted message and no cause.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a message, keeping the code if err is already an
// AppError and defaulting to INTERNAL otherwise.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return &AppError{Code: CodeOf(err), Message: message, Err: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// CodeOf extracts the Code of err, or INTERNAL for plain errors.
func CodeOf(err error) Code {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Is and As re-export the standard library helpers so callers don't need two
// errors imports.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
