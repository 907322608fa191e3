// Package domainerrors defines the coded error type returned by every service.
//
// Services translate store sentinels and collaborator failures into an *Error
// carrying a Code. Transport layers map codes onto status codes; callers branch
// on HasCode rather than on message text.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error kind.
type Code string

// Infrastructure and request codes.
const (
	CodeInternal           Code = "internal_error"
	CodeBadRequest         Code = "bad_request"
	CodeValidation         Code = "validation_error"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeForbidden          Code = "forbidden"
	CodeUnauthorized       Code = "unauthorized"
	CodeTimeout            Code = "timeout"
	CodeInvariantViolation Code = "invariant_violation"
	CodeUnavailable        Code = "unavailable"
)

// Lending workflow codes.
const (
	CodeInvalidInput        Code = "invalid_input"
	CodeIncompleteData      Code = "incomplete_data"
	CodeVerificationFailed  Code = "verification_failed"
	CodePinExpired          Code = "pin_expired"
	CodePinMismatch         Code = "pin_mismatch"
	CodePinAttemptsExceeded Code = "pin_attempts_exceeded"
	CodeContractNotSendable Code = "contract_not_sendable"
	CodeDisbursementFailed  Code = "disbursement_failed"
	CodeInvalidTransition   Code = "invalid_transition"
)

// Error is a domain error with a code, a client-safe message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error with the given code.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode reports whether the outermost domain error in err's chain has code.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// Is is an alias of HasCode kept for handler readability.
func Is(err error, code Code) bool { return HasCode(err, code) }

// CodeOf returns the outermost domain code, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// MessageOf returns the client-safe message of the outermost domain error.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return ""
}
