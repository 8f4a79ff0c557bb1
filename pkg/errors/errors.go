// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for Chimera.
package errors

import (
	stderrors "errors"
	"encoding/json"
	"fmt"
)

// ErrorCode classifies Chimera errors for retry policy and monitoring.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeValidation indicates a payload did not conform to a skill contract.
	// Never retried: a schema mismatch is a defect, not a transient fault.
	CodeValidation ErrorCode = "VALIDATION_ERROR"

	// CodeExecution indicates a skill failed while running. Retryable up to
	// the stage budget.
	CodeExecution ErrorCode = "EXECUTION_ERROR"

	// CodeTimeout indicates an invocation exceeded its time bound. Retryable;
	// the underlying work may still be running.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeConflict indicates an optimistic write lost the race on the shared
	// context store. The caller must re-read and retry the stage logic.
	CodeConflict ErrorCode = "CONFLICT"

	// CodeInvalidTransition indicates an illegal workflow state transition.
	// Always fatal to the call.
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// CodeFederationRejected indicates a peer declined a delegated task.
	CodeFederationRejected ErrorCode = "FEDERATION_REJECTED"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"
)

// ChimeraError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type ChimeraError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Recoverable bool
	StatusCode  int // For federation HTTP responses
}

// Error implements the error interface.
func (e *ChimeraError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *ChimeraError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *ChimeraError) MarshalJSON() ([]byte, error) {
	payload := map[string]interface{}{
		"message":     e.Error(),
		"code":        string(e.Code),
		"recoverable": e.Recoverable,
	}
	if e.Err != nil {
		payload["error"] = e.Err.Error()
	}
	if len(e.Context) > 0 {
		payload["context"] = e.Context
	}
	return json.Marshal(payload)
}

// New creates a new ChimeraError with the given code, message, and cause.
// Recoverability defaults from the code: execution, timeout, and conflict
// errors are recoverable, everything else is not.
func New(code ErrorCode, msg string, cause error) *ChimeraError {
	return &ChimeraError{
		Code:        code,
		Message:     msg,
		Err:         cause,
		Context:     make(map[string]interface{}),
		Recoverable: codeRecoverable(code),
		StatusCode:  codeToStatusCode(code),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *ChimeraError) WithContext(key string, value interface{}) *ChimeraError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRecoverable overrides whether the error can be recovered from.
func (e *ChimeraError) WithRecoverable(recoverable bool) *ChimeraError {
	e.Recoverable = recoverable
	return e
}

// AsChimeraError attempts to convert an error to a ChimeraError.
// Returns the error as ChimeraError if one is in the chain, or wraps it
// as internal otherwise.
func AsChimeraError(err error) *ChimeraError {
	if err == nil {
		return nil
	}
	var ce *ChimeraError
	if stderrors.As(err, &ce) {
		return ce
	}
	return New(CodeInternal, "wrapped error", err)
}

// Code returns the ErrorCode of err, or CodeInternal for untyped errors.
func Code(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ce *ChimeraError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return Code(err) == code
}

// codeRecoverable maps codes to their default retry disposition.
func codeRecoverable(code ErrorCode) bool {
	switch code {
	case CodeExecution, CodeTimeout, CodeConflict:
		return true
	default:
		return false
	}
}

// codeToStatusCode maps error codes to HTTP status codes for the
// federation surface.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeNotFound:
		return 404
	case CodeValidation:
		return 400
	case CodeTimeout:
		return 408
	case CodeConflict, CodeInvalidTransition:
		return 409
	case CodeFederationRejected:
		return 422
	default:
		return 500
	}
}
