// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for Custos.
package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode classifies Custos errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeCommandFailure indicates a shell or orchestration command failed.
	CodeCommandFailure ErrorCode = "COMMAND_FAILURE"

	// CodeProbeFailure indicates a health probe exhausted its retries.
	CodeProbeFailure ErrorCode = "PROBE_FAILURE"

	// CodeStoreError indicates an audit-store persistence error.
	CodeStoreError ErrorCode = "STORE_ERROR"

	// CodeUpdateConflict indicates an update or rollback is already running.
	CodeUpdateConflict ErrorCode = "UPDATE_CONFLICT"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeUnauthorized indicates authorization failed.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
)

// CustosError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type CustosError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Recoverable bool
	StatusCode  int // for HTTP responses
}

// Error implements the error interface.
func (e *CustosError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *CustosError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *CustosError) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		Message     string                 `json:"message"`
		Code        string                 `json:"code"`
		Err         string                 `json:"error,omitempty"`
		Recoverable bool                   `json:"recoverable"`
		Context     map[string]interface{} `json:"context,omitempty"`
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Err:         fmt.Sprintf("%v", e.Err),
		Recoverable: e.Recoverable,
		Context:     e.Context,
	})
}

// New creates a new CustosError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *CustosError {
	return &CustosError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		StatusCode: codeToStatusCode(code),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *CustosError) WithContext(key string, value interface{}) *CustosError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *CustosError) WithRecoverable(recoverable bool) *CustosError {
	e.Recoverable = recoverable
	return e
}

// AsCustosError attempts to convert an error to a CustosError.
// Returns the error as CustosError if it is one, or wraps it otherwise.
func AsCustosError(err error) *CustosError {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*CustosError); ok {
		return ce
	}
	return New(CodeInternal, "wrapped error", err)
}

// codeToStatusCode maps error codes to HTTP status codes.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeNotFound:
		return 404
	case CodeUnauthorized:
		return 401
	case CodeInvalidInput:
		return 400
	case CodeTimeout:
		return 408
	case CodeUpdateConflict:
		return 409
	default:
		return 500
	}
}
