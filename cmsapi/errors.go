package cmsapi

import (
	"encoding/json"
	"fmt"
)

// APIError carries the remote error envelope ({err, code, msg, details?}).
// Message is the remote msg verbatim; Code is the HTTP status unless the
// envelope supplied a more specific application code.
type APIError struct {
	Code    int
	Message string
	Details json.RawMessage
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("cmsapi: remote error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("cmsapi: remote error %d", e.Code)
}

// Temporary reports whether the error is retryable (5xx). 4xx responses are
// terminal and never retried.
func (e *APIError) Temporary() bool { return e.Code >= 500 }

// ErrTimeout is returned when a single call exceeds its per-call timeout.
// Distinct from ErrNetwork so callers can account timeouts separately.
type ErrTimeout struct {
	Method string
	Path   string
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("cmsapi: call timeout: %s %s", e.Method, e.Path)
}

// ErrNetwork wraps a transport-level failure (connection refused, reset,
// DNS). Always retryable.
type ErrNetwork struct {
	Method string
	Path   string
	Cause  error
}

func (e *ErrNetwork) Error() string {
	return fmt.Sprintf("cmsapi: network error: %s %s: %v", e.Method, e.Path, e.Cause)
}

func (e *ErrNetwork) Unwrap() error { return e.Cause }

// ErrValidation is a 400 carrying field-level detail from the remote
// validation layer. Terminal.
type ErrValidation struct {
	Message string
	Fields  map[string]string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("cmsapi: validation failed: %s", e.Message)
}

// retryable reports whether the executor's backoff loop should retry err.
func retryable(err error) bool {
	switch e := err.(type) {
	case *ErrNetwork, *ErrTimeout:
		return true
	case *APIError:
		return e.Temporary()
	}
	return false
}
