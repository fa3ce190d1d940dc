// Package kernelerrors provides the kernel's unified error taxonomy
// (spec.md §7): validation, not-found, conflict, compile failure, resource
// exhaustion, permission denial, transient I/O, and invariant violation.
package kernelerrors

import (
	"fmt"
)

// Code identifies one of the taxonomy classes from spec.md §7.
type Code string

const (
	CodeValidation         Code = "VALIDATION"
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodeCompileFailure     Code = "COMPILE_FAILURE"
	CodeResourceExhausted  Code = "RESOURCE_EXHAUSTED"
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodeTransientIO        Code = "TRANSIENT_IO"
	CodeInvariantViolation Code = "INVARIANT_VIOLATION"
)

// Retryable reports whether the taxonomy class is retryable per spec.md §7.
func (c Code) Retryable() bool {
	switch c {
	case CodeResourceExhausted, CodeTransientIO:
		return true
	default:
		return false
	}
}

// KernelError is a structured error carrying a taxonomy code, a message, and
// an optional wrapped cause and detail map.
type KernelError struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *KernelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *KernelError) Unwrap() error {
	return e.Err
}

// WithDetail attaches a detail key/value and returns the receiver for
// chaining.
func (e *KernelError) WithDetail(key string, value interface{}) *KernelError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New builds a KernelError with no wrapped cause.
func New(code Code, message string) *KernelError {
	return &KernelError{Code: code, Message: message}
}

// Wrap builds a KernelError around an existing error.
func Wrap(code Code, message string, err error) *KernelError {
	return &KernelError{Code: code, Message: message, Err: err}
}

// Constructors mirroring the taxonomy entries named in spec.md §7.

func NotFound(resource, id string) *KernelError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource)).WithDetail("id", id)
}

func AlreadyRegistered(tenantID, serviceID string) *KernelError {
	return New(CodeConflict, "service already registered").
		WithDetail("tenant_id", tenantID).
		WithDetail("service_id", serviceID)
}

func InvalidInput(field, reason string) *KernelError {
	return New(CodeValidation, "invalid input").
		WithDetail("field", field).
		WithDetail("reason", reason)
}

func CompileFailed(err error) *KernelError {
	return Wrap(CodeCompileFailure, "source did not compile", err)
}

func ResourceExhausted(reason string) *KernelError {
	return New(CodeResourceExhausted, reason)
}

func CircuitOpen(tenantID, serviceID string) *KernelError {
	return New(CodeResourceExhausted, "circuit breaker open").
		WithDetail("tenant_id", tenantID).
		WithDetail("service_id", serviceID)
}

func PermissionDenied(reason string) *KernelError {
	return New(CodePermissionDenied, reason)
}

func TransientIO(op string, err error) *KernelError {
	return Wrap(CodeTransientIO, fmt.Sprintf("transient I/O failure during %s", op), err)
}

func InvariantViolation(reason string) *KernelError {
	return New(CodeInvariantViolation, reason)
}

// Is reports whether err (or any error it wraps) is a KernelError of code.
func Is(err error, code Code) bool {
	for err != nil {
		if ke, ok := err.(*KernelError); ok && ke.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
