// Package apperr defines the error taxonomy the HTTP layer maps to status codes.
package apperr

import "fmt"

// ValidationError marks missing or malformed client input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func Validation(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// AuthError marks a bad or expired bearer token, or exhausted gateway
// credential retries.
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string { return e.Msg }

func Auth(format string, args ...any) *AuthError {
	return &AuthError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError marks an unknown user, transaction, or gateway reference.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Key)
}

func NotFound(resource, key string) *NotFoundError {
	return &NotFoundError{Resource: resource, Key: key}
}

// UpstreamError marks a gateway call that failed after internal retries.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("gateway %s failed: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func Upstream(op string, err error) *UpstreamError {
	return &UpstreamError{Op: op, Err: err}
}

// PartialFailureError marks a transaction finalized as COMPLETED whose
// entitlement write failed. Callers must still acknowledge the trigger;
// the error exists so it can be logged at high severity and alerted on.
type PartialFailureError struct {
	TransactionID uint
	UserID        string
	Err           error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("transaction %d completed but entitlement update for user %s failed: %v",
		e.TransactionID, e.UserID, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }
