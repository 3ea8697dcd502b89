package execution

import (
	"errors"
	"fmt"
)

// Sentinel errors for execution service operations.
var (
	// ErrNotFound indicates the job, queue or definition does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidRequest indicates the service rejected the request parameters.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrThrottled indicates the request was rate limited.
	ErrThrottled = errors.New("request throttled")

	// ErrUnavailable indicates the service failed or could not be reached.
	ErrUnavailable = errors.New("service unavailable")
)

// GatewayError wraps service-specific errors with context.
type GatewayError struct {
	// Op is the operation that failed (e.g., "SubmitJob").
	Op string

	// Service names the backend (e.g., "batch").
	Service string

	// Resource is the job id, queue or definition involved, if any.
	Resource string

	// Err is the underlying error.
	Err error
}

func (e *GatewayError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Service, e.Op, e.Resource, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether retrying the same call later may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrUnavailable)
}
