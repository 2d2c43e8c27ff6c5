// Package mesh composes the registry, health checker, circuit breakers,
// rate limiter, load balancer and connection pools behind a single
// manager facade.
package mesh

import (
	"errors"
	"fmt"
)

// Sentinel errors for mesh operations.
var (
	// ErrServiceNotFound indicates the service is not registered.
	ErrServiceNotFound = errors.New("service not found")

	// ErrServiceAlreadyRegistered indicates a duplicate registration
	// without replace.
	ErrServiceAlreadyRegistered = errors.New("service already registered")

	// ErrInvalidService indicates a registration that failed validation.
	ErrInvalidService = errors.New("invalid service definition")

	// ErrServiceUnavailable indicates no routable endpoint exists for the
	// service right now.
	ErrServiceUnavailable = errors.New("no available endpoint")

	// ErrCircuitOpen indicates the selected endpoint's breaker rejected
	// the call.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrRateLimited indicates the caller exceeded its rate limit.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrPoolExhausted indicates no pooled connection freed up in time.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrManagerClosed indicates the manager has been stopped.
	ErrManagerClosed = errors.New("mesh manager closed")
)

// MeshError carries the failing operation and subject alongside the
// underlying cause.
type MeshError struct {
	Op       string // Operation that failed
	Service  string // Service ID if applicable
	Endpoint string // Endpoint ID if applicable
	Message  string // Human-readable message
	Cause    error  // Underlying error
}

// Error implements the error interface.
func (e *MeshError) Error() string {
	if e.Service != "" && e.Endpoint != "" {
		return e.formatWithServiceAndEndpoint()
	}
	if e.Service != "" {
		return e.formatWithService()
	}
	return e.formatBasic()
}

func (e *MeshError) formatWithServiceAndEndpoint() string {
	if e.Cause != nil {
		return fmt.Sprintf("mesh error [%s] service=%s endpoint=%s: %s: %v",
			e.Op, e.Service, e.Endpoint, e.Message, e.Cause)
	}
	return fmt.Sprintf("mesh error [%s] service=%s endpoint=%s: %s",
		e.Op, e.Service, e.Endpoint, e.Message)
}

func (e *MeshError) formatWithService() string {
	if e.Cause != nil {
		return fmt.Sprintf("mesh error [%s] service=%s: %s: %v",
			e.Op, e.Service, e.Message, e.Cause)
	}
	return fmt.Sprintf("mesh error [%s] service=%s: %s", e.Op, e.Service, e.Message)
}

func (e *MeshError) formatBasic() string {
	if e.Cause != nil {
		return fmt.Sprintf("mesh error [%s]: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("mesh error [%s]: %s", e.Op, e.Message)
}

// Unwrap returns the underlying error.
func (e *MeshError) Unwrap() error {
	return e.Cause
}

// NewMeshError creates a new MeshError.
func NewMeshError(op, service, endpoint, message string, cause error) *MeshError {
	return &MeshError{
		Op:       op,
		Service:  service,
		Endpoint: endpoint,
		Message:  message,
		Cause:    cause,
	}
}

// IsMeshError checks if an error is a MeshError.
func IsMeshError(err error) bool {
	var meshErr *MeshError
	return errors.As(err, &meshErr)
}

// IsUnavailable checks if an error means no endpoint could serve the call.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrCircuitOpen)
}

// IsRetryable reports whether the call may succeed against another
// endpoint or after backing off.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, ErrRateLimited)
}
