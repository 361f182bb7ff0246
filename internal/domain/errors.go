package domain

import "fmt"

// Error types for consistent error handling across both services.

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrExternalService indicates a failure in an external service call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrUpstreamAPI indicates a remote API answered with a non-success status.
// It is not retried in-line; the next sync cycle or redelivery retries it.
type ErrUpstreamAPI struct {
	Service    string
	Operation  string
	StatusCode int
	Body       string
}

func (e *ErrUpstreamAPI) Error() string {
	return fmt.Sprintf("%s %s returned status %d: %s", e.Service, e.Operation, e.StatusCode, e.Body)
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrInvalidState indicates a malformed, expired or replayed OAuth state.
type ErrInvalidState struct {
	Reason string
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("invalid state parameter: %s", e.Reason)
}

// ErrConflict indicates the operation collides with existing state.
type ErrConflict struct {
	Message string
}

func (e *ErrConflict) Error() string {
	return e.Message
}

// ErrCredentialsExpired indicates both the access and the refresh token of a
// connection are unusable. The user has to reconnect the bank.
type ErrCredentialsExpired struct {
	Connection string
}

func (e *ErrCredentialsExpired) Error() string {
	return fmt.Sprintf("credentials expired for connection %q: re-authentication required", e.Connection)
}

// ErrDecryption indicates a stored secret could not be decrypted.
type ErrDecryption struct {
	Reason string
	Err    error
}

func (e *ErrDecryption) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decryption failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decryption failed: %s", e.Reason)
}

func (e *ErrDecryption) Unwrap() error {
	return e.Err
}

// HTTPStatus exposes the upstream status to the circuit breaker.
func (e *ErrUpstreamAPI) HTTPStatus() int {
	return e.StatusCode
}
