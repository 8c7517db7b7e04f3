package cas

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// CAS failure codes.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeInvalidService = "INVALID_SERVICE"
	CodeInvalidTicket  = "INVALID_TICKET"
	CodeServerError    = "SERVER_ERROR"
)

// ClientError is a caller mistake answered with 400.
type ClientError struct {
	Status      int
	Code        string
	Description string
}

func (e *ClientError) Error() string { return e.Description }

// Response renders the error as a CAS failure envelope.
func (e *ClientError) Response() Response {
	return Failure(e.Code, e.Description)
}

// MissingParameter reports an absent or empty query parameter.
func MissingParameter(name string) *ClientError {
	return &ClientError{
		Status:      http.StatusBadRequest,
		Code:        CodeInvalidRequest,
		Description: "Missing required parameter: " + name,
	}
}

// UnrecognizedService reports a service URL with no registration.
func UnrecognizedService(service string) *ClientError {
	return &ClientError{
		Status:      http.StatusBadRequest,
		Code:        CodeInvalidService,
		Description: "Unrecognized service: " + service,
	}
}

// InvalidTicket reports a ticket the IDP refused. The upstream body is
// included as received.
func InvalidTicket(upstreamBody string) *ClientError {
	return &ClientError{
		Status:      http.StatusBadRequest,
		Code:        CodeInvalidTicket,
		Description: "IDP returned a non-successful response: " + upstreamBody,
	}
}

// ServerError hides an unexpected failure behind a correlation id. Only ID
// reaches the caller; Cause is for the server log.
type ServerError struct {
	ID    string
	Cause error
}

// NewServerError wraps cause with a fresh correlation id.
func NewServerError(cause error) *ServerError {
	return &ServerError{ID: uuid.NewString(), Cause: cause}
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %v", e.ID, e.Cause)
}

func (e *ServerError) Unwrap() error { return e.Cause }

// Description is the caller-visible text.
func (e *ServerError) Description() string { return "Error ID " + e.ID }

// Response renders the error as a CAS failure envelope.
func (e *ServerError) Response() Response {
	return Failure(CodeServerError, e.Description())
}
