// Package errors defines the service error taxonomy and the HTTP error
// envelope shared by every endpoint.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/3leaps/goqueue/pkg/record"
	"github.com/3leaps/goqueue/pkg/registry"
	"github.com/3leaps/goqueue/pkg/supervisor"
)

// Stable error codes returned in HTTP envelopes.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeDuplicateJob       = "DUPLICATE_JOB"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeJobNotTerminal     = "JOB_NOT_TERMINAL"
	CodeQueueFull          = "QUEUE_FULL"
	CodeUnknownJobType     = "UNKNOWN_JOB_TYPE"
	CodeValidationError    = "VALIDATION_ERROR"
	CodeDecodeError        = "DECODE_ERROR"
	CodeStorageError       = "STORAGE_ERROR"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// HTTPError is the inner error object of the envelope.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the JSON envelope written for every error status.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// ValidationError marks a request that failed input validation.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validation builds a ValidationError.
func Validation(msg string) error { return &ValidationError{Msg: msg} }

// Classify maps a service error to its stable code and HTTP status.
// Unrecognized errors are reported as internal.
func Classify(err error) (code string, status int) {
	var (
		ite *registry.InvalidTransitionError
		se  *registry.StorageError
		de  *record.DecodeError
		ve  *ValidationError
	)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return CodeNotFound, http.StatusNotFound
	case errors.Is(err, registry.ErrDuplicateJob):
		return CodeDuplicateJob, http.StatusConflict
	case errors.Is(err, registry.ErrJobNotTerminal):
		return CodeJobNotTerminal, http.StatusConflict
	case errors.Is(err, supervisor.ErrQueueFull):
		return CodeQueueFull, http.StatusTooManyRequests
	case errors.Is(err, supervisor.ErrUnknownJobType):
		return CodeUnknownJobType, http.StatusBadRequest
	case errors.As(err, &ite):
		return CodeInvalidTransition, http.StatusConflict
	case errors.As(err, &de):
		return CodeDecodeError, http.StatusBadRequest
	case errors.As(err, &ve):
		return CodeValidationError, http.StatusBadRequest
	case errors.As(err, &se):
		return CodeStorageError, http.StatusInternalServerError
	default:
		return CodeInternalError, http.StatusInternalServerError
	}
}

// RespondWithError classifies err and writes the standard envelope. The
// request id is taken from the X-Request-ID response header, which the
// request id middleware sets before handlers run.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := Classify(err)
	resp := HTTPErrorResponse{Error: HTTPError{
		Code:      code,
		Message:   err.Error(),
		RequestID: w.Header().Get("X-Request-ID"),
	}}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
