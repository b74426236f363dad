// Package apperrors maps domain errors onto the HTTP error envelope
// {"error":{"code","message","request_id","details"}}.
package apperrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/3leaps/geoxfer/pkg/callback"
	"github.com/3leaps/geoxfer/pkg/job"
	"github.com/3leaps/geoxfer/pkg/jobstore"
	"github.com/3leaps/geoxfer/pkg/manifest"
	"github.com/3leaps/geoxfer/pkg/orchestrator"
)

// Error codes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeDuplicateJob       = "DUPLICATE_JOB"
	CodeBusy               = "JOB_BUSY"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// HTTPErrorResponse is the error envelope.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody is the content of the envelope.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPError is an error that already knows its response.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *HTTPError) Unwrap() error { return e.Err }

// New creates an HTTPError.
func New(status int, code, message string) *HTTPError {
	return &HTTPError{Status: status, Code: code, Message: message}
}

// WithDetails attaches details and returns e.
func (e *HTTPError) WithDetails(details map[string]any) *HTTPError {
	e.Details = details
	return e
}

// BadRequest is a 400 with the error's text as message.
func BadRequest(err error) *HTTPError {
	return &HTTPError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: err.Error(), Err: err}
}

// NotFound is a 404.
func NotFound(message string) *HTTPError {
	return New(http.StatusNotFound, CodeNotFound, message)
}

// MethodNotAllowed is a 405.
func MethodNotAllowed(method string) *HTTPError {
	return New(http.StatusMethodNotAllowed, CodeMethodNotAllowed, fmt.Sprintf("method %s not allowed", method))
}

// ServiceUnavailable is a 503.
func ServiceUnavailable(message string) *HTTPError {
	return New(http.StatusServiceUnavailable, CodeServiceUnavailable, message)
}

// FromError classifies err.
func FromError(err error) *HTTPError {
	var he *HTTPError
	if errors.As(err, &he) {
		return he
	}
	var verrs manifest.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		problems := make([]map[string]any, 0, len(verrs))
		for _, v := range verrs {
			problems = append(problems, map[string]any{"path": v.Path, "message": v.Message})
		}
		return &HTTPError{
			Status:  http.StatusBadRequest,
			Code:    CodeValidationFailed,
			Message: "job manifest is invalid",
			Details: map[string]any{"errors": problems},
			Err:     err,
		}
	case callback.IsInvalid(err):
		return BadRequest(err)
	case jobstore.IsNotFound(err):
		return &HTTPError{Status: http.StatusNotFound, Code: CodeNotFound, Message: err.Error(), Err: err}
	case errors.Is(err, jobstore.ErrDuplicateJob):
		return &HTTPError{Status: http.StatusConflict, Code: CodeDuplicateJob, Message: err.Error(), Err: err}
	case errors.Is(err, orchestrator.ErrBusy):
		return &HTTPError{Status: http.StatusConflict, Code: CodeBusy, Message: err.Error(), Err: err}
	case errors.Is(err, job.ErrInvalidTransition), errors.Is(err, orchestrator.ErrNotResolvable):
		return &HTTPError{Status: http.StatusConflict, Code: CodeConflict, Message: err.Error(), Err: err}
	}
	return &HTTPError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "internal error", Err: err}
}

// RespondWithError writes the envelope for err.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	he := FromError(err)
	body := ErrorBody{Code: he.Code, Message: he.Message, Details: he.Details}
	if r != nil {
		body.RequestID = chimw.GetReqID(r.Context())
	}
	WriteError(w, he.Status, body)
}

// WriteError writes an envelope with the given status.
func WriteError(w http.ResponseWriter, status int, body ErrorBody) {
	WriteJSON(w, status, HTTPErrorResponse{Error: body})
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
