// Package errors provides the JSON error envelope used by the status server.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Error codes.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeBadRequest         = "BAD_REQUEST"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// HTTPError is the body of an error response.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse wraps HTTPError as {"error": {...}}.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// AppError is an error that knows its HTTP status and envelope code.
type AppError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of e carrying details.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

func NewNotFound(message string) *AppError {
	return &AppError{Status: http.StatusNotFound, Code: CodeNotFound, Message: message}
}

func NewMethodNotAllowed(message string) *AppError {
	return &AppError{Status: http.StatusMethodNotAllowed, Code: CodeMethodNotAllowed, Message: message}
}

func NewBadRequest(message string) *AppError {
	return &AppError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: message}
}

func NewServiceUnavailable(message string) *AppError {
	return &AppError{Status: http.StatusServiceUnavailable, Code: CodeServiceUnavailable, Message: message}
}

// NewExternalServiceError reports a failing dependency such as the execution
// service.
func NewExternalServiceError(message string) *AppError {
	return &AppError{Status: http.StatusBadGateway, Code: CodeExternalService, Message: message}
}

// WrapInternal wraps err as a 500. Context cancellation is kept visible
// through Unwrap.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	details := map[string]any(nil)
	if ctx != nil {
		if id := chimw.GetReqID(ctx); id != "" {
			details = map[string]any{"request_id": id}
		}
	}
	return &AppError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: message, Details: details, Err: err}
}

// RespondWithError writes err as a JSON envelope. Errors that are not an
// *AppError become 500s without leaking their text.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		appErr = &AppError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "internal server error", Err: err}
	}

	body := HTTPErrorResponse{Error: HTTPError{
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	}}
	if r != nil {
		body.Error.RequestID = chimw.GetReqID(r.Context())
	}
	WriteJSON(w, appErr.Status, body)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
