package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kenneth/pngcrypt/internal/cache"
	"github.com/kenneth/pngcrypt/internal/pipeline"
	"github.com/kenneth/pngcrypt/internal/png"
)

// APIError represents an error response of the pngcrypt API.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Rule       string `json:"rule,omitempty"`
	Resource   string `json:"resource,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	HTTPStatus int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("pngcrypt error: %s - %s", e.Code, e.Message)
}

// WithResource returns a copy of e scoped to the given resource and request.
func (e *APIError) WithResource(resource, requestID string) *APIError {
	out := *e
	out.Resource = resource
	out.RequestID = requestID
	return &out
}

// WriteJSON writes the error response as a JSON document.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	data, err := json.Marshal(e)
	if err != nil {
		// Fallback to plain text if marshaling fails
		http.Error(w, e.Message, e.HTTPStatus)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	w.Write(data)
	w.Write([]byte("\n"))
}

// TranslateError maps pipeline and session errors to API errors.
func TranslateError(err error, resource string) *APIError {
	if err == nil {
		return nil
	}

	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return &APIError{
			Code:       "RequestTooLarge",
			Message:    fmt.Sprintf("Request body exceeds %d bytes", maxBytesErr.Limit),
			Resource:   resource,
			HTTPStatus: http.StatusRequestEntityTooLarge,
		}
	}
	if errors.Is(err, cache.ErrSessionNotFound) {
		return ErrNoSuchSession.WithResource(resource, "")
	}

	apiErr := &APIError{Message: err.Error(), Resource: resource}

	switch pipeline.ErrorType(err) {
	case "format":
		apiErr.Code = "MalformedImage"
		apiErr.HTTPStatus = http.StatusBadRequest
	case "validation":
		apiErr.Code = "InvalidImage"
		apiErr.HTTPStatus = http.StatusBadRequest
		var vErr *png.ValidationError
		if errors.As(err, &vErr) {
			apiErr.Rule = string(vErr.Rule)
		}
	case "unsupported":
		apiErr.Code = "UnsupportedImage"
		apiErr.HTTPStatus = http.StatusBadRequest
	case "corruption":
		apiErr.Code = "CorruptImage"
		apiErr.HTTPStatus = http.StatusUnprocessableEntity
	case "length_mismatch":
		apiErr.Code = "LengthMismatch"
		apiErr.HTTPStatus = http.StatusUnprocessableEntity
	case "key", "bundle":
		apiErr.Code = "InvalidKey"
		apiErr.HTTPStatus = http.StatusUnprocessableEntity
	case "canceled":
		apiErr.Code = "RequestCanceled"
		apiErr.HTTPStatus = http.StatusServiceUnavailable
	default:
		// Internal details stay in the logs
		apiErr.Code = "InternalError"
		apiErr.Message = "We encountered an internal error. Please try again."
		apiErr.HTTPStatus = http.StatusInternalServerError
	}
	return apiErr
}

// Predefined API errors
var (
	ErrInvalidMode = &APIError{
		Code:       "InvalidArgument",
		Message:    "The cipher mode must be ECB or CBC.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidKeySize = &APIError{
		Code:       "InvalidArgument",
		Message:    "The key size must be a multiple of 8, at least 16 bits, and no larger than the configured maximum.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrMissingSession = &APIError{
		Code:       "InvalidArgument",
		Message:    "The session parameter is required.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrNoSuchSession = &APIError{
		Code:       "NoSuchSession",
		Message:    "The specified session does not exist or has expired.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrSessionNotEncrypted = &APIError{
		Code:       "InvalidSessionState",
		Message:    "No image has been encrypted under the specified session.",
		HTTPStatus: http.StatusConflict,
	}
)
