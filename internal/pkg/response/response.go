// Package response provides JSON response helpers for API handlers.
package response

import (
	"encoding/json"
	"net/http"

	apierrors "github.com/unica-wb/backend/internal/pkg/errors"
)

// Response is the envelope every JSON endpoint writes. Exactly one of Data
// and Error is set.
type Response struct {
	Data  any `json:"data,omitempty"`
	Error any `json:"error,omitempty"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Response{Data: data}); err != nil {
		// Headers are already out; best effort from here.
		http.Error(w, `{"error":{"code":"internal_error","message":"Failed to encode response"}}`, http.StatusInternalServerError)
	}
}

// OK writes a 200 OK response.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Error writes an error response, deriving the status from the APIError.
func Error(w http.ResponseWriter, err error) {
	apiErr := apierrors.AsAPIError(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.StatusCode)
	json.NewEncoder(w).Encode(Response{Error: apiErr})
}

// NotFound writes a 404 Not Found error response.
func NotFound(w http.ResponseWriter, resource string) {
	Error(w, apierrors.NewNotFoundError(resource))
}

// InternalError writes a 500 Internal Server Error response.
func InternalError(w http.ResponseWriter) {
	Error(w, apierrors.ErrInternal)
}
