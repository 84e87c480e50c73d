package json

import (
	"encoding/json"
	"net/http"

	"github.com/dgellow/oidc-front/internal/log"
)

// ErrorResponse is the OAuth-style JSON error body used by every endpoint.
type ErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// WriteResponse writes a JSON response with the given status code
func WriteResponse(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.LogError("Failed to encode JSON response: %v", err)
		return err
	}
	return nil
}

// Write writes a JSON response with 200 OK status
func Write(w http.ResponseWriter, data any) error {
	return WriteResponse(w, http.StatusOK, data)
}

// WriteError writes a JSON error response
func WriteError(w http.ResponseWriter, statusCode int, errorCode string, description string) {
	response := ErrorResponse{
		Error:       errorCode,
		Description: description,
	}

	if err := WriteResponse(w, statusCode, response); err != nil {
		// Fallback to plain text error if JSON encoding fails
		http.Error(w, errorCode+": "+description, statusCode)
	}
}

// WriteRaw relays a pre-encoded JSON payload verbatim. Token and error payloads
// produced by the decision engine are passed through without reinterpretation.
func WriteRaw(w http.ResponseWriter, statusCode int, payload string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	if _, err := w.Write([]byte(payload)); err != nil {
		log.LogError("Failed to write JSON payload: %v", err)
	}
}

// Common error responses

func WriteInvalidRequest(w http.ResponseWriter, description string) {
	WriteError(w, http.StatusBadRequest, "invalid_request", description)
}

func WriteBadRequest(w http.ResponseWriter, errorCode string, description string) {
	WriteError(w, http.StatusBadRequest, errorCode, description)
}

func WriteForbidden(w http.ResponseWriter, errorCode string, description string) {
	WriteError(w, http.StatusForbidden, errorCode, description)
}

func WriteServerError(w http.ResponseWriter, description string) {
	WriteError(w, http.StatusInternalServerError, "server_error", description)
}
