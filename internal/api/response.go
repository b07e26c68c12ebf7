package api

import (
	"encoding/json"
	"net/http"
)

// envelope is the standard JSON response wrapper.
//
// Success:  {"data": <payload>}
// Error:    {"error": {"message": "..."}}
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

type errorResponse struct {
	Message string `json:"message"`
}

// ErrNotFound writes a 404 with the given message.
func ErrNotFound(w http.ResponseWriter, message string) {
	JSON(w, http.StatusNotFound, envelope{"error": errorResponse{Message: message}})
}

// ErrInternal writes a generic 500.
func ErrInternal(w http.ResponseWriter) {
	JSON(w, http.StatusInternalServerError, envelope{"error": errorResponse{Message: "internal error"}})
}
