// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/vidforge/vidforge/internal/types"
)

// errorBody is the uniform error envelope of every non-2xx JSON response.
type errorBody struct {
	Error      string          `json:"error"`
	ErrorKind  types.ErrorKind `json:"error_kind,omitempty"`
	Violations []string        `json:"violations,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeValidationError writes a 400 listing every violation at once.
func writeValidationError(w http.ResponseWriter, violations []string) {
	writeJSON(w, http.StatusBadRequest, errorBody{
		Error:      "invalid parameters",
		ErrorKind:  types.ErrorKindValidation,
		Violations: violations,
	})
}

// writeBadRequest writes a generic 400 response
func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, ErrorKind: types.ErrorKindValidation})
}

// writeNotFound writes a 404 Not Found response
func writeNotFound(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusNotFound, errorBody{Error: msg})
}

// writeConflict writes a 409 Conflict response
func writeConflict(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusConflict, errorBody{Error: msg})
}

// writeServiceUnavailable writes a 503 Service Unavailable response
func writeServiceUnavailable(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusServiceUnavailable, errorBody{
		Error:     err.Error(),
		ErrorKind: types.ErrorKindStoreUnavailable,
	})
}

// writeInternalError writes a 500 without leaking internals.
func writeInternalError(w http.ResponseWriter) {
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
}
