// Package httputil provides HTTP handler utilities for consistent error
// handling and JSON encoding, including the mapping from the policy
// engine's error taxonomy to status codes.
package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/permsync/permsync/pkg/rbac"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// WriteError writes a JSON error response, mapping the policy engine's
// error taxonomy onto status codes: conflicts are 409, missing roles 404,
// bad input 400, and provenance violations 403. Anything else is a 500.
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rbac.ErrConflict):
		WriteErrorMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, rbac.ErrNotFound):
		WriteErrorMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, rbac.ErrInput):
		WriteErrorMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, rbac.ErrNotAllowed):
		WriteErrorMessage(w, http.StatusForbidden, err.Error())
	default:
		WriteErrorMessage(w, http.StatusInternalServerError, err.Error())
	}
}

// WriteCreated writes a successful creation response (201 Created)
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteSuccess writes a successful response (200 OK)
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteNoContent writes a successful response with no content (204)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// DecodeJSON reads the request body into dst, rejecting unknown fields
func DecodeJSON(r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("failed to decode request body: %w", err)
	}
	return nil
}
