// Package handlers implements the operator HTTP API.
package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/synergy-network/synergy-node/internal/api/errors"
	"github.com/synergy-network/synergy-node/pkg/logger"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	apierrors.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, r *http.Request, err *apierrors.APIError) {
	apierrors.WriteError(w, err.WithRequestID(chimiddleware.GetReqID(r.Context())))
}

// WriteBadRequest writes a 400 Bad Request response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, apierrors.NewValidationError(message))
}

// WriteNotFound writes a 404 Not Found response with optional details.
func WriteNotFound(w http.ResponseWriter, r *http.Request, message string, details map[string]any) {
	apiErr := apierrors.NewNotFoundError(message)
	if len(details) > 0 {
		apiErr = apiErr.WithDetails(details)
	}
	writeError(w, r, apiErr)
}

// WriteInternalError writes a 500 Internal Server Error response.
func WriteInternalError(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, apierrors.NewInternalError(message))
}

// writeDomainError maps a component error to its API error, logging and
// hiding anything unrecognised behind a 500.
func writeDomainError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error, action string) {
	if apiErr, ok := apierrors.FromDomain(err); ok {
		writeError(w, r, apiErr)
		return
	}
	logger.FromContext(r.Context(), log).Error("request failed", "action", action, "error", err)
	WriteInternalError(w, r, "Failed to "+action)
}

// decodeJSON strictly decodes a request body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}
