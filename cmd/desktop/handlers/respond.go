// Package handlers provides REST API handlers for the sync engine.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	apperrors "github.com/dukanx/backend/internal/errors"
	"github.com/dukanx/backend/internal/logging"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode response", err)
	}
}

// writeError maps an error code to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrInvalidTransition, apperrors.ErrStateConflict, apperrors.ErrDuplicate:
		status = http.StatusConflict
	case apperrors.ErrNotInitialized, apperrors.ErrSyncNotConfigured:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: string(code)})
}

// limitParam reads ?limit=, falling back to def.
func limitParam(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.Newf(apperrors.ErrInvalid, "invalid limit %q", raw)
	}
	return n, nil
}
