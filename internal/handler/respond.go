package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	appErr "github.com/samims/hakhel/internal/errors"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to status codes. Validation failures carry
// their field map in the body.
func writeError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	if verr, ok := appErr.AsValidation(err); ok {
		writeJSON(w, http.StatusUnprocessableEntity, verr)
		return
	}

	status := http.StatusInternalServerError
	switch {
	case appErr.IsNotFound(err):
		status = http.StatusNotFound
	case appErr.IsInvalidInput(err):
		status = http.StatusBadRequest
	case appErr.IsConflict(err), appErr.IsDuplicate(err):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		logger.Error(op+" failed", slog.Any("error", err))
		http.Error(w, "internal error", status)
		return
	}
	logger.Warn(op+" rejected", slog.Int("status", status), slog.Any("error", err))
	http.Error(w, err.Error(), status)
}

// decodeBody reads a JSON body. Type mismatches come back as validation
// errors on the offending field.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err == nil {
		return nil
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		verr := appErr.NewValidationError()
		verr.Add(typeErr.Field, "expected "+typeErr.Type.String())
		return verr
	}
	return appErr.NewInvalidInput("invalid request body: %v", err)
}

func int64Param(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, appErr.NewInvalidInput("invalid %s %q", name, raw)
	}
	return id, nil
}
