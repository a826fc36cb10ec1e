package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"scriptgate.org/internal/auth"
	"scriptgate.org/internal/keys"
	"scriptgate.org/internal/model"
	"scriptgate.org/internal/obs"
)

// handleServiceError maps domain errors to status codes. Every failure body
// carries "changed": false since services roll back before returning errors.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, keys.ErrPendingExpired):
		code, msg = http.StatusGone, err.Error()
	case errors.Is(err, model.ErrInvalidInput):
		code, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, auth.ErrUnauthorized):
		code, msg = http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, model.ErrNotFound):
		code, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, model.ErrAlreadyExists),
		errors.Is(err, model.ErrInvalidState),
		errors.Is(err, model.ErrIdentityConflict):
		code, msg = http.StatusConflict, err.Error()
	case errors.Is(err, model.ErrRestoreAborted):
		code, msg = http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, model.ErrAuthorityUnavailable):
		code, msg = http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, keys.ErrCodeSpaceExhausted):
		code, msg = http.StatusServiceUnavailable, err.Error()
	default:
		obs.Error("request_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err,
		})
	}
	writeErrorBody(w, r, code, map[string]any{"error": msg, "changed": false})
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorBody(w, r, code, map[string]any{"error": msg})
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, code int, payload map[string]any) {
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(name, raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if val < min || val > max {
		return 0, fmt.Errorf("%s must be between %d and %d", name, min, max)
	}
	return val, nil
}
