package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/pavelanni/bloomgen/internal/i18n"
	"github.com/pavelanni/bloomgen/internal/model"
)

const maxBodyBytes = 1 << 20

const (
	kindUnauthorized = "unauthorized"
	kindInternal     = "internal_error"
)

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Slot    *int   `json:"slot,omitempty"`
}

type errorResponse struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

// messageIDs maps each kind to its localized message.
var messageIDs = map[model.Kind]string{
	model.KindValidation:             "ErrValidation",
	model.KindUnknownUnit:            "ErrUnknownUnit",
	model.KindInvalidBloomLevel:      "ErrInvalidBloomLevel",
	model.KindGenerationTimeout:      "ErrGenerationTimeout",
	model.KindGenerationFailed:       "ErrGenerationFailed",
	model.KindPersistence:            "ErrPersistence",
	model.KindUnsatisfiableBlueprint: "ErrUnsatisfiableBlueprint",
	model.KindNotFound:               "ErrNotFound",
	model.KindUnavailable:            "ErrUnavailable",
}

func statusForKind(k model.Kind) int {
	switch {
	case k.IsValidation():
		return http.StatusBadRequest
	case k == model.KindNotFound:
		return http.StatusNotFound
	case k == model.KindGenerationTimeout:
		return http.StatusGatewayTimeout
	case k == model.KindGenerationFailed:
		return http.StatusUnprocessableEntity
	case k == model.KindUnsatisfiableBlueprint:
		return http.StatusConflict
	case k == model.KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError maps err to a status and a localized structured body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var de *model.Error
	if !errors.As(err, &de) {
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errorBody{
			Kind:    kindInternal,
			Message: appI18n.T(r.Context(), "ErrInternal"),
		}})
		return
	}

	status := statusForKind(de.Kind)
	detail := de.Message
	if err != error(de) {
		// Keep context added by wrapping, such as the batch index.
		detail = err.Error()
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "kind", de.Kind, "error", err)
	} else {
		slog.Info("request rejected", "path", r.URL.Path, "kind", de.Kind, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: errorBody{
		Kind:    string(de.Kind),
		Message: appI18n.Td(r.Context(), messageIDs[de.Kind], map[string]any{"Detail": detail}),
		Field:   de.Field,
		Slot:    de.Slot,
	}})
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Basic realm="bloomgen reviewers"`)
	writeJSON(w, http.StatusUnauthorized, errorResponse{Error: errorBody{
		Kind:    kindUnauthorized,
		Message: appI18n.T(r.Context(), "ErrUnauthorized"),
	}})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return model.FieldError(model.KindValidation, "body", "invalid JSON body: "+err.Error())
	}
	return nil
}

func idParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		return 0, model.FieldError(model.KindValidation, "id", "id must be a positive integer")
	}
	return id, nil
}

// intQuery parses an optional integer query parameter.
func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, model.FieldError(model.KindValidation, name, name+" must be an integer")
	}
	return v, nil
}
