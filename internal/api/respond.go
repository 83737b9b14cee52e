package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/MikeSquared-Agency/persona/internal/finetune"
	"github.com/MikeSquared-Agency/persona/internal/openai"
	"github.com/MikeSquared-Agency/persona/internal/store"
	"github.com/MikeSquared-Agency/persona/internal/synthesis"
	"github.com/MikeSquared-Agency/persona/internal/training"
	"github.com/MikeSquared-Agency/persona/internal/versions"
)

var errInvalid = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalid, fmt.Sprintf(format, args...))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errInvalid),
		errors.Is(err, finetune.ErrNotEnoughExamples),
		errors.Is(err, synthesis.ErrEmptyModification):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, versions.ErrVersionActive),
		errors.Is(err, versions.ErrVersionHasChildren),
		errors.Is(err, training.ErrInvalidTransition),
		errors.Is(err, finetune.ErrJobFinished):
		return http.StatusConflict
	case errors.Is(err, openai.ErrMissingAPIKey):
		return http.StatusPreconditionFailed
	}
	return http.StatusInternalServerError
}

// writeError maps err to a status code and a JSON {"error": "..."} body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return invalid("invalid JSON: %v", err)
	}
	return nil
}
