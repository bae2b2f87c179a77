package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"outdial/internal/calls"
	"outdial/internal/engine"
	"outdial/internal/tenant"
	"outdial/internal/throttle"
)

// envelope is the response wrapper: { "data": ..., "error": ... }. A failed
// Place Call carries both when the call record was created.
type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeEnvelope(w, status, envelope{Error: msg})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest), errors.Is(err, calls.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, calls.ErrNotFound), errors.Is(err, tenant.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tenant.ErrInvalidConfig):
		return http.StatusConflict
	case errors.Is(err, throttle.ErrLimitReached):
		return http.StatusTooManyRequests
	case errors.Is(err, engine.ErrOriginateRejected):
		return http.StatusBadGateway
	case errors.Is(err, engine.ErrSwitchUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}
