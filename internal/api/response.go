package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medflow/booking-api/internal/apperr"
)

const maxBodyBytes = 1 << 20

// envelope is the shape of every response body.
type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Kind    apperr.Kind `json:"kind,omitempty"`
	Count   *int        `json:"count,omitempty"`
	Data    any         `json:"data,omitempty"`
	Detail  string      `json:"detail,omitempty"` // APP_DEBUG only
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Success: true, Message: message, Data: data})
}

func writeList[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	n := len(items)
	writeJSON(w, http.StatusOK, envelope{Success: true, Count: &n, Data: items})
}

// writeError maps err onto its HTTP status. Unexpected failures are logged with
// full detail and reach the client as a generic message unless debug is set.
func writeError(w http.ResponseWriter, r *http.Request, err error, debug bool) {
	kind := apperr.KindOf(err)
	env := envelope{Success: false, Kind: kind, Message: apperr.Message(err)}

	if kind == apperr.KindUnexpected {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		if debug {
			env.Detail = err.Error()
		}
	}
	writeJSON(w, apperr.HTTPStatus(kind), env)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validationf("request body is required")
		}
		return apperr.Validationf("could not parse JSON body")
	}
	return nil
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, apperr.Validationf("%s must be a valid UUID", name)
	}
	return id, nil
}
