package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/example/ride-dispatch/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// writeError maps the error taxonomy onto HTTP statuses. Anything outside
// the taxonomy is a 500 and the detail stays in the log, not the response.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	kind := apperr.KindOf(err)
	var status int
	switch kind {
	case apperr.KindInvalid:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindUnavailable:
		status = http.StatusServiceUnavailable
	default:
		log.Error("unhandled error", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Kind: "internal"})
		return
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind.String()})
}
