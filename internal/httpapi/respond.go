package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

type errorBody struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, log *zap.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn("response encode failed", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, log *zap.Logger, status int, msg string) {
	respondJSON(w, log, status, errorBody{Error: msg})
}

// decodeBody rejects unknown fields so client typos surface as 400s instead
// of silently dropped options.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
