package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/consent"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/query"
)

type errorBody struct {
	Error string `json:"error"`
}

// statusOf maps err to an HTTP status and the reason sent to the client.
// Internal details never leave the server.
func statusOf(err error) (int, string) {
	var ve *query.ValidationError
	var ue *query.UpstreamError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.Reason
	case errors.Is(err, consent.ErrInvalidLevel):
		return http.StatusBadRequest, "invalid consent_level"
	case errors.Is(err, node.ErrInvalidID):
		return http.StatusBadRequest, "invalid id"
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, "not authenticated"
	case errors.As(err, &ue):
		return http.StatusBadGateway, "upstream query failed"
	}
	return http.StatusInternalServerError, "internal error"
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, reason := statusOf(err)
	if status >= 500 {
		slog.Error("server: request failed", "path", r.URL.Path, "status", status, "err", err)
	} else {
		slog.Debug("server: request rejected", "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, errorBody{Error: reason})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: write response", "err", err)
	}
}
