package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/cachepolicy"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/consent"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/metrics"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
)

// maxConsentBody bounds POST /api/graph/consent_labels bodies.
const maxConsentBody = 4 << 10

func (s *Server) handleLabels(w http.ResponseWriter, r *http.Request) {
	var viewer *node.ID
	if id := s.authenticate(r); id != nil && id.TwitterID != "" {
		viewer = &id.TwitterID
	}
	set, err := s.cfg.Labels.Visible(r.Context(), viewer)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cachepolicy.Apply(w.Header(), cachepolicy.Consent, "")
	writeJSON(w, http.StatusOK, set)
}

type setLevelResponse struct {
	Success      bool          `json:"success"`
	ConsentLevel consent.Level `json:"consent_level"`
	Version      int64         `json:"version"`
	Message      string        `json:"message"`
}

func (s *Server) handleSetLevel(w http.ResponseWriter, r *http.Request) {
	id := s.authenticate(r)
	if id == nil || id.TwitterID == "" {
		writeError(w, r, ErrUnauthenticated)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxConsentBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = fmt.Errorf("%w: body too large", consent.ErrInvalidLevel)
		}
		writeError(w, r, err)
		return
	}
	level, err := consent.DecodeUpdate(body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	meta := consent.Meta{UserAgent: r.UserAgent()}
	if s.cfg.Limiter != nil {
		meta.IPAddress = s.cfg.Limiter.ClientKey(r)
	} else {
		meta.IPAddress = r.RemoteAddr
	}
	change, err := s.cfg.Labels.Repo.SetLevel(r.Context(), id.TwitterID, level, meta)
	if err != nil {
		writeError(w, r, err)
		return
	}
	metrics.ConsentWrites.WithLabelValues(string(level)).Inc()

	cachepolicy.Apply(w.Header(), cachepolicy.Consent, "")
	writeJSON(w, http.StatusOK, setLevelResponse{
		Success:      true,
		ConsentLevel: change.NewLevel,
		Version:      change.Version,
		Message:      "Consent level updated",
	})
}

func (s *Server) handleOwnLabel(w http.ResponseWriter, r *http.Request) {
	id := s.authenticate(r)
	if id == nil || id.TwitterID == "" {
		writeError(w, r, ErrUnauthenticated)
		return
	}
	rec, err := s.cfg.Labels.Own(r.Context(), id.TwitterID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cachepolicy.Apply(w.Header(), cachepolicy.Consent, "")
	writeJSON(w, http.StatusOK, rec)
}
