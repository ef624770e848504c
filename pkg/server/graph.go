package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/cachepolicy"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/columnar"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/metrics"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/query"
)

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	q, err := query.ParseTileRequest(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	version := s.cfg.Planner.GraphVersion()

	start := time.Now()
	res, err := s.cfg.Planner.Tile(r.Context(), q)
	switch {
	case errors.Is(err, query.ErrEmptyTile):
		metrics.TileOutcomes.WithLabelValues("empty").Inc()
		cachepolicy.ApplyTile(w.Header(), q.Key, version)
		w.Header().Set(cachepolicy.HeaderTileEmpty, "true")
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
		return
	case err != nil:
		metrics.ObserveUpstream("tile", start, err)
		metrics.TileOutcomes.WithLabelValues("error").Inc()
		writeError(w, r, err)
		return
	}
	if res.Cached {
		metrics.TileOutcomes.WithLabelValues("hit").Inc()
	} else {
		metrics.ObserveUpstream("tile", start, nil)
		metrics.TileOutcomes.WithLabelValues("miss").Inc()
	}

	cachepolicy.ApplyTile(w.Header(), q.Key, version)
	writeBody(w, res.Body)
}

func (s *Server) handleAuthBaseNodes(w http.ResponseWriter, r *http.Request) {
	id := s.authenticate(r)
	if id == nil || id.TwitterID == "" {
		writeError(w, r, ErrUnauthenticated)
		return
	}
	viewer := id.TwitterID
	q, err := query.ParseBaseNodeRequest(r.URL.Query(), &viewer)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.serveBase(w, r, q)
}

func (s *Server) handlePublicBaseNodes(w http.ResponseWriter, r *http.Request) {
	q, err := query.ParseBaseNodeRequest(r.URL.Query(), nil)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.serveBase(w, r, q)
}

// serveBase runs q and writes the encoded batch. The batch is encoded in
// full before the first byte is written.
func (s *Server) serveBase(w http.ResponseWriter, r *http.Request, q query.BaseNodeQuery) {
	start := time.Now()
	batch, err := s.cfg.Planner.BaseNodes(r.Context(), q)
	metrics.ObserveUpstream("base_nodes", start, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := columnar.Marshal(batch)
	if err != nil {
		writeError(w, r, err)
		return
	}

	cachepolicy.Apply(w.Header(), cachepolicy.BaseNodes, s.cfg.Planner.GraphVersion())
	ceiling := batch.MinDegree()
	if batch.DegreeCeiling != nil {
		ceiling = *batch.DegreeCeiling
	}
	w.Header().Set(cachepolicy.HeaderDegreeCeiling, strconv.FormatFloat(ceiling, 'f', -1, 64))
	writeBody(w, body)
}

func writeBody(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", columnar.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
