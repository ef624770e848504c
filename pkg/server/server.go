// Package server wires the graph API: tiles, base node sets, consent
// labels and the label change feed.
package server

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/broadcast"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/cachepolicy"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/consent"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/metrics"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/query"
)

// Config holds the dependencies of a Server.
type Config struct {
	Planner *query.Planner
	Labels  *consent.LabelService
	Hub     *broadcast.Hub

	// Auth defaults to HeaderAuthenticator.
	Auth Authenticator

	// Limiter is applied to every /api route. Optional.
	Limiter *cachepolicy.Limiter

	// Heartbeat is the SSE heartbeat and websocket ping interval.
	Heartbeat time.Duration

	// CheckOrigin filters websocket upgrades. Nil keeps the same-origin
	// check.
	CheckOrigin func(*http.Request) bool
}

// Server serves the graph API.
type Server struct {
	cfg Config
	mux *http.ServeMux
}

// New validates cfg and registers the routes.
func New(cfg Config) (*Server, error) {
	if cfg.Planner == nil || cfg.Labels == nil || cfg.Hub == nil {
		return nil, errors.New("server: planner, labels and hub are required")
	}
	if cfg.Auth == nil {
		cfg.Auth = HeaderAuthenticator{}
	}
	s := &Server{cfg: cfg, mux: http.NewServeMux()}

	s.api("GET /api/graph/v3/tiles", "tiles", http.HandlerFunc(s.handleTile))
	s.api("GET /api/graph/v3/auth/base-nodes", "base_nodes", http.HandlerFunc(s.handleAuthBaseNodes))
	s.api("GET /api/graph/base-nodes", "base_nodes_public", http.HandlerFunc(s.handlePublicBaseNodes))
	s.api("GET /api/graph/consent_labels", "consent_labels", http.HandlerFunc(s.handleLabels))
	s.api("POST /api/graph/consent_labels", "consent_labels", http.HandlerFunc(s.handleSetLevel))
	s.api("GET /api/graph/consent_labels/user", "consent_labels_user", http.HandlerFunc(s.handleOwnLabel))
	s.api("GET /api/graph/node-type-changes", "node_type_changes", &broadcast.ChangesHandler{
		Hub:      cfg.Hub,
		Identify: s.identify,
	})
	s.api("GET /api/sse", "sse", &broadcast.SSEHandler{
		Hub:       cfg.Hub,
		Identify:  s.identify,
		Heartbeat: cfg.Heartbeat,
	})
	s.api("GET /api/ws", "ws", &broadcast.WebsocketHandler{
		Hub:          cfg.Hub,
		Identify:     s.identify,
		PingInterval: cfg.Heartbeat,
		CheckOrigin:  cfg.CheckOrigin,
	})

	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "ok",
			"graph_version": cfg.Planner.GraphVersion(),
			"sessions":      cfg.Hub.Len(),
		})
	})
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// api registers an instrumented, rate limited route.
func (s *Server) api(pattern, endpoint string, h http.Handler) {
	s.mux.Handle(pattern, s.instrument(endpoint, s.limit(h)))
}

func (s *Server) limit(next http.Handler) http.Handler {
	if s.cfg.Limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := s.cfg.Limiter.Allow(s.cfg.Limiter.ClientKey(r))
		if !ok {
			metrics.RateLimited.Inc()
			w.Header().Set("Retry-After", cachepolicy.RetryAfterSeconds(wait))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) instrument(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.Requests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

// authenticate resolves the caller. A malformed identity is treated as
// anonymous on endpoints that do not require one.
func (s *Server) authenticate(r *http.Request) *Identity {
	id, err := s.cfg.Auth.Authenticate(r)
	if err != nil {
		slog.Debug("server: ignoring identity", "err", err)
		return nil
	}
	return id
}

// identify returns the change-feed identity of r: the linked twitter id,
// "" for anonymous viewers.
func (s *Server) identify(r *http.Request) string {
	if id := s.authenticate(r); id != nil {
		return id.TwitterID.String()
	}
	return ""
}

// statusRecorder captures the response status. It keeps the streaming
// interfaces of the wrapped writer reachable for SSE and websocket
// handlers.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("server: response does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
