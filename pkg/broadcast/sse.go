package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/jsontime"
)

// DefaultHeartbeat is the keep-alive interval of streaming handlers.
const DefaultHeartbeat = 30 * time.Second

// IdentifyFunc returns the identity of a request, "" for anonymous ones.
type IdentifyFunc func(*http.Request) string

// Hello is the first message of every stream.
type Hello struct {
	Type      string         `json:"type"`
	Epoch     string         `json:"epoch"`
	LastID    uint64         `json:"last_id"`
	Timestamp jsontime.Milli `json:"timestamp"`
}

// TypeConnected is the type of a Hello.
const TypeConnected = "connected"

func newHello(h *Hub) Hello {
	return Hello{Type: TypeConnected, Epoch: h.Epoch(), LastID: h.LastID(), Timestamp: jsontime.NowMilli()}
}

// SSEHandler streams hub events as server-sent events. A client resumes
// with the Last-Event-ID header or a since query parameter holding the
// last event id it applied, plus the epoch of the Hello it saw.
type SSEHandler struct {
	Hub       *Hub
	Identify  IdentifyFunc
	Heartbeat time.Duration
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	since, resume, err := resumePoint(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	identity := identify(h.Identify, r)
	s := h.Hub.Register(identity, "sse")
	defer h.Hub.Unregister(s)

	hello, _ := json.Marshal(newHello(h.Hub))
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", hello)

	var last uint64
	if resume {
		for _, e := range h.Hub.Resume(identity, since, r.URL.Query().Get("epoch")) {
			if err := writeSSE(w, &e); err != nil {
				return
			}
			last = e.ID
		}
	}
	flusher.Flush()

	tick := time.NewTicker(orDefault(h.Heartbeat, DefaultHeartbeat))
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
			if _, err := fmt.Fprintf(w, ": heartbeat %d\n\n", time.Now().UnixMilli()); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-s.C:
			if !ok {
				return
			}
			if e.ID <= last {
				continue
			}
			if err := writeSSE(w, &e); err != nil {
				slog.Debug("broadcast: sse write failed", "session", s.ID, "err", err)
				return
			}
			last = e.ID
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, e *Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)
	return err
}

// resumePoint reads the last applied event id from Last-Event-ID or the
// since parameter.
func resumePoint(r *http.Request) (uint64, bool, error) {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("since")
	}
	if v == "" {
		return 0, false, nil
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false, errors.New("invalid since")
	}
	return id, true, nil
}

func identify(fn IdentifyFunc, r *http.Request) string {
	if fn == nil {
		return ""
	}
	return fn(r)
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
