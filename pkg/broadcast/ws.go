package broadcast

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 10 * time.Second
	wsReadLimit = 512
)

// WebsocketHandler streams hub events as JSON text frames. The first frame
// is a Hello. Clients resume with the since and epoch query parameters.
type WebsocketHandler struct {
	Hub          *Hub
	Identify     IdentifyFunc
	PingInterval time.Duration

	// CheckOrigin is passed to the upgrader. Nil accepts same-origin
	// requests only.
	CheckOrigin func(*http.Request) bool
}

func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	since, resume, err := resumePoint(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.CheckOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("broadcast: websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	identity := identify(h.Identify, r)
	s := h.Hub.Register(identity, "ws")
	defer h.Hub.Unregister(s)

	ping := orDefault(h.PingInterval, DefaultHeartbeat)
	pongWait := 2 * ping

	// Clients only answer pings; reading is what processes pongs and
	// notices a closed peer.
	gone := make(chan struct{})
	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Debug("broadcast: websocket read", "session", s.ID, "err", err)
				}
				return
			}
		}
	}()

	write := func(v any) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}
	if err := write(newHello(h.Hub)); err != nil {
		return
	}
	var last uint64
	if resume {
		for _, e := range h.Hub.Resume(identity, since, r.URL.Query().Get("epoch")) {
			if err := write(&e); err != nil {
				return
			}
			last = e.ID
		}
	}

	tick := time.NewTicker(ping)
	defer tick.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-tick.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case e, ok := <-s.C:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
				return
			}
			if e.ID <= last {
				continue
			}
			if err := write(&e); err != nil {
				slog.Debug("broadcast: websocket write failed", "session", s.ID, "err", err)
				return
			}
			last = e.ID
		}
	}
}
