package broadcast_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/broadcast"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/jsontime"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
)

func newTestHub(t *testing.T, buffer int) *broadcast.Hub {
	t.Helper()
	return broadcast.NewHub(broadcast.HubConfig{SessionBuffer: buffer})
}

func labelEvent(hash string, action broadcast.Action, audience ...string) broadcast.Event {
	return broadcast.Event{
		Type:      broadcast.TypeLabels,
		CoordHash: hash,
		Action:    action,
		Timestamp: jsontime.NowMilli(),
		Version:   1,
		Audience:  audience,
	}
}

func recv(t *testing.T, s *broadcast.Session) broadcast.Event {
	t.Helper()
	select {
	case e := <-s.C:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
	return broadcast.Event{}
}

func TestHub_PublishNumbersAndDelivers(t *testing.T) {
	h := newTestHub(t, 10)
	a := h.Register("", "test")
	b := h.Register("7", "test")
	defer h.Unregister(a)
	defer h.Unregister(b)

	out := h.Publish(labelEvent("h1", broadcast.ActionAdd), labelEvent("h2", broadcast.ActionRemove))
	if out[0].ID != 1 || out[1].ID != 2 {
		t.Fatalf("ids = %d, %d, want 1, 2", out[0].ID, out[1].ID)
	}
	for _, s := range []*broadcast.Session{a, b} {
		if e := recv(t, s); e.CoordHash != "h1" {
			t.Fatalf("first = %s, want h1", e.CoordHash)
		}
		if e := recv(t, s); e.CoordHash != "h2" {
			t.Fatalf("second = %s, want h2", e.CoordHash)
		}
	}
	if h.LastID() != 2 {
		t.Fatalf("LastID() = %d, want 2", h.LastID())
	}
}

func TestHub_Audience(t *testing.T) {
	h := newTestHub(t, 10)
	anon := h.Register("", "test")
	in := h.Register("1", "test")
	out := h.Register("2", "test")

	h.Publish(labelEvent("scoped", broadcast.ActionAdd, "1", "3"))
	h.Publish(labelEvent("global", broadcast.ActionAdd))

	if e := recv(t, in); e.CoordHash != "scoped" {
		t.Fatalf("audience member got %s first, want scoped", e.CoordHash)
	}
	for _, s := range []*broadcast.Session{anon, out} {
		if e := recv(t, s); e.CoordHash != "global" {
			t.Fatalf("outsider got %s, want global only", e.CoordHash)
		}
	}

	if got := h.Since("2", 0); len(got) != 1 {
		t.Fatalf("Since for outsider = %d events, want 1", len(got))
	}
	if got := h.Since("1", 0); len(got) != 2 {
		t.Fatalf("Since for member = %d events, want 2", len(got))
	}
}

func TestHub_DropsWhenFull(t *testing.T) {
	h := newTestHub(t, 2)
	s := h.Register("", "test")
	for range 5 {
		h.Publish(labelEvent("h", broadcast.ActionAdd))
	}
	if s.Dropped() != 3 {
		t.Fatalf("Dropped() = %d, want 3", s.Dropped())
	}
	// The ring still has everything for a later catch-up.
	if got := h.Since("", 0); len(got) != 5 {
		t.Fatalf("Since(0) = %d events, want 5", len(got))
	}
}

func TestHub_Unregister(t *testing.T) {
	h := newTestHub(t, 1)
	s := h.Register("", "test")
	h.Unregister(s)
	h.Unregister(s)
	if _, ok := <-s.C; ok {
		t.Fatal("channel still open after Unregister")
	}
	if h.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", h.Len())
	}
	h.Publish(labelEvent("h", broadcast.ActionAdd))
}

func TestChangesHandler(t *testing.T) {
	h := newTestHub(t, 1)
	old := jsontime.FromUnixMilli(1000)
	recent := jsontime.FromUnixMilli(5000)
	h.Publish(
		broadcast.Event{Type: broadcast.TypeNodeTypes, CoordHash: "a", NodeType: node.TypeMember, Timestamp: old},
		broadcast.Event{Type: broadcast.TypeLabels, CoordHash: "a", Action: broadcast.ActionAdd, Timestamp: recent},
		broadcast.Event{Type: broadcast.TypeNodeTypes, CoordHash: "b", NodeType: node.TypeGeneric, Timestamp: recent},
	)
	srv := httptest.NewServer(&broadcast.ChangesHandler{Hub: h})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?since=2000")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var body broadcast.ChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Changes) != 1 || body.Changes[0].CoordHash != "b" || body.Changes[0].NodeType != node.TypeGeneric {
		t.Fatalf("changes = %+v, want only b", body.Changes)
	}
	if body.Version != 5000 {
		t.Fatalf("version = %d, want 5000", body.Version)
	}

	bad, err := http.Get(srv.URL + "?since=soon")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", bad.StatusCode)
	}
}

func TestSSEHandler_ReplayThenLive(t *testing.T) {
	h := newTestHub(t, 10)
	h.Publish(labelEvent("before-1", broadcast.ActionAdd), labelEvent("before-2", broadcast.ActionAdd))

	srv := httptest.NewServer(&broadcast.SSEHandler{Hub: h, Heartbeat: time.Hour})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	events := make(chan string, 10)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
				events <- data
			}
		}
		close(events)
	}()
	next := func() string {
		t.Helper()
		select {
		case d := <-events:
			return d
		case <-time.After(2 * time.Second):
			t.Fatal("no sse event")
		}
		return ""
	}

	if d := next(); !strings.Contains(d, `"connected"`) {
		t.Fatalf("first event = %s, want hello", d)
	}
	if d := next(); !strings.Contains(d, "before-2") {
		t.Fatalf("replayed = %s, want before-2", d)
	}

	for h.Len() == 0 {
		time.Sleep(time.Millisecond)
	}
	h.Publish(labelEvent("live", broadcast.ActionRemove))
	if d := next(); !strings.Contains(d, "live") || !strings.Contains(d, `"action":"remove"`) {
		t.Fatalf("live = %s", d)
	}
}

func TestWebsocketHandler(t *testing.T) {
	h := newTestHub(t, 10)
	h.Publish(labelEvent("before", broadcast.ActionAdd, "9"))

	identify := func(r *http.Request) string { return r.Header.Get("X-Twitter-Id") }
	srv := httptest.NewServer(&broadcast.WebsocketHandler{Hub: h, Identify: identify})
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?since=0"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Twitter-Id": {"9"}})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello broadcast.Hello
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != "connected" || hello.LastID != 1 {
		t.Fatalf("hello = %+v, %v", hello, err)
	}
	var e broadcast.Event
	if err := conn.ReadJSON(&e); err != nil || e.CoordHash != "before" || e.ID != 1 {
		t.Fatalf("replayed = %+v, %v", e, err)
	}

	for h.Len() == 0 {
		time.Sleep(time.Millisecond)
	}
	h.Publish(labelEvent("live", broadcast.ActionAdd))
	if err := conn.ReadJSON(&e); err != nil || e.CoordHash != "live" || e.ID != 2 {
		t.Fatalf("live = %+v, %v", e, err)
	}
}

func TestHub_ResumeFromOtherEpoch(t *testing.T) {
	// A fresh hub, as after a restart: ids start over at 1.
	h := newTestHub(t, 10)
	h.Publish(labelEvent("h1", broadcast.ActionRemove))

	if got := h.Since("", 40); len(got) != 0 {
		t.Fatalf("Since(40) = %d events, want 0", len(got))
	}
	if got := h.Resume("", 40, ""); len(got) != 1 || got[0].CoordHash != "h1" {
		t.Fatalf("Resume(40) = %+v, want the h1 removal", got)
	}
	if got := h.Resume("", 1, "old-epoch"); len(got) != 1 {
		t.Fatalf("Resume(1, old-epoch) = %d events, want 1", len(got))
	}
	if got := h.Resume("", 1, h.Epoch()); len(got) != 0 {
		t.Fatalf("Resume(1, current epoch) = %d events, want 0", len(got))
	}
}
