package labels_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/broadcast"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/jsontime"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/labels"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
)

func add(hash, text string, ts int64, version int64) broadcast.Event {
	return broadcast.Event{
		Type: broadcast.TypeLabels, CoordHash: hash, Action: broadcast.ActionAdd,
		DisplayLabel: text, Timestamp: jsontime.FromUnixMilli(ts), Version: version,
	}
}

func remove(hash string, ts int64, version int64) broadcast.Event {
	return broadcast.Event{
		Type: broadcast.TypeLabels, CoordHash: hash, Action: broadcast.ActionRemove,
		Timestamp: jsontime.FromUnixMilli(ts), Version: version,
	}
}

func TestMap_Idempotent(t *testing.T) {
	m := labels.NewMap()
	e := add("h", "Alice", 100, 1)
	if !m.Apply(e) {
		t.Fatal("first Apply reported no change")
	}
	if m.Apply(e) {
		t.Fatal("second Apply reported a change")
	}
	if got, ok := m.Label("h"); !ok || got != "Alice" {
		t.Fatalf("Label(h) = %q, %v", got, ok)
	}
}

func TestMap_LastWriteWinsEitherOrder(t *testing.T) {
	older := add("h", "Old", 100, 1)
	newer := add("h", "New", 200, 2)
	for _, order := range [][]broadcast.Event{{older, newer}, {newer, older}} {
		m := labels.NewMap()
		for _, e := range order {
			m.Apply(e)
		}
		if got, _ := m.Label("h"); got != "New" {
			t.Fatalf("Label(h) = %q, want New", got)
		}
	}
}

func TestMap_TombstoneBlocksLateAdd(t *testing.T) {
	m := labels.NewMap()
	m.Apply(remove("h", 200, 2))
	if m.Apply(add("h", "Ghost", 100, 1)) {
		t.Fatal("older add resurrected a removed label")
	}
	if _, ok := m.Label("h"); ok {
		t.Fatal("label visible after remove")
	}
	if len(m.Labels()) != 0 {
		t.Fatalf("Labels() = %v, want empty", m.Labels())
	}
	if !m.Apply(add("h", "Back", 300, 3)) {
		t.Fatal("newer add ignored")
	}
}

func TestMap_SameStampOrderedByEventID(t *testing.T) {
	// A network-scoped label is a global remove followed by an add, both
	// carrying the same timestamp and version.
	rm := remove("h", 100, 4)
	rm.ID = 10
	ad := add("h", "Scoped", 100, 4)
	ad.ID = 11
	for _, order := range [][]broadcast.Event{{rm, ad}, {ad, rm}} {
		m := labels.NewMap()
		for _, e := range order {
			m.Apply(e)
		}
		if got, ok := m.Label("h"); !ok || got != "Scoped" {
			t.Fatalf("Label(h) = %q, %v, want Scoped", got, ok)
		}
	}
}

func TestMap_NodeTypesAndSeed(t *testing.T) {
	m := labels.NewMap()
	m.Apply(broadcast.Event{Type: broadcast.TypeNodeTypes, CoordHash: "a", NodeType: node.TypeMember, Timestamp: jsontime.FromUnixMilli(5)})
	m.Apply(broadcast.Event{Type: broadcast.TypeNodeTypes, CoordHash: "a", NodeType: node.TypeGeneric, Timestamp: jsontime.FromUnixMilli(3)})
	if got := m.NodeTypes()["a"]; got != node.TypeMember {
		t.Fatalf("NodeTypes()[a] = %s, want member", got)
	}

	m.Apply(remove("x", 50, 1))
	m.Seed(map[string]string{"x": "Stale", "y": "Fresh"}, jsontime.FromUnixMilli(40))
	got := m.Labels()
	if _, ok := got["x"]; ok || got["y"] != "Fresh" {
		t.Fatalf("Labels() = %v, want only y", got)
	}

	c := m.Clone()
	c.Apply(add("z", "Z", 1, 1))
	if _, ok := m.Label("z"); ok {
		t.Fatal("Clone shares state")
	}
}

func TestSubscriber_ReconnectsAndResumes(t *testing.T) {
	var (
		mu     sync.Mutex
		sinces []string
	)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sinces = append(sinces, r.URL.Query().Get("since"))
		n := len(sinces)
		mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(broadcast.Hello{Type: broadcast.TypeConnected, Epoch: "e1", LastID: 2})
		e := add("h1", "First", 100, 1)
		e.ID = 1
		if n > 1 {
			e = remove("h1", 200, 2)
			e.ID = 2
		}
		conn.WriteJSON(e)
		if n == 1 {
			return // drop the connection
		}
		conn.ReadMessage()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	applied := make(chan broadcast.Event, 4)
	sub := &labels.Subscriber{
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		Map:     labels.NewMap(),
		OnEvent: func(e broadcast.Event, _ bool) { applied <- e },
	}
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	for want := uint64(1); want <= 2; want++ {
		select {
		case e := <-applied:
			if e.ID != want {
				t.Fatalf("event id = %d, want %d", e.ID, want)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for events")
		}
	}
	if _, ok := sub.Map.Label("h1"); ok {
		t.Fatal("h1 still labeled after remove")
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sinces) < 2 || sinces[0] != "" || sinces[1] != "1" {
		t.Fatalf("since params = %q, want [\"\" \"1\" ...]", sinces)
	}
}

func TestSubscriber_ResumesAfterServerRestart(t *testing.T) {
	// The restarted server's hub numbers from 1 again.
	hub := broadcast.NewHub(broadcast.HubConfig{})
	hub.Publish(remove("h1", time.Now().UnixMilli(), 2))
	srv := httptest.NewServer(&broadcast.WebsocketHandler{Hub: hub})
	defer srv.Close()

	m := labels.NewMap()
	m.Seed(map[string]string{"h1": "Old"}, jsontime.FromUnixMilli(100))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	applied := make(chan broadcast.Event, 4)
	sub := &labels.Subscriber{
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		Map:     m,
		OnEvent: func(e broadcast.Event, _ bool) { applied <- e },
	}
	sub.ResumeFrom(40)
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	select {
	case e := <-applied:
		if e.ID != 1 || e.Action != broadcast.ActionRemove {
			t.Fatalf("event = %+v, want removal with id 1", e)
		}
	case <-ctx.Done():
		t.Fatal("removal published after the restart was not replayed")
	}
	if _, ok := m.Label("h1"); ok {
		t.Fatal("h1 still labeled after replayed remove")
	}
	if sub.LastID() != 1 {
		t.Fatalf("LastID() = %d, want 1", sub.LastID())
	}
	if sub.Epoch() != hub.Epoch() {
		t.Fatalf("Epoch() = %q, want %q", sub.Epoch(), hub.Epoch())
	}

	cancel()
	<-done
}
