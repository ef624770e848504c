package changefeed_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/broadcast"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/changefeed"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/consent"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/graph"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/kv"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
)

// countingDirectory records how many lookups reach it.
type countingDirectory struct {
	mu      sync.Mutex
	calls   int
	entries map[node.ID]consent.Entry
}

func (d *countingDirectory) Lookup(_ context.Context, ids []node.ID) (map[node.ID]consent.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	out := make(map[node.ID]consent.Entry)
	for _, id := range ids {
		if e, ok := d.entries[id]; ok {
			out[id] = e
		}
	}
	return out, nil
}

func TestCoordResolver_Caches(t *testing.T) {
	dir := &countingDirectory{entries: map[node.ID]consent.Entry{
		"1": {ID: "1", Label: "One", X: 0.1, Y: 0.2},
	}}
	r, err := changefeed.NewCoordResolver(dir, 0)
	if err != nil {
		t.Fatalf("NewCoordResolver: %v", err)
	}
	ctx := context.Background()
	for range 3 {
		e, ok, err := r.Resolve(ctx, "1")
		if err != nil || !ok || e.CoordHash() != "0.100000_0.200000" {
			t.Fatalf("Resolve(1) = %+v, %v, %v", e, ok, err)
		}
	}
	if _, ok, _ := r.Resolve(ctx, "2"); ok {
		t.Fatal("Resolve(2) found an unknown account")
	}
	if dir.calls != 2 {
		t.Fatalf("directory calls = %d, want 2", dir.calls)
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

type pipeline struct {
	repo   *consent.MemoryRepository
	feed   *changefeed.MemoryFeed
	hub    *broadcast.Hub
	deltas chan changefeed.Delta
}

// newPipeline wires repository -> feed -> listener -> publisher -> hub over
// the graph 1 -> 2 -> 3 (3 follows nobody, 4 is not in the graph).
func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	ctx := context.Background()
	store := kv.NewMemory(nil)
	t.Cleanup(func() { store.Close() })
	g := graph.NewKVGraph(store, kv.Key{"test", "g"})
	for i, id := range []node.ID{"1", "2", "3"} {
		a := graph.Account{Node: node.Node{ID: id, Label: "N" + id.String(), X: float64(i) / 10, Y: 0.5}}
		if err := g.SetAccount(ctx, a); err != nil {
			t.Fatalf("SetAccount: %v", err)
		}
	}
	for _, e := range [][2]node.ID{{"1", "2"}, {"2", "3"}} {
		if err := g.AddEdge(ctx, graph.Edge{From: e[0], To: e[1], Kind: graph.Follows}); err != nil {
			t.Fatalf("AddEdge: %v", err)
		}
	}

	feed := changefeed.NewMemoryFeed()
	resolver, err := changefeed.NewCoordResolver(&consent.GraphDirectory{Graph: g}, 16)
	if err != nil {
		t.Fatalf("NewCoordResolver: %v", err)
	}
	hub := broadcast.NewHub(broadcast.HubConfig{})
	pub := &changefeed.Publisher{Hub: hub, Proximity: &consent.GraphProximity{Graph: g}}

	p := &pipeline{
		repo:   consent.NewMemoryRepository(feed.Publish),
		feed:   feed,
		hub:    hub,
		deltas: make(chan changefeed.Delta, 16),
	}
	l := changefeed.NewListener(feed, resolver)
	l.OnDelta(pub.Handle)
	l.OnDelta(func(d changefeed.Delta) { p.deltas <- d })
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { l.Stop() })
	return p
}

func (p *pipeline) set(t *testing.T, id node.ID, level consent.Level) changefeed.Delta {
	t.Helper()
	if _, err := p.repo.SetLevel(context.Background(), id, level, consent.Meta{}); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	select {
	case d := <-p.deltas:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delta")
	}
	return changefeed.Delta{}
}

func TestPipeline_AllConsent(t *testing.T) {
	p := newPipeline(t)
	d := p.set(t, "2", consent.AllConsent)
	if d.CoordHash != node.CoordHash(0.1, 0.5) || d.NodeType != node.TypeMember || d.Label != "N2" || d.Version != 1 {
		t.Fatalf("delta = %+v", d)
	}
	events := p.hub.Since("", 0)
	if len(events) != 2 {
		t.Fatalf("events = %+v, want label + node type", events)
	}
	if events[0].Type != broadcast.TypeLabels || events[0].Action != broadcast.ActionAdd || events[0].DisplayLabel != "N2" {
		t.Fatalf("label event = %+v", events[0])
	}
	if events[1].Type != broadcast.TypeNodeTypes || events[1].NodeType != node.TypeMember {
		t.Fatalf("node type event = %+v", events[1])
	}
}

func TestPipeline_NoConsent(t *testing.T) {
	p := newPipeline(t)
	p.set(t, "2", consent.AllConsent)
	d := p.set(t, "2", consent.NoConsent)
	if d.NodeType != node.TypeGeneric || d.OldLevel == nil || *d.OldLevel != consent.AllConsent || d.Version != 2 {
		t.Fatalf("delta = %+v", d)
	}
	events := p.hub.Since("", 2)
	if len(events) != 2 || events[0].Action != broadcast.ActionRemove || events[0].DisplayLabel != "" {
		t.Fatalf("events = %+v", events)
	}
}

func TestPipeline_FollowersOfFollowers(t *testing.T) {
	p := newPipeline(t)
	p.set(t, "3", consent.FollowersOfFollowers)

	// 2 follows 3 and 1 follows 2: both are in the audience with the owner.
	for _, who := range []string{"1", "2", "3"} {
		events := p.hub.Since(who, 0)
		if len(events) != 3 {
			t.Fatalf("%s sees %d events, want remove, add, node type", who, len(events))
		}
		if events[0].Action != broadcast.ActionRemove || events[1].Action != broadcast.ActionAdd {
			t.Fatalf("%s events = %+v", who, events)
		}
	}
	for _, who := range []string{"", "9"} {
		events := p.hub.Since(who, 0)
		if len(events) != 2 || events[0].Action != broadcast.ActionRemove || events[1].Type != broadcast.TypeNodeTypes {
			t.Fatalf("outsider %q events = %+v", who, events)
		}
	}
}

func TestPipeline_DropsUnresolvedAndMalformed(t *testing.T) {
	p := newPipeline(t)
	if _, err := p.repo.SetLevel(context.Background(), "4", consent.AllConsent, consent.Meta{}); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	if err := p.feed.Send([]byte(`{not json`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := p.feed.Send([]byte(`{"twitter_id":"1","new_level":"maybe"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// A later valid change proves the bad ones were skipped, not stuck.
	d := p.set(t, "1", consent.AllConsent)
	if d.TwitterID != "1" {
		t.Fatalf("delta = %+v, want account 1", d)
	}
	if n := len(p.hub.Since("", 0)); n != 2 {
		t.Fatalf("hub has %d events, want 2", n)
	}
}

func TestListener_StartStop(t *testing.T) {
	feed := changefeed.NewMemoryFeed()
	r, _ := changefeed.NewCoordResolver(&countingDirectory{}, 1)
	l := changefeed.NewListener(feed, r)
	ctx := context.Background()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Start(ctx); err == nil {
		t.Fatal("second Start succeeded")
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if err := feed.Send([]byte("{}")); !errors.Is(err, changefeed.ErrClosed) {
		t.Fatalf("Send after Stop err = %v, want ErrClosed", err)
	}
}
