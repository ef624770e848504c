package consent_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/consent"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/graph"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/kv"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
)

func TestParseLevel(t *testing.T) {
	for _, l := range consent.Levels {
		got, err := consent.ParseLevel(string(l))
		if err != nil || got != l {
			t.Fatalf("ParseLevel(%q) = %q, %v", l, got, err)
		}
	}
	if _, err := consent.ParseLevel("everyone"); !errors.Is(err, consent.ErrInvalidLevel) {
		t.Fatalf("ParseLevel(everyone) err = %v, want ErrInvalidLevel", err)
	}
}

func TestNodeType(t *testing.T) {
	cases := map[consent.Level]node.Type{
		consent.NoConsent:            node.TypeGeneric,
		consent.FollowersOfFollowers: node.TypeMember,
		consent.AllConsent:           node.TypeMember,
	}
	for l, want := range cases {
		if got := l.NodeType(); got != want {
			t.Fatalf("%s.NodeType() = %s, want %s", l, got, want)
		}
	}
}

func TestTransition(t *testing.T) {
	for _, to := range consent.Levels {
		if got, err := consent.Transition(nil, to); err != nil || got != to {
			t.Fatalf("Transition(unset, %s) = %s, %v", to, got, err)
		}
		for _, from := range consent.Levels {
			f := from
			if got, err := consent.Transition(&f, to); err != nil || got != to {
				t.Fatalf("Transition(%s, %s) = %s, %v", from, to, got, err)
			}
		}
	}
	if _, err := consent.Transition(nil, "x"); !errors.Is(err, consent.ErrInvalidLevel) {
		t.Fatalf("Transition(unset, x) err = %v, want ErrInvalidLevel", err)
	}
}

func TestMemoryRepository_SetLevel(t *testing.T) {
	ctx := context.Background()
	var changes []consent.Change
	repo := consent.NewMemoryRepository(func(c consent.Change) { changes = append(changes, c) })

	if _, err := repo.Get(ctx, "1"); !errors.Is(err, consent.ErrNotFound) {
		t.Fatalf("Get err = %v, want ErrNotFound", err)
	}

	first, err := repo.SetLevel(ctx, "1", consent.AllConsent, consent.Meta{})
	if err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	if first.OldLevel != nil || first.Version != 1 {
		t.Fatalf("first change = %+v, want unset old level and version 1", first)
	}

	// Re-setting the same level is still a write.
	again, err := repo.SetLevel(ctx, "1", consent.AllConsent, consent.Meta{})
	if err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	if again.Version != 2 || again.OldLevel == nil || *again.OldLevel != consent.AllConsent {
		t.Fatalf("second change = %+v", again)
	}
	if !again.ChangedAt.After(first.ChangedAt) {
		t.Fatalf("ChangedAt %v not after %v", again.ChangedAt, first.ChangedAt)
	}

	if _, err := repo.SetLevel(ctx, "1", "bogus", consent.Meta{}); !errors.Is(err, consent.ErrInvalidLevel) {
		t.Fatalf("SetLevel(bogus) err = %v, want ErrInvalidLevel", err)
	}
	if _, err := repo.SetLevel(ctx, "x1", consent.NoConsent, consent.Meta{}); !errors.Is(err, node.ErrInvalidID) {
		t.Fatalf("SetLevel(x1) err = %v, want ErrInvalidID", err)
	}

	if len(changes) != 2 {
		t.Fatalf("notified %d changes, want 2", len(changes))
	}
	rec, err := repo.Get(ctx, "1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Level != consent.AllConsent || rec.Version != 2 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestMemoryRepository_List(t *testing.T) {
	ctx := context.Background()
	repo := consent.NewMemoryRepository(nil)
	set := map[node.ID]consent.Level{
		"100": consent.AllConsent,
		"20":  consent.AllConsent,
		"3":   consent.NoConsent,
		"4":   consent.FollowersOfFollowers,
	}
	for id, l := range set {
		if _, err := repo.SetLevel(ctx, id, l, consent.Meta{}); err != nil {
			t.Fatalf("SetLevel: %v", err)
		}
	}
	recs, err := repo.List(ctx, consent.AllConsent, consent.FollowersOfFollowers)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var got []string
	for _, r := range recs {
		got = append(got, r.TwitterID.String())
	}
	if strings.Join(got, ",") != "4,20,100" {
		t.Fatalf("List = %v, want [4 20 100]", got)
	}
}

func TestDecodeUpdate(t *testing.T) {
	l, err := consent.DecodeUpdate([]byte(`{"consent_level":"only_to_followers_of_followers"}`))
	if err != nil || l != consent.FollowersOfFollowers {
		t.Fatalf("DecodeUpdate = %q, %v", l, err)
	}
	bad := []string{
		`{"consent_level":"everyone"}`,
		`{}`,
		`{"consent_level":3}`,
		`{"consent_level":"all_consent","extra":1}`,
		`not json`,
	}
	for _, body := range bad {
		if _, err := consent.DecodeUpdate([]byte(body)); !errors.Is(err, consent.ErrInvalidLevel) {
			t.Fatalf("DecodeUpdate(%s) err = %v, want ErrInvalidLevel", body, err)
		}
	}
}

// fixture builds the graph
//
//	viewer(1) -> 2 -> 3,  viewer(1) -> 5,  4 isolated
//
// with accounts 1..5 placed on the diagonal.
func fixture(t *testing.T) (graph.Graph, *consent.MemoryRepository, *consent.LabelService) {
	t.Helper()
	ctx := context.Background()
	store := kv.NewMemory(nil)
	t.Cleanup(func() { store.Close() })
	g := graph.NewKVGraph(store, kv.Key{"test", "g"})

	names := map[node.ID]string{"1": "Viewer", "2": "Two", "3": "Three", "4": "", "5": "Five"}
	for id, name := range names {
		i := float64(id[0]-'0') / 10
		a := graph.Account{Node: node.Node{ID: id, Label: name, X: i, Y: i, Degree: i * 10}, Username: "u" + id.String()}
		if err := g.SetAccount(ctx, a); err != nil {
			t.Fatalf("SetAccount: %v", err)
		}
	}
	for _, e := range [][2]node.ID{{"1", "2"}, {"2", "3"}, {"1", "5"}} {
		if err := g.AddEdge(ctx, graph.Edge{From: e[0], To: e[1], Kind: graph.Follows}); err != nil {
			t.Fatalf("AddEdge: %v", err)
		}
	}

	repo := consent.NewMemoryRepository(nil)
	svc := &consent.LabelService{
		Repo:      repo,
		Directory: &consent.GraphDirectory{Graph: g},
		Proximity: &consent.GraphProximity{Graph: g},
	}
	return g, repo, svc
}

func setLevels(t *testing.T, repo consent.Repository, levels map[node.ID]consent.Level) {
	t.Helper()
	for id, l := range levels {
		if _, err := repo.SetLevel(context.Background(), id, l, consent.Meta{}); err != nil {
			t.Fatalf("SetLevel(%s): %v", id, err)
		}
	}
}

func TestLabelService_Anonymous(t *testing.T) {
	_, repo, svc := fixture(t)
	setLevels(t, repo, map[node.ID]consent.Level{
		"2":  consent.AllConsent,
		"3":  consent.FollowersOfFollowers,
		"5":  consent.NoConsent,
		"99": consent.AllConsent, // not in the graph
	})

	set, err := svc.Visible(context.Background(), nil)
	if err != nil {
		t.Fatalf("Visible: %v", err)
	}
	if set.Authenticated || set.Count != 1 {
		t.Fatalf("set = %+v, want one anonymous label", set)
	}
	if got := set.LabelMap[node.CoordHash(0.2, 0.2)]; got != "Two" {
		t.Fatalf("LabelMap[2] = %q, want Two", got)
	}
	if len(set.FloatingLabels) != 1 || set.FloatingLabels[0].Priority != consent.PriorityOther {
		t.Fatalf("FloatingLabels = %+v", set.FloatingLabels)
	}
}

func TestLabelService_Network(t *testing.T) {
	_, repo, svc := fixture(t)
	setLevels(t, repo, map[node.ID]consent.Level{
		"1": consent.FollowersOfFollowers,
		"2": consent.FollowersOfFollowers,
		"3": consent.FollowersOfFollowers,
		"4": consent.FollowersOfFollowers,
		"5": consent.AllConsent,
	})

	viewer := node.ID("1")
	set, err := svc.Visible(context.Background(), &viewer)
	if err != nil {
		t.Fatalf("Visible: %v", err)
	}
	if !set.Authenticated || set.Count != 4 {
		t.Fatalf("Count = %d, want 4 (own, two hops, public)", set.Count)
	}
	if _, ok := set.LabelMap[node.CoordHash(0.4, 0.4)]; ok {
		t.Fatalf("unreachable owner 4 is visible")
	}

	// Direct follows first, then by degree.
	var order []string
	for _, f := range set.FloatingLabels {
		order = append(order, f.Text)
	}
	if strings.Join(order, ",") != "Five,Two,Three,Viewer" {
		t.Fatalf("floating order = %v", order)
	}
	if set.FloatingLabels[0].Priority != consent.PriorityDirect || set.FloatingLabels[2].Priority != consent.PriorityOther {
		t.Fatalf("priorities = %+v", set.FloatingLabels)
	}
	for _, f := range set.FloatingLabels {
		if f.Level != consent.BaseLayer {
			t.Fatalf("level = %d, want %d", f.Level, consent.BaseLayer)
		}
	}
}

func TestLabelService_Own(t *testing.T) {
	_, repo, svc := fixture(t)
	ctx := context.Background()

	rec, err := svc.Own(ctx, "2")
	if err != nil {
		t.Fatalf("Own: %v", err)
	}
	if rec.Level != consent.NoConsent || rec.CoordHash != node.CoordHash(0.2, 0.2) {
		t.Fatalf("Own(unset) = %+v", rec)
	}

	setLevels(t, repo, map[node.ID]consent.Level{"2": consent.AllConsent})
	if rec, err = svc.Own(ctx, "2"); err != nil || rec.Level != consent.AllConsent {
		t.Fatalf("Own = %+v, %v", rec, err)
	}
}

func TestGraphProximity_Audience(t *testing.T) {
	g, _, _ := fixture(t)
	p := &consent.GraphProximity{Graph: g}

	ids, err := p.Audience(context.Background(), "3", 0)
	if err != nil {
		t.Fatalf("Audience: %v", err)
	}
	if got := joinIDs(ids); got != "3,1,2" {
		t.Fatalf("Audience(3) = %s, want 3,1,2", got)
	}
	if ids, _ = p.Audience(context.Background(), "3", 1); len(ids) != 1 {
		t.Fatalf("Audience(3, 1) = %v, want owner only", ids)
	}
}

func joinIDs(ids []node.ID) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = id.String()
	}
	return strings.Join(s, ",")
}
