package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/kv"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
)

// KV key layout (relative to the configured prefix):
//
//	{prefix}:a:{id}               → JSON-encoded Account
//	{prefix}:o:{from}:{kind}:{to} → empty (out index)
//	{prefix}:i:{to}:{kind}:{from} → empty (in index)

// KVGraph is a Graph backed by a kv.Store. Several graphs can share one
// store under different prefixes.
type KVGraph struct {
	store  kv.Store
	prefix kv.Key
}

var _ Graph = (*KVGraph)(nil)

// NewKVGraph returns a graph stored under prefix in store.
func NewKVGraph(store kv.Store, prefix kv.Key) *KVGraph {
	return &KVGraph{store: store, prefix: prefix}
}

func checkIDs(ids ...node.ID) error {
	for _, id := range ids {
		if !id.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return nil
}

func checkKinds(kinds ...Kind) error {
	for _, k := range kinds {
		if k == "" || strings.ContainsRune(string(k), ':') {
			return fmt.Errorf("%w: %q", ErrInvalidKind, k)
		}
	}
	return nil
}

func (g *KVGraph) accountKey(id node.ID) kv.Key {
	return g.prefix.Append("a", id.String())
}

func (g *KVGraph) edgeKeys(e Edge) (out, in kv.Key) {
	return g.prefix.Append("o", e.From.String(), string(e.Kind), e.To.String()),
		g.prefix.Append("i", e.To.String(), string(e.Kind), e.From.String())
}

func (g *KVGraph) indexPrefix(id node.ID, dir Direction) kv.Key {
	if dir == In {
		return g.prefix.Append("i", id.String())
	}
	return g.prefix.Append("o", id.String())
}

// --- Accounts ---

func (g *KVGraph) GetAccount(ctx context.Context, id node.ID) (*Account, error) {
	if err := checkIDs(id); err != nil {
		return nil, err
	}
	data, err := g.store.Get(ctx, g.accountKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var a Account
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("graph: decode account %s: %w", id, err)
	}
	a.ID = id
	return &a, nil
}

func (g *KVGraph) SetAccount(ctx context.Context, a Account) error {
	if err := checkIDs(a.ID); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return g.store.Set(ctx, g.accountKey(a.ID), data)
}

func (g *KVGraph) DeleteAccount(ctx context.Context, id node.ID) error {
	edges, err := g.Edges(ctx, id)
	if err != nil {
		return err
	}
	keys := make([]kv.Key, 0, 1+len(edges)*2)
	keys = append(keys, g.accountKey(id))
	for _, e := range edges {
		o, i := g.edgeKeys(e)
		keys = append(keys, o, i)
	}
	return g.store.BatchDelete(ctx, keys)
}

func (g *KVGraph) Accounts(ctx context.Context) iter.Seq2[Account, error] {
	return func(yield func(Account, error) bool) {
		for entry, err := range g.store.List(ctx, g.prefix.Append("a")) {
			if err != nil {
				yield(Account{}, err)
				return
			}
			var a Account
			if err := json.Unmarshal(entry.Value, &a); err != nil {
				if !yield(Account{}, fmt.Errorf("graph: decode account %s: %w", entry.Key.Last(), err)) {
					return
				}
				continue
			}
			a.ID = node.ID(entry.Key.Last())
			if !yield(a, nil) {
				return
			}
		}
	}
}

// --- Edges ---

func (g *KVGraph) AddEdge(ctx context.Context, e Edge) error {
	if err := checkIDs(e.From, e.To); err != nil {
		return err
	}
	if err := checkKinds(e.Kind); err != nil {
		return err
	}
	o, i := g.edgeKeys(e)
	return g.store.BatchSet(ctx, []kv.Entry{{Key: o}, {Key: i}})
}

func (g *KVGraph) RemoveEdge(ctx context.Context, e Edge) error {
	if err := checkIDs(e.From, e.To); err != nil {
		return err
	}
	if err := checkKinds(e.Kind); err != nil {
		return err
	}
	o, i := g.edgeKeys(e)
	return g.store.BatchDelete(ctx, []kv.Key{o, i})
}

// scan yields (kind, other end) for every index entry of id in direction dir.
func (g *KVGraph) scan(ctx context.Context, id node.ID, dir Direction) iter.Seq2[Edge, error] {
	plen := len(g.prefix)
	return func(yield func(Edge, error) bool) {
		for entry, err := range g.store.List(ctx, g.indexPrefix(id, dir)) {
			if err != nil {
				yield(Edge{}, err)
				return
			}
			k := entry.Key
			if len(k) != plen+4 {
				continue
			}
			e := Edge{From: id, Kind: Kind(k[plen+2]), To: node.ID(k[plen+3])}
			if dir == In {
				e.From, e.To = e.To, id
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (g *KVGraph) Edges(ctx context.Context, id node.ID) ([]Edge, error) {
	if err := checkIDs(id); err != nil {
		return nil, err
	}
	var edges []Edge
	for e, err := range g.scan(ctx, id, Out) {
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	for e, err := range g.scan(ctx, id, In) {
		if err != nil {
			return nil, err
		}
		// Self-loops were already collected by the out scan.
		if e.From == id {
			continue
		}
		edges = append(edges, e)
	}
	return edges, nil
}

func (g *KVGraph) Adjacent(ctx context.Context, id node.ID, dir Direction, limit int, kinds ...Kind) ([]node.ID, error) {
	if err := checkIDs(id); err != nil {
		return nil, err
	}
	if err := checkKinds(kinds...); err != nil {
		return nil, err
	}
	seen := make(map[node.ID]struct{})
	var out []node.ID
	for e, err := range g.scan(ctx, id, dir) {
		if err != nil {
			return nil, err
		}
		if len(kinds) > 0 && !slices.Contains(kinds, e.Kind) {
			continue
		}
		other := e.To
		if dir == In {
			other = e.From
		}
		if _, ok := seen[other]; ok {
			continue
		}
		seen[other] = struct{}{}
		out = append(out, other)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (g *KVGraph) Reach(ctx context.Context, id node.ID, dir Direction, hops, limit int, kinds ...Kind) (map[node.ID]int, error) {
	if err := checkIDs(id); err != nil {
		return nil, err
	}
	dist := make(map[node.ID]int)
	frontier := []node.ID{id}
	for hop := 1; hop <= hops && len(frontier) > 0; hop++ {
		var next []node.ID
		for _, cur := range frontier {
			adj, err := g.Adjacent(ctx, cur, dir, 0, kinds...)
			if err != nil {
				return nil, err
			}
			for _, n := range adj {
				if n == id {
					continue
				}
				if _, ok := dist[n]; ok {
					continue
				}
				dist[n] = hop
				next = append(next, n)
				if limit > 0 && len(dist) >= limit {
					return dist, nil
				}
			}
		}
		frontier = next
	}
	return dist, nil
}
