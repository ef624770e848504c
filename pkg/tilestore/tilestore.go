// Package tilestore is the client-resident cache of the progressive graph
// loader. It keeps three partitions in one kv.Store:
//
//	{prefix}:base:current      base node snapshot (nodes + degree floor)
//	{prefix}:tile:{tileKey}    one record per tile key
//	{prefix}:meta:{name}       free-form metadata values
//	{prefix}:version           served graph version (raw, ungated)
//
// Every read checks the record's age against the TTL and its schema and
// graph version against the current ones. A record failing any check, or
// failing to decode, reads as ErrNotFound so callers always fall back to the
// network.
package tilestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/jsontime"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/kv"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/tile"
)

// Sentinel errors.
var (
	// ErrNotFound is returned for missing, expired, version-mismatched or
	// corrupt records.
	ErrNotFound = errors.New("tilestore: not found")

	// ErrInvalidKey is returned for empty names or names containing the kv
	// separator.
	ErrInvalidKey = errors.New("tilestore: invalid key")
)

const (
	// SchemaVersion is bumped whenever the stored record layout changes.
	SchemaVersion = 4

	// DefaultTTL is how long a record stays servable.
	DefaultTTL = 24 * time.Hour

	baseName = "current"
)

// DefaultPrefix scopes all keys of a Store.
var DefaultPrefix = kv.Key{"tiles"}

// BaseNodes is the persisted base node snapshot.
type BaseNodes struct {
	Nodes []node.Node `msgpack:"nodes"`

	// MinDegree is the lowest degree in Nodes. Tiles use it as the degree
	// ceiling of band 1.
	MinDegree float64 `msgpack:"min_degree"`

	// SavedAt is filled on load.
	SavedAt jsontime.Milli `msgpack:"-"`
}

// Tile is one persisted tile.
type Tile struct {
	Key tile.Key `msgpack:"key"`

	// Ceiling is the quantized degree ceiling the tile's band was cut at.
	// A tile is only valid for the base set with the same ceiling.
	Ceiling int64       `msgpack:"ceiling"`
	Nodes   []node.Node `msgpack:"nodes"`
}

// Options configures a Store.
type Options struct {
	// Prefix scopes all keys. Defaults to DefaultPrefix.
	Prefix kv.Key

	// TTL defaults to DefaultTTL.
	TTL time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store is the local tile cache.
type Store struct {
	kv     kv.Store
	prefix kv.Key
	gate   *gate

	base  *Keyed[BaseNodes]
	tiles *Keyed[Tile]
	meta  *Keyed[string]
}

// Open creates a Store over s and restores the graph version persisted by a
// previous process.
func Open(ctx context.Context, s kv.Store, opts Options) (*Store, error) {
	prefix := opts.Prefix
	if len(prefix) == 0 {
		prefix = DefaultPrefix
	}
	g := &gate{ttl: opts.TTL, now: opts.Now, schema: SchemaVersion}
	if g.ttl <= 0 {
		g.ttl = DefaultTTL
	}
	if g.now == nil {
		g.now = time.Now
	}

	st := &Store{
		kv:     s,
		prefix: prefix,
		gate:   g,
		base:   newKeyed[BaseNodes](s, prefix.Append("base"), g),
		tiles:  newKeyed[Tile](s, prefix.Append("tile"), g),
		meta:   newKeyed[string](s, prefix.Append("meta"), g),
	}

	v, err := s.Get(ctx, st.versionKey())
	switch {
	case err == nil:
		g.setGraphVersion(string(v))
	case errors.Is(err, kv.ErrNotFound):
	default:
		return nil, fmt.Errorf("tilestore: read graph version: %w", err)
	}
	return st, nil
}

func (s *Store) versionKey() kv.Key {
	return s.prefix.Append("version")
}

// GraphVersion returns the graph version records are currently gated on.
func (s *Store) GraphVersion() string {
	return s.gate.graphVersion()
}

// SetGraphVersion switches the gate to v and persists it. Records written
// under another version become invisible at once and are removed by Prune.
// It reports whether the version changed.
func (s *Store) SetGraphVersion(ctx context.Context, v string) (bool, error) {
	if v == s.gate.graphVersion() {
		return false, nil
	}
	if err := s.kv.Set(ctx, s.versionKey(), []byte(v)); err != nil {
		return false, fmt.Errorf("tilestore: persist graph version: %w", err)
	}
	old := s.gate.graphVersion()
	s.gate.setGraphVersion(v)
	slog.Info("tilestore: graph version changed", "from", old, "to", v)
	return true, nil
}

// SaveBaseNodes replaces the base node snapshot.
func (s *Store) SaveBaseNodes(ctx context.Context, nodes []node.Node) error {
	return s.base.Put(ctx, baseName, BaseNodes{Nodes: nodes, MinDegree: MinDegree(nodes)})
}

// LoadBaseNodes returns the base node snapshot.
func (s *Store) LoadBaseNodes(ctx context.Context) (*BaseNodes, error) {
	b, at, err := s.base.Get(ctx, baseName)
	if err != nil {
		return nil, err
	}
	b.SavedAt = at
	return &b, nil
}

// SaveTile stores the nodes of key, cut at ceiling.
func (s *Store) SaveTile(ctx context.Context, key tile.Key, ceiling float64, nodes []node.Node) error {
	return s.tiles.Put(ctx, key.String(), Tile{Key: key, Ceiling: tile.QuantizeCeiling(ceiling), Nodes: nodes})
}

// LoadTile returns the nodes of key. A tile cut at another ceiling is
// ErrNotFound.
func (s *Store) LoadTile(ctx context.Context, key tile.Key, ceiling float64) ([]node.Node, error) {
	t, _, err := s.tiles.Get(ctx, key.String())
	if err != nil {
		return nil, err
	}
	if t.Ceiling != tile.QuantizeCeiling(ceiling) {
		return nil, ErrNotFound
	}
	return t.Nodes, nil
}

// LoadTiles returns the cached tiles among keys that were cut at ceiling.
// Other keys are absent from the result.
func (s *Store) LoadTiles(ctx context.Context, keys []tile.Key, ceiling float64) (map[tile.Key][]node.Node, error) {
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	got, err := s.tiles.GetMany(ctx, names)
	if err != nil {
		return nil, err
	}
	want := tile.QuantizeCeiling(ceiling)
	out := make(map[tile.Key][]node.Node, len(got))
	for _, t := range got {
		if t.Ceiling != want {
			continue
		}
		out[t.Key] = t.Nodes
	}
	return out, nil
}

// HasTile reports whether a valid record exists for key.
func (s *Store) HasTile(ctx context.Context, key tile.Key) (bool, error) {
	return s.tiles.Has(ctx, key.String())
}

// DeleteTile removes key.
func (s *Store) DeleteTile(ctx context.Context, key tile.Key) error {
	return s.tiles.Delete(ctx, key.String())
}

// CachedTileKeys lists the keys with a valid record, sorted by zoom, band
// and grid position.
func (s *Store) CachedTileKeys(ctx context.Context) ([]tile.Key, error) {
	names, err := s.tiles.Names(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]tile.Key, 0, len(names))
	for _, n := range names {
		k, err := tile.ParseKey(n)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeys)
	return keys, nil
}

func compareKeys(a, b tile.Key) int {
	switch {
	case a.Zoom != b.Zoom:
		return a.Zoom - b.Zoom
	case a.Band != b.Band:
		return a.Band - b.Band
	case a.GY != b.GY:
		return a.GY - b.GY
	}
	return a.GX - b.GX
}

// ClearTiles removes every tile record.
func (s *Store) ClearTiles(ctx context.Context) (int, error) {
	return s.tiles.Clear(ctx)
}

// ClearAll removes every record of every partition and the persisted graph
// version.
func (s *Store) ClearAll(ctx context.Context) error {
	if _, err := s.kv.DeletePrefix(ctx, s.prefix); err != nil {
		return err
	}
	s.gate.setGraphVersion("")
	return nil
}

// SaveMetadata stores a free-form value.
func (s *Store) SaveMetadata(ctx context.Context, name, value string) error {
	return s.meta.Put(ctx, name, value)
}

// LoadMetadata returns a metadata value and when it was saved.
func (s *Store) LoadMetadata(ctx context.Context, name string) (string, jsontime.Milli, error) {
	return s.meta.Get(ctx, name)
}

// Prune removes records that can no longer be served from every partition.
func (s *Store) Prune(ctx context.Context) (int, error) {
	total := 0
	for _, p := range []interface {
		Prune(context.Context) (int, error)
	}{s.base, s.tiles, s.meta} {
		n, err := p.Prune(ctx)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Stats summarizes the valid content of the store.
type Stats struct {
	GraphVersion string         `json:"graph_version" yaml:"graph_version"`
	Tiles        int            `json:"tiles" yaml:"tiles"`
	TileNodes    int            `json:"tile_nodes" yaml:"tile_nodes"`
	BaseNodes    int            `json:"base_nodes" yaml:"base_nodes"`
	BaseSavedAt  jsontime.Milli `json:"base_saved_at" yaml:"base_saved_at"`
	MinDegree    float64        `json:"min_degree" yaml:"min_degree"`
}

// Stats walks the store and counts valid records.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{GraphVersion: s.GraphVersion()}
	keys, err := s.CachedTileKeys(ctx)
	if err != nil {
		return nil, err
	}
	tiles, err := s.LoadTiles(ctx, keys)
	if err != nil {
		return nil, err
	}
	st.Tiles = len(tiles)
	for _, nodes := range tiles {
		st.TileNodes += len(nodes)
	}
	base, err := s.LoadBaseNodes(ctx)
	switch {
	case err == nil:
		st.BaseNodes = len(base.Nodes)
		st.BaseSavedAt = base.SavedAt
		st.MinDegree = base.MinDegree
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	return st, nil
}

// MinDegree returns the lowest degree among nodes, or 0 for an empty set.
func MinDegree(nodes []node.Node) float64 {
	if len(nodes) == 0 {
		return 0
	}
	m := math.Inf(1)
	for i := range nodes {
		m = math.Min(m, nodes[i].Degree)
	}
	return m
}
