package tilestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/jsontime"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/kv"
)

// envelope wraps every stored value with the data needed to decide whether
// it may still be served.
type envelope[V any] struct {
	SavedAt jsontime.Milli `msgpack:"saved_at"`
	Schema  int            `msgpack:"schema"`
	Graph   string         `msgpack:"graph"`
	Value   V              `msgpack:"value"`
}

// gate holds the validity rules shared by every partition of a Store.
type gate struct {
	ttl    time.Duration
	now    func() time.Time
	schema int

	mu    sync.RWMutex
	graph string
}

func (g *gate) graphVersion() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.graph
}

func (g *gate) setGraphVersion(v string) {
	g.mu.Lock()
	g.graph = v
	g.mu.Unlock()
}

// valid reports whether a record saved at savedAt under (schema, graph) may
// be served now.
func (g *gate) valid(savedAt jsontime.Milli, schema int, graph string) bool {
	if schema != g.schema || graph != g.graphVersion() {
		return false
	}
	age := g.now().Sub(savedAt.Time())
	return age >= 0 && age < g.ttl
}

// Keyed is a TTL- and version-aware typed view over one key prefix of a
// kv.Store. Values are msgpack-encoded inside an envelope. Any record that
// is expired, from another schema or graph version, or undecodable reads as
// ErrNotFound and is removed in the background of the read.
type Keyed[V any] struct {
	store  kv.Store
	prefix kv.Key
	gate   *gate
}

func newKeyed[V any](store kv.Store, prefix kv.Key, g *gate) *Keyed[V] {
	return &Keyed[V]{store: store, prefix: prefix, gate: g}
}

func (k *Keyed[V]) key(name string) (kv.Key, error) {
	if name == "" || strings.IndexByte(name, kv.DefaultSeparator) >= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, name)
	}
	return k.prefix.Append(name), nil
}

// Put stores v under name, stamped with the current time and versions.
func (k *Keyed[V]) Put(ctx context.Context, name string, v V) error {
	key, err := k.key(name)
	if err != nil {
		return err
	}
	data, err := k.encode(v)
	if err != nil {
		return err
	}
	return k.store.Set(ctx, key, data)
}

// PutMany stores several values in one batch.
func (k *Keyed[V]) PutMany(ctx context.Context, values map[string]V) error {
	entries := make([]kv.Entry, 0, len(values))
	for name, v := range values {
		key, err := k.key(name)
		if err != nil {
			return err
		}
		data, err := k.encode(v)
		if err != nil {
			return err
		}
		entries = append(entries, kv.Entry{Key: key, Value: data})
	}
	return k.store.BatchSet(ctx, entries)
}

func (k *Keyed[V]) encode(v V) ([]byte, error) {
	env := envelope[V]{
		SavedAt: jsontime.Milli(k.gate.now()),
		Schema:  k.gate.schema,
		Graph:   k.gate.graphVersion(),
		Value:   v,
	}
	data, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("tilestore: encode %s: %w", k.prefix, err)
	}
	return data, nil
}

// decode returns the value and its save time, or ok=false when the record
// must not be served.
func (k *Keyed[V]) decode(ctx context.Context, key kv.Key, data []byte) (v V, savedAt jsontime.Milli, ok bool) {
	var env envelope[V]
	if err := msgpack.Unmarshal(data, &env); err != nil {
		slog.Debug("tilestore: dropping undecodable record", "key", key.String(), "error", err)
		k.discard(ctx, key)
		return v, savedAt, false
	}
	if !k.gate.valid(env.SavedAt, env.Schema, env.Graph) {
		slog.Debug("tilestore: dropping stale record", "key", key.String(),
			"saved_at", env.SavedAt, "graph", env.Graph)
		k.discard(ctx, key)
		return v, savedAt, false
	}
	return env.Value, env.SavedAt, true
}

func (k *Keyed[V]) discard(ctx context.Context, key kv.Key) {
	if err := k.store.Delete(ctx, key); err != nil {
		slog.Debug("tilestore: delete stale record failed", "key", key.String(), "error", err)
	}
}

// Get returns the value stored under name and when it was saved.
func (k *Keyed[V]) Get(ctx context.Context, name string) (V, jsontime.Milli, error) {
	var zero V
	key, err := k.key(name)
	if err != nil {
		return zero, jsontime.Milli{}, err
	}
	data, err := k.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return zero, jsontime.Milli{}, ErrNotFound
		}
		return zero, jsontime.Milli{}, err
	}
	v, at, ok := k.decode(ctx, key, data)
	if !ok {
		return zero, jsontime.Milli{}, ErrNotFound
	}
	return v, at, nil
}

// GetMany returns the valid values among names. Missing or invalid names
// are absent from the result.
func (k *Keyed[V]) GetMany(ctx context.Context, names []string) (map[string]V, error) {
	keys := make([]kv.Key, 0, len(names))
	for _, name := range names {
		key, err := k.key(name)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	raw, err := k.store.BatchGet(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]V, len(raw))
	for _, key := range keys {
		data, found := raw[key.String()]
		if !found {
			continue
		}
		if v, _, ok := k.decode(ctx, key, data); ok {
			out[key.Last()] = v
		}
	}
	return out, nil
}

// Has reports whether a valid value exists under name.
func (k *Keyed[V]) Has(ctx context.Context, name string) (bool, error) {
	_, _, err := k.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes name.
func (k *Keyed[V]) Delete(ctx context.Context, name string) error {
	key, err := k.key(name)
	if err != nil {
		return err
	}
	return k.store.Delete(ctx, key)
}

// Names lists the names holding valid values, in lexicographic order.
func (k *Keyed[V]) Names(ctx context.Context) ([]string, error) {
	var names []string
	for e, err := range k.store.List(ctx, k.prefix) {
		if err != nil {
			return nil, err
		}
		if len(e.Key) != len(k.prefix)+1 {
			continue
		}
		if _, _, ok := k.decode(ctx, e.Key, e.Value); ok {
			names = append(names, e.Key.Last())
		}
	}
	return names, nil
}

// Prune deletes every record that may no longer be served and returns how
// many were removed.
func (k *Keyed[V]) Prune(ctx context.Context) (int, error) {
	var stale []kv.Key
	for e, err := range k.store.List(ctx, k.prefix) {
		if err != nil {
			return 0, err
		}
		var env envelope[msgpack.RawMessage]
		if err := msgpack.Unmarshal(e.Value, &env); err != nil || !k.gate.valid(env.SavedAt, env.Schema, env.Graph) {
			stale = append(stale, e.Key)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := k.store.BatchDelete(ctx, stale); err != nil {
		return 0, err
	}
	return len(stale), nil
}

// Clear removes every record of the partition.
func (k *Keyed[V]) Clear(ctx context.Context) (int, error) {
	return k.store.DeletePrefix(ctx, k.prefix)
}
