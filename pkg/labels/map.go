// Package labels keeps a client's view of labels and node types and keeps
// it current from the change feed.
package labels

import (
	"maps"
	"sync"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/broadcast"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/jsontime"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
)

// stamp orders writes to one coord hash.
type stamp struct {
	ts      int64
	version int64
	id      uint64
}

func stampOf(e *broadcast.Event) stamp {
	return stamp{ts: e.Timestamp.UnixMilli(), version: e.Version, id: e.ID}
}

// after orders two writes. Repositories keep timestamps strictly
// increasing per account, so the timestamp decides first; versions restart
// with an in-process repository and only break ties.
func (s stamp) after(o stamp) bool {
	switch {
	case s.ts != o.ts:
		return s.ts > o.ts
	case s.version != o.version:
		return s.version > o.version
	}
	return s.id > o.id
}

type labelEntry struct {
	text    string
	removed bool
	at      stamp
}

type typeEntry struct {
	nodeType node.Type
	at       stamp
}

// Map is a last-write-wins map keyed by coord hash. Each key keeps the
// stamp (timestamp, version, event id) of its latest write; removals stay as
// tombstones so an older add delivered late is ignored.
type Map struct {
	mu     sync.RWMutex
	labels map[string]labelEntry
	types  map[string]typeEntry
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{
		labels: make(map[string]labelEntry),
		types:  make(map[string]typeEntry),
	}
}

// Seed loads a full label snapshot, such as the labelMap of the consent
// labels endpoint, stamped at. Newer entries already applied win.
func (m *Map) Seed(snapshot map[string]string, at jsontime.Milli) {
	s := stamp{ts: at.UnixMilli()}
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, text := range snapshot {
		if cur, ok := m.labels[hash]; ok && !s.after(cur.at) {
			continue
		}
		m.labels[hash] = labelEntry{text: text, at: s}
	}
}

// Apply applies e and reports whether it changed the map. Applying an
// event twice, or an event older than the key's last write, is a no-op.
func (m *Map) Apply(e broadcast.Event) bool {
	s := stampOf(&e)
	m.mu.Lock()
	defer m.mu.Unlock()
	switch e.Type {
	case broadcast.TypeLabels:
		if cur, ok := m.labels[e.CoordHash]; ok && !s.after(cur.at) {
			return false
		}
		switch e.Action {
		case broadcast.ActionAdd:
			m.labels[e.CoordHash] = labelEntry{text: e.DisplayLabel, at: s}
		case broadcast.ActionRemove:
			m.labels[e.CoordHash] = labelEntry{removed: true, at: s}
		default:
			return false
		}
		return true
	case broadcast.TypeNodeTypes:
		if cur, ok := m.types[e.CoordHash]; ok && !s.after(cur.at) {
			return false
		}
		m.types[e.CoordHash] = typeEntry{nodeType: e.NodeType, at: s}
		return true
	}
	return false
}

// Label returns the label of hash.
func (m *Map) Label(hash string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.labels[hash]
	if !ok || e.removed {
		return "", false
	}
	return e.text, true
}

// Labels returns a snapshot of the visible labels.
func (m *Map) Labels() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.labels))
	for k, e := range m.labels {
		if !e.removed {
			out[k] = e.text
		}
	}
	return out
}

// NodeTypes returns a snapshot of the node type overrides.
func (m *Map) NodeTypes() map[string]node.Type {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]node.Type, len(m.types))
	for k, e := range m.types {
		out[k] = e.nodeType
	}
	return out
}

// Clone returns an independent copy of m.
func (m *Map) Clone() *Map {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Map{labels: maps.Clone(m.labels), types: maps.Clone(m.types)}
}
