// Package cachepolicy decides the caching headers of each endpoint kind and
// enforces a per-client request budget.
package cachepolicy

import (
	"net/http"
	"strconv"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/tile"
)

// Kind is an endpoint class sharing one caching policy.
type Kind int

const (
	// Tile responses are immutable for a graph version.
	Tile Kind = iota
	// BaseNodes depend on the viewer and the live consent table.
	BaseNodes
	// Consent responses are per-user.
	Consent
	// Changes are replayed change-feed events.
	Changes
)

func (k Kind) String() string {
	switch k {
	case Tile:
		return "tile"
	case BaseNodes:
		return "base_nodes"
	case Consent:
		return "consent"
	case Changes:
		return "changes"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// CacheControl returns the Cache-Control value of k.
func (k Kind) CacheControl() string {
	switch k {
	case Tile:
		return "public, max-age=3600, s-maxage=604800"
	case Consent:
		return "private, no-cache"
	}
	return "no-store"
}

// Header names.
const (
	HeaderGraphVersion  = "X-Graph-Version"
	HeaderTileKey       = "X-Tile-Key"
	HeaderTileEmpty     = "X-Tile-Empty"
	HeaderDegreeCeiling = "X-Degree-Ceiling"
)

// Apply sets the caching headers of k on h.
func Apply(h http.Header, k Kind, graphVersion string) {
	h.Set("Cache-Control", k.CacheControl())
	switch k {
	case Tile, BaseNodes:
		if graphVersion != "" {
			h.Set(HeaderGraphVersion, graphVersion)
		}
	}
	if k == BaseNodes || k == Consent {
		h.Add("Vary", "Cookie")
		h.Add("Vary", "Authorization")
	}
}

// ApplyTile sets the tile headers, including the tile key.
func ApplyTile(h http.Header, key tile.Key, graphVersion string) {
	Apply(h, Tile, graphVersion)
	h.Set(HeaderTileKey, key.String())
}
