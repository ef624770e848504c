package viewport

import (
	"math"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/tile"
)

// Level describes one zoom level of the renderer.
type Level struct {
	MinScale float64
	MaxScale float64

	// MaxNodes is the node budget of a viewport at this level.
	MaxNodes int

	// Grid is the tile edge length, equal to tile.GridSizes of the level.
	Grid float64
}

// Levels is indexed by zoom.
var Levels = [...]Level{
	{MinScale: 0, MaxScale: 0.05, MaxNodes: 0, Grid: tile.GridSizes[0]},
	{MinScale: 0.05, MaxScale: 0.15, MaxNodes: 20000, Grid: tile.GridSizes[1]},
	{MinScale: 0.15, MaxScale: 0.5, MaxNodes: 50000, Grid: tile.GridSizes[2]},
	{MinScale: 0.5, MaxScale: 2, MaxNodes: 100000, Grid: tile.GridSizes[3]},
	{MinScale: 2, MaxScale: math.Inf(1), MaxNodes: 150000, Grid: tile.GridSizes[4]},
}

const (
	// MaxRequests caps new tile fetches per update.
	MaxRequests = 12

	// PrefetchMargin is the ring of cells loaded around the viewport.
	PrefetchMargin = 1

	minTileLimit = 2000
)

// ZoomFor returns the zoom of scale. Scales past the last level map to it.
func ZoomFor(scale float64) int {
	for z, l := range Levels {
		if scale >= l.MinScale && scale < l.MaxScale {
			return z
		}
	}
	if scale < 0 {
		return 0
	}
	return len(Levels) - 1
}

// TileLimit is the per-tile node limit at zoom: the level budget spread
// over a full batch of requests, at least 2000 and at most the budget.
func TileLimit(zoom int) int {
	budget := Levels[zoom].MaxNodes
	return min(budget, max(minTileLimit, int(math.Ceil(float64(budget)/MaxRequests))))
}
