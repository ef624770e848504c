// Package viewport drives progressive loading on the client: it turns the
// visible area into tile keys, serves what it can from the local tile
// store, fetches the rest and merges everything into one working set keyed
// by coordinate hash.
package viewport

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"sync"

	"github.com/paulmach/orb"
	"golang.org/x/sync/singleflight"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/columnar"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/query"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/tile"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/tilestore"
)

// ErrNoBase is returned by Update before a base node set was loaded.
var ErrNoBase = errors.New("viewport: base nodes not loaded")

// ceilingMeta is the metadata entry holding the degree ceiling of the
// stored base set.
const ceilingMeta = "degree_ceiling"

// Fetcher loads node sets from the server.
type Fetcher interface {
	FetchBase(ctx context.Context) (*columnar.Batch, error)

	// FetchTile returns the nodes of q. An empty tile is an empty slice.
	FetchTile(ctx context.Context, q query.TileQuery) ([]node.Node, error)
}

// Viewport is the visible area in layout coordinates and the renderer
// scale.
type Viewport struct {
	Bounds orb.Bound
	Scale  float64
}

// Config configures a Controller.
type Config struct {
	Fetcher Fetcher

	// Store is the local tile cache. Optional.
	Store *tilestore.Store

	// OnMerge receives the nodes newly added to the working set. It runs on
	// the goroutine that merged them and must not call back into the
	// controller's Update.
	OnMerge func(added []node.Node)

	// MaxRequests defaults to MaxRequests.
	MaxRequests int

	// Margin defaults to PrefetchMargin. Negative disables prefetch.
	Margin int
}

// Plan reports what one Update did.
type Plan struct {
	Zoom    int
	Cached  []tile.Key
	Fetched []tile.Key

	// Deferred counts misses beyond the request cap. They are picked up by
	// a later update.
	Deferred int
}

// Controller owns the working set. The working set only grows: a node
// once merged is never dropped, so zooming out keeps detail already loaded.
type Controller struct {
	cfg Config
	sf  singleflight.Group
	wg  sync.WaitGroup

	mu       sync.Mutex
	nodes    map[string]node.Node
	order    []string
	merged   map[tile.Key]bool
	inflight map[tile.Key]bool
	ceiling  float64
}

// New returns a controller with an empty working set.
func New(cfg Config) *Controller {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = MaxRequests
	}
	if cfg.Margin == 0 {
		cfg.Margin = PrefetchMargin
	}
	return &Controller{
		cfg:      cfg,
		nodes:    make(map[string]node.Node),
		merged:   make(map[tile.Key]bool),
		inflight: make(map[tile.Key]bool),
	}
}

// LoadBase fills the working set with the base node set, from the store
// when it holds a valid snapshot and from the fetcher otherwise, and sets
// the degree ceiling the tile bands are computed from.
func (c *Controller) LoadBase(ctx context.Context) error {
	if st := c.cfg.Store; st != nil {
		base, err := st.LoadBaseNodes(ctx)
		if err == nil {
			ceiling := base.MinDegree
			if v, _, err := st.LoadMetadata(ctx, ceilingMeta); err == nil {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					ceiling = f
				}
			}
			c.setBase(base.Nodes, ceiling)
			slog.Debug("viewport: base nodes from store", "nodes", len(base.Nodes), "ceiling", ceiling)
			return nil
		}
		if !errors.Is(err, tilestore.ErrNotFound) {
			slog.Warn("viewport: base store read failed", "err", err)
		}
	}

	batch, err := c.cfg.Fetcher.FetchBase(ctx)
	if err != nil {
		return fmt.Errorf("viewport: fetch base nodes: %w", err)
	}
	nodes, err := batch.Nodes()
	if err != nil {
		return fmt.Errorf("viewport: decode base nodes: %w", err)
	}
	ceiling := batch.MinDegree()
	if batch.DegreeCeiling != nil {
		ceiling = *batch.DegreeCeiling
	}
	if st := c.cfg.Store; st != nil {
		if err := st.SaveBaseNodes(ctx, nodes); err != nil {
			slog.Warn("viewport: base store write failed", "err", err)
		} else if err := st.SaveMetadata(ctx, ceilingMeta, strconv.FormatFloat(ceiling, 'f', -1, 64)); err != nil {
			slog.Warn("viewport: ceiling store write failed", "err", err)
		}
	}
	c.setBase(nodes, ceiling)
	slog.Debug("viewport: base nodes fetched", "nodes", len(nodes), "ceiling", ceiling)
	return nil
}

func (c *Controller) setBase(nodes []node.Node, ceiling float64) {
	c.mu.Lock()
	c.ceiling = ceiling
	c.mu.Unlock()
	c.merge(nil, nodes)
}

// Update brings the working set up to date with vp. Cached tiles are merged
// before it returns; fetches run in the background and merge on arrival.
func (c *Controller) Update(ctx context.Context, vp Viewport) (*Plan, error) {
	zoom := ZoomFor(vp.Scale)
	plan := &Plan{Zoom: zoom}

	c.mu.Lock()
	ceiling := c.ceiling
	c.mu.Unlock()
	if ceiling <= 0 {
		if zoom == 0 {
			return plan, nil
		}
		return nil, ErrNoBase
	}

	wanted, err := Keys(vp.Bounds, zoom, max(c.cfg.Margin, 0))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	missing := wanted[:0]
	for _, k := range wanted {
		if !c.merged[k] && !c.inflight[k] {
			missing = append(missing, k)
		}
	}
	c.mu.Unlock()
	if len(missing) == 0 {
		return plan, nil
	}

	if st := c.cfg.Store; st != nil {
		hits, err := st.LoadTiles(ctx, missing, ceiling)
		if err != nil {
			slog.Warn("viewport: tile store read failed", "err", err)
		}
		rest := missing[:0]
		for _, k := range missing {
			if nodes, ok := hits[k]; ok {
				c.merge(&k, nodes)
				plan.Cached = append(plan.Cached, k)
				continue
			}
			rest = append(rest, k)
		}
		missing = rest
	}

	center := vp.Bounds.Center()
	slices.SortStableFunc(missing, func(a, b tile.Key) int {
		return cmp.Or(cmp.Compare(a.Band, b.Band), cmp.Compare(distance(a, center), distance(b, center)))
	})
	if len(missing) > c.cfg.MaxRequests {
		plan.Deferred = len(missing) - c.cfg.MaxRequests
		missing = missing[:c.cfg.MaxRequests]
	}

	limit := max(TileLimit(zoom), 1)
	c.mu.Lock()
	for _, k := range missing {
		c.inflight[k] = true
	}
	c.mu.Unlock()
	for _, k := range missing {
		plan.Fetched = append(plan.Fetched, k)
		c.fetch(context.WithoutCancel(ctx), query.TileQuery{Key: k, Ceiling: ceiling, Limit: limit})
	}
	return plan, nil
}

// Keys returns the tiles a viewport over b needs at zoom: for every band up
// to zoom, the cells of that band's grid covering b plus margin rings.
func Keys(b orb.Bound, zoom, margin int) ([]tile.Key, error) {
	var keys []tile.Key
	for band := 1; band <= zoom; band++ {
		cells, err := tile.CoverWithMargin(b, band, margin)
		if err != nil {
			return nil, err
		}
		for _, cell := range cells {
			keys = append(keys, tile.Key{Zoom: band, GX: cell.GX, GY: cell.GY, Band: band})
		}
	}
	return keys, nil
}

func (c *Controller) fetch(ctx context.Context, q query.TileQuery) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		v, err, _ := c.sf.Do(q.CachePath("client"), func() (any, error) {
			return c.cfg.Fetcher.FetchTile(ctx, q)
		})

		c.mu.Lock()
		delete(c.inflight, q.Key)
		c.mu.Unlock()
		if err != nil {
			slog.Warn("viewport: tile fetch failed", "tile", q.Key.String(), "err", err)
			return
		}
		nodes := v.([]node.Node)
		if st := c.cfg.Store; st != nil {
			if err := st.SaveTile(ctx, q.Key, q.Ceiling, nodes); err != nil {
				slog.Warn("viewport: tile store write failed", "tile", q.Key.String(), "err", err)
			}
		}
		c.merge(&q.Key, nodes)
	}()
}

// merge adds nodes not yet in the working set and marks key as merged.
func (c *Controller) merge(key *tile.Key, nodes []node.Node) {
	var added []node.Node
	c.mu.Lock()
	for _, n := range nodes {
		h := n.CoordHash()
		if _, ok := c.nodes[h]; ok {
			continue
		}
		c.nodes[h] = n
		c.order = append(c.order, h)
		added = append(added, n)
	}
	if key != nil {
		c.merged[*key] = true
	}
	c.mu.Unlock()
	if len(added) > 0 && c.cfg.OnMerge != nil {
		c.cfg.OnMerge(added)
	}
}

// Wait blocks until every fetch started so far has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Nodes returns a snapshot of the working set in merge order.
func (c *Controller) Nodes() []node.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]node.Node, len(c.order))
	for i, h := range c.order {
		out[i] = c.nodes[h]
	}
	return out
}

// Len returns the size of the working set.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// DegreeCeiling returns the ceiling loaded with the base set, 0 before.
func (c *Controller) DegreeCeiling() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ceiling
}

// MergedKeys returns the tile keys merged so far.
func (c *Controller) MergedKeys() []tile.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]tile.Key, 0, len(c.merged))
	for k := range c.merged {
		out = append(out, k)
	}
	slices.SortFunc(out, func(a, b tile.Key) int {
		return cmp.Or(cmp.Compare(a.Band, b.Band), cmp.Compare(a.GY, b.GY), cmp.Compare(a.GX, b.GX))
	})
	return out
}

func distance(k tile.Key, p orb.Point) float64 {
	c := k.Bounds().Center()
	return math.Hypot(c.X()-p.X(), c.Y()-p.Y())
}
