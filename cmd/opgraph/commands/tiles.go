package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/viewport"
)

var (
	tilesBounds string
	tilesScales []float64
	tilesMargin int
)

var tilesCmd = &cobra.Command{
	Use:   "tiles",
	Short: "Compute and fetch tiles for a viewport",
}

var tilesKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Print the tile keys a viewport needs",
	Long: `Print the zoom, the per-tile node limit and the tile keys the viewport
controller requests for the given bounds and renderer scale.

Examples:
  opgraph tiles keys --bounds 0.4,0.4,0.6,0.6 --scale 0.2
  opgraph tiles keys --bounds 0,0,1,1 --scale 3 --jq '.keys | length'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := parseBounds(tilesBounds)
		if err != nil {
			return err
		}
		var out []tileKeysResult
		for _, scale := range tilesScales {
			zoom := viewport.ZoomFor(scale)
			keys, err := viewport.Keys(b, zoom, tilesMargin)
			if err != nil {
				return err
			}
			res := tileKeysResult{Scale: scale, Zoom: zoom, Limit: viewport.TileLimit(zoom), Keys: []string{}}
			for _, k := range keys {
				res.Keys = append(res.Keys, k.String())
			}
			out = append(out, res)
		}
		if len(out) == 1 {
			return printResult(cmd, out[0])
		}
		return printResult(cmd, out)
	},
}

type tileKeysResult struct {
	Scale float64  `json:"scale"`
	Zoom  int      `json:"zoom"`
	Limit int      `json:"limit"`
	Keys  []string `json:"keys"`
}

var tilesFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch base nodes and tiles into the local store",
	Long: `Load the base node set and every tile the viewport needs at each scale
into the local tile store. Tiles already stored and still valid are not
fetched again. Scales are processed in parallel.

Examples:
  opgraph tiles fetch --bounds 0.4,0.4,0.6,0.6 --scale 0.2
  opgraph tiles fetch --bounds 0,0,1,1 --scale 0.1 --scale 0.3 --scale 1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := parseBounds(tilesBounds)
		if err != nil {
			return err
		}
		cfg, err := loadClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, closeStore, err := openTileStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		hdr := authHeader(cfg)
		ctrl := viewport.New(viewport.Config{
			Fetcher: &viewport.HTTPFetcher{
				BaseURL:       cfg.Server,
				Header:        hdr,
				Authenticated: hdr != nil,
				Store:         store,
			},
			Store:  store,
			Margin: controllerMargin(tilesMargin),
		})
		if err := ctrl.LoadBase(ctx); err != nil {
			return err
		}

		results := make([]tileFetchResult, len(tilesScales))
		g, gctx := errgroup.WithContext(ctx)
		for i, scale := range tilesScales {
			g.Go(func() error {
				res := &results[i]
				res.Scale = scale
				for range maxFetchRounds {
					plan, err := ctrl.Update(gctx, viewport.Viewport{Bounds: b, Scale: scale})
					if err != nil {
						return err
					}
					res.Zoom = plan.Zoom
					res.Cached += len(plan.Cached)
					res.Fetched += len(plan.Fetched)
					res.Deferred = plan.Deferred
					if plan.Deferred == 0 {
						return nil
					}
					ctrl.Wait()
				}
				return nil
			})
		}
		err = g.Wait()
		ctrl.Wait()
		if err != nil {
			return err
		}
		return printResult(cmd, tilesFetchSummary{
			GraphVersion:  store.GraphVersion(),
			DegreeCeiling: ctrl.DegreeCeiling(),
			Nodes:         ctrl.Len(),
			Scales:        results,
		})
	},
}

// maxFetchRounds bounds the update loop of one scale when tiles keep
// failing.
const maxFetchRounds = 64

type tileFetchResult struct {
	Scale   float64 `json:"scale"`
	Zoom    int     `json:"zoom"`
	Cached  int     `json:"cached"`
	Fetched int     `json:"fetched"`

	// Deferred is left over after the last round.
	Deferred int `json:"deferred,omitempty"`
}

// controllerMargin maps the flag to viewport.Config.Margin, where zero means
// the default ring.
func controllerMargin(m int) int {
	if m <= 0 {
		return -1
	}
	return m
}

type tilesFetchSummary struct {
	GraphVersion  string            `json:"graph_version"`
	DegreeCeiling float64           `json:"degree_ceiling"`
	Nodes         int               `json:"nodes"`
	Scales        []tileFetchResult `json:"scales"`
}

// parseBounds reads "minx,miny,maxx,maxy".
func parseBounds(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bounds: want minx,miny,maxx,maxy, got %q", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("bounds: %w", err)
		}
		v[i] = f
	}
	if v[0] > v[2] || v[1] > v[3] {
		return orb.Bound{}, fmt.Errorf("bounds: min exceeds max in %q", s)
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

func init() {
	for _, c := range []*cobra.Command{tilesKeysCmd, tilesFetchCmd} {
		c.Flags().StringVar(&tilesBounds, "bounds", "0,0,1,1", "viewport bounds minx,miny,maxx,maxy in layout units")
		c.Flags().Float64SliceVar(&tilesScales, "scale", []float64{0.2}, "renderer scale (repeatable)")
		c.Flags().IntVar(&tilesMargin, "margin", viewport.PrefetchMargin, "prefetch ring in cells")
	}
	tilesCmd.AddCommand(tilesKeysCmd, tilesFetchCmd)
	rootCmd.AddCommand(tilesCmd)
}
