// Package tile maps viewports and degree ceilings onto discrete tile keys.
//
// A tile is a square cell of the normalized [0,1]x[0,1] layout at one zoom
// level, combined with a degree band. Zoom levels shrink the cell size, bands
// reveal progressively lower-degree nodes. Every band is the difference
// between two degree thresholds, never a cumulative range, so a client that
// already holds band b-1 only downloads the nodes it is missing.
//
// All functions are pure.
package tile

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// GridSizes is the cell edge length for each zoom level.
var GridSizes = [...]float64{1.0, 0.5, 0.25, 0.1, 0.05}

// BandWidths is the distance below the degree ceiling at which each band
// ends. Band b covers [ceiling-BandWidths[b], ceiling-BandWidths[b-1]).
var BandWidths = [...]float64{0, 0.5, 1.0, 2.5, 10}

const (
	// MaxZoom is the highest valid zoom index.
	MaxZoom = len(GridSizes) - 1

	// MaxBand is the highest valid band index. Its floor is pinned to zero.
	MaxBand = len(BandWidths) - 1

	// CeilingScale quantizes degree ceilings to four decimals.
	CeilingScale = 10_000
)

// ErrInvalid is the base error for rejected tile parameters.
var ErrInvalid = errors.New("tile: invalid parameter")

// FieldError reports which parameter was rejected.
type FieldError struct {
	Field string
}

func (e *FieldError) Error() string {
	return "tile: invalid " + e.Field
}

// Reason returns the machine-readable reason, e.g. "invalid gx".
func (e *FieldError) Reason() string {
	return "invalid " + e.Field
}

func (e *FieldError) Unwrap() error {
	return ErrInvalid
}

func invalid(field string) error {
	return &FieldError{Field: field}
}

// GridCount returns the number of cells per axis at zoom.
// The caller must pass a valid zoom.
func GridCount(zoom int) int {
	return int(math.Ceil(1/GridSizes[zoom] - 1e-9))
}

// Cell is a grid position at a given zoom.
type Cell struct {
	GX, GY int
}

// Key identifies one tile.
type Key struct {
	Zoom int `json:"z" msgpack:"z"`
	GX   int `json:"gx" msgpack:"gx"`
	GY   int `json:"gy" msgpack:"gy"`
	Band int `json:"band" msgpack:"band"`
}

// String returns the canonical form "{z}_{gx}_{gy}_b{band}".
func (k Key) String() string {
	var sb strings.Builder
	sb.Grow(16)
	sb.WriteString(strconv.Itoa(k.Zoom))
	sb.WriteByte('_')
	sb.WriteString(strconv.Itoa(k.GX))
	sb.WriteByte('_')
	sb.WriteString(strconv.Itoa(k.GY))
	sb.WriteString("_b")
	sb.WriteString(strconv.Itoa(k.Band))
	return sb.String()
}

// ParseKey parses the canonical form produced by Key.String and validates it.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 4 || !strings.HasPrefix(parts[3], "b") {
		return Key{}, fmt.Errorf("%w: malformed key %q", ErrInvalid, s)
	}
	var vals [4]int
	fields := [4]string{"z", "gx", "gy", "band"}
	parts[3] = parts[3][1:]
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return Key{}, invalid(fields[i])
		}
		vals[i] = v
	}
	k := Key{Zoom: vals[0], GX: vals[1], GY: vals[2], Band: vals[3]}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Validate checks that every index is inside its range.
func (k Key) Validate() error {
	if err := ValidateZoom(k.Zoom); err != nil {
		return err
	}
	n := GridCount(k.Zoom)
	if k.GX < 0 || k.GX >= n {
		return invalid("gx")
	}
	if k.GY < 0 || k.GY >= n {
		return invalid("gy")
	}
	if k.Band < 0 || k.Band > MaxBand {
		return invalid("band")
	}
	return nil
}

// ValidateZoom rejects zoom indices outside [0, MaxZoom].
func ValidateZoom(zoom int) error {
	if zoom < 0 || zoom > MaxZoom {
		return invalid("z")
	}
	return nil
}

// Bounds returns the area covered by k. The caller must pass a valid key.
func (k Key) Bounds() orb.Bound {
	size := GridSizes[k.Zoom]
	return orb.Bound{
		Min: orb.Point{float64(k.GX) * size, float64(k.GY) * size},
		Max: orb.Point{math.Min(1, float64(k.GX+1)*size), math.Min(1, float64(k.GY+1)*size)},
	}
}

// Degenerate reports whether b has no area.
func Degenerate(b orb.Bound) bool {
	return b.Min.X() >= b.Max.X() || b.Min.Y() >= b.Max.Y()
}

// Cover returns the cells at zoom that intersect b, in row-major order.
// Bounds are clamped to the unit square first. A degenerate box yields no
// cells.
func Cover(b orb.Bound, zoom int) ([]Cell, error) {
	return CoverWithMargin(b, zoom, 0)
}

// CoverWithMargin is like Cover but grows the covered range by margin cells
// on every side, clamped to the grid.
func CoverWithMargin(b orb.Bound, zoom, margin int) ([]Cell, error) {
	if err := ValidateZoom(zoom); err != nil {
		return nil, err
	}
	if margin < 0 {
		margin = 0
	}
	b = clampUnit(b)
	if Degenerate(b) {
		return nil, nil
	}

	size := GridSizes[zoom]
	n := GridCount(zoom)
	x0 := clampIndex(int(math.Floor(b.Min.X()/size))-margin, n)
	x1 := clampIndex(int(math.Ceil(b.Max.X()/size))-1+margin, n)
	y0 := clampIndex(int(math.Floor(b.Min.Y()/size))-margin, n)
	y1 := clampIndex(int(math.Ceil(b.Max.Y()/size))-1+margin, n)

	cells := make([]Cell, 0, (x1-x0+1)*(y1-y0+1))
	for gy := y0; gy <= y1; gy++ {
		for gx := x0; gx <= x1; gx++ {
			cells = append(cells, Cell{GX: gx, GY: gy})
		}
	}
	return cells, nil
}

func clampUnit(b orb.Bound) orb.Bound {
	return orb.Bound{
		Min: orb.Point{clamp01(b.Min.X()), clamp01(b.Min.Y())},
		Max: orb.Point{clamp01(b.Max.X()), clamp01(b.Max.Y())},
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// Range is a half-open degree interval [Floor, Ceil).
type Range struct {
	Floor float64
	Ceil  float64
}

// Empty reports whether r contains no degree value.
func (r Range) Empty() bool {
	return r.Ceil <= r.Floor
}

// Contains reports whether degree d falls in r.
func (r Range) Contains(d float64) bool {
	return d >= r.Floor && d < r.Ceil
}

// BaseRange is the degree range held by the base node set: [ceiling, +inf).
func BaseRange(ceiling float64) Range {
	return Range{Floor: ceiling, Ceil: math.Inf(1)}
}

// Band returns the degree range of band for the given ceiling. Band 0 is
// always empty because the base set already covers [ceiling, +inf). The last
// band extends down to zero so the bands and the base set together cover
// every non-negative degree.
func Band(ceiling float64, band int) (Range, error) {
	if err := ValidateCeiling(ceiling); err != nil {
		return Range{}, err
	}
	if band < 0 || band > MaxBand {
		return Range{}, invalid("band")
	}
	if band == 0 {
		return Range{Floor: ceiling, Ceil: ceiling}, nil
	}
	hi := math.Max(0, ceiling-BandWidths[band-1])
	lo := math.Max(0, ceiling-BandWidths[band])
	if band == MaxBand {
		lo = 0
	}
	return Range{Floor: lo, Ceil: hi}, nil
}

// ValidateCeiling rejects non-finite or non-positive ceilings.
func ValidateCeiling(ceiling float64) error {
	if math.IsNaN(ceiling) || math.IsInf(ceiling, 0) || ceiling <= 0 {
		return invalid("ceiling")
	}
	return nil
}

// QuantizeCeiling rounds a degree ceiling to integer 1e-4 units.
func QuantizeCeiling(ceiling float64) int64 {
	return int64(math.Round(ceiling * CeilingScale))
}

// CeilingFromQuantized is the inverse of QuantizeCeiling.
func CeilingFromQuantized(q int64) float64 {
	return float64(q) / CeilingScale
}

// RoundCeiling rounds ceiling to the precision used in cache keys.
func RoundCeiling(ceiling float64) float64 {
	return CeilingFromQuantized(QuantizeCeiling(ceiling))
}
