// Package query turns tile and base-node requests into parameterized SQL,
// runs it on an analytical engine and returns columnar node batches.
//
// Requests are expressed as a closed set of templates (TileQuery,
// BaseNodeQuery). A Dialect compiles a template into a Statement; request
// values never reach the SQL text except as validated numeric literals.
package query

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/tile"
)

// Limits.
const (
	DefaultTileLimit = 5_000
	MaxTileLimit     = 20_000

	DefaultAuthBaseLimit = 150_000
	MaxAuthBaseLimit     = 150_000

	DefaultPublicBaseLimit = 100_000
	MaxPublicBaseLimit     = 100_000

	// MaxNetwork caps the personal network embedded in a base-node query.
	MaxNetwork = 10_000

	// excludedCommunity is the layout's outlier cluster, never served.
	excludedCommunity = 8

	// bandEpsilon keeps the band ceiling exclusive so nodes sitting exactly
	// on it stay in the set above.
	bandEpsilon = 1e-9
)

// ErrEmptyTile is returned when a tile has no area or an empty degree band.
// It is answered without running a query.
var ErrEmptyTile = errors.New("query: empty tile")

// ValidationError rejects a request parameter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "query: " + e.Reason
}

func invalid(field string) *ValidationError {
	return &ValidationError{Field: field, Reason: "invalid " + field}
}

// UpstreamError reports a failure of the analytical engine.
type UpstreamError struct {
	// Status is the upstream HTTP status, or 0 for transport and driver
	// errors.
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("query: upstream status %d: %v", e.Status, e.Err)
	}
	return "query: upstream: " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Template is a compilable query. The set of templates is closed.
type Template interface {
	template()
}

// TileQuery selects the nodes of one tile key and degree band.
type TileQuery struct {
	Key     tile.Key
	Ceiling float64
	Limit   int
}

func (TileQuery) template() {}

// CachePath returns the blob path of the compiled result for graphVersion.
// The ceiling is quantized so float formatting never splits the cache.
func (q TileQuery) CachePath(graphVersion string) string {
	return fmt.Sprintf("%s/%s-%d-%d.bin", graphVersion, q.Key, tile.QuantizeCeiling(q.Ceiling), q.Limit)
}

// BaseNodeQuery selects the base node set. Public queries carry no viewer
// and report the degree ceiling of the fill set.
type BaseNodeQuery struct {
	Viewer  *node.ID
	Network []node.ID
	Limit   int
	Public  bool
}

func (BaseNodeQuery) template() {}

// Statement is compiled SQL with its positional arguments.
type Statement struct {
	SQL  string
	Args []any
}

// ParseTileRequest builds a TileQuery from z, gx, gy, band, ceiling and the
// optional limit.
func ParseTileRequest(v url.Values) (TileQuery, error) {
	var q TileQuery
	ints := []struct {
		name string
		dst  *int
	}{
		{"z", &q.Key.Zoom},
		{"gx", &q.Key.GX},
		{"gy", &q.Key.GY},
		{"band", &q.Key.Band},
	}
	for _, p := range ints {
		n, err := requiredInt(v, p.name)
		if err != nil {
			return q, err
		}
		*p.dst = n
	}
	if err := q.Key.Validate(); err != nil {
		var fe *tile.FieldError
		if errors.As(err, &fe) {
			return q, invalid(fe.Field)
		}
		return q, err
	}

	raw := v.Get("ceiling")
	if raw == "" {
		return q, &ValidationError{Field: "ceiling", Reason: "missing ceiling"}
	}
	c, err := strconv.ParseFloat(raw, 64)
	if err != nil || tile.ValidateCeiling(c) != nil {
		return q, invalid("ceiling")
	}
	q.Ceiling = tile.RoundCeiling(c)

	q.Limit, err = parseLimit(v, DefaultTileLimit, MaxTileLimit)
	return q, err
}

// ParseBaseNodeRequest builds a BaseNodeQuery. A nil viewer selects the
// public variant. The network is filled in later by the planner.
func ParseBaseNodeRequest(v url.Values, viewer *node.ID) (BaseNodeQuery, error) {
	q := BaseNodeQuery{Viewer: viewer, Public: viewer == nil}
	def, hi := DefaultAuthBaseLimit, MaxAuthBaseLimit
	if q.Public {
		def, hi = DefaultPublicBaseLimit, MaxPublicBaseLimit
	}
	var err error
	q.Limit, err = parseLimit(v, def, hi)
	return q, err
}

func requiredInt(v url.Values, name string) (int, error) {
	raw := v.Get(name)
	if raw == "" {
		return 0, &ValidationError{Field: name, Reason: "missing " + name}
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalid(name)
	}
	return n, nil
}

func parseLimit(v url.Values, def, hi int) (int, error) {
	raw := v.Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, invalid("limit")
	}
	return min(n, hi), nil
}
