// Package node defines the graph node model shared by the tile pipeline and
// the label sync pipeline: digit-only identifiers, node types, and the
// coordinate hash clients use instead of raw identifiers.
package node

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Sentinel errors.
var (
	// ErrInvalidID is returned when an identifier is not a non-empty string
	// of ASCII digits.
	ErrInvalidID = errors.New("node: invalid id")

	// ErrInvalidType is returned when a node type is not one of the known values.
	ErrInvalidType = errors.New("node: invalid node type")
)

// ID is an opaque numeric identifier kept in its decimal string form.
//
// Account identifiers exceed the 2^53 range of float64, so an ID is never
// converted to a floating-point number. The only numeric conversion offered
// is ParseInt for callers that need an int64.
type ID string

// ParseID validates s and returns it as an ID.
func ParseID(s string) (ID, error) {
	if !isDigits(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return ID(s), nil
}

// MustParseID is like ParseID but panics on error. Intended for tests and
// constants.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Valid reports whether id is a non-empty digit string.
func (id ID) Valid() bool {
	return isDigits(string(id))
}

// String returns the decimal form.
func (id ID) String() string {
	return string(id)
}

// ParseInt returns the identifier as an int64.
func (id ID) ParseInt() (int64, error) {
	if !id.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, string(id))
	}
	return strconv.ParseInt(string(id), 10, 64)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Type classifies how a node is rendered.
type Type string

const (
	// TypeGeneric is an account with no relationship to the service.
	TypeGeneric Type = "generic"

	// TypeMember is an account whose owner joined the service and consented
	// to some visibility.
	TypeMember Type = "member"

	// TypePersonal is a node from the viewer's own network.
	TypePersonal Type = "personal"
)

// ParseType validates s as a node type. The empty string maps to TypeGeneric.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case "":
		return TypeGeneric, nil
	case TypeGeneric, TypeMember, TypePersonal:
		return Type(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
}

// Node is a single point of the social graph.
type Node struct {
	ID          ID      `json:"id,omitempty" msgpack:"id,omitempty"`
	Label       string  `json:"label,omitempty" msgpack:"label,omitempty"`
	Description string  `json:"description,omitempty" msgpack:"description,omitempty"`
	X           float64 `json:"x" msgpack:"x"`
	Y           float64 `json:"y" msgpack:"y"`
	Community   int     `json:"community" msgpack:"community"`
	Degree      float64 `json:"degree" msgpack:"degree"`
	Tier        int     `json:"tier" msgpack:"tier"`
	Type        Type    `json:"node_type" msgpack:"node_type"`
}

// CoordHash returns the coordinate hash of n.
func (n *Node) CoordHash() string {
	return CoordHash(n.X, n.Y)
}

// CoordScale is the quantization factor applied to normalized coordinates.
// Six decimals keep hashes unique for graphs of tens of millions of nodes.
const CoordScale = 1_000_000

// QuantizeCoord converts a normalized coordinate into integer micro-units.
func QuantizeCoord(v float64) int64 {
	return int64(math.Round(v * CoordScale))
}

// CoordHash returns the fixed-precision hash of (x, y), e.g.
// "0.123457_0.654321". The value is built from the quantized integers so the
// same position always yields the same hash regardless of float formatting.
func CoordHash(x, y float64) string {
	return formatMicro(QuantizeCoord(x)) + "_" + formatMicro(QuantizeCoord(y))
}

func formatMicro(q int64) string {
	neg := q < 0
	if neg {
		q = -q
	}
	s := strconv.FormatInt(q/CoordScale, 10) + "." + fmt.Sprintf("%06d", q%CoordScale)
	if neg {
		return "-" + s
	}
	return s
}
