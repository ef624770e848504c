// Package columnar is the wire format for node sets: one array per column
// (structure of arrays), encoded with msgpack. Column arrays keep numeric
// data contiguous so a client can hand them to a renderer without building
// per-node objects.
//
// Raw identifiers are deliberately not a column. Clients key nodes by
// coordinate hash.
package columnar

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
)

// ContentType is the media type of an encoded Batch.
const ContentType = "application/vnd.opgraph.columnar+msgpack"

// ErrMalformed is returned when a decoded batch has columns of different
// lengths or invalid values.
var ErrMalformed = errors.New("columnar: malformed batch")

// Batch holds a node set column by column. All non-nil columns have the
// same length. Description is nil when the producing query has no such
// column.
type Batch struct {
	Label       []string  `msgpack:"label"`
	Description []string  `msgpack:"description,omitempty"`
	X           []float64 `msgpack:"x"`
	Y           []float64 `msgpack:"y"`
	Community   []int32   `msgpack:"community"`
	Degree      []float64 `msgpack:"degree"`
	Tier        []int32   `msgpack:"tier"`
	NodeType    []string  `msgpack:"node_type"`

	// DegreeCeiling is the lowest degree of a base node set. Tiles below it
	// are fetched by band. Unset for tile batches.
	DegreeCeiling *float64 `msgpack:"degree_ceiling,omitempty"`
}

// New returns an empty batch with room for n rows.
func New(n int, withDescription bool) *Batch {
	b := &Batch{
		Label:     make([]string, 0, n),
		X:         make([]float64, 0, n),
		Y:         make([]float64, 0, n),
		Community: make([]int32, 0, n),
		Degree:    make([]float64, 0, n),
		Tier:      make([]int32, 0, n),
		NodeType:  make([]string, 0, n),
	}
	if withDescription {
		b.Description = make([]string, 0, n)
	}
	return b
}

// FromNodes builds a batch from row-oriented nodes.
func FromNodes(nodes []node.Node, withDescription bool) *Batch {
	b := New(len(nodes), withDescription)
	for i := range nodes {
		b.Append(&nodes[i])
	}
	return b
}

// Append adds one row.
func (b *Batch) Append(n *node.Node) {
	b.Label = append(b.Label, n.Label)
	if b.Description != nil {
		b.Description = append(b.Description, n.Description)
	}
	b.X = append(b.X, n.X)
	b.Y = append(b.Y, n.Y)
	b.Community = append(b.Community, int32(n.Community))
	b.Degree = append(b.Degree, n.Degree)
	b.Tier = append(b.Tier, int32(n.Tier))
	t := n.Type
	if t == "" {
		t = node.TypeGeneric
	}
	b.NodeType = append(b.NodeType, string(t))
}

// Len returns the number of rows.
func (b *Batch) Len() int {
	return len(b.X)
}

// Validate checks that every column has Len rows.
func (b *Batch) Validate() error {
	n := b.Len()
	cols := []struct {
		name string
		len  int
	}{
		{"label", len(b.Label)},
		{"y", len(b.Y)},
		{"community", len(b.Community)},
		{"degree", len(b.Degree)},
		{"tier", len(b.Tier)},
		{"node_type", len(b.NodeType)},
	}
	if b.Description != nil {
		cols = append(cols, struct {
			name string
			len  int
		}{"description", len(b.Description)})
	}
	for _, c := range cols {
		if c.len != n {
			return fmt.Errorf("%w: column %s has %d rows, want %d", ErrMalformed, c.name, c.len, n)
		}
	}
	return nil
}

// Nodes converts the batch back to rows.
func (b *Batch) Nodes() ([]node.Node, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	out := make([]node.Node, b.Len())
	for i := range out {
		t, err := node.ParseType(b.NodeType[i])
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrMalformed, i, err)
		}
		out[i] = node.Node{
			Label:     b.Label[i],
			X:         b.X[i],
			Y:         b.Y[i],
			Community: int(b.Community[i]),
			Degree:    b.Degree[i],
			Tier:      int(b.Tier[i]),
			Type:      t,
		}
		if b.Description != nil {
			out[i].Description = b.Description[i]
		}
	}
	return out, nil
}

// MinDegree returns the lowest value of the degree column, or 0 for an
// empty batch.
func (b *Batch) MinDegree() float64 {
	if len(b.Degree) == 0 {
		return 0
	}
	m := b.Degree[0]
	for _, d := range b.Degree[1:] {
		if d < m {
			m = d
		}
	}
	return m
}

// Encode writes b to w.
func Encode(w io.Writer, b *Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	enc := msgpack.NewEncoder(w)
	enc.UseCompactInts(true)
	return enc.Encode(b)
}

// Marshal encodes b into a byte slice.
func Marshal(b *Batch) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads one batch from r and validates it.
func Decode(r io.Reader) (*Batch, error) {
	var b Batch
	if err := msgpack.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("columnar: decode: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Unmarshal decodes a batch from data.
func Unmarshal(data []byte) (*Batch, error) {
	return Decode(bytes.NewReader(data))
}
