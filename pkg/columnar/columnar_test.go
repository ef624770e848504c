package columnar_test

import (
	"errors"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/columnar"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
)

func TestNodesSurviveEncoding(t *testing.T) {
	in := []node.Node{
		{Label: "alice", Description: "bio", X: 0.25, Y: 0.75, Community: 4, Degree: 13.2, Tier: 3, Type: node.TypeMember},
		{X: 0.5, Y: 0.5, Community: 1, Degree: 2, Tier: 1},
	}
	b := columnar.FromNodes(in, true)
	ceiling := 2.0
	b.DegreeCeiling = &ceiling

	data, err := columnar.Marshal(b)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := columnar.Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.DegreeCeiling == nil || *got.DegreeCeiling != 2 {
		t.Fatalf("DegreeCeiling = %v", got.DegreeCeiling)
	}
	nodes, err := got.Nodes()
	if err != nil {
		t.Fatalf("Nodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("len = %d", len(nodes))
	}
	if nodes[0].Label != "alice" || nodes[0].Description != "bio" || nodes[0].Type != node.TypeMember {
		t.Fatalf("row 0 = %+v", nodes[0])
	}
	if nodes[1].Type != node.TypeGeneric {
		t.Fatalf("empty node type should default to generic, got %q", nodes[1].Type)
	}
	if got.MinDegree() != 2 {
		t.Fatalf("MinDegree = %v", got.MinDegree())
	}
}

func TestWithoutDescription(t *testing.T) {
	b := columnar.FromNodes([]node.Node{{Label: "x", Description: "dropped"}}, false)
	if b.Description != nil {
		t.Fatalf("Description column should be nil")
	}
	nodes, err := b.Nodes()
	if err != nil {
		t.Fatalf("Nodes: %v", err)
	}
	if nodes[0].Description != "" {
		t.Fatalf("Description = %q", nodes[0].Description)
	}
}

func TestDecodeRejectsRaggedColumns(t *testing.T) {
	ragged := map[string]any{
		"label":     []string{"a", "b"},
		"x":         []float64{0.1, 0.2},
		"y":         []float64{0.1},
		"community": []int32{1, 2},
		"degree":    []float64{1, 2},
		"tier":      []int32{1, 1},
		"node_type": []string{"generic", "generic"},
	}
	data, err := msgpack.Marshal(ragged)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := columnar.Unmarshal(data); !errors.Is(err, columnar.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestNodesRejectsUnknownType(t *testing.T) {
	b := columnar.New(1, false)
	b.Append(&node.Node{})
	b.NodeType[0] = "robot"
	if _, err := b.Nodes(); !errors.Is(err, columnar.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestEmptyBatch(t *testing.T) {
	b := columnar.New(0, false)
	data, err := columnar.Marshal(b)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := columnar.Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Len() != 0 || got.MinDegree() != 0 {
		t.Fatalf("empty batch = %+v", got)
	}
}
