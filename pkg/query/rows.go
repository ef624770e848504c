package query

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/columnar"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
)

// batchBuilder converts engine rows, addressed by column name, into a
// columnar batch. Unknown columns are ignored.
type batchBuilder struct {
	batch      *columnar.Batch
	hasCeiling bool
}

func newBatchBuilder(columns []string, sizeHint int) *batchBuilder {
	return &batchBuilder{
		batch:      columnar.New(sizeHint, slices.Contains(columns, "description")),
		hasCeiling: slices.Contains(columns, "detail_degree_ceiling"),
	}
}

// add appends one row. get returns the value of a column, nil for NULL.
func (bb *batchBuilder) add(get func(col string) any) error {
	var n node.Node
	var err error
	if n.Label, err = asString(get("label")); err != nil {
		return fmt.Errorf("label: %w", err)
	}
	if n.X, err = asFloat(get("x")); err != nil {
		return fmt.Errorf("x: %w", err)
	}
	if n.Y, err = asFloat(get("y")); err != nil {
		return fmt.Errorf("y: %w", err)
	}
	if n.Degree, err = asFloat(get("degree")); err != nil {
		return fmt.Errorf("degree: %w", err)
	}
	if n.Community, err = asInt(get("community")); err != nil {
		return fmt.Errorf("community: %w", err)
	}
	if n.Tier, err = asInt(get("tier")); err != nil {
		return fmt.Errorf("tier: %w", err)
	}
	t, err := asString(get("node_type"))
	if err != nil {
		return fmt.Errorf("node_type: %w", err)
	}
	if n.Type, err = node.ParseType(t); err != nil {
		return err
	}
	if bb.batch.Description != nil {
		if n.Description, err = asString(get("description")); err != nil {
			return fmt.Errorf("description: %w", err)
		}
	}
	if bb.hasCeiling && bb.batch.DegreeCeiling == nil {
		if v := get("detail_degree_ceiling"); v != nil {
			c, err := asFloat(v)
			if err != nil {
				return fmt.Errorf("detail_degree_ceiling: %w", err)
			}
			bb.batch.DegreeCeiling = &c
		}
	}
	bb.batch.Append(&n)
	return nil
}

func asString(v any) (string, error) {
	switch v := v.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	return "", fmt.Errorf("unexpected %T", v)
}

func asFloat(v any) (float64, error) {
	switch v := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case []byte:
		return strconv.ParseFloat(string(v), 64)
	case string:
		return strconv.ParseFloat(v, 64)
	}
	return 0, fmt.Errorf("unexpected %T", v)
}

func asInt(v any) (int, error) {
	switch v := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			f, ferr := v.Float64()
			if ferr != nil {
				return 0, err
			}
			return int(f), nil
		}
		return int(n), nil
	case []byte:
		return strconv.Atoi(string(v))
	case string:
		return strconv.Atoi(v)
	}
	return 0, fmt.Errorf("unexpected %T", v)
}
