package consent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/graph"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/query"
)

// Entry is the graph position and display label of an account.
type Entry struct {
	ID     node.ID `json:"-"`
	Label  string  `json:"label"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Degree float64 `json:"degree"`
}

// CoordHash returns the hash clients key the entry by.
func (e Entry) CoordHash() string {
	return node.CoordHash(e.X, e.Y)
}

// Directory resolves accounts to their place in the graph.
type Directory interface {
	// Lookup returns the entries of the ids present in the graph. Missing
	// ids are absent from the result.
	Lookup(ctx context.Context, ids []node.ID) (map[node.ID]Entry, error)
}

// PGDirectory reads the graph node table of one graph version, joined with
// public account names.
type PGDirectory struct {
	db  *sql.DB
	sql string
}

// NewPGDirectory returns a directory over the nodes of graphVersion.
func NewPGDirectory(db *sql.DB, graphVersion string) (*PGDirectory, error) {
	tables, err := query.TablesFor(graphVersion)
	if err != nil {
		return nil, err
	}
	return &PGDirectory{
		db: db,
		sql: `SELECT gn.id::text,
	COALESCE(NULLIF(pa.name, ''), '@' || NULLIF(pa.username, ''), NULLIF(gn.label, ''), 'User ' || gn.id::text),
	gn.x, gn.y, gn.degree
FROM public.` + tables.Nodes + ` gn
LEFT JOIN public.` + tables.Accounts + ` pa ON pa.twitter_id = gn.id
WHERE gn.id = ANY($1::bigint[])`,
	}, nil
}

func (d *PGDirectory) Lookup(ctx context.Context, ids []node.ID) (map[node.ID]Entry, error) {
	out := make(map[node.ID]Entry, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	arr := make([]string, 0, len(ids))
	for _, id := range ids {
		if !id.Valid() {
			return nil, fmt.Errorf("consent: %w: %q", node.ErrInvalidID, id)
		}
		arr = append(arr, id.String())
	}
	rows, err := d.db.QueryContext(ctx, d.sql, pq.Array(arr))
	if err != nil {
		return nil, fmt.Errorf("consent: lookup: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e Entry
		var id string
		if err := rows.Scan(&id, &e.Label, &e.X, &e.Y, &e.Degree); err != nil {
			return nil, fmt.Errorf("consent: lookup: %w", err)
		}
		e.ID = node.ID(id)
		out[e.ID] = e
	}
	return out, rows.Err()
}

// GraphDirectory reads accounts from an in-process follow graph.
type GraphDirectory struct {
	Graph graph.Graph
}

func (d *GraphDirectory) Lookup(ctx context.Context, ids []node.ID) (map[node.ID]Entry, error) {
	out := make(map[node.ID]Entry, len(ids))
	for _, id := range ids {
		a, err := d.Graph.GetAccount(ctx, id)
		if errors.Is(err, graph.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = Entry{ID: id, Label: a.DisplayLabel(), X: a.X, Y: a.Y, Degree: a.Degree}
	}
	return out, nil
}
