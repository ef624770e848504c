package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/graph"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
)

// NetworkSource returns a viewer's personal network: the accounts they
// follow and the followers they recovered through the service.
type NetworkSource interface {
	Network(ctx context.Context, viewer node.ID, limit int) ([]node.ID, error)
}

// PGNetwork reads the follows and effective_followers tables.
type PGNetwork struct {
	DB *sql.DB
}

const networkSQL = `SELECT id FROM (
	SELECT following_id AS id FROM public.follows WHERE follower_id = $1::bigint
	UNION
	SELECT follower_id AS id FROM public.effective_followers WHERE twitter_id = $1::bigint
) n LIMIT $2`

func (p *PGNetwork) Network(ctx context.Context, viewer node.ID, limit int) ([]node.ID, error) {
	if !viewer.Valid() {
		return nil, fmt.Errorf("query: %w: %q", node.ErrInvalidID, viewer)
	}
	limit = networkCap(limit)
	rows, err := p.DB.QueryContext(ctx, networkSQL, viewer.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("query: load network: %w", err)
	}
	defer rows.Close()

	var ids []node.ID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("query: load network: %w", err)
		}
		ids = append(ids, node.ID(s))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query: load network: %w", err)
	}
	return withSelf(viewer, ids, limit), nil
}

// GraphNetwork reads an in-process follow graph.
type GraphNetwork struct {
	Graph graph.Graph
}

func (g *GraphNetwork) Network(ctx context.Context, viewer node.ID, limit int) ([]node.ID, error) {
	limit = networkCap(limit)
	following, err := g.Graph.Adjacent(ctx, viewer, graph.Out, limit, graph.Follows)
	if err != nil {
		return nil, err
	}
	followers, err := g.Graph.Adjacent(ctx, viewer, graph.In, limit, graph.Effective)
	if err != nil {
		return nil, err
	}
	return withSelf(viewer, append(following, followers...), limit), nil
}

func networkCap(limit int) int {
	if limit <= 0 || limit > MaxNetwork {
		return MaxNetwork
	}
	return limit
}

// withSelf puts viewer first, drops duplicates and truncates to limit.
func withSelf(viewer node.ID, ids []node.ID, limit int) []node.ID {
	out := make([]node.ID, 0, min(len(ids)+1, limit))
	seen := make(map[node.ID]struct{}, len(ids)+1)
	for _, id := range append([]node.ID{viewer}, ids...) {
		if len(out) >= limit {
			break
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
