package consent

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/graph"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
)

// MaxAudience caps the audience of a network-scoped label.
const MaxAudience = 10000

// Proximity answers follow distances used by the intermediate level.
type Proximity interface {
	// FollowerLevels returns, for each owner the viewer reaches by following
	// at most two hops, the hop count (1 or 2).
	FollowerLevels(ctx context.Context, viewer node.ID, owners []node.ID) (map[node.ID]int, error)

	// Audience returns the accounts that follow owner directly or through
	// one intermediary, owner first, at most limit ids.
	Audience(ctx context.Context, owner node.ID, limit int) ([]node.ID, error)
}

// PGProximity reads the follows table.
type PGProximity struct {
	DB *sql.DB
}

const followerLevelsSQL = `WITH l1 AS (
	SELECT following_id AS id FROM public.follows WHERE follower_id = $1::bigint
), l2 AS (
	SELECT f.following_id AS id FROM public.follows f JOIN l1 ON f.follower_id = l1.id
)
SELECT id::text, MIN(lvl) FROM (
	SELECT id, 1 AS lvl FROM l1
	UNION ALL
	SELECT id, 2 AS lvl FROM l2
) r WHERE id = ANY($2::bigint[]) GROUP BY id`

const audienceSQL = `WITH l1 AS (
	SELECT follower_id AS id FROM public.follows WHERE following_id = $1::bigint
)
SELECT id::text FROM (
	SELECT id FROM l1
	UNION
	SELECT f.follower_id AS id FROM public.follows f JOIN l1 ON f.following_id = l1.id
) r WHERE id <> $1::bigint LIMIT $2`

func (p *PGProximity) FollowerLevels(ctx context.Context, viewer node.ID, owners []node.ID) (map[node.ID]int, error) {
	out := make(map[node.ID]int)
	if len(owners) == 0 {
		return out, nil
	}
	if !viewer.Valid() {
		return nil, fmt.Errorf("consent: %w: %q", node.ErrInvalidID, viewer)
	}
	arr := make([]string, len(owners))
	for i, id := range owners {
		arr[i] = id.String()
	}
	rows, err := p.DB.QueryContext(ctx, followerLevelsSQL, viewer.String(), pq.Array(arr))
	if err != nil {
		return nil, fmt.Errorf("consent: follower levels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var lvl int
		if err := rows.Scan(&id, &lvl); err != nil {
			return nil, fmt.Errorf("consent: follower levels: %w", err)
		}
		out[node.ID(id)] = lvl
	}
	return out, rows.Err()
}

func (p *PGProximity) Audience(ctx context.Context, owner node.ID, limit int) ([]node.ID, error) {
	if !owner.Valid() {
		return nil, fmt.Errorf("consent: %w: %q", node.ErrInvalidID, owner)
	}
	limit = audienceCap(limit)
	rows, err := p.DB.QueryContext(ctx, audienceSQL, owner.String(), limit-1)
	if err != nil {
		return nil, fmt.Errorf("consent: audience: %w", err)
	}
	defer rows.Close()
	ids := []node.ID{owner}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("consent: audience: %w", err)
		}
		ids = append(ids, node.ID(id))
	}
	return ids, rows.Err()
}

// GraphProximity walks an in-process follow graph.
type GraphProximity struct {
	Graph graph.Graph
}

func (p *GraphProximity) FollowerLevels(ctx context.Context, viewer node.ID, owners []node.ID) (map[node.ID]int, error) {
	out := make(map[node.ID]int)
	if len(owners) == 0 {
		return out, nil
	}
	reach, err := p.Graph.Reach(ctx, viewer, graph.Out, 2, 0, graph.Follows)
	if err != nil {
		return nil, err
	}
	for _, id := range owners {
		if d, ok := reach[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

func (p *GraphProximity) Audience(ctx context.Context, owner node.ID, limit int) ([]node.ID, error) {
	limit = audienceCap(limit)
	if limit == 1 {
		return []node.ID{owner}, nil
	}
	reach, err := p.Graph.Reach(ctx, owner, graph.In, 2, limit-1, graph.Follows)
	if err != nil {
		return nil, err
	}
	ids := make([]node.ID, 0, len(reach)+1)
	ids = append(ids, owner)
	for id := range reach {
		ids = append(ids, id)
	}
	sortIDs(ids[1:])
	return ids, nil
}

func audienceCap(limit int) int {
	if limit <= 0 || limit > MaxAudience {
		return MaxAudience
	}
	return limit
}
