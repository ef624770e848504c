package changefeed

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/consent"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
)

// DefaultResolverCache is the number of accounts a CoordResolver remembers.
const DefaultResolverCache = 10000

// CoordResolver maps account ids to graph positions through a directory,
// remembering recent answers. Positions are stable within a graph
// version, so a resolver lives as long as its directory's version.
type CoordResolver struct {
	dir   consent.Directory
	cache *lru.Cache[node.ID, consent.Entry]
}

// NewCoordResolver returns a resolver caching up to size entries.
func NewCoordResolver(dir consent.Directory, size int) (*CoordResolver, error) {
	if size <= 0 {
		size = DefaultResolverCache
	}
	cache, err := lru.New[node.ID, consent.Entry](size)
	if err != nil {
		return nil, err
	}
	return &CoordResolver{dir: dir, cache: cache}, nil
}

// Resolve returns the entry of id. ok is false when id is not in the
// graph; such misses are not cached.
func (r *CoordResolver) Resolve(ctx context.Context, id node.ID) (e consent.Entry, ok bool, err error) {
	if e, ok := r.cache.Get(id); ok {
		return e, true, nil
	}
	entries, err := r.dir.Lookup(ctx, []node.ID{id})
	if err != nil {
		return consent.Entry{}, false, err
	}
	e, ok = entries[id]
	if ok {
		r.cache.Add(id, e)
	}
	return e, ok, nil
}

// Len returns the number of cached entries.
func (r *CoordResolver) Len() int {
	return r.cache.Len()
}
