package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/columnar"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/storage"
)

// Planner compiles templates for one engine and graph version.
type Planner struct {
	engine  Engine
	dialect Dialect
	network NetworkSource
	cache   storage.BlobStore
	version string
	tables  Tables
}

// PlannerConfig configures a Planner.
type PlannerConfig struct {
	Engine       Engine
	Dialect      Dialect
	GraphVersion string

	// Network resolves personal networks. Without it authenticated base
	// queries only prioritize the viewer.
	Network NetworkSource

	// Cache stores encoded tile bodies. Optional.
	Cache storage.BlobStore
}

// NewPlanner validates cfg and returns a Planner.
func NewPlanner(cfg PlannerConfig) (*Planner, error) {
	if cfg.Engine == nil || cfg.Dialect == nil {
		return nil, errors.New("query: planner needs an engine and a dialect")
	}
	tables, err := TablesFor(cfg.GraphVersion)
	if err != nil {
		return nil, err
	}
	return &Planner{
		engine:  cfg.Engine,
		dialect: cfg.Dialect,
		network: cfg.Network,
		cache:   cfg.Cache,
		version: cfg.GraphVersion,
		tables:  tables,
	}, nil
}

// GraphVersion returns the version queries are compiled against.
func (p *Planner) GraphVersion() string {
	return p.version
}

// TileResult is an encoded tile body.
type TileResult struct {
	Body   []byte
	Rows   int
	Cached bool
}

// Tile returns the encoded batch of q. Empty tiles return ErrEmptyTile
// without touching the engine or the cache.
func (p *Planner) Tile(ctx context.Context, q TileQuery) (*TileResult, error) {
	st, err := Compile(q, p.dialect, p.tables)
	if err != nil {
		return nil, err
	}

	path := q.CachePath(p.version)
	if p.cache != nil {
		data, err := p.cache.Get(ctx, path)
		switch {
		case err == nil:
			if b, derr := columnar.Unmarshal(data); derr == nil {
				return &TileResult{Body: data, Rows: b.Len(), Cached: true}, nil
			}
			slog.Warn("query: dropping corrupt cached tile", "path", path)
			_ = p.cache.Delete(ctx, path)
		case !errors.Is(err, storage.ErrNotFound):
			slog.Warn("query: tile cache read failed", "path", path, "err", err)
		}
	}

	batch, err := p.engine.Query(ctx, st)
	if err != nil {
		return nil, err
	}
	body, err := columnar.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("query: encode tile: %w", err)
	}
	if p.cache != nil {
		if err := p.cache.Put(ctx, path, body); err != nil {
			slog.Warn("query: tile cache write failed", "path", path, "err", err)
		}
	}
	return &TileResult{Body: body, Rows: batch.Len()}, nil
}

// BaseNodes runs q. For authenticated queries the viewer's network is
// resolved first and embedded in the statement.
func (p *Planner) BaseNodes(ctx context.Context, q BaseNodeQuery) (*columnar.Batch, error) {
	if !q.Public && q.Viewer != nil && q.Network == nil {
		if p.network != nil {
			ids, err := p.network.Network(ctx, *q.Viewer, MaxNetwork)
			if err != nil {
				return nil, err
			}
			q.Network = withSelf(*q.Viewer, ids, MaxNetwork)
		} else {
			q.Network = withSelf(*q.Viewer, nil, MaxNetwork)
		}
	}
	st, err := Compile(q, p.dialect, p.tables)
	if err != nil {
		return nil, err
	}
	return p.engine.Query(ctx, st)
}

// PurgeCache drops the cached tiles of every graph version but the current
// one and returns how many blobs were removed.
func (p *Planner) PurgeCache(ctx context.Context) (int, error) {
	if p.cache == nil {
		return 0, nil
	}
	paths, err := p.cache.List(ctx, "")
	if err != nil {
		return 0, err
	}
	removed := 0
	prefix := p.version + "/"
	for _, path := range paths {
		if strings.HasPrefix(path, prefix) {
			continue
		}
		if err := p.cache.Delete(ctx, path); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
