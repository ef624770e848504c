package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	"github.com/ISCPIF/OpenPortability-sub004/cmd/opgraph/internal/config"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/broadcast"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/cachepolicy"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/changefeed"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/columnar"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/consent"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/graph"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/kv"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/query"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/server"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/storage"
)

// graphPrefix scopes the follow graph inside its badger database.
var graphPrefix = kv.Key{"graph"}

// openGraph opens the badger follow graph at dir, in memory when dir is
// empty.
func openGraph(dir string) (*graph.KVGraph, func() error, error) {
	db, err := kv.NewBadger(kv.BadgerOptions{Dir: dir, InMemory: dir == ""})
	if err != nil {
		return nil, nil, err
	}
	return graph.NewKVGraph(db, graphPrefix), db.Close, nil
}

// stack is the server and everything it needs, built from server.yaml.
type stack struct {
	server   *server.Server
	planner  *query.Planner
	hub      *broadcast.Hub
	listener *changefeed.Listener

	closers []func() error
}

func (s *stack) Close() error {
	var errs []error
	for _, c := range slices.Backward(s.closers) {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// buildStack wires cfg. With a database URL consent, follows and the
// change feed live in Postgres; without one they live in process, with
// follows read from the badger graph.
func buildStack(cfg *config.Server) (_ *stack, err error) {
	st := &stack{}
	defer func() {
		if err != nil {
			st.Close()
		}
	}()

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		if db, err = query.OpenSQL(cfg.DatabaseURL); err != nil {
			return nil, err
		}
		st.closers = append(st.closers, db.Close)
	}

	var (
		engine  query.Engine
		dialect query.Dialect
	)
	switch {
	case cfg.Engine.URL != "":
		engine = &query.HTTPEngine{URL: cfg.Engine.URL, APIKey: cfg.Engine.APIKey, Retries: cfg.Engine.Retries}
		dialect = query.Inline(cfg.Engine.Catalog)
	case db != nil:
		engine = &query.SQLEngine{DB: db}
		dialect = query.Postgres
	default:
		return nil, errors.New("serve: set engine.url or database_url")
	}

	cache, err := openTileCache(cfg.TileCache)
	if err != nil {
		return nil, err
	}

	var (
		network   query.NetworkSource
		repo      consent.Repository
		directory consent.Directory
		proximity consent.Proximity
		feed      changefeed.Feed
	)
	if db != nil {
		pgRepo := consent.NewPGRepository(db)
		pgDir, err := consent.NewPGDirectory(db, cfg.GraphVersion)
		if err != nil {
			return nil, err
		}
		network = &query.PGNetwork{DB: db}
		repo, directory, proximity = pgRepo, pgDir, &consent.PGProximity{DB: db}
		feed = &changefeed.PQFeed{DSN: cfg.DatabaseURL, Channel: consent.Channel}
	} else {
		g, closeGraph, err := openGraph(cfg.GraphDir)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, closeGraph)
		mem := changefeed.NewMemoryFeed()
		network = &query.GraphNetwork{Graph: g}
		repo = consent.NewMemoryRepository(mem.Publish)
		directory, proximity = &consent.GraphDirectory{Graph: g}, &consent.GraphProximity{Graph: g}
		feed = mem
	}

	st.planner, err = query.NewPlanner(query.PlannerConfig{
		Engine:       engine,
		Dialect:      dialect,
		GraphVersion: cfg.GraphVersion,
		Network:      network,
		Cache:        cache,
	})
	if err != nil {
		return nil, err
	}

	resolver, err := changefeed.NewCoordResolver(directory, changefeed.DefaultResolverCache)
	if err != nil {
		return nil, err
	}
	st.hub = broadcast.NewHub(cfg.Hub)
	st.listener = changefeed.NewListener(feed, resolver)
	st.listener.OnDelta((&changefeed.Publisher{Hub: st.hub, Proximity: proximity}).Handle)

	var limiter *cachepolicy.Limiter
	if cfg.RateLimit.RPS > 0 {
		limiter, err = cachepolicy.NewLimiter(cachepolicy.LimiterConfig{
			Rate:       cfg.RateLimit.RPS,
			Burst:      cfg.RateLimit.Burst,
			TrustProxy: cfg.RateLimit.TrustProxy,
		})
		if err != nil {
			return nil, err
		}
	}

	st.server, err = server.New(server.Config{
		Planner:     st.planner,
		Labels:      &consent.LabelService{Repo: repo, Directory: directory, Proximity: proximity},
		Hub:         st.hub,
		Limiter:     limiter,
		Heartbeat:   cfg.Heartbeat.Or(broadcast.DefaultHeartbeat),
		CheckOrigin: originChecker(cfg.AllowedOrigins),
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func openTileCache(cfg config.TileCache) (storage.BlobStore, error) {
	switch {
	case cfg.S3 != nil && cfg.S3.Bucket != "":
		slog.Info("serve: tile cache on s3", "bucket", cfg.S3.Bucket, "prefix", cfg.S3.Prefix)
		return storage.NewS3(storage.NewS3Client(*cfg.S3), cfg.S3.Bucket, cfg.S3.Prefix, columnar.ContentType), nil
	case cfg.Dir != "":
		slog.Info("serve: tile cache on disk", "dir", cfg.Dir)
		return storage.NewLocal(cfg.Dir)
	}
	return nil, nil
}

// originChecker accepts websocket upgrades from the listed origins. An
// empty list keeps the same-origin check.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return slices.Contains(allowed, "*") || slices.Contains(allowed, origin) || slices.Contains(allowed, u.Host)
	}
}

// start purges stale tile bodies and starts the change listener.
func (s *stack) start(ctx context.Context, listen bool) error {
	n, err := s.planner.PurgeCache(ctx)
	if err != nil {
		slog.Warn("serve: tile cache purge failed", "err", err)
	} else if n > 0 {
		slog.Info("serve: purged stale tiles", "count", n, "graph_version", s.planner.GraphVersion())
	}
	if !listen {
		return nil
	}
	if err := s.listener.Start(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	s.closers = append(s.closers, s.listener.Stop)
	return nil
}
