package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/consent"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/jsontime"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/metrics"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
)

// Delta is a resolved consent change. TwitterID stays on the server: it
// selects the audience and is never written to clients.
type Delta struct {
	TwitterID node.ID
	CoordHash string
	X, Y      float64
	Label     string
	OldLevel  *consent.Level
	Level     consent.Level
	NodeType  node.Type
	Version   int64
	Timestamp jsontime.Milli
}

// Listener consumes a Feed and emits deltas. A deployment runs one.
type Listener struct {
	feed     Feed
	resolver *CoordResolver

	mu       sync.Mutex
	handlers []func(Delta)
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewListener returns a stopped listener.
func NewListener(feed Feed, resolver *CoordResolver) *Listener {
	return &Listener{feed: feed, resolver: resolver}
}

// OnDelta registers fn. Handlers run sequentially on the listener's
// goroutine, in registration order.
func (l *Listener) OnDelta(fn func(Delta)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, fn)
}

// Start opens the feed and processes notifications until Stop or until
// ctx ends.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return errors.New("changefeed: listener already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	payloads, err := l.feed.Listen(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("changefeed: listen: %w", err)
	}
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, payloads, l.done)
	slog.Info("changefeed: listener started")
	return nil
}

// Stop closes the feed and waits for the processing goroutine.
func (l *Listener) Stop() error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	err := l.feed.Close()
	<-done
	slog.Info("changefeed: listener stopped")
	return err
}

func (l *Listener) run(ctx context.Context, payloads <-chan []byte, done chan struct{}) {
	defer close(done)
	for p := range payloads {
		d, err := l.decode(ctx, p)
		if err != nil {
			slog.Warn("changefeed: dropping notification", "err", err)
			continue
		}
		l.mu.Lock()
		handlers := l.handlers
		l.mu.Unlock()
		for _, fn := range handlers {
			fn(d)
		}
	}
}

var errUnresolved = errors.New("changefeed: account not in graph")

func (l *Listener) decode(ctx context.Context, payload []byte) (Delta, error) {
	var c consent.Change
	if err := json.Unmarshal(payload, &c); err != nil {
		metrics.Notifications.WithLabelValues("malformed").Inc()
		return Delta{}, fmt.Errorf("changefeed: decode: %w", err)
	}
	if !c.TwitterID.Valid() || !c.NewLevel.Valid() {
		metrics.Notifications.WithLabelValues("malformed").Inc()
		return Delta{}, fmt.Errorf("changefeed: malformed change %q/%q", c.TwitterID, c.NewLevel)
	}
	e, ok, err := l.resolver.Resolve(ctx, c.TwitterID)
	if err != nil {
		metrics.Notifications.WithLabelValues("error").Inc()
		return Delta{}, fmt.Errorf("changefeed: resolve: %w", err)
	}
	if !ok {
		metrics.Notifications.WithLabelValues("unresolved").Inc()
		return Delta{}, errUnresolved
	}
	metrics.Notifications.WithLabelValues("delta").Inc()
	ts := c.ChangedAt
	if ts.IsZero() {
		ts = jsontime.NowMilli()
	}
	return Delta{
		TwitterID: c.TwitterID,
		CoordHash: e.CoordHash(),
		X:         e.X,
		Y:         e.Y,
		Label:     e.Label,
		OldLevel:  c.OldLevel,
		Level:     c.NewLevel,
		NodeType:  c.NewLevel.NodeType(),
		Version:   c.Version,
		Timestamp: ts,
	}, nil
}
