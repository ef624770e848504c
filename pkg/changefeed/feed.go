// Package changefeed turns committed consent writes into label deltas.
//
// A Feed delivers the raw payloads of the consent_changes channel. The
// Listener decodes each one, resolves the owner's coordinates and hands a
// Delta to its callbacks. A Publisher callback then fans the delta out
// through a broadcast hub.
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/consent"
)

// ErrClosed is returned when using a closed feed.
var ErrClosed = errors.New("changefeed: feed closed")

// Feed is a source of notification payloads.
type Feed interface {
	// Listen starts delivery. The channel is closed when the feed is
	// closed or ctx ends.
	Listen(ctx context.Context) (<-chan []byte, error)

	Close() error
}

// PQFeed listens on a Postgres channel over a dedicated connection.
type PQFeed struct {
	DSN     string
	Channel string

	// MinReconnect and MaxReconnect bound the reconnect interval of the
	// underlying pq.Listener. They default to 5s and 1m.
	MinReconnect time.Duration
	MaxReconnect time.Duration

	// PingInterval is how long the connection may stay idle before it is
	// checked. Defaults to 90s.
	PingInterval time.Duration

	mu       sync.Mutex
	listener *pq.Listener
	done     chan struct{}
}

func (f *PQFeed) Listen(ctx context.Context) (<-chan []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener != nil {
		return nil, errors.New("changefeed: already listening")
	}
	channel := f.Channel
	if channel == "" {
		channel = consent.Channel
	}

	l := pq.NewListener(f.DSN,
		orDefault(f.MinReconnect, 5*time.Second),
		orDefault(f.MaxReconnect, time.Minute),
		func(ev pq.ListenerEventType, err error) {
			switch ev {
			case pq.ListenerEventConnected:
				slog.Info("changefeed: connected", "channel", channel)
			case pq.ListenerEventDisconnected:
				slog.Warn("changefeed: disconnected", "err", err)
			case pq.ListenerEventReconnected:
				slog.Info("changefeed: reconnected", "channel", channel)
			case pq.ListenerEventConnectionAttemptFailed:
				slog.Warn("changefeed: connection attempt failed", "err", err)
			}
		})

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = time.Minute
	err := backoff.RetryNotify(func() error {
		err := l.Listen(channel)
		if errors.Is(err, pq.ErrChannelAlreadyOpen) {
			return nil
		}
		return err
	}, backoff.WithContext(bo, ctx), func(err error, d time.Duration) {
		slog.Warn("changefeed: listen failed, retrying", "err", err, "in", d)
	})
	if err != nil {
		l.Close()
		return nil, err
	}

	f.listener = l
	f.done = make(chan struct{})
	out := make(chan []byte, 64)
	go f.pump(ctx, l, f.done, out)
	return out, nil
}

func (f *PQFeed) pump(ctx context.Context, l *pq.Listener, done <-chan struct{}, out chan<- []byte) {
	defer close(out)
	idle := orDefault(f.PingInterval, 90*time.Second)
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case n, ok := <-l.Notify:
			if !ok {
				return
			}
			if n == nil {
				// pq sends nil after a reconnect. Notifications sent while
				// disconnected are lost; clients recover them from their
				// next full label fetch.
				slog.Warn("changefeed: connection re-established, notifications may have been missed")
				continue
			}
			select {
			case out <- []byte(n.Extra):
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		case <-timer.C:
			go func() {
				if err := l.Ping(); err != nil {
					slog.Warn("changefeed: ping failed", "err", err)
				}
			}()
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(idle)
	}
}

func (f *PQFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener == nil {
		return nil
	}
	close(f.done)
	err := f.listener.Close()
	f.listener = nil
	return err
}

// MemoryFeed is an in-process feed. Payloads sent before Listen are
// queued and delivered once it starts.
type MemoryFeed struct {
	mu      sync.Mutex
	queue   [][]byte
	wake    chan struct{}
	closed  bool
	started bool
}

// NewMemoryFeed returns an open feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{wake: make(chan struct{}, 1)}
}

// Publish encodes c the way the database trigger does and sends it. Its
// signature matches the notify hook of consent.MemoryRepository.
func (f *MemoryFeed) Publish(c consent.Change) {
	data, err := json.Marshal(c)
	if err != nil {
		slog.Error("changefeed: encode change", "err", err)
		return
	}
	if err := f.Send(data); err != nil {
		slog.Warn("changefeed: change not queued", "err", err)
	}
}

// Send queues a raw payload. It never blocks.
func (f *MemoryFeed) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.queue = append(f.queue, payload)
	select {
	case f.wake <- struct{}{}:
	default:
	}
	return nil
}

func (f *MemoryFeed) Listen(ctx context.Context) (<-chan []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	if f.started {
		return nil, errors.New("changefeed: already listening")
	}
	f.started = true
	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			f.mu.Lock()
			batch := f.queue
			f.queue = nil
			closed := f.closed
			f.mu.Unlock()
			for _, p := range batch {
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
			if closed {
				return
			}
			select {
			case <-f.wake:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close stops delivery once the queued payloads are drained.
func (f *MemoryFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		select {
		case f.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
