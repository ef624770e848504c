package labels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/broadcast"
)

// Subscriber follows a websocket change feed and applies every event to a
// Map. After a disconnect it reconnects with exponential backoff and asks
// the server to replay from the last event it saw.
type Subscriber struct {
	// URL is the websocket endpoint, e.g. ws://host/api/ws.
	URL string

	// Header is sent with every dial, typically carrying credentials.
	Header http.Header

	Map *Map

	// OnEvent, when set, is called after each event is applied.
	OnEvent func(e broadcast.Event, changed bool)

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// MaxInterval caps the reconnect delay. Defaults to 30s.
	MaxInterval time.Duration

	lastID atomic.Uint64

	mu    sync.Mutex
	epoch string
}

// LastID returns the id of the last event received.
func (s *Subscriber) LastID() uint64 {
	return s.lastID.Load()
}

// ResumeFrom makes the next dial ask the server to replay the events after
// id. Call it before Run.
func (s *Subscriber) ResumeFrom(id uint64) {
	s.lastID.Store(id)
}

// Run follows the feed until ctx ends. It returns ctx.Err() or a dial
// error the server rejected permanently (4xx).
func (s *Subscriber) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = s.MaxInterval
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = 30 * time.Second
	}
	bo.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		start := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		// A session that ran for a while resets the delay.
		if time.Since(start) > bo.MaxInterval {
			bo.Reset()
		}
		return err
	}, backoff.WithContext(bo, ctx), func(err error, d time.Duration) {
		slog.Warn("labels: feed disconnected, reconnecting", "err", err, "in", d, "since", s.LastID())
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Subscriber) session(ctx context.Context) error {
	u, err := url.Parse(s.URL)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("labels: feed url: %w", err))
	}
	if last := s.LastID(); last > 0 {
		q := u.Query()
		q.Set("since", strconv.FormatUint(last, 10))
		if epoch := s.Epoch(); epoch != "" {
			q.Set("epoch", epoch)
		}
		u.RawQuery = q.Encode()
	}
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), s.Header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("labels: dial: %s", resp.Status))
		}
		return fmt.Errorf("labels: dial: %w", err)
	}
	defer conn.Close()
	slog.Info("labels: feed connected", "since", s.LastID())

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("labels: feed closed by server")
			}
			return err
		}
		s.handle(data)
	}
}

// Epoch returns the server epoch of the last Hello received.
func (s *Subscriber) Epoch() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *Subscriber) handle(data []byte) {
	var e broadcast.Event
	if err := json.Unmarshal(data, &e); err != nil {
		slog.Debug("labels: bad frame", "err", err)
		return
	}
	if e.Type == broadcast.TypeConnected {
		var hello broadcast.Hello
		if err := json.Unmarshal(data, &hello); err == nil {
			s.hello(hello)
		}
		return
	}
	if e.Type != broadcast.TypeLabels && e.Type != broadcast.TypeNodeTypes {
		return
	}
	changed := s.Map.Apply(e)
	if e.ID > s.lastID.Load() {
		s.lastID.Store(e.ID)
	}
	if s.OnEvent != nil {
		s.OnEvent(e, changed)
	}
}

// hello resets the resume point when the server restarted: event ids then
// belong to a new epoch and the server replays from its first event.
func (s *Subscriber) hello(h broadcast.Hello) {
	s.mu.Lock()
	prev := s.epoch
	s.epoch = h.Epoch
	s.mu.Unlock()
	last := s.lastID.Load()
	if (prev != "" && prev != h.Epoch) || h.LastID < last {
		slog.Info("labels: server restarted, resume point reset", "since", last, "server_last", h.LastID)
		s.lastID.Store(0)
	}
}
