package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/jsontime"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/metrics"
)

// Defaults of HubConfig.
const (
	DefaultReplaySize    = 4096
	DefaultReplayTTL     = time.Hour
	DefaultSessionBuffer = 100
)

// HubConfig configures a Hub. Zero values take the defaults.
type HubConfig struct {
	ReplaySize    int                `json:"replay_size,omitempty" yaml:"replay_size,omitempty"`
	ReplayTTL     *jsontime.Duration `json:"replay_ttl,omitempty" yaml:"replay_ttl,omitempty"`
	SessionBuffer int                `json:"session_buffer,omitempty" yaml:"session_buffer,omitempty"`
}

// Hub routes events to sessions and records them for replay.
type Hub struct {
	replay *Replay
	buffer int

	// epoch names this hub instance. Event ids restart at 1 with every
	// hub, so a resume point is only meaningful within one epoch.
	epoch string

	mu       sync.Mutex
	sessions map[string]*Session
	lastID   uint64
}

// Session is a registered receiver. Events arrive on C in publish order.
type Session struct {
	ID        string
	Identity  string
	Transport string

	C <-chan Event

	ch      chan Event
	dropped atomic.Int64
}

// Dropped returns how many events the session missed on a full buffer.
func (s *Session) Dropped() int64 {
	return s.dropped.Load()
}

// NewHub returns a hub configured by cfg.
func NewHub(cfg HubConfig) *Hub {
	buffer := cfg.SessionBuffer
	if buffer <= 0 {
		buffer = DefaultSessionBuffer
	}
	return &Hub{
		replay:   NewReplay(cfg.ReplaySize, cfg.ReplayTTL.Or(DefaultReplayTTL)),
		buffer:   buffer,
		epoch:    uuid.NewString(),
		sessions: make(map[string]*Session),
	}
}

// Register adds a session for identity ("" for anonymous viewers).
// transport labels the session in metrics.
func (h *Hub) Register(identity, transport string) *Session {
	ch := make(chan Event, h.buffer)
	s := &Session{
		ID:        uuid.NewString(),
		Identity:  identity,
		Transport: transport,
		C:         ch,
		ch:        ch,
	}
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
	metrics.Sessions.WithLabelValues(transport).Inc()
	slog.Debug("broadcast: session registered", "session", s.ID, "transport", transport)
	return s
}

// Unregister removes s and closes its channel. It is safe to call twice.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s.ID]
	delete(h.sessions, s.ID)
	if ok {
		close(s.ch)
	}
	h.mu.Unlock()
	if ok {
		metrics.Sessions.WithLabelValues(s.Transport).Dec()
		slog.Debug("broadcast: session closed", "session", s.ID, "dropped", s.Dropped())
	}
}

// Len returns the number of registered sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Publish numbers events in order, records them for replay and delivers
// them. It never blocks on a slow session. The numbered events are
// returned.
func (h *Hub) Publish(events ...Event) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, len(events))
	for i, e := range events {
		h.lastID++
		e.ID = h.lastID
		h.replay.Append(e)
		metrics.EventsPublished.WithLabelValues(string(e.Type)).Inc()
		for _, s := range h.sessions {
			if !e.Visible(s.Identity) {
				continue
			}
			select {
			case s.ch <- e:
			default:
				s.dropped.Add(1)
				metrics.EventsDropped.Inc()
				slog.Debug("broadcast: event dropped (buffer full)", "session", s.ID, "event", e.ID)
			}
		}
		out[i] = e
	}
	return out
}

// Since returns the replayable events after id that identity may see.
func (h *Hub) Since(identity string, id uint64) []Event {
	return visibleTo(identity, h.replay.Since(id))
}

// Resume returns the events a client resuming after id may see. A resume
// point from another epoch, or beyond the newest event, predates this hub:
// the client gets everything still replayable instead. epoch may be empty
// when the client does not know it.
func (h *Hub) Resume(identity string, id uint64, epoch string) []Event {
	if (epoch != "" && epoch != h.epoch) || id > h.LastID() {
		slog.Debug("broadcast: stale resume point, replaying all", "since", id, "epoch", epoch)
		id = 0
	}
	return h.Since(identity, id)
}

// Epoch returns the hub instance id sent in every Hello.
func (h *Hub) Epoch() string {
	return h.epoch
}

// SinceTime returns the replayable events stamped after t that identity
// may see.
func (h *Hub) SinceTime(identity string, t time.Time) []Event {
	return visibleTo(identity, h.replay.SinceTime(t))
}

// LastID returns the id of the newest published event.
func (h *Hub) LastID() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastID
}

func visibleTo(identity string, events []Event) []Event {
	out := events[:0]
	for _, e := range events {
		if e.Visible(identity) {
			out = append(out, e)
		}
	}
	return out
}
