package broadcast

import (
	"sync"
	"time"
)

// Replay is a ring of recent events. The oldest event is overwritten when
// the ring is full, and events appended more than the TTL ago are never
// returned.
type Replay struct {
	mu         sync.Mutex
	buf        []replayEntry
	head, tail int64
	ttl        time.Duration
	now        func() time.Time
}

type replayEntry struct {
	event Event
	at    time.Time
}

// NewReplay returns a ring holding at most size events for ttl.
func NewReplay(size int, ttl time.Duration) *Replay {
	if size <= 0 {
		size = DefaultReplaySize
	}
	if ttl <= 0 {
		ttl = DefaultReplayTTL
	}
	return &Replay{buf: make([]replayEntry, size), ttl: ttl, now: time.Now}
}

// Append adds e, evicting the oldest event when full.
func (r *Replay) Append(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := int64(len(r.buf))
	r.buf[r.tail%size] = replayEntry{event: e, at: r.now()}
	r.tail++
	if r.tail-r.head > size {
		r.head = r.tail - size
	}
}

// Len returns the number of live events.
func (r *Replay) Len() int {
	return len(r.collect(func(*Event) bool { return true }))
}

// Since returns the live events whose id is greater than id, oldest first.
func (r *Replay) Since(id uint64) []Event {
	return r.collect(func(e *Event) bool { return e.ID > id })
}

// SinceTime returns the live events stamped after t, oldest first.
func (r *Replay) SinceTime(t time.Time) []Event {
	ms := t.UnixMilli()
	return r.collect(func(e *Event) bool { return e.Timestamp.UnixMilli() > ms })
}

func (r *Replay) collect(keep func(*Event) bool) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.ttl)
	size := int64(len(r.buf))
	var out []Event
	for i := r.head; i < r.tail; i++ {
		ent := &r.buf[i%size]
		if ent.at.Before(cutoff) {
			continue
		}
		if keep(&ent.event) {
			out = append(out, ent.event)
		}
	}
	return out
}
