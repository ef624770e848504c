package broadcast

import (
	"testing"
	"time"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/jsontime"
)

func TestReplay_Evicts(t *testing.T) {
	r := NewReplay(3, time.Hour)
	for i := uint64(1); i <= 5; i++ {
		r.Append(Event{ID: i})
	}
	got := r.Since(0)
	if len(got) != 3 || got[0].ID != 3 || got[2].ID != 5 {
		t.Fatalf("Since(0) = %v, want ids 3..5", got)
	}
	if got := r.Since(4); len(got) != 1 || got[0].ID != 5 {
		t.Fatalf("Since(4) = %v, want [5]", got)
	}
	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}
}

func TestReplay_TTL(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewReplay(10, time.Minute)
	r.now = func() time.Time { return now }

	r.Append(Event{ID: 1})
	now = now.Add(30 * time.Second)
	r.Append(Event{ID: 2})
	now = now.Add(45 * time.Second)

	got := r.Since(0)
	if len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("Since(0) = %v, want only the unexpired event", got)
	}
}

func TestReplay_SinceTime(t *testing.T) {
	r := NewReplay(10, time.Hour)
	base := time.Now()
	for i := range 4 {
		r.Append(Event{ID: uint64(i + 1), Timestamp: jsontime.Milli(base.Add(time.Duration(i) * time.Second))})
	}
	got := r.SinceTime(base.Add(time.Second))
	if len(got) != 2 || got[0].ID != 3 {
		t.Fatalf("SinceTime = %v, want ids 3, 4", got)
	}
}

func TestNewReplay_Defaults(t *testing.T) {
	r := NewReplay(0, 0)
	if len(r.buf) != DefaultReplaySize || r.ttl != DefaultReplayTTL {
		t.Fatalf("defaults = %d, %v", len(r.buf), r.ttl)
	}
}
