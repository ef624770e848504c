package consent

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/jsontime"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
)

// MemoryRepository keeps consent in memory. Changes are handed to the
// notify hook while the write lock is held, so hooks observe writes in
// commit order.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[node.ID]Record
	notify  func(Change)
	now     func() time.Time
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty repository. notify may be nil.
func NewMemoryRepository(notify func(Change)) *MemoryRepository {
	return &MemoryRepository{
		records: make(map[node.ID]Record),
		notify:  notify,
		now:     time.Now,
	}
}

func (r *MemoryRepository) Get(_ context.Context, id node.ID) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (r *MemoryRepository) SetLevel(_ context.Context, id node.ID, level Level, _ Meta) (*Change, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("consent: %w: %q", node.ErrInvalidID, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var old *Level
	prev, ok := r.records[id]
	if ok {
		old = &prev.Level
	}
	level, err := Transition(old, level)
	if err != nil {
		return nil, err
	}

	now := jsontime.Milli(r.now())
	// Keep timestamps strictly increasing per account so that clients
	// resolving by time never see two writes as simultaneous.
	if ok && !now.After(prev.UpdatedAt) {
		now = prev.UpdatedAt.Add(time.Millisecond)
	}
	rec := Record{TwitterID: id, Level: level, Version: prev.Version + 1, UpdatedAt: now}
	r.records[id] = rec

	ch := Change{TwitterID: id, NewLevel: level, Version: rec.Version, ChangedAt: now}
	if old != nil {
		l := *old
		ch.OldLevel = &l
	}
	if r.notify != nil {
		r.notify(ch)
	}
	return &ch, nil
}

func (r *MemoryRepository) List(_ context.Context, levels ...Level) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.records {
		if slices.Contains(levels, rec.Level) {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b Record) int {
		return compareIDs(a.TwitterID, b.TwitterID)
	})
	return out, nil
}

func sortIDs(ids []node.ID) {
	slices.SortFunc(ids, compareIDs)
}

// compareIDs orders digit strings numerically.
func compareIDs(a, b node.ID) int {
	if len(a) != len(b) {
		return len(a) - len(b)
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
