package consent

import (
	"cmp"
	"context"
	"errors"
	"slices"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
)

// MaxFloatingLabels caps LabelSet.FloatingLabels.
const MaxFloatingLabels = 5000

// Floating label priorities.
const (
	PriorityDirect = 80
	PriorityOther  = 50
)

// FloatingLabel is a label drawn on the canvas.
type FloatingLabel struct {
	CoordHash string  `json:"coord_hash"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Text      string  `json:"text"`
	Priority  int     `json:"priority"`

	// Level is the render layer the label is drawn on.
	Level int `json:"level"`
}

// BaseLayer is the render layer of every label the server computes.
// Renderers put their own overlays above it.
const BaseLayer = 0

// LabelSet is the answer of GET /api/graph/consent_labels. It never
// carries account identifiers.
type LabelSet struct {
	Success        bool              `json:"success"`
	LabelMap       map[string]string `json:"labelMap"`
	FloatingLabels []FloatingLabel   `json:"floatingLabels"`
	Count          int               `json:"count"`
	Authenticated  bool              `json:"authenticated"`
}

// LabelService computes the labels a viewer may see.
type LabelService struct {
	Repo      Repository
	Directory Directory

	// Proximity enables the intermediate level. Without it such labels are
	// only shown to their owner.
	Proximity Proximity
}

type visibleLabel struct {
	entry Entry
	level int
}

// Visible returns the labels visible to viewer, nil for anonymous
// requests.
//
// Anonymous viewers see all_consent labels. Authenticated viewers also see
// only_to_followers_of_followers labels of owners they reach within two
// follow hops, and their own label whatever its level except no_consent.
func (s *LabelService) Visible(ctx context.Context, viewer *node.ID) (*LabelSet, error) {
	levels := []Level{AllConsent}
	if viewer != nil {
		levels = append(levels, FollowersOfFollowers)
	}
	recs, err := s.Repo.List(ctx, levels...)
	if err != nil {
		return nil, err
	}

	var public, scoped []node.ID
	for _, r := range recs {
		if r.Level == AllConsent {
			public = append(public, r.TwitterID)
		} else {
			scoped = append(scoped, r.TwitterID)
		}
	}

	followerLevel := map[node.ID]int{}
	if viewer != nil && s.Proximity != nil {
		owners := append(slices.Clone(public), scoped...)
		if followerLevel, err = s.Proximity.FollowerLevels(ctx, *viewer, owners); err != nil {
			return nil, err
		}
	}

	ids := public
	for _, id := range scoped {
		if _, ok := followerLevel[id]; ok || id == *viewer {
			ids = append(ids, id)
		}
	}
	entries, err := s.Directory.Lookup(ctx, ids)
	if err != nil {
		return nil, err
	}

	set := &LabelSet{
		Success:        true,
		LabelMap:       make(map[string]string, len(entries)),
		FloatingLabels: []FloatingLabel{},
		Authenticated:  viewer != nil,
	}
	visible := make([]visibleLabel, 0, len(entries))
	for _, id := range ids {
		e, ok := entries[id]
		if !ok {
			continue
		}
		set.LabelMap[e.CoordHash()] = e.Label
		visible = append(visible, visibleLabel{entry: e, level: followerLevel[id]})
	}
	set.Count = len(visible)

	slices.SortFunc(visible, func(a, b visibleLabel) int {
		if c := cmp.Compare(priority(b.level), priority(a.level)); c != 0 {
			return c
		}
		if c := cmp.Compare(b.entry.Degree, a.entry.Degree); c != 0 {
			return c
		}
		return cmp.Compare(a.entry.CoordHash(), b.entry.CoordHash())
	})
	for _, v := range visible[:min(len(visible), MaxFloatingLabels)] {
		set.FloatingLabels = append(set.FloatingLabels, FloatingLabel{
			CoordHash: v.entry.CoordHash(),
			X:         v.entry.X,
			Y:         v.entry.Y,
			Text:      v.entry.Label,
			Priority:  priority(v.level),
			Level:     BaseLayer,
		})
	}
	return set, nil
}

// Own returns the viewer's record with its coord hash filled. Accounts
// that never chose a level read as no_consent.
func (s *LabelService) Own(ctx context.Context, viewer node.ID) (*Record, error) {
	rec, err := s.Repo.Get(ctx, viewer)
	switch {
	case errors.Is(err, ErrNotFound):
		rec = &Record{TwitterID: viewer, Level: NoConsent}
	case err != nil:
		return nil, err
	}
	entries, err := s.Directory.Lookup(ctx, []node.ID{viewer})
	if err != nil {
		return nil, err
	}
	if e, ok := entries[viewer]; ok {
		rec.CoordHash = e.CoordHash()
	}
	return rec, nil
}

func priority(followerLevel int) int {
	if followerLevel == 1 {
		return PriorityDirect
	}
	return PriorityOther
}
