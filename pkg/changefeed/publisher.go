package changefeed

import (
	"context"
	"log/slog"
	"time"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/broadcast"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/consent"
)

// Publisher turns deltas into hub events.
//
// Every delta yields a global node type event. The label event depends on
// the level: all_consent adds the label for everyone, no_consent removes it
// for everyone, and the intermediate level removes it for everyone before
// adding it back for the owner's network.
type Publisher struct {
	Hub *broadcast.Hub

	// Proximity computes the network of intermediate-level owners. Without
	// it only the owner gets the label back.
	Proximity consent.Proximity

	// Timeout bounds the audience lookup. Defaults to 10s.
	Timeout time.Duration
}

// Handle publishes the events of d. It never fails: a lookup error narrows
// the audience to the owner and is logged.
func (p *Publisher) Handle(d Delta) {
	base := broadcast.Event{
		CoordHash: d.CoordHash,
		Timestamp: d.Timestamp,
		Version:   d.Version,
	}
	label := base
	label.Type = broadcast.TypeLabels
	label.DisplayLabel = d.Label

	nodeType := base
	nodeType.Type = broadcast.TypeNodeTypes
	nodeType.NodeType = d.NodeType

	var events []broadcast.Event
	switch d.Level {
	case consent.AllConsent:
		label.Action = broadcast.ActionAdd
		events = append(events, label)
	case consent.NoConsent:
		label.Action = broadcast.ActionRemove
		label.DisplayLabel = ""
		events = append(events, label)
	case consent.FollowersOfFollowers:
		remove := label
		remove.Action = broadcast.ActionRemove
		remove.DisplayLabel = ""
		add := label
		add.Action = broadcast.ActionAdd
		add.Audience = p.audience(d)
		events = append(events, remove, add)
	}
	events = append(events, nodeType)
	p.Hub.Publish(events...)
	slog.Debug("changefeed: delta published", "coord_hash", d.CoordHash, "level", d.Level, "events", len(events))
}

func (p *Publisher) audience(d Delta) []string {
	ids := []string{d.TwitterID.String()}
	if p.Proximity == nil {
		return ids
	}
	ctx, cancel := context.WithTimeout(context.Background(), orDefault(p.Timeout, 10*time.Second))
	defer cancel()
	network, err := p.Proximity.Audience(ctx, d.TwitterID, consent.MaxAudience)
	if err != nil {
		slog.Warn("changefeed: audience lookup failed, owner only", "coord_hash", d.CoordHash, "err", err)
		return ids
	}
	out := make([]string, len(network))
	for i, id := range network {
		out[i] = id.String()
	}
	return out
}
