// Package broadcast fans label change events out to connected sessions.
//
// A Hub numbers every event, keeps a bounded replay window of recent events
// and delivers each event to the sessions in its audience. Delivery is
// best-effort: a session whose buffer is full misses the event and can catch
// up from the replay window after reconnecting.
package broadcast

import (
	"github.com/ISCPIF/OpenPortability-sub004/pkg/jsontime"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
)

// Type is the kind of change an event carries.
type Type string

const (
	// TypeLabels patches the label map.
	TypeLabels Type = "labels"

	// TypeNodeTypes patches node types.
	TypeNodeTypes Type = "node_types"
)

// Action tells a client what to do with a label.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

// Event is one change pushed to clients. It is keyed by coord hash and
// never carries the owner's account id.
type Event struct {
	// ID is assigned by the hub and increases monotonically.
	ID uint64 `json:"id"`

	Type         Type           `json:"type"`
	CoordHash    string         `json:"coord_hash"`
	Action       Action         `json:"action,omitempty"`
	DisplayLabel string         `json:"display_label,omitempty"`
	NodeType     node.Type      `json:"node_type,omitempty"`
	Timestamp    jsontime.Milli `json:"timestamp"`
	Version      int64          `json:"version"`

	// Audience restricts delivery to these identities. Empty means every
	// session. It is server-side routing state and is not serialized.
	Audience []string `json:"-"`
}

// Visible reports whether a session with identity may receive e.
func (e *Event) Visible(identity string) bool {
	if len(e.Audience) == 0 {
		return true
	}
	if identity == "" {
		return false
	}
	for _, a := range e.Audience {
		if a == identity {
			return true
		}
	}
	return false
}
