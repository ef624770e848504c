// Package consent records how widely each account owner lets the graph show
// their name, and answers which labels a viewer may see.
//
// A write goes through Repository.SetLevel, which persists the new level and
// emits a Change in the same transaction. Downstream stages (changefeed,
// broadcast) turn changes into label events for connected clients.
package consent

import (
	"errors"
	"fmt"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
)

// Level is a consent level.
type Level string

const (
	// NoConsent hides the owner's label from everyone.
	NoConsent Level = "no_consent"

	// FollowersOfFollowers shows the label to the owner's followers and
	// their followers.
	FollowersOfFollowers Level = "only_to_followers_of_followers"

	// AllConsent shows the label to everyone.
	AllConsent Level = "all_consent"
)

// Levels lists every valid level.
var Levels = []Level{NoConsent, FollowersOfFollowers, AllConsent}

// ErrInvalidLevel is returned for unknown levels.
var ErrInvalidLevel = errors.New("consent: invalid consent_level")

// ErrNotFound is returned when an account has never set a level.
var ErrNotFound = errors.New("consent: not found")

// ParseLevel validates s.
func ParseLevel(s string) (Level, error) {
	l := Level(s)
	if !l.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidLevel, s)
	}
	return l, nil
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case NoConsent, FollowersOfFollowers, AllConsent:
		return true
	}
	return false
}

// NodeType is how a node of this level is rendered.
func (l Level) NodeType() node.Type {
	if l == NoConsent {
		return node.TypeGeneric
	}
	return node.TypeMember
}

// Transition validates a move from from (nil when unset) to to. Every set
// level is reachable from every state, and re-setting the current level is
// a valid write.
func Transition(from *Level, to Level) (Level, error) {
	if !to.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidLevel, to)
	}
	if from != nil && !from.Valid() {
		return "", fmt.Errorf("consent: stored level %q is corrupt", *from)
	}
	return to, nil
}
