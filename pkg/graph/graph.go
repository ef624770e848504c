// Package graph stores accounts and the directed follow edges between them.
// It answers the two questions the tile and label pipelines ask of the
// social graph: who is in a viewer's personal network, and how many follow
// hops separate a viewer from a label owner.
//
// Accounts are keyed by node.ID. Since IDs are digit-only they can never
// collide with the kv separator.
package graph

import (
	"context"
	"errors"
	"iter"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when an account does not exist.
	ErrNotFound = errors.New("graph: not found")

	// ErrInvalidID is returned for identifiers that are not digit strings.
	ErrInvalidID = errors.New("graph: invalid id")

	// ErrInvalidKind is returned for edge kinds that are empty or contain
	// the kv separator.
	ErrInvalidKind = errors.New("graph: invalid edge kind")
)

// Kind is the type of a directed edge.
type Kind string

const (
	// Follows is an ordinary follow: From follows To.
	Follows Kind = "follows"

	// Effective marks a follow that was re-established through the service
	// after a migration: From now follows To on the destination network.
	Effective Kind = "effective"
)

// Direction selects which side of an edge a traversal walks.
type Direction int

const (
	// Out walks from follower to followed.
	Out Direction = iota
	// In walks from followed to follower.
	In
)

// Account is a graph node together with the public profile fields used to
// build display labels.
type Account struct {
	node.Node
	Username string `json:"username,omitempty"`
}

// DisplayLabel returns the text shown for a consenting account: its name,
// else "@username", else "User {id}".
func (a *Account) DisplayLabel() string {
	switch {
	case a.Label != "":
		return a.Label
	case a.Username != "":
		return "@" + a.Username
	}
	return "User " + a.ID.String()
}

// Edge is a directed, typed follow relation.
type Edge struct {
	From node.ID `json:"from"`
	To   node.ID `json:"to"`
	Kind Kind    `json:"kind"`
}

// Graph is the follow graph.
type Graph interface {
	// GetAccount returns the account id or ErrNotFound.
	GetAccount(ctx context.Context, id node.ID) (*Account, error)

	// SetAccount creates or replaces an account.
	SetAccount(ctx context.Context, a Account) error

	// DeleteAccount removes an account and every edge touching it.
	DeleteAccount(ctx context.Context, id node.ID) error

	// Accounts iterates over all accounts in id order.
	Accounts(ctx context.Context) iter.Seq2[Account, error]

	// AddEdge stores e. Adding an existing edge is a no-op.
	AddEdge(ctx context.Context, e Edge) error

	// RemoveEdge deletes e. Removing an absent edge is not an error.
	RemoveEdge(ctx context.Context, e Edge) error

	// Edges returns every edge where id is either end.
	Edges(ctx context.Context, id node.ID) ([]Edge, error)

	// Adjacent returns up to limit accounts one hop from id in direction
	// dir, restricted to kinds when non-empty. limit <= 0 means unbounded.
	Adjacent(ctx context.Context, id node.ID, dir Direction, limit int, kinds ...Kind) ([]node.ID, error)

	// Reach walks breadth-first from id in direction dir for up to hops
	// hops and returns the hop distance of every account reached, excluding
	// id itself. The walk stops once limit accounts are known.
	Reach(ctx context.Context, id node.ID, dir Direction, hops, limit int, kinds ...Kind) (map[node.ID]int, error)
}
