package ccp

import "fmt"

// Relation is the routing relation to a counterparty. It constrains which
// routes are learned from and advertised to that account.
type Relation uint8

const (
	RelationParent Relation = iota
	RelationPeer
	RelationChild
)

func (r Relation) String() string {
	switch r {
	case RelationParent:
		return "Parent"
	case RelationPeer:
		return "Peer"
	case RelationChild:
		return "Child"
	default:
		return fmt.Sprintf("Relation(%d)", uint8(r))
	}
}

func ParseRelation(s string) (Relation, error) {
	switch s {
	case "Parent", "parent":
		return RelationParent, nil
	case "Peer", "peer":
		return RelationPeer, nil
	case "Child", "child":
		return RelationChild, nil
	default:
		return 0, fmt.Errorf("unknown routing relation %q", s)
	}
}

// OutboundRank orders relations for best-route tie-breaking: routes through
// peers beat routes through children, and a parent is the last resort.
func (r Relation) OutboundRank() int {
	switch r {
	case RelationPeer:
		return 0
	case RelationChild:
		return 1
	default:
		return 2
	}
}
