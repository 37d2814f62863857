package engine

import (
	"fmt"
	"slices"
)

// ErrDepthExceeded is wrapped into resolution errors when nesting crosses
// the configured cap.
var ErrDepthExceeded = fmt.Errorf("group nesting depth exceeded")

// MembershipGraph holds the group-to-member edges for one run. Nodes are
// lowercased identifiers; a member that exists as a group node is expanded
// recursively, anything else is treated as a user. The graph is rebuilt
// fresh from directory search results each run, never persisted.
type MembershipGraph struct {
	members map[string][]string
}

// NewMembershipGraph creates an empty graph.
func NewMembershipGraph() *MembershipGraph {
	return &MembershipGraph{members: make(map[string][]string)}
}

// AddGroup records a group node and its direct members.
func (g *MembershipGraph) AddGroup(group string, members []string) {
	g.members[group] = members
}

// IsGroup reports whether the identifier is a known group node.
func (g *MembershipGraph) IsGroup(identifier string) bool {
	_, ok := g.members[identifier]
	return ok
}

// Flatten expands nested membership starting at root into a sorted,
// deduplicated set of user identifiers. Groups already on the current
// expansion path are skipped rather than re-expanded, which guarantees
// termination on cyclic input while still reaching every user. Nesting
// deeper than maxDepth is an error, not silent truncation.
func (g *MembershipGraph) Flatten(root string, maxDepth int) ([]string, error) {
	users := make(map[string]bool)
	onPath := make(map[string]bool)

	if err := g.expand(root, maxDepth, onPath, users); err != nil {
		return nil, err
	}

	result := make([]string, 0, len(users))
	for user := range users {
		result = append(result, user)
	}
	slices.Sort(result)
	return result, nil
}

func (g *MembershipGraph) expand(group string, depthLeft int, onPath, users map[string]bool) error {
	if depthLeft <= 0 {
		return fmt.Errorf("expanding %s: %w", group, ErrDepthExceeded)
	}

	onPath[group] = true
	defer delete(onPath, group)

	for _, member := range g.members[group] {
		if !g.IsGroup(member) {
			users[member] = true
			continue
		}
		if onPath[member] {
			// Cycle: the member group is an ancestor of this one and
			// is already being expanded.
			continue
		}
		if err := g.expand(member, depthLeft-1, onPath, users); err != nil {
			return err
		}
	}

	return nil
}
