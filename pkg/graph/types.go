// Package graph is a small property graph stored in the node properties of a
// store.Store.
//
// Key layout inside one node:
//
//	_g_node         -> JSON node properties (presence marks the node as existing)
//	_g_rel_<id>     -> JSON Relationship, stored on both endpoints
//
// A reserved index node maps relationship IDs to their start node so that a
// relationship can be found by ID alone.
package graph

import (
	"encoding/json"
	"errors"

	"github.com/sanonone/relcount/pkg/descriptor"
)

const (
	nodeKey   = "_g_node"
	relPrefix = "_g_rel_"

	// IndexNode holds the relationship id -> start node index. It is not a
	// graph node and is never returned by Nodes.
	IndexNode = "_g_index"
)

var (
	ErrNodeNotFound         = errors.New("node not found")
	ErrNodeExists           = errors.New("node already exists")
	ErrRelationshipNotFound = errors.New("relationship not found")
	ErrReservedID           = errors.New("reserved node id")
)

// Node is a graph node with its properties.
type Node struct {
	ID    string         `json:"id"`
	Props map[string]any `json:"props,omitempty"`
}

// Relationship is a typed, directed connection from Start to End.
type Relationship struct {
	ID    string         `json:"id"`
	Type  string         `json:"type"`
	Start string         `json:"start"`
	End   string         `json:"end"`
	Props map[string]any `json:"props,omitempty"`
}

// IsSelfLoop reports whether both endpoints are the same node.
func (r Relationship) IsSelfLoop() bool {
	return r.Start == r.End
}

// Other returns the endpoint that is not node. For a self loop it is node.
func (r Relationship) Other(node string) string {
	if r.Start == node {
		return r.End
	}
	return r.Start
}

// DirectionFrom returns the direction of r seen from node. A self loop is
// Both: its direction is ambiguous until the caller resolves it.
func (r Relationship) DirectionFrom(node string) descriptor.Direction {
	switch {
	case r.IsSelfLoop():
		return descriptor.Both
	case r.Start == node:
		return descriptor.Outgoing
	default:
		return descriptor.Incoming
	}
}

// Touches reports whether node is one of the endpoints.
func (r Relationship) Touches(node string) bool {
	return r.Start == node || r.End == node
}

// Clone returns a copy with its own property map.
func (r Relationship) Clone() Relationship {
	if r.Props != nil {
		props := make(map[string]any, len(r.Props))
		for k, v := range r.Props {
			props[k] = v
		}
		r.Props = props
	}
	return r
}

// normalize puts property values in the shape they take after a JSON round
// trip (numbers become float64), so freshly created relationships and ones
// read back from the store describe identically.
func normalize(props map[string]any) (map[string]any, error) {
	if len(props) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
