package graph

import (
	"encoding/json"
	"fmt"

	"github.com/sanonone/relcount/pkg/store"
)

// Reader reads the graph from any store.Reader, including an open
// transaction.
type Reader struct {
	r store.Reader
}

// NewReader wraps r.
func NewReader(r store.Reader) Reader {
	return Reader{r: r}
}

// Node returns the node with the given ID.
func (g Reader) Node(id string) (Node, bool, error) {
	if id == IndexNode {
		return Node{}, false, nil
	}
	raw, ok, err := g.r.Get(id, nodeKey)
	if err != nil || !ok {
		return Node{}, false, err
	}
	n := Node{ID: id}
	if err := json.Unmarshal(raw, &n.Props); err != nil {
		return Node{}, false, fmt.Errorf("graph: decode node %s: %w", id, err)
	}
	return n, true, nil
}

// Nodes lists the IDs of every graph node, in ascending order.
func (g Reader) Nodes() ([]string, error) {
	all, err := g.r.Nodes()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(all))
	for _, id := range all {
		if id == IndexNode {
			continue
		}
		if _, ok, err := g.r.Get(id, nodeKey); err != nil {
			return nil, err
		} else if ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// Relationship returns the relationship with the given ID.
func (g Reader) Relationship(id string) (Relationship, bool, error) {
	start, ok, err := g.r.Get(IndexNode, id)
	if err != nil || !ok {
		return Relationship{}, false, err
	}
	return g.relationshipOn(string(start), id)
}

func (g Reader) relationshipOn(node, id string) (Relationship, bool, error) {
	raw, ok, err := g.r.Get(node, relPrefix+id)
	if err != nil || !ok {
		return Relationship{}, false, err
	}
	var rel Relationship
	if err := json.Unmarshal(raw, &rel); err != nil {
		return Relationship{}, false, fmt.Errorf("graph: decode relationship %s: %w", id, err)
	}
	return rel, true, nil
}

// Relationships returns every relationship touching node, ordered by ID.
// A self loop is returned once.
func (g Reader) Relationships(node string) ([]Relationship, error) {
	keys, err := g.r.Keys(node, relPrefix)
	if err != nil {
		return nil, err
	}
	rels := make([]Relationship, 0, len(keys))
	for _, k := range keys {
		rel, ok, err := g.relationshipOn(node, k[len(relPrefix):])
		if err != nil {
			return nil, err
		}
		if ok {
			rels = append(rels, rel)
		}
	}
	return rels, nil
}

// Degree returns the number of relationships touching node, self loops
// counted once.
func (g Reader) Degree(node string) (int, error) {
	keys, err := g.r.Keys(node, relPrefix)
	return len(keys), err
}
