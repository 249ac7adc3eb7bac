package count

import (
	"github.com/sanonone/relcount/pkg/descriptor"
	"github.com/sanonone/relcount/pkg/graph"
	"github.com/sanonone/relcount/pkg/metrics"
	"github.com/sanonone/relcount/pkg/store"
	"github.com/sanonone/relcount/pkg/strategy"
)

// Naive counts by walking the node's relationships. It describes every
// relationship through the same strategies as the cache, so both agree on
// what matches. A self loop is seen in both directions, as the cache stores
// it. A node excluded by the node inclusion policy counts zero.
type Naive struct {
	strategies strategy.Strategies
}

// NewNaive returns a traversal counter. Zero strategies mean the defaults.
func NewNaive(s strategy.Strategies) *Naive {
	if s.IsZero() {
		s = strategy.Default()
	}
	return &Naive{strategies: s}
}

// Count sums the weights of relationships more specific than the query.
func (n *Naive) Count(r store.Reader, node string, q Query) (int64, error) {
	total, err := n.sum(r, node, q, func(candidate, query descriptor.Descriptor) bool {
		return candidate.IsMoreSpecificThan(query)
	})
	if err == nil {
		metrics.CountQueries.WithLabelValues("naive", "general").Inc()
	}
	return total, err
}

// CountLiterally sums the weights of relationships whose descriptor equals
// the query.
func (n *Naive) CountLiterally(r store.Reader, node string, q Query) (int64, error) {
	total, err := n.sum(r, node, q, descriptor.Descriptor.Equal)
	if err == nil {
		metrics.CountQueries.WithLabelValues("naive", "literal").Inc()
	}
	return total, err
}

func (n *Naive) sum(r store.Reader, node string, q Query, match func(candidate, query descriptor.Descriptor) bool) (int64, error) {
	qds, err := q.descriptors()
	if err != nil {
		return 0, err
	}
	gr := graph.NewReader(r)
	if nd, ok, err := gr.Node(node); err != nil {
		return 0, err
	} else if ok && !n.strategies.IncludesNode(nd) {
		return 0, nil
	}
	rels, err := gr.Relationships(node)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, rel := range rels {
		if rel.Type != q.Type || !n.strategies.Includes(rel) {
			continue
		}
		dirs := []descriptor.Direction{rel.DirectionFrom(node)}
		if rel.IsSelfLoop() {
			dirs = []descriptor.Direction{descriptor.Outgoing, descriptor.Incoming}
		}
		for _, dir := range dirs {
			candidate, err := n.strategies.Describe(rel, node, dir)
			if err != nil {
				return 0, err
			}
			for _, qd := range qds {
				if match(candidate, qd) {
					total += n.strategies.Weigh(rel, node)
				}
			}
		}
	}
	return total, nil
}
