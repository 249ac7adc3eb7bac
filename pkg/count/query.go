// Package count answers degree queries for a single node, either from the
// degree cache, by traversing the node's relationships, or from the cache
// with a traversal fallback.
package count

import (
	"errors"

	"github.com/sanonone/relcount/pkg/descriptor"
	"github.com/sanonone/relcount/pkg/store"
)

// ErrUnableToCount is returned by the cached counter when compaction has
// made the answer uncertain.
var ErrUnableToCount = errors.New("count: unable to count from cache")

// Query selects relationships of one type and direction with a set of
// property constraints. Direction may be Both, which sums the two concrete
// directions.
type Query struct {
	Type       string
	Direction  descriptor.Direction
	Properties descriptor.PropertySet
}

// NewQuery returns a query without property constraints.
func NewQuery(relType string, dir descriptor.Direction) Query {
	return Query{Type: relType, Direction: dir}
}

// With returns a copy of q that also requires key to equal value.
func (q Query) With(key string, value any) Query {
	q.Properties = q.Properties.With(key, descriptor.Canonical(value))
	return q
}

// descriptors expands q into one descriptor per concrete direction.
func (q Query) descriptors() ([]descriptor.Descriptor, error) {
	dirs := []descriptor.Direction{q.Direction}
	if q.Direction == descriptor.Both {
		dirs = []descriptor.Direction{descriptor.Outgoing, descriptor.Incoming}
	}
	out := make([]descriptor.Descriptor, 0, len(dirs))
	for _, dir := range dirs {
		d, err := descriptor.New(q.Type, dir, q.Properties)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (q Query) String() string {
	s := q.Type + descriptor.DefaultSeparator + q.Direction.String()
	if !q.Properties.IsEmpty() {
		s += " " + q.Properties.String()
	}
	return s
}

// Counter counts the relationships of a node matching a query. Count reads
// the query generally, CountLiterally requires the exact property set.
type Counter interface {
	Count(r store.Reader, node string, q Query) (int64, error)
	CountLiterally(r store.Reader, node string, q Query) (int64, error)
}
