package count

import (
	"fmt"

	"github.com/sanonone/relcount/pkg/cache"
	"github.com/sanonone/relcount/pkg/descriptor"
	"github.com/sanonone/relcount/pkg/metrics"
	"github.com/sanonone/relcount/pkg/store"
)

// Cached answers queries from the persisted degree cache only.
type Cached struct {
	cache *cache.DegreeCache
}

// NewCached returns a counter reading c's namespace.
func NewCached(c *cache.DegreeCache) *Cached {
	return &Cached{cache: c}
}

// Count sums every entry at least as specific as the query. Before a group
// is compacted its entries are literal and the sum is exact. After, an entry
// that overlaps the query without being more specific may hold matching
// relationships the sum cannot attribute, and the count fails with
// ErrUnableToCount.
func (c *Cached) Count(r store.Reader, node string, q Query) (int64, error) {
	qds, err := q.descriptors()
	if err != nil {
		return 0, err
	}
	snap, err := c.cache.Snapshot(r, node)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, qd := range qds {
		compacted := snap.IsCompacted(qd.Group())
		for _, e := range snap.Group(qd.Group()) {
			switch {
			case e.Descriptor.IsMoreSpecificThan(qd):
				total += e.Count
			case compacted && e.Descriptor.Overlaps(qd):
				return 0, fmt.Errorf("%w: %s on node %s, entry %s", ErrUnableToCount, q, node, e.Descriptor)
			}
		}
	}
	metrics.CountQueries.WithLabelValues("cached", "general").Inc()
	return total, nil
}

// CountLiterally returns the count of the entry equal to the query. In a
// compacted group any entry as general as the query may be a merge of
// several literal descriptors, so its presence fails the count.
func (c *Cached) CountLiterally(r store.Reader, node string, q Query) (int64, error) {
	qds, err := q.descriptors()
	if err != nil {
		return 0, err
	}
	snap, err := c.cache.Snapshot(r, node)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, qd := range qds {
		n, err := literal(snap, qd)
		if err != nil {
			return 0, fmt.Errorf("%w: %s on node %s", err, q, node)
		}
		total += n
	}
	metrics.CountQueries.WithLabelValues("cached", "literal").Inc()
	return total, nil
}

func literal(snap cache.Snapshot, qd descriptor.Descriptor) (int64, error) {
	if !snap.IsCompacted(qd.Group()) {
		return snap.Entries[qd.String()].Count, nil
	}
	for _, e := range snap.Group(qd.Group()) {
		if e.Descriptor.IsMoreGeneralThan(qd) {
			return 0, ErrUnableToCount
		}
	}
	return 0, nil
}
