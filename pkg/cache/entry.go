package cache

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sanonone/relcount/pkg/descriptor"
)

// DefaultNamespaceID names the cache namespace when none is configured.
const DefaultNamespaceID = "main"

// CompactedSuffix is the last token of a compaction marker key.
const CompactedSuffix = "__compacted"

// Namespace identifies one degree cache among the properties of a node.
// Several caches with different strategies can live side by side under
// different IDs.
type Namespace struct {
	ID        string
	Prefix    string
	Separator string
}

// NewNamespace returns the namespace "_rc_<id>_" with the default separator.
// IDs containing '_' are rejected by Validate: no prefix may start another.
func NewNamespace(id string) Namespace {
	if id == "" {
		id = DefaultNamespaceID
	}
	return Namespace{ID: id, Prefix: "_rc_" + id + "_", Separator: descriptor.DefaultSeparator}
}

// ValidNamespaceID reports whether id can name a namespace.
func ValidNamespaceID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "_\x00"+descriptor.DefaultSeparator)
}

// Validate checks that the namespace cannot overlap another one.
func (ns Namespace) Validate() error {
	if !ValidNamespaceID(ns.ID) {
		return fmt.Errorf("%w: id %q must be non-empty without '_', %q or NUL", ErrInvalidNamespace, ns.ID, descriptor.DefaultSeparator)
	}
	if ns.Prefix != NewNamespace(ns.ID).Prefix || ns.Separator == "" {
		return fmt.Errorf("%w: prefix %q does not match id %q", ErrInvalidNamespace, ns.Prefix, ns.ID)
	}
	return nil
}

// EntryKey is the node property key of an entry.
func (ns Namespace) EntryKey(d descriptor.Descriptor) string {
	return d.Serialize(ns.Prefix, ns.Separator)
}

// MarkerKey is the node property key of a group's compaction marker.
func (ns Namespace) MarkerKey(g descriptor.Group) string {
	return descriptor.GroupKey(g, ns.Prefix, ns.Separator, CompactedSuffix)
}

// Entry is one cached count. Its descriptor is read generally.
type Entry struct {
	Descriptor descriptor.Descriptor
	Count      int64
}

// Snapshot is the cached state of one node: its entries keyed by the
// canonical descriptor string, and the groups that have been compacted.
type Snapshot struct {
	Entries   map[string]Entry
	Compacted map[descriptor.Group]bool
}

func newSnapshot() Snapshot {
	return Snapshot{Entries: make(map[string]Entry), Compacted: make(map[descriptor.Group]bool)}
}

// IsCompacted reports whether the group has ever been compacted.
func (s Snapshot) IsCompacted(g descriptor.Group) bool {
	return s.Compacted[g]
}

// Group returns the entries of one (type, direction) group.
func (s Snapshot) Group(g descriptor.Group) []Entry {
	var out []Entry
	for _, e := range s.Entries {
		if e.Descriptor.Group() == g {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

// Sorted returns all entries in descriptor order.
func (s Snapshot) Sorted() []Entry {
	out := make([]Entry, 0, len(s.Entries))
	for _, e := range s.Entries {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

// Total sums the counts of one group.
func (s Snapshot) Total(g descriptor.Group) int64 {
	var sum int64
	for _, e := range s.Entries {
		if e.Descriptor.Group() == g {
			sum += e.Count
		}
	}
	return sum
}

// sortEntries orders by group, then by number of properties, then by
// canonical string. Within a group this is a linear extension of the lattice
// order: whenever Compare puts a strictly more general descriptor first, so
// does this.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Descriptor, entries[j].Descriptor
		if ga, gb := a.Group().String(), b.Group().String(); ga != gb {
			return ga < gb
		}
		if la, lb := a.Properties().Len(), b.Properties().Len(); la != lb {
			return la < lb
		}
		return a.String() < b.String()
	})
}
