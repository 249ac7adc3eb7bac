package cache

import (
	"github.com/sanonone/relcount/pkg/descriptor"
)

// session is the in-memory state of one node between StartCaching and
// EndCaching. It is owned by a single goroutine.
type session struct {
	node      string
	before    Snapshot
	entries   map[string]*Entry
	compacted map[descriptor.Group]bool
	// backing maps a literal descriptor key to the key of the entry holding
	// its count, so a decrement finds it after compaction merged it away.
	backing map[string]string
}

func newSession(node string, before Snapshot) *session {
	s := &session{
		node:      node,
		before:    before,
		entries:   make(map[string]*Entry, len(before.Entries)),
		compacted: make(map[descriptor.Group]bool, len(before.Compacted)),
		backing:   make(map[string]string),
	}
	for k, e := range before.Entries {
		e := e
		s.entries[k] = &e
	}
	for g, set := range before.Compacted {
		s.compacted[g] = set
	}
	return s
}

func (s *session) increment(d descriptor.Descriptor, weight int64) {
	k := d.String()
	e, ok := s.entries[k]
	if !ok {
		e = &Entry{Descriptor: d}
		s.entries[k] = e
	}
	e.Count += weight
	s.backing[k] = k
}

// decrement subtracts weight from the entry backing d. It reports false when
// the count had to be clamped at zero or no entry could hold d at all.
func (s *session) decrement(d descriptor.Descriptor, weight int64) bool {
	e := s.locate(d)
	if e == nil {
		return false
	}
	e.Count -= weight
	if e.Count < 0 {
		e.Count = 0
		return false
	}
	return true
}

// locate finds the entry holding the count of literal descriptor d: the one
// recorded at increment time, the exact entry, or else the most specific
// entry strictly more general than d. Entries with a count win over empty
// ones, an empty exact entry is only returned when nothing else can hold d.
func (s *session) locate(d descriptor.Descriptor) *Entry {
	k := d.String()
	if b, ok := s.backing[k]; ok {
		if e, ok := s.entries[b]; ok && e.Count > 0 {
			return e
		}
	}
	exact := s.entries[k]
	if exact != nil && exact.Count > 0 {
		return exact
	}

	var best *Entry
	for _, e := range s.entries {
		if !e.Descriptor.IsStrictlyMoreGeneralThan(d) {
			continue
		}
		if best == nil || betterHolder(e, best) {
			best = e
		}
	}
	if best != nil && best.Count > 0 {
		return best
	}
	if exact != nil {
		return exact
	}
	return best
}

// betterHolder prefers entries that still have a count, then more specific
// ones, then the smaller canonical string.
func betterHolder(a, b *Entry) bool {
	if (a.Count > 0) != (b.Count > 0) {
		return a.Count > 0
	}
	if la, lb := a.Descriptor.Properties().Len(), b.Descriptor.Properties().Len(); la != lb {
		return la > lb
	}
	return a.Descriptor.String() < b.Descriptor.String()
}

// compact runs c over every group whose live entry count exceeds threshold.
// It returns the number of absorbed entries and the groups that changed.
func (s *session) compact(c Compactor, threshold int) (merged int, groups []descriptor.Group) {
	byGroup := make(map[descriptor.Group][]Entry)
	for _, e := range s.entries {
		if e.Count > 0 {
			g := e.Descriptor.Group()
			byGroup[g] = append(byGroup[g], *e)
		}
	}

	for g, list := range byGroup {
		if len(list) <= threshold {
			continue
		}
		sortEntries(list)
		result, absorbed := c.Compact(list)
		if len(absorbed) == 0 {
			continue
		}

		for _, e := range list {
			delete(s.entries, e.Descriptor.String())
		}
		for _, e := range result {
			e := e
			s.entries[e.Descriptor.String()] = &e
		}
		for lit, held := range s.backing {
			if to, ok := absorbed[held]; ok {
				s.backing[lit] = to
			}
		}
		s.compacted[g] = true
		merged += len(absorbed)
		groups = append(groups, g)
	}
	return merged, groups
}

// snapshot returns the state to persist.
func (s *session) snapshot() Snapshot {
	out := newSnapshot()
	for k, e := range s.entries {
		out.Entries[k] = *e
	}
	for g, set := range s.compacted {
		out.Compacted[g] = set
	}
	return out
}
