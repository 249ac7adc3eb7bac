package cache

import (
	"github.com/sanonone/relcount/pkg/descriptor"
)

// Compactor bounds the number of entries of one (type, direction) group.
type Compactor interface {
	// Compact returns the reduced entry list and, for every entry that was
	// absorbed, the key of the entry now holding its count. A nil map means
	// nothing was merged. The total count of the group must not change.
	Compact(group []Entry) ([]Entry, map[string]string)
}

// ThresholdCompactor generalizes a group until it holds at most Threshold
// entries.
//
// Every step considers the one-step generalizations of all current entries
// and merges the entries subsumed by the best candidate into it. The best
// candidate subsumes the most entries; ties go to the larger subsumed count,
// then to the smallest canonical string. A step always lowers the total
// number of properties in the group, so the loop ends even when no candidate
// merges more than one entry.
type ThresholdCompactor struct {
	Threshold int
}

type candidate struct {
	d        descriptor.Descriptor
	key      string
	subsumed int
	mass     int64
}

func (c candidate) beats(o candidate) bool {
	if c.subsumed != o.subsumed {
		return c.subsumed > o.subsumed
	}
	if c.mass != o.mass {
		return c.mass > o.mass
	}
	return c.key < o.key
}

// Compact implements Compactor.
func (tc ThresholdCompactor) Compact(group []Entry) ([]Entry, map[string]string) {
	if len(group) <= tc.Threshold {
		return group, nil
	}

	current := make([]Entry, len(group))
	copy(current, group)
	var absorbed map[string]string

	for len(current) > tc.Threshold {
		best, ok := tc.pick(current)
		if !ok {
			break
		}
		if absorbed == nil {
			absorbed = make(map[string]string)
		}

		merged := Entry{Descriptor: best.d}
		kept := current[:0:0]
		for _, e := range current {
			if !best.d.IsMoreGeneralThan(e.Descriptor) {
				kept = append(kept, e)
				continue
			}
			merged.Count += e.Count
			k := e.Descriptor.String()
			if k == best.key {
				continue
			}
			absorbed[k] = best.key
			// Entries absorbed earlier into e now live in the candidate.
			for from, to := range absorbed {
				if to == k {
					absorbed[from] = best.key
				}
			}
		}
		current = append(kept, merged)
	}
	return current, absorbed
}

func (tc ThresholdCompactor) pick(current []Entry) (candidate, bool) {
	var (
		best  candidate
		found bool
		seen  = make(map[string]bool)
	)
	for _, e := range current {
		for _, g := range descriptor.GeneralizeOneStep(e.Descriptor)[1:] {
			k := g.String()
			if seen[k] {
				continue
			}
			seen[k] = true

			c := candidate{d: g, key: k}
			for _, other := range current {
				if g.IsMoreGeneralThan(other.Descriptor) {
					c.subsumed++
					c.mass += other.Count
				}
			}
			if !found || c.beats(best) {
				best, found = c, true
			}
		}
	}
	return best, found
}
