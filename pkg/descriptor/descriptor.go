// Package descriptor implements the relationship descriptor lattice.
//
// A Descriptor is the canonical (type, direction, properties) representation
// of either a relationship seen from one of its nodes or a count query. Read
// generally, descriptors form a partial order: a descriptor is more general
// than another when its property constraints are a subset of the other's and
// never contradict them. Compare extends that partial order to a total order
// so descriptors can be sorted deterministically, and GeneralizeOneStep gives
// the search frontier used by cache compaction.
package descriptor

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultSeparator separates tokens in a serialized descriptor.
const DefaultSeparator = "#"

var (
	// ErrInvalidDirection is returned when Both reaches a place that needs a
	// concrete direction. It always indicates a bug in the caller.
	ErrInvalidDirection = errors.New("invalid direction")
	// ErrMalformed is returned when a serialized descriptor cannot be parsed.
	ErrMalformed = errors.New("malformed descriptor")
)

// Descriptor describes relationships of one type and concrete direction with
// a set of properties. The zero value is not valid; use New or Parse.
type Descriptor struct {
	relType   string
	direction Direction
	props     PropertySet
}

// New builds a descriptor. The direction must be concrete.
func New(relType string, direction Direction, props PropertySet) (Descriptor, error) {
	if !direction.Concrete() {
		return Descriptor{}, fmt.Errorf("%w: descriptor direction must be OUTGOING or INCOMING, got %s", ErrInvalidDirection, direction)
	}
	return Descriptor{relType: relType, direction: direction, props: props}, nil
}

// Type returns the relationship type.
func (d Descriptor) Type() string { return d.relType }

// Direction returns the concrete direction.
func (d Descriptor) Direction() Direction { return d.direction }

// Properties returns the property set.
func (d Descriptor) Properties() PropertySet { return d.props }

// Group returns the (type, direction) part of the descriptor. Compaction and
// count queries operate within one group.
func (d Descriptor) Group() Group {
	return Group{Type: d.relType, Direction: d.direction}
}

// With returns a copy of d with one more property constraint.
func (d Descriptor) With(key, value string) Descriptor {
	d.props = d.props.With(key, value)
	return d
}

// Without returns a copy of d without the constraint on key.
func (d Descriptor) Without(key string) Descriptor {
	d.props = d.props.Without(key)
	return d
}

// Equal reports whether d and o describe exactly the same thing.
func (d Descriptor) Equal(o Descriptor) bool {
	return d.relType == o.relType && d.direction == o.direction && d.props.Equal(o.props)
}

// SameGroup reports whether d and o share type and direction.
func (d Descriptor) SameGroup(o Descriptor) bool {
	return d.relType == o.relType && d.direction == o.direction
}

// IsMoreGeneralThan reports whether d is more general than or as general as
// o: same group, every constraint of d is present in o with the same value,
// and no shared key disagrees.
func (d Descriptor) IsMoreGeneralThan(o Descriptor) bool {
	if !d.SameGroup(o) {
		return false
	}
	// Subset check covers the "never contradicts" half as well: a shared
	// key with a different value fails the lookup below.
	return d.props.ContainedIn(o.props)
}

// IsMoreSpecificThan reports whether d is more specific than or as specific
// as o.
func (d Descriptor) IsMoreSpecificThan(o Descriptor) bool {
	return o.IsMoreGeneralThan(d)
}

// IsStrictlyMoreGeneralThan excludes equality.
func (d Descriptor) IsStrictlyMoreGeneralThan(o Descriptor) bool {
	return d.IsMoreGeneralThan(o) && !d.IsMoreSpecificThan(o)
}

// IsStrictlyMoreSpecificThan excludes equality.
func (d Descriptor) IsStrictlyMoreSpecificThan(o Descriptor) bool {
	return d.IsMoreSpecificThan(o) && !d.IsMoreGeneralThan(o)
}

// Overlaps reports whether some relationship could be matched by both d and
// o when both are read generally: same group and no conflicting values.
func (d Descriptor) Overlaps(o Descriptor) bool {
	return d.SameGroup(o) && !d.props.ConflictsWith(o.props)
}

// Compare is a total order consistent with the partial order: strictly more
// general descriptors come first, strictly more specific ones last, and
// anything else falls back to the canonical string.
func Compare(a, b Descriptor) int {
	if a.Equal(b) {
		return 0
	}
	if a.IsMoreGeneralThan(b) {
		return -1
	}
	if a.IsMoreSpecificThan(b) {
		return 1
	}
	return strings.Compare(a.String(), b.String())
}

// GeneralizeOneStep returns d followed by every descriptor obtained from d by
// dropping exactly one property, in key order.
func GeneralizeOneStep(d Descriptor) []Descriptor {
	out := make([]Descriptor, 0, d.props.Len()+1)
	out = append(out, d)
	for _, k := range d.props.Keys() {
		out = append(out, d.Without(k))
	}
	return out
}

// String returns the canonical form without a prefix.
func (d Descriptor) String() string {
	return d.Serialize("", DefaultSeparator)
}

// Group identifies the (type, direction) bucket of a descriptor.
type Group struct {
	Type      string
	Direction Direction
}

func (g Group) String() string {
	return g.Type + DefaultSeparator + g.Direction.String()
}

// Descriptor returns the most general descriptor of the group.
func (g Group) Descriptor() Descriptor {
	return Descriptor{relType: g.Type, direction: g.Direction}
}
