package descriptor

import (
	"fmt"
	"strings"
)

// Direction of a relationship as seen from a node (the point of view).
type Direction int

const (
	// Both is only valid in queries. It must be resolved to Outgoing or
	// Incoming before a Descriptor can be built.
	Both Direction = iota
	Outgoing
	Incoming
)

func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "OUTGOING"
	case Incoming:
		return "INCOMING"
	case Both:
		return "BOTH"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// Concrete reports whether d is Outgoing or Incoming.
func (d Direction) Concrete() bool {
	return d == Outgoing || d == Incoming
}

// Reverse flips Outgoing and Incoming. Both stays Both.
func (d Direction) Reverse() Direction {
	switch d {
	case Outgoing:
		return Incoming
	case Incoming:
		return Outgoing
	}
	return d
}

// Resolve returns d itself when it is concrete, otherwise def.
// def must be concrete: passing Both as the default is a caller bug.
func (d Direction) Resolve(def Direction) (Direction, error) {
	if d.Concrete() {
		return d, nil
	}
	if !def.Concrete() {
		return Both, fmt.Errorf("%w: default direction must be OUTGOING or INCOMING, got %s", ErrInvalidDirection, def)
	}
	return def, nil
}

// ParseDirection accepts the canonical names plus the short forms used by the
// HTTP API and the CLI ("out", "in", "both"). Matching is case insensitive.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OUTGOING", "OUT":
		return Outgoing, nil
	case "INCOMING", "IN":
		return Incoming, nil
	case "BOTH", "":
		return Both, nil
	}
	return Both, fmt.Errorf("%w: unknown direction %q", ErrInvalidDirection, s)
}
