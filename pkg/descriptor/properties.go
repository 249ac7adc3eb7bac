package descriptor

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Property is a single canonicalized key/value pair.
type Property struct {
	Key   string
	Value string
}

// PropertySet is an immutable set of properties with unique keys, kept sorted
// by key. The same structure is read with two meanings: literally (a missing
// key means the property is absent) or generally (a missing key is a
// wildcard). The set itself does not know which; the caller decides.
type PropertySet struct {
	props []Property
}

// NewPropertySet builds a set from already canonical string values.
func NewPropertySet(m map[string]string) PropertySet {
	if len(m) == 0 {
		return PropertySet{}
	}
	props := make([]Property, 0, len(m))
	for k, v := range m {
		props = append(props, Property{Key: k, Value: v})
	}
	sort.Slice(props, func(i, j int) bool { return props[i].Key < props[j].Key })
	return PropertySet{props: props}
}

// FromValues canonicalizes arbitrary property values to strings.
// Nil values are dropped, they behave as an absent property.
func FromValues(m map[string]any) PropertySet {
	if len(m) == 0 {
		return PropertySet{}
	}
	s := make(map[string]string, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}
		s[k] = Canonical(v)
	}
	return NewPropertySet(s)
}

// Canonical renders a property value as the string used in descriptors.
// Integral floats print without a fraction so that a value that went through
// JSON (float64) matches its original int form.
func Canonical(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
	case float32:
		if t == float32(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = Canonical(e)
		}
		return "[" + strings.Join(parts, ",") + "]"
	}
	return fmt.Sprint(v)
}

// Len returns the number of properties.
func (p PropertySet) Len() int { return len(p.props) }

// IsEmpty reports whether the set has no properties.
func (p PropertySet) IsEmpty() bool { return len(p.props) == 0 }

// Get returns the value for key.
func (p PropertySet) Get(key string) (string, bool) {
	i, ok := p.index(key)
	if !ok {
		return "", false
	}
	return p.props[i].Value, true
}

// Has reports whether key is present.
func (p PropertySet) Has(key string) bool {
	_, ok := p.index(key)
	return ok
}

func (p PropertySet) index(key string) (int, bool) {
	return slices.BinarySearchFunc(p.props, key, func(e Property, k string) int {
		return strings.Compare(e.Key, k)
	})
}

// Keys returns the keys in sorted order.
func (p PropertySet) Keys() []string {
	keys := make([]string, len(p.props))
	for i, e := range p.props {
		keys[i] = e.Key
	}
	return keys
}

// Pairs returns a copy of the sorted properties.
func (p PropertySet) Pairs() []Property {
	return slices.Clone(p.props)
}

// Map returns the properties as a plain map.
func (p PropertySet) Map() map[string]string {
	m := make(map[string]string, len(p.props))
	for _, e := range p.props {
		m[e.Key] = e.Value
	}
	return m
}

// With returns a copy of the set with key set to value.
func (p PropertySet) With(key, value string) PropertySet {
	i, ok := p.index(key)
	props := slices.Clone(p.props)
	if ok {
		props[i].Value = value
		return PropertySet{props: props}
	}
	return PropertySet{props: slices.Insert(props, i, Property{Key: key, Value: value})}
}

// Without returns a copy of the set without key.
func (p PropertySet) Without(key string) PropertySet {
	i, ok := p.index(key)
	if !ok {
		return p
	}
	props := slices.Clone(p.props)
	return PropertySet{props: slices.Delete(props, i, i+1)}
}

// Equal reports whether both sets hold exactly the same pairs.
func (p PropertySet) Equal(o PropertySet) bool {
	return slices.Equal(p.props, o.props)
}

// ContainedIn reports whether every pair of p is present in o with the same
// value. Read generally, it means p is at least as general as o.
func (p PropertySet) ContainedIn(o PropertySet) bool {
	if len(p.props) > len(o.props) {
		return false
	}
	for _, e := range p.props {
		v, ok := o.Get(e.Key)
		if !ok || v != e.Value {
			return false
		}
	}
	return true
}

// ConflictsWith reports whether p and o share a key with different values.
// Two non-conflicting general sets can both match the same relationship.
func (p PropertySet) ConflictsWith(o PropertySet) bool {
	for _, e := range p.props {
		if v, ok := o.Get(e.Key); ok && v != e.Value {
			return true
		}
	}
	return false
}

func (p PropertySet) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, e := range p.props {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(e.Key)
		b.WriteByte(':')
		b.WriteString(e.Value)
	}
	b.WriteByte('}')
	return b.String()
}
