// Package strategy holds the pluggable policies that decide which nodes
// keep a cache and which relationships are counted, which of their properties describe them and how
// much each one weighs.
package strategy

import (
	"fmt"
	"math"
	"strconv"

	"github.com/sanonone/relcount/pkg/descriptor"
	"github.com/sanonone/relcount/pkg/graph"
)

// DefaultCompactionThreshold is the number of distinct cached entries per
// (type, direction) group above which compaction kicks in.
const DefaultCompactionThreshold = 20

// NodeInclusion decides whether a node keeps a degree cache. Excluded nodes
// count zero everywhere.
type NodeInclusion func(node graph.Node) bool

// RelationshipInclusion decides whether a relationship is counted at all.
type RelationshipInclusion func(rel graph.Relationship) bool

// PropertyInclusion decides whether one relationship property takes part in
// its descriptor. Excluded properties behave as absent.
type PropertyInclusion func(key string, rel graph.Relationship) bool

// Extraction turns a relationship, seen from the point of view node, into
// the literal property set of its descriptor. rel.Props only contains the
// included properties.
type Extraction func(rel graph.Relationship, pov string) descriptor.PropertySet

// Weighing gives the positive contribution of a relationship to a degree.
type Weighing func(rel graph.Relationship, pov string) int64

// IncludeAllNodes caches the degrees of every node.
func IncludeAllNodes(graph.Node) bool { return true }

// ExcludeNodesWith skips nodes holding any of the named properties.
func ExcludeNodesWith(keys ...string) NodeInclusion {
	return func(n graph.Node) bool {
		for _, k := range keys {
			if _, ok := n.Props[k]; ok {
				return false
			}
		}
		return true
	}
}

// IncludeAllRelationships counts every relationship.
func IncludeAllRelationships(graph.Relationship) bool { return true }

// IncludeAllProperties keeps every relationship property.
func IncludeAllProperties(string, graph.Relationship) bool { return true }

// ExtractAllProperties canonicalizes every included property.
func ExtractAllProperties(rel graph.Relationship, _ string) descriptor.PropertySet {
	return descriptor.FromValues(rel.Props)
}

// OneForEach weighs every relationship 1.
func OneForEach(graph.Relationship, string) int64 { return 1 }

// IncludeTypes counts only relationships of the given types.
func IncludeTypes(types ...string) RelationshipInclusion {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(rel graph.Relationship) bool {
		_, ok := set[rel.Type]
		return ok
	}
}

// ExcludeProperties drops the named properties from every descriptor.
func ExcludeProperties(keys ...string) PropertyInclusion {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return func(key string, _ graph.Relationship) bool {
		_, excluded := set[key]
		return !excluded
	}
}

// PropertyWeight reads the weight from a numeric relationship property. A
// missing, non-numeric or non-positive value weighs 1.
func PropertyWeight(key string) Weighing {
	return func(rel graph.Relationship, _ string) int64 {
		var w int64
		switch v := rel.Props[key].(type) {
		case float64:
			w = int64(math.Round(v))
		case int:
			w = int64(v)
		case int64:
			w = v
		case string:
			w, _ = strconv.ParseInt(v, 10, 64)
		}
		if w < 1 {
			return 1
		}
		return w
	}
}

// Strategies is an immutable bundle of policies. The With methods return
// modified copies.
type Strategies struct {
	includeNode NodeInclusion
	includeRel  RelationshipInclusion
	includeProp PropertyInclusion
	extract     Extraction
	weigh       Weighing
	threshold   int
	names       [5]string
}

// Default counts everything, describes relationships by all their
// properties and weighs each one 1.
func Default() Strategies {
	return Strategies{
		includeNode: IncludeAllNodes,
		includeRel:  IncludeAllRelationships,
		includeProp: IncludeAllProperties,
		extract:     ExtractAllProperties,
		weigh:       OneForEach,
		threshold:   DefaultCompactionThreshold,
		names:       [5]string{"IncludeAllRelationships", "IncludeAllProperties", "ExtractAllProperties", "OneForEach", "IncludeAllNodes"},
	}
}

// IsZero reports whether s is the zero value rather than a configured bundle.
func (s Strategies) IsZero() bool {
	return s.includeRel == nil
}

// WithRelationshipInclusion replaces the relationship inclusion policy.
func (s Strategies) WithRelationshipInclusion(name string, f RelationshipInclusion) Strategies {
	s.includeRel, s.names[0] = f, name
	return s
}

// WithNodeInclusion replaces the node inclusion policy. Changing it on a
// populated store needs a rebuild.
func (s Strategies) WithNodeInclusion(name string, f NodeInclusion) Strategies {
	s.includeNode, s.names[4] = f, name
	return s
}

// WithPropertyInclusion replaces the property inclusion policy.
func (s Strategies) WithPropertyInclusion(name string, f PropertyInclusion) Strategies {
	s.includeProp, s.names[1] = f, name
	return s
}

// WithExtraction replaces the extraction strategy.
func (s Strategies) WithExtraction(name string, f Extraction) Strategies {
	s.extract, s.names[2] = f, name
	return s
}

// WithWeighing replaces the weighing strategy.
func (s Strategies) WithWeighing(name string, f Weighing) Strategies {
	s.weigh, s.names[3] = f, name
	return s
}

// WithCompactionThreshold sets the compaction threshold. Values below 1 are
// rejected by the cache.
func (s Strategies) WithCompactionThreshold(threshold int) Strategies {
	s.threshold = threshold
	return s
}

// CompactionThreshold returns the configured threshold.
func (s Strategies) CompactionThreshold() int {
	return s.threshold
}

// Includes reports whether rel is counted.
func (s Strategies) Includes(rel graph.Relationship) bool {
	return s.includeRel(rel)
}

// IncludesNode reports whether n keeps a degree cache.
func (s Strategies) IncludesNode(n graph.Node) bool {
	return s.includeNode == nil || s.includeNode(n)
}

// Weigh returns the weight of rel from pov, never less than 1.
func (s Strategies) Weigh(rel graph.Relationship, pov string) int64 {
	if w := s.weigh(rel, pov); w > 0 {
		return w
	}
	return 1
}

// Describe builds the literal descriptor of rel from the point of view of
// pov. Self loops have no intrinsic direction from their node, so they take
// defaultDir, which must then be concrete.
func (s Strategies) Describe(rel graph.Relationship, pov string, defaultDir descriptor.Direction) (descriptor.Descriptor, error) {
	if !rel.Touches(pov) {
		return descriptor.Descriptor{}, fmt.Errorf("strategy: node %s is not an endpoint of relationship %s", pov, rel.ID)
	}
	dir, err := rel.DirectionFrom(pov).Resolve(defaultDir)
	if err != nil {
		return descriptor.Descriptor{}, err
	}

	filtered := rel
	if len(rel.Props) > 0 {
		filtered.Props = make(map[string]any, len(rel.Props))
		for k, v := range rel.Props {
			if s.includeProp(k, rel) {
				filtered.Props[k] = v
			}
		}
	}
	return descriptor.New(rel.Type, dir, s.extract(filtered, pov))
}

// String renders the configured policy names, for logs and diagnostics.
func (s Strategies) String() string {
	return fmt.Sprintf("%s;%s;%s;%s;%s;threshold=%d", s.names[4], s.names[0], s.names[1], s.names[2], s.names[3], s.threshold)
}
