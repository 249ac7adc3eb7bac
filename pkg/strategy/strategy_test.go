package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/relcount/pkg/descriptor"
	"github.com/sanonone/relcount/pkg/graph"
)

func TestDescribeResolvesDirection(t *testing.T) {
	s := Default()
	rel := graph.Relationship{ID: "r1", Type: "FRIEND", Start: "a", End: "b", Props: map[string]any{"level": float64(2)}}

	d, err := s.Describe(rel, "a", descriptor.Incoming)
	require.NoError(t, err)
	assert.Equal(t, descriptor.Outgoing, d.Direction(), "an ordinary relationship ignores the default")
	assert.Equal(t, "FRIEND#OUTGOING#level#2", d.String())

	d, err = s.Describe(rel, "b", descriptor.Outgoing)
	require.NoError(t, err)
	assert.Equal(t, descriptor.Incoming, d.Direction())

	_, err = s.Describe(rel, "c", descriptor.Outgoing)
	assert.Error(t, err)
}

func TestDescribeSelfLoopNeedsConcreteDefault(t *testing.T) {
	s := Default()
	loop := graph.Relationship{ID: "r2", Type: "LIKES", Start: "a", End: "a"}

	d, err := s.Describe(loop, "a", descriptor.Incoming)
	require.NoError(t, err)
	assert.Equal(t, descriptor.Incoming, d.Direction())

	_, err = s.Describe(loop, "a", descriptor.Both)
	assert.ErrorIs(t, err, descriptor.ErrInvalidDirection)
}

func TestPropertyInclusionAndWeighing(t *testing.T) {
	s := Default().
		WithPropertyInclusion("ExcludeWeight", ExcludeProperties("weight")).
		WithWeighing("PropertyWeight", PropertyWeight("weight"))
	rel := graph.Relationship{ID: "r", Type: "FRIEND", Start: "a", End: "b", Props: map[string]any{"weight": float64(3), "level": "x"}}

	d, err := s.Describe(rel, "a", descriptor.Outgoing)
	require.NoError(t, err)
	assert.False(t, d.Properties().Has("weight"))
	assert.True(t, d.Properties().Has("level"))
	assert.Equal(t, int64(3), s.Weigh(rel, "a"))

	rel.Props["weight"] = float64(-4)
	assert.Equal(t, int64(1), s.Weigh(rel, "a"))
	delete(rel.Props, "weight")
	assert.Equal(t, int64(1), s.Weigh(rel, "a"))
}

func TestWithReturnsCopies(t *testing.T) {
	base := Default()
	only := base.WithRelationshipInclusion("OnlyFriends", IncludeTypes("FRIEND")).WithCompactionThreshold(5)

	knows := graph.Relationship{Type: "KNOWS"}
	assert.True(t, base.Includes(knows))
	assert.False(t, only.Includes(knows))
	assert.Equal(t, DefaultCompactionThreshold, base.CompactionThreshold())
	assert.Equal(t, 5, only.CompactionThreshold())
	assert.Contains(t, only.String(), "OnlyFriends")
}

func TestNodeInclusion(t *testing.T) {
	base := Default()
	skip := base.WithNodeInclusion("SkipArchived", ExcludeNodesWith("archived"))

	archived := graph.Node{ID: "a", Props: map[string]any{"archived": true}}
	live := graph.Node{ID: "b"}
	assert.True(t, base.IncludesNode(archived))
	assert.False(t, skip.IncludesNode(archived))
	assert.True(t, skip.IncludesNode(live))
	assert.Contains(t, skip.String(), "SkipArchived")
	assert.Contains(t, base.String(), "IncludeAllNodes")
}
