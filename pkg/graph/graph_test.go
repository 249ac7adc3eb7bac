package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/relcount/pkg/descriptor"
	"github.com/sanonone/relcount/pkg/store"
)

func newGraph(t *testing.T) *Graph {
	t.Helper()
	g := New(store.NewMemory())
	require.NoError(t, g.Update(func(tx *Tx) error {
		for _, id := range []string{"a", "b", "c"} {
			if _, err := tx.CreateNode(id, map[string]any{"name": id}); err != nil {
				return err
			}
		}
		return nil
	}))
	return g
}

func recordHook(g *Graph) *[]*TxData {
	var seen []*TxData
	g.OnCommit(func(w store.Writer, data *TxData) error {
		seen = append(seen, data)
		return nil
	})
	return &seen
}

func TestCreateAndReadRelationships(t *testing.T) {
	g := newGraph(t)

	var rel Relationship
	require.NoError(t, g.Update(func(tx *Tx) error {
		var err error
		rel, err = tx.CreateRelationship("FRIEND", "a", "b", map[string]any{"level": 2})
		return err
	}))

	got, ok, err := g.View().Relationship(rel.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "FRIEND", got.Type)
	assert.Equal(t, float64(2), got.Props["level"])
	assert.Equal(t, rel.Props, got.Props, "created relationship is normalized like the stored one")

	for _, node := range []string{"a", "b"} {
		rels, err := g.View().Relationships(node)
		require.NoError(t, err)
		require.Len(t, rels, 1)
		assert.Equal(t, rel.ID, rels[0].ID)
	}
	assert.Equal(t, descriptor.Outgoing, rel.DirectionFrom("a"))
	assert.Equal(t, descriptor.Incoming, rel.DirectionFrom("b"))

	nodes, err := g.View().Nodes()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, nodes)
}

func TestSelfLoopStoredOnce(t *testing.T) {
	g := newGraph(t)
	require.NoError(t, g.Update(func(tx *Tx) error {
		_, err := tx.CreateRelationship("LIKES", "a", "a", nil)
		return err
	}))
	rels, err := g.View().Relationships("a")
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.True(t, rels[0].IsSelfLoop())
	assert.Equal(t, descriptor.Both, rels[0].DirectionFrom("a"))
}

func TestCreateRelationshipRequiresNodes(t *testing.T) {
	g := newGraph(t)
	err := g.Update(func(tx *Tx) error {
		_, err := tx.CreateRelationship("FRIEND", "a", "missing", nil)
		return err
	})
	assert.True(t, errors.Is(err, ErrNodeNotFound))

	err = g.Update(func(tx *Tx) error {
		_, err := tx.CreateNode("a", nil)
		return err
	})
	assert.ErrorIs(t, err, ErrNodeExists)

	err = g.Update(func(tx *Tx) error {
		_, err := tx.CreateNode(IndexNode, nil)
		return err
	})
	assert.ErrorIs(t, err, ErrReservedID)
}

func TestTxDataCreatedDeletedChanged(t *testing.T) {
	g := newGraph(t)

	var existing, doomed Relationship
	require.NoError(t, g.Update(func(tx *Tx) error {
		var err error
		if existing, err = tx.CreateRelationship("FRIEND", "a", "b", map[string]any{"level": 1}); err != nil {
			return err
		}
		doomed, err = tx.CreateRelationship("FRIEND", "a", "c", nil)
		return err
	}))

	seen := recordHook(g)
	require.NoError(t, g.Update(func(tx *Tx) error {
		if err := tx.SetRelationshipProperty(existing.ID, "level", 2); err != nil {
			return err
		}
		if err := tx.SetRelationshipProperty(doomed.ID, "level", 9); err != nil {
			return err
		}
		if err := tx.DeleteRelationship(doomed.ID); err != nil {
			return err
		}
		transient, err := tx.CreateRelationship("FRIEND", "b", "c", nil)
		if err != nil {
			return err
		}
		if err := tx.DeleteRelationship(transient.ID); err != nil {
			return err
		}
		_, err = tx.CreateRelationship("KNOWS", "b", "c", map[string]any{"since": 2010})
		return err
	}))

	require.Len(t, *seen, 1)
	data := (*seen)[0]
	require.Len(t, data.Created, 1)
	assert.Equal(t, "KNOWS", data.Created[0].Type)

	require.Len(t, data.Deleted, 1)
	assert.Equal(t, doomed.ID, data.Deleted[0].ID)
	assert.Nil(t, data.Deleted[0].Props, "deleted relationship carries its pre-unit state")

	require.Len(t, data.Changed, 1)
	assert.Equal(t, float64(1), data.Changed[0].Previous.Props["level"])
	assert.Equal(t, float64(2), data.Changed[0].Current.Props["level"])
}

func TestNoOpChangeIsNotReported(t *testing.T) {
	g := newGraph(t)
	var rel Relationship
	require.NoError(t, g.Update(func(tx *Tx) error {
		var err error
		rel, err = tx.CreateRelationship("FRIEND", "a", "b", map[string]any{"level": 1})
		return err
	}))

	seen := recordHook(g)
	require.NoError(t, g.Update(func(tx *Tx) error {
		if err := tx.SetRelationshipProperty(rel.ID, "level", 5); err != nil {
			return err
		}
		return tx.SetRelationshipProperty(rel.ID, "level", 1)
	}))
	assert.Empty(t, *seen, "a unit of work with no net change does not call hooks")
}

func TestDeleteNodeRemovesRelationships(t *testing.T) {
	g := newGraph(t)
	require.NoError(t, g.Update(func(tx *Tx) error {
		if _, err := tx.CreateRelationship("FRIEND", "a", "b", nil); err != nil {
			return err
		}
		_, err := tx.CreateRelationship("FRIEND", "c", "a", nil)
		return err
	}))

	seen := recordHook(g)
	require.NoError(t, g.Update(func(tx *Tx) error { return tx.DeleteNode("a") }))

	require.Len(t, *seen, 1)
	data := (*seen)[0]
	assert.Len(t, data.Deleted, 2)
	assert.True(t, data.HasBeenDeleted("a"))
	assert.False(t, data.HasBeenDeleted("b"))

	for _, node := range []string{"b", "c"} {
		rels, err := g.View().Relationships(node)
		require.NoError(t, err)
		assert.Empty(t, rels)
	}
	_, ok, err := g.View().Node("a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecreatedNodeStaysDeleted(t *testing.T) {
	g := newGraph(t)
	require.NoError(t, g.Update(func(tx *Tx) error {
		_, err := tx.CreateRelationship("FRIEND", "a", "b", nil)
		return err
	}))

	seen := recordHook(g)
	require.NoError(t, g.Update(func(tx *Tx) error {
		if err := tx.DeleteNode("a"); err != nil {
			return err
		}
		if _, err := tx.CreateNode("a", nil); err != nil {
			return err
		}
		_, err := tx.CreateRelationship("FRIEND", "a", "c", nil)
		return err
	}))

	require.Len(t, *seen, 1)
	data := (*seen)[0]
	assert.True(t, data.HasBeenDeleted("a"))
	assert.Len(t, data.Deleted, 1)
	assert.Len(t, data.Created, 1)

	n, ok, err := g.View().Node("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, n.Props)
}

func TestHookErrorRollsBack(t *testing.T) {
	g := newGraph(t)
	boom := errors.New("boom")
	g.OnCommit(func(w store.Writer, data *TxData) error { return boom })

	err := g.Update(func(tx *Tx) error {
		_, err := tx.CreateRelationship("FRIEND", "a", "b", nil)
		return err
	})
	require.ErrorIs(t, err, boom)

	rels, err := g.View().Relationships("a")
	require.NoError(t, err)
	assert.Empty(t, rels)
}
