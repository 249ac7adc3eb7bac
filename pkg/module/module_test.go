package module

import (
	"context"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/relcount/pkg/cache"
	"github.com/sanonone/relcount/pkg/graph"
	"github.com/sanonone/relcount/pkg/metrics"
	"github.com/sanonone/relcount/pkg/store"
	"github.com/sanonone/relcount/pkg/strategy"
)

type fixture struct {
	g     *graph.Graph
	cache *cache.DegreeCache
	mod   *Module
}

func newFixture(t *testing.T, s strategy.Strategies, opts Options) *fixture {
	t.Helper()
	c, err := cache.New(cache.Options{Strategies: s})
	require.NoError(t, err)
	g := graph.New(store.NewMemory())
	m := New(c, opts)
	m.Register(g)

	require.NoError(t, g.Update(func(tx *graph.Tx) error {
		for _, id := range []string{"a", "b", "c"} {
			if _, err := tx.CreateNode(id, nil); err != nil {
				return err
			}
		}
		return nil
	}))
	return &fixture{g: g, cache: c, mod: m}
}

func (f *fixture) counts(t *testing.T, node string) map[string]int64 {
	t.Helper()
	entries, err := f.cache.CachedCounts(f.g.Store(), node)
	require.NoError(t, err)
	out := make(map[string]int64, len(entries))
	for _, e := range entries {
		out[e.Descriptor.String()] = e.Count
	}
	return out
}

func (f *fixture) relate(t *testing.T, relType, start, end string, props map[string]any) graph.Relationship {
	t.Helper()
	var rel graph.Relationship
	require.NoError(t, f.g.Update(func(tx *graph.Tx) error {
		var err error
		rel, err = tx.CreateRelationship(relType, start, end, props)
		return err
	}))
	return rel
}

func TestCreatedAndDeletedRelationships(t *testing.T) {
	f := newFixture(t, strategy.Default(), Options{})

	rel := f.relate(t, "FRIEND", "a", "b", map[string]any{"level": 1})
	assert.Equal(t, map[string]int64{"FRIEND#OUTGOING#level#1": 1}, f.counts(t, "a"))
	assert.Equal(t, map[string]int64{"FRIEND#INCOMING#level#1": 1}, f.counts(t, "b"))

	require.NoError(t, f.g.Update(func(tx *graph.Tx) error { return tx.DeleteRelationship(rel.ID) }))
	assert.Empty(t, f.counts(t, "a"))
	assert.Empty(t, f.counts(t, "b"))
}

func TestSelfLoopCountedInBothDirections(t *testing.T) {
	f := newFixture(t, strategy.Default(), Options{})

	rel := f.relate(t, "LIKES", "a", "a", nil)
	assert.Equal(t, map[string]int64{"LIKES#OUTGOING": 1, "LIKES#INCOMING": 1}, f.counts(t, "a"))

	require.NoError(t, f.g.Update(func(tx *graph.Tx) error { return tx.DeleteRelationship(rel.ID) }))
	assert.Empty(t, f.counts(t, "a"))
}

func TestChangedRelationshipMovesCount(t *testing.T) {
	f := newFixture(t, strategy.Default(), Options{})
	rel := f.relate(t, "FRIEND", "a", "b", map[string]any{"level": 1})

	require.NoError(t, f.g.Update(func(tx *graph.Tx) error {
		return tx.SetRelationshipProperty(rel.ID, "level", 2)
	}))
	assert.Equal(t, map[string]int64{"FRIEND#OUTGOING#level#2": 1}, f.counts(t, "a"))
	assert.Equal(t, map[string]int64{"FRIEND#INCOMING#level#2": 1}, f.counts(t, "b"))

	require.NoError(t, f.g.Update(func(tx *graph.Tx) error {
		return tx.RemoveRelationshipProperty(rel.ID, "level")
	}))
	assert.Equal(t, map[string]int64{"FRIEND#OUTGOING": 1}, f.counts(t, "a"))
}

func TestDeletedNodeIsSkipped(t *testing.T) {
	f := newFixture(t, strategy.Default(), Options{})
	f.relate(t, "FRIEND", "a", "b", nil)
	f.relate(t, "FRIEND", "c", "a", nil)

	before := testutil.ToFloat64(metrics.OutOfSync)
	require.NoError(t, f.g.Update(func(tx *graph.Tx) error { return tx.DeleteNode("a") }))

	assert.Equal(t, before, testutil.ToFloat64(metrics.OutOfSync), "no decrement is attempted on the deleted node")
	assert.Empty(t, f.counts(t, "b"))
	assert.Empty(t, f.counts(t, "c"))
	assert.Empty(t, f.counts(t, "a"))
}

func TestNodeRecreatedInOneUnit(t *testing.T) {
	f := newFixture(t, strategy.Default(), Options{})
	f.relate(t, "FRIEND", "a", "b", nil)
	f.relate(t, "FRIEND", "c", "a", nil)

	before := testutil.ToFloat64(metrics.OutOfSync)
	require.NoError(t, f.g.Update(func(tx *graph.Tx) error {
		if err := tx.DeleteNode("a"); err != nil {
			return err
		}
		if _, err := tx.CreateNode("a", nil); err != nil {
			return err
		}
		_, err := tx.CreateRelationship("FRIEND", "a", "c", nil)
		return err
	}))

	assert.Equal(t, before, testutil.ToFloat64(metrics.OutOfSync))
	assert.Equal(t, map[string]int64{"FRIEND#OUTGOING": 1}, f.counts(t, "a"))
	assert.Empty(t, f.counts(t, "b"))
	assert.Equal(t, map[string]int64{"FRIEND#INCOMING": 1}, f.counts(t, "c"))
}

func TestExcludedNodesKeepNoCache(t *testing.T) {
	s := strategy.Default().WithNodeInclusion("SkipHidden", strategy.ExcludeNodesWith("hidden"))
	f := newFixture(t, s, Options{})
	require.NoError(t, f.g.Update(func(tx *graph.Tx) error {
		_, err := tx.CreateNode("h", map[string]any{"hidden": true})
		return err
	}))

	rel := f.relate(t, "FRIEND", "a", "h", nil)
	f.relate(t, "FRIEND", "h", "h", nil)
	assert.Empty(t, f.counts(t, "h"))
	assert.Equal(t, map[string]int64{"FRIEND#OUTGOING": 1}, f.counts(t, "a"))

	// Stale entries on an excluded node are dropped by a rebuild.
	require.NoError(t, f.g.Store().Update(func(w store.Writer) error {
		return w.Set("h", f.cache.Namespace().Prefix+"FRIEND#INCOMING", []byte("3"))
	}))
	_, err := f.mod.Rebuild(context.Background(), f.g)
	require.NoError(t, err)
	assert.Empty(t, f.counts(t, "h"))
	assert.Equal(t, map[string]int64{"FRIEND#OUTGOING": 1}, f.counts(t, "a"))

	before := testutil.ToFloat64(metrics.OutOfSync)
	require.NoError(t, f.g.Update(func(tx *graph.Tx) error { return tx.DeleteRelationship(rel.ID) }))
	assert.Equal(t, before, testutil.ToFloat64(metrics.OutOfSync))
	assert.Empty(t, f.counts(t, "a"))
	assert.Empty(t, f.counts(t, "h"))
}

func TestLargeUnitOfWorkUsesBatchMode(t *testing.T) {
	f := newFixture(t, strategy.Default(), Options{BatchThreshold: 5})
	batches := testutil.ToFloat64(metrics.UnitsOfWork.WithLabelValues("batch"))

	require.NoError(t, f.g.Update(func(tx *graph.Tx) error {
		for i := 0; i < 6; i++ {
			if _, err := tx.CreateRelationship("FRIEND", "a", "b", map[string]any{"n": i % 2}); err != nil {
				return err
			}
		}
		return nil
	}))
	assert.Equal(t, batches+1, testutil.ToFloat64(metrics.UnitsOfWork.WithLabelValues("batch")))
	assert.Equal(t, map[string]int64{"FRIEND#OUTGOING#n#0": 3, "FRIEND#OUTGOING#n#1": 3}, f.counts(t, "a"))
	assert.False(t, f.cache.InBatch())

	// Small units stay in auto mode.
	f.relate(t, "FRIEND", "a", "c", nil)
	assert.Equal(t, batches+1, testutil.ToFloat64(metrics.UnitsOfWork.WithLabelValues("batch")))
}

func TestRebuildMatchesIncrementalCounts(t *testing.T) {
	f := newFixture(t, strategy.Default().WithCompactionThreshold(3), Options{RebuildChunkSize: 2, RebuildWorkers: 3})
	require.NoError(t, f.g.Update(func(tx *graph.Tx) error {
		for i := 0; i < 4; i++ {
			if _, err := tx.CreateNode(fmt.Sprint("x", i), nil); err != nil {
				return err
			}
		}
		return nil
	}))
	for i := 0; i < 4; i++ {
		f.relate(t, "FRIEND", "a", fmt.Sprint("x", i), map[string]any{"level": i})
	}
	f.relate(t, "FRIEND", "b", "a", map[string]any{"level": 1})
	f.relate(t, "LIKES", "c", "c", nil)

	want := map[string]map[string]int64{}
	for _, n := range []string{"a", "b", "c", "x0", "x3"} {
		want[n] = f.counts(t, n)
	}
	require.Equal(t, map[string]int64{"FRIEND#OUTGOING": 4, "FRIEND#INCOMING#level#1": 1}, want["a"])

	// Damage the cache, then rebuild it.
	require.NoError(t, f.g.Store().Update(func(w store.Writer) error {
		if err := f.cache.Clear(w, "a"); err != nil {
			return err
		}
		return w.Set("b", f.cache.Namespace().Prefix+"FRIEND#OUTGOING", []byte("42"))
	}))

	stats, err := f.mod.Rebuild(context.Background(), f.g)
	require.NoError(t, err)
	assert.Equal(t, 7, stats.Nodes)
	assert.Equal(t, 4, stats.Chunks)
	assert.Equal(t, int64(11), stats.Relationships)

	for n, counts := range want {
		assert.Equal(t, counts, f.counts(t, n), "node %s", n)
	}
}

func TestRebuildStopsOnCancelledContext(t *testing.T) {
	f := newFixture(t, strategy.Default(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.mod.Rebuild(ctx, f.g)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOptionsDefaults(t *testing.T) {
	c, err := cache.New(cache.Options{})
	require.NoError(t, err)
	m := New(c, Options{})
	assert.Equal(t, DefaultBatchThreshold, m.opts.BatchThreshold)
	assert.Equal(t, DefaultRebuildChunkSize, m.opts.RebuildChunkSize)
	assert.Positive(t, m.opts.RebuildWorkers)
	assert.Same(t, c, m.Cache())
}
