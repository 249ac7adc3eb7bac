package count_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/relcount/pkg/cache"
	"github.com/sanonone/relcount/pkg/count"
	"github.com/sanonone/relcount/pkg/descriptor"
	"github.com/sanonone/relcount/pkg/graph"
	"github.com/sanonone/relcount/pkg/module"
	"github.com/sanonone/relcount/pkg/store"
	"github.com/sanonone/relcount/pkg/strategy"
)

type counters struct {
	g        *graph.Graph
	cached   *count.Cached
	naive    *count.Naive
	fallback *count.Fallback
}

func setup(t *testing.T, s strategy.Strategies, nodes ...string) *counters {
	t.Helper()
	c, err := cache.New(cache.Options{Strategies: s})
	require.NoError(t, err)
	g := graph.New(store.NewMemory())
	module.New(c, module.Options{}).Register(g)

	require.NoError(t, g.Update(func(tx *graph.Tx) error {
		for _, n := range nodes {
			if _, err := tx.CreateNode(n, nil); err != nil {
				return err
			}
		}
		return nil
	}))

	cached := count.NewCached(c)
	naive := count.NewNaive(s)
	return &counters{g: g, cached: cached, naive: naive, fallback: count.NewFallback(cached, naive, nil)}
}

func (c *counters) relate(t *testing.T, relType, start, end string, props map[string]any) graph.Relationship {
	t.Helper()
	var rel graph.Relationship
	require.NoError(t, c.g.Update(func(tx *graph.Tx) error {
		var err error
		rel, err = tx.CreateRelationship(relType, start, end, props)
		return err
	}))
	return rel
}

func friends() count.Query {
	return count.NewQuery("FRIEND", descriptor.Outgoing)
}

func TestOneFriend(t *testing.T) {
	c := setup(t, strategy.Default(), "n", "m")
	c.relate(t, "FRIEND", "n", "m", map[string]any{"level": 2})
	st := c.g.Store()

	for name, counter := range map[string]count.Counter{"cached": c.cached, "naive": c.naive, "fallback": c.fallback} {
		t.Run(name, func(t *testing.T) {
			n, err := counter.Count(st, "n", friends())
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			n, err = counter.Count(st, "n", friends().With("level", 2))
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			n, err = counter.Count(st, "n", friends().With("level", 3))
			require.NoError(t, err)
			assert.Zero(t, n)

			n, err = counter.CountLiterally(st, "n", friends().With("level", 2))
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			n, err = counter.CountLiterally(st, "n", friends())
			require.NoError(t, err)
			assert.Zero(t, n, "a literal query without properties does not match a relationship with one")

			n, err = counter.Count(st, "m", count.NewQuery("FRIEND", descriptor.Incoming))
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestTwentyFiveFriendsFallBack(t *testing.T) {
	c := setup(t, strategy.Default(), "n")
	require.NoError(t, c.g.Update(func(tx *graph.Tx) error {
		for i := 1; i <= 25; i++ {
			id := fmt.Sprint("f", i)
			if _, err := tx.CreateNode(id, nil); err != nil {
				return err
			}
		}
		return nil
	}))
	var third graph.Relationship
	for i := 1; i <= 25; i++ {
		rel := c.relate(t, "FRIEND", "n", fmt.Sprint("f", i), map[string]any{"level": i})
		if i == 3 {
			third = rel
		}
	}
	st := c.g.Store()

	n, err := c.cached.Count(st, "n", friends())
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)

	_, err = c.cached.CountLiterally(st, "n", friends().With("level", 3))
	assert.ErrorIs(t, err, count.ErrUnableToCount)
	_, err = c.cached.Count(st, "n", friends().With("level", 3))
	assert.ErrorIs(t, err, count.ErrUnableToCount)

	n, err = c.fallback.CountLiterally(st, "n", friends().With("level", 3))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = c.fallback.Count(st, "n", friends().With("level", 3))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, c.g.Update(func(tx *graph.Tx) error { return tx.DeleteRelationship(third.ID) }))
	n, err = c.cached.Count(st, "n", friends())
	require.NoError(t, err)
	assert.Equal(t, int64(24), n)
	n, err = c.fallback.Count(st, "n", friends().With("level", 3))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUncompactedGroupNeverFails(t *testing.T) {
	c := setup(t, strategy.Default(), "n", "m")
	c.relate(t, "FRIEND", "n", "m", nil)
	c.relate(t, "FRIEND", "n", "m", map[string]any{"level": 1})
	c.relate(t, "FRIEND", "n", "m", map[string]any{"level": 1, "since": 2020})
	st := c.g.Store()

	n, err := c.cached.Count(st, "n", friends().With("level", 1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = c.cached.Count(st, "n", friends().With("since", 2020))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.cached.CountLiterally(st, "n", friends())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBothDirectionsCountSelfLoopsTwice(t *testing.T) {
	c := setup(t, strategy.Default(), "n", "m")
	c.relate(t, "LIKES", "n", "n", nil)
	c.relate(t, "LIKES", "n", "m", nil)
	c.relate(t, "LIKES", "m", "n", nil)
	st := c.g.Store()
	q := count.NewQuery("LIKES", descriptor.Both)

	for name, counter := range map[string]count.Counter{"cached": c.cached, "naive": c.naive} {
		n, err := counter.Count(st, "n", q)
		require.NoError(t, err, name)
		assert.Equal(t, int64(4), n, name)

		n, err = counter.Count(st, "n", count.NewQuery("LIKES", descriptor.Outgoing))
		require.NoError(t, err, name)
		assert.Equal(t, int64(2), n, name)
	}
}

func TestWeighedCounts(t *testing.T) {
	s := strategy.Default().
		WithWeighing("strength", strategy.PropertyWeight("strength")).
		WithPropertyInclusion("no-strength", strategy.ExcludeProperties("strength"))
	c := setup(t, s, "n", "m")
	c.relate(t, "FRIEND", "n", "m", map[string]any{"strength": 3, "level": 1})
	c.relate(t, "FRIEND", "n", "m", map[string]any{"level": 1})
	st := c.g.Store()

	for name, counter := range map[string]count.Counter{"cached": c.cached, "naive": c.naive} {
		n, err := counter.Count(st, "n", friends().With("level", 1))
		require.NoError(t, err, name)
		assert.Equal(t, int64(4), n, name)
	}
}

func TestFallbackAgreesWithNaiveAfterCompaction(t *testing.T) {
	c := setup(t, strategy.Default().WithCompactionThreshold(3), "n", "m")
	colors := []string{"red", "blue"}
	sizes := []int{1, 2, 3}
	for i := 0; i < 18; i++ {
		props := map[string]any{"color": colors[i%2], "size": sizes[i%3]}
		if i%4 == 0 {
			props["tag"] = "x"
		}
		c.relate(t, "FRIEND", "n", "m", props)
	}
	c.relate(t, "FRIEND", "n", "m", nil)
	st := c.g.Store()

	var queries []count.Query
	for _, color := range append([]string{""}, colors...) {
		for _, size := range []int{0, 1, 2, 3} {
			for _, tag := range []string{"", "x"} {
				q := friends()
				if color != "" {
					q = q.With("color", color)
				}
				if size != 0 {
					q = q.With("size", size)
				}
				if tag != "" {
					q = q.With("tag", tag)
				}
				queries = append(queries, q)
			}
		}
	}

	for _, q := range queries {
		want, err := c.naive.Count(st, "n", q)
		require.NoError(t, err)
		got, err := c.fallback.Count(st, "n", q)
		require.NoError(t, err)
		assert.Equal(t, want, got, "count %s", q)

		want, err = c.naive.CountLiterally(st, "n", q)
		require.NoError(t, err)
		got, err = c.fallback.CountLiterally(st, "n", q)
		require.NoError(t, err)
		assert.Equal(t, want, got, "literal count %s", q)
	}

	// Deleting every relationship brings the cache back to empty.
	rels, err := c.g.View().Relationships("n")
	require.NoError(t, err)
	require.NoError(t, c.g.Update(func(tx *graph.Tx) error {
		for _, r := range rels {
			if err := tx.DeleteRelationship(r.ID); err != nil {
				return err
			}
		}
		return nil
	}))
	n, err := c.cached.Count(st, "n", friends())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExcludedNodeCountsZero(t *testing.T) {
	s := strategy.Default().WithNodeInclusion("SkipBots", strategy.ExcludeNodesWith("bot"))
	c := setup(t, s, "n")
	require.NoError(t, c.g.Update(func(tx *graph.Tx) error {
		_, err := tx.CreateNode("bot", map[string]any{"bot": true})
		return err
	}))
	c.relate(t, "FRIEND", "bot", "n", nil)
	st := c.g.Store()

	for name, counter := range map[string]count.Counter{"cached": c.cached, "naive": c.naive, "fallback": c.fallback} {
		t.Run(name, func(t *testing.T) {
			n, err := counter.Count(st, "bot", friends())
			require.NoError(t, err)
			assert.Zero(t, n)

			n, err = counter.Count(st, "n", count.NewQuery("FRIEND", descriptor.Incoming))
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestQueryString(t *testing.T) {
	q := friends().With("level", 2.0).With("a", "b")
	assert.Equal(t, "FRIEND#OUTGOING {a:b, level:2}", q.String())
	assert.Equal(t, "FRIEND#BOTH", count.NewQuery("FRIEND", descriptor.Both).String())
}
