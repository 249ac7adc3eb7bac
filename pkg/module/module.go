// Package module keeps a degree cache in step with a graph. It turns the
// relationship changes of every unit of work into cache increments and
// decrements, and can rebuild the cache of the whole graph from scratch.
package module

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sanonone/relcount/pkg/cache"
	"github.com/sanonone/relcount/pkg/descriptor"
	"github.com/sanonone/relcount/pkg/graph"
	"github.com/sanonone/relcount/pkg/metrics"
	"github.com/sanonone/relcount/pkg/store"
)

const (
	// DefaultBatchThreshold is the number of created, deleted or changed
	// relationships in one unit of work above which batch mode is used.
	DefaultBatchThreshold = 50
	// DefaultRebuildChunkSize is the number of nodes rebuilt per store
	// transaction.
	DefaultRebuildChunkSize = 100
)

// Options configures a Module. Zero fields take defaults.
type Options struct {
	BatchThreshold   int
	RebuildChunkSize int
	RebuildWorkers   int
	Logger           *slog.Logger
}

// DefaultOptions returns the default configuration.
func DefaultOptions() Options {
	return Options{
		BatchThreshold:   DefaultBatchThreshold,
		RebuildChunkSize: DefaultRebuildChunkSize,
		RebuildWorkers:   runtime.GOMAXPROCS(0),
	}
}

// Module routes graph changes to a degree cache.
type Module struct {
	cache *cache.DegreeCache
	opts  Options
	log   *slog.Logger
}

// New creates a module feeding c.
func New(c *cache.DegreeCache, opts Options) *Module {
	def := DefaultOptions()
	if opts.BatchThreshold <= 0 {
		opts.BatchThreshold = def.BatchThreshold
	}
	if opts.RebuildChunkSize <= 0 {
		opts.RebuildChunkSize = def.RebuildChunkSize
	}
	if opts.RebuildWorkers <= 0 {
		opts.RebuildWorkers = def.RebuildWorkers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Module{cache: c, opts: opts, log: opts.Logger}
}

// Cache returns the cache the module maintains.
func (m *Module) Cache() *cache.DegreeCache { return m.cache }

// Register installs the module as a commit hook of g.
func (m *Module) Register(g *graph.Graph) {
	g.OnCommit(m.BeforeCommit)
}

// BeforeCommit applies the relationship changes of one unit of work. It
// runs inside the unit's store transaction.
func (m *Module) BeforeCommit(w store.Writer, data *graph.TxData) (err error) {
	batch := m.useBatch(data)
	mode := "auto"
	if batch {
		mode = "batch"
		if err := m.cache.StartBatch(); err != nil {
			return err
		}
		defer func() {
			if err != nil {
				m.cache.AbortBatch()
			}
		}()
	}

	for _, rel := range data.Created {
		if err := m.created(w, rel); err != nil {
			return fmt.Errorf("module: created relationship %s: %w", rel.ID, err)
		}
	}
	for _, rel := range data.Deleted {
		if err := m.deleted(w, rel, data); err != nil {
			return fmt.Errorf("module: deleted relationship %s: %w", rel.ID, err)
		}
	}
	for _, ch := range data.Changed {
		if err := m.deleted(w, ch.Previous, data); err != nil {
			return fmt.Errorf("module: changed relationship %s: %w", ch.Previous.ID, err)
		}
		if err := m.created(w, ch.Current); err != nil {
			return fmt.Errorf("module: changed relationship %s: %w", ch.Current.ID, err)
		}
	}

	if batch {
		if err := m.cache.EndBatch(w); err != nil {
			return err
		}
	}
	metrics.UnitsOfWork.WithLabelValues(mode).Inc()
	return nil
}

func (m *Module) useBatch(data *graph.TxData) bool {
	t := m.opts.BatchThreshold
	return len(data.Created) > t || len(data.Deleted) > t || len(data.Changed) > t
}

// The start node defaults to INCOMING and the end node to OUTGOING, so a
// self loop ends up counted in both directions.
func (m *Module) created(w store.Writer, rel graph.Relationship) error {
	if err := m.cache.HandleCreatedRelationship(w, rel, rel.Start, descriptor.Incoming); err != nil {
		return err
	}
	return m.cache.HandleCreatedRelationship(w, rel, rel.End, descriptor.Outgoing)
}

func (m *Module) deleted(w store.Writer, rel graph.Relationship, data *graph.TxData) error {
	if !data.HasBeenDeleted(rel.Start) {
		if err := m.cache.HandleDeletedRelationship(w, rel, rel.Start, descriptor.Incoming); err != nil {
			return err
		}
	}
	if !data.HasBeenDeleted(rel.End) {
		return m.cache.HandleDeletedRelationship(w, rel, rel.End, descriptor.Outgoing)
	}
	return nil
}

// RebuildStats summarizes a rebuild. Relationships counts every endpoint,
// so a relationship between two nodes adds two.
type RebuildStats struct {
	Nodes         int           `json:"nodes"`
	Relationships int64         `json:"relationships"`
	Chunks        int           `json:"chunks"`
	Duration      time.Duration `json:"duration"`
}

// Rebuild discards the cached degrees of every node of g and recounts them
// from the node's relationships. Nodes are processed in chunks, one store
// transaction per chunk, with up to RebuildWorkers nodes of a chunk in
// parallel. A cancelled context stops before the next chunk; chunks already
// committed stay.
func (m *Module) Rebuild(ctx context.Context, g *graph.Graph) (RebuildStats, error) {
	start := time.Now()
	var stats RebuildStats

	nodes, err := g.View().Nodes()
	if err != nil {
		return stats, err
	}
	m.log.Info("[Relcount] Rebuilding degree cache",
		"namespace", m.cache.Namespace().ID, "nodes", len(nodes),
		"chunk_size", m.opts.RebuildChunkSize, "workers", m.opts.RebuildWorkers)

	var rels atomic.Int64
	for lo := 0; lo < len(nodes); lo += m.opts.RebuildChunkSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		hi := min(lo+m.opts.RebuildChunkSize, len(nodes))
		chunk := nodes[lo:hi]

		err := g.Store().Update(func(w store.Writer) error {
			eg, egCtx := errgroup.WithContext(ctx)
			eg.SetLimit(m.opts.RebuildWorkers)
			for _, node := range chunk {
				eg.Go(func() error {
					if err := egCtx.Err(); err != nil {
						return err
					}
					n, err := m.rebuildNode(w, node)
					rels.Add(n)
					return err
				})
			}
			return eg.Wait()
		})
		if err != nil {
			return stats, fmt.Errorf("module: rebuild chunk %d: %w", stats.Chunks, err)
		}
		stats.Chunks++
		stats.Nodes += len(chunk)
		metrics.RebuiltNodes.Add(float64(len(chunk)))
	}

	stats.Relationships = rels.Load()
	stats.Duration = time.Since(start)
	m.log.Info("[Relcount] Degree cache rebuilt",
		"nodes", stats.Nodes, "relationships", stats.Relationships, "duration", stats.Duration)
	return stats, nil
}

// rebuildNode recounts one node and returns the number of relationships it
// counted. An excluded node is only cleared.
func (m *Module) rebuildNode(w store.Writer, node string) (int64, error) {
	if err := m.cache.Clear(w, node); err != nil {
		return 0, err
	}
	gr := graph.NewReader(w)
	if n, ok, err := gr.Node(node); err != nil {
		return 0, err
	} else if ok && !m.cache.Strategies().IncludesNode(n) {
		return 0, nil
	}
	rels, err := gr.Relationships(node)
	if err != nil {
		return 0, err
	}
	if err := m.cache.StartCaching(w, node); err != nil {
		return 0, err
	}

	s := m.cache.Strategies()
	var counted int64
	for _, rel := range rels {
		if !s.Includes(rel) {
			continue
		}
		dirs := []descriptor.Direction{descriptor.Incoming}
		if rel.IsSelfLoop() {
			dirs = append(dirs, descriptor.Outgoing)
		}
		weight := s.Weigh(rel, node)
		for _, dir := range dirs {
			d, err := s.Describe(rel, node, dir)
			if err == nil {
				err = m.cache.IncrementDegree(node, d, weight)
			}
			if err != nil {
				m.cache.Discard(node)
				return counted, err
			}
		}
		counted++
	}
	if err := m.cache.EndCaching(w, node); err != nil {
		return counted, err
	}
	return counted, nil
}
