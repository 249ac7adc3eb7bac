// Package cache keeps per-node relationship degree counts in node
// properties.
//
// Each node owns a set of entries, one per distinct relationship descriptor,
// stored under a namespace prefix. Entries are changed inside a session that
// loads the persisted state, applies increments and decrements in memory and
// writes the result back at EndCaching, after compaction has bounded the
// number of entries per (type, direction) group.
package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/sanonone/relcount/pkg/descriptor"
	"github.com/sanonone/relcount/pkg/graph"
	"github.com/sanonone/relcount/pkg/metrics"
	"github.com/sanonone/relcount/pkg/store"
	"github.com/sanonone/relcount/pkg/strategy"
)

var (
	// ErrSessionMisuse is returned when sessions are started twice, ended
	// without being started, or mutated while closed.
	ErrSessionMisuse = errors.New("cache: session misuse")
	// ErrOutOfSync is handed to the out-of-sync handler when a decrement
	// found nothing to subtract from. The count is clamped at zero.
	ErrOutOfSync = errors.New("cache: out of sync with the graph")
	// ErrInvalidNamespace is returned for namespaces whose keys could
	// collide with another namespace.
	ErrInvalidNamespace = errors.New("cache: invalid namespace")
)

// OutOfSyncHandler is notified of every clamped decrement.
type OutOfSyncHandler func(node string, d descriptor.Descriptor, err error)

// Options configures a DegreeCache. Zero fields take defaults.
type Options struct {
	Namespace   Namespace
	Persistence Persistence
	Compactor   Compactor
	Strategies  strategy.Strategies
	Logger      *slog.Logger
	OnOutOfSync OutOfSyncHandler
}

// DegreeCache maintains cached degrees of nodes.
type DegreeCache struct {
	ns          Namespace
	persistence Persistence
	compactor   Compactor
	strategies  strategy.Strategies
	logger      *slog.Logger
	onOutOfSync OutOfSyncHandler

	mu       sync.Mutex
	sessions map[string]*session
	batch    bool
}

// New creates a degree cache.
func New(opts Options) (*DegreeCache, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Strategies.IsZero() {
		opts.Strategies = strategy.Default()
	}
	threshold := opts.Strategies.CompactionThreshold()
	if threshold < 1 {
		return nil, fmt.Errorf("cache: compaction threshold must be at least 1, got %d", threshold)
	}
	if opts.Namespace.Prefix == "" {
		opts.Namespace = NewNamespace(opts.Namespace.ID)
	}
	if err := opts.Namespace.Validate(); err != nil {
		return nil, err
	}
	if opts.Persistence == nil {
		opts.Persistence = NewNodeProperties(DefaultParsedKeyCacheSize, opts.Logger)
	}
	if opts.Compactor == nil {
		opts.Compactor = ThresholdCompactor{Threshold: threshold}
	}

	return &DegreeCache{
		ns:          opts.Namespace,
		persistence: opts.Persistence,
		compactor:   opts.Compactor,
		strategies:  opts.Strategies,
		logger:      opts.Logger,
		onOutOfSync: opts.OnOutOfSync,
		sessions:    make(map[string]*session),
	}, nil
}

// Namespace returns the namespace the cache writes to.
func (c *DegreeCache) Namespace() Namespace { return c.ns }

// Strategies returns the configured strategies.
func (c *DegreeCache) Strategies() strategy.Strategies { return c.strategies }

// Persistence returns the configured persistence.
func (c *DegreeCache) Persistence() Persistence { return c.persistence }

// StartCaching opens a session for node, loading its persisted entries.
func (c *DegreeCache) StartCaching(r store.Reader, node string) error {
	c.mu.Lock()
	if _, open := c.sessions[node]; open {
		c.mu.Unlock()
		return fmt.Errorf("%w: session for node %s already open", ErrSessionMisuse, node)
	}
	// Reserve the slot so a concurrent start for the same node fails.
	c.sessions[node] = nil
	c.mu.Unlock()

	before, err := c.persistence.Load(r, c.ns, node)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		delete(c.sessions, node)
		return fmt.Errorf("cache: load degrees of %s: %w", node, err)
	}
	c.sessions[node] = newSession(node, before)
	return nil
}

func (c *DegreeCache) session(node string) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sessions[node]
	if s == nil {
		return nil, fmt.Errorf("%w: no session open for node %s", ErrSessionMisuse, node)
	}
	return s, nil
}

// IncrementDegree adds weight to the entry of literal descriptor d.
func (c *DegreeCache) IncrementDegree(node string, d descriptor.Descriptor, weight int64) error {
	if weight <= 0 {
		return fmt.Errorf("cache: weight must be positive, got %d", weight)
	}
	if !d.Direction().Concrete() {
		return fmt.Errorf("%w: %s", descriptor.ErrInvalidDirection, d)
	}
	s, err := c.session(node)
	if err != nil {
		return err
	}
	s.increment(d, weight)
	return nil
}

// DecrementDegree subtracts weight from the entry backing literal descriptor
// d. Going below zero is reported as out of sync and clamped, it is not an
// error.
func (c *DegreeCache) DecrementDegree(node string, d descriptor.Descriptor, weight int64) error {
	if weight <= 0 {
		return fmt.Errorf("cache: weight must be positive, got %d", weight)
	}
	if !d.Direction().Concrete() {
		return fmt.Errorf("%w: %s", descriptor.ErrInvalidDirection, d)
	}
	s, err := c.session(node)
	if err != nil {
		return err
	}
	if !s.decrement(d, weight) {
		c.reportOutOfSync(node, d)
	}
	return nil
}

func (c *DegreeCache) reportOutOfSync(node string, d descriptor.Descriptor) {
	metrics.OutOfSync.Inc()
	c.logger.Warn("Degree cache out of sync, count clamped at zero",
		"namespace", c.ns.ID, "node", node, "descriptor", d.String())
	if c.onOutOfSync != nil {
		c.onOutOfSync(node, d, fmt.Errorf("%w: node %s, %s", ErrOutOfSync, node, d))
	}
}

// EndCaching compacts and persists the session of node, then closes it.
func (c *DegreeCache) EndCaching(w store.Writer, node string) error {
	s, err := c.session(node)
	if err != nil {
		return err
	}
	defer c.Discard(node)

	merged, groups := s.compact(c.compactor, c.strategies.CompactionThreshold())
	if merged > 0 {
		metrics.Compactions.Add(float64(len(groups)))
		metrics.CompactedEntries.Add(float64(merged))
		c.logger.Debug("Compacted cached degrees", "namespace", c.ns.ID, "node", node,
			"groups", len(groups), "absorbed", merged)
	}

	if err := c.persistence.Write(w, c.ns, node, s.before, s.snapshot()); err != nil {
		return fmt.Errorf("cache: write degrees of %s: %w", node, err)
	}
	return nil
}

// Discard drops the session of node without persisting it.
func (c *DegreeCache) Discard(node string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, node)
}

// Snapshot loads the persisted state of node.
func (c *DegreeCache) Snapshot(r store.Reader, node string) (Snapshot, error) {
	return c.persistence.Load(r, c.ns, node)
}

// CachedCounts returns the persisted entries of node, most general first.
func (c *DegreeCache) CachedCounts(r store.Reader, node string) ([]Entry, error) {
	snap, err := c.Snapshot(r, node)
	if err != nil {
		return nil, err
	}
	return snap.Sorted(), nil
}

// Clear removes all cached state of node, markers included.
func (c *DegreeCache) Clear(w store.Writer, node string) error {
	return c.persistence.Clear(w, c.ns, node)
}

// HandleCreatedRelationship counts rel on node pov. Self loops resolve to
// defaultDir, which must be concrete. Nodes excluded by the node inclusion
// policy are left alone.
func (c *DegreeCache) HandleCreatedRelationship(w store.Writer, rel graph.Relationship, pov string, defaultDir descriptor.Direction) error {
	return c.handle(w, rel, pov, defaultDir, c.IncrementDegree)
}

// HandleDeletedRelationship uncounts rel on node pov.
func (c *DegreeCache) HandleDeletedRelationship(w store.Writer, rel graph.Relationship, pov string, defaultDir descriptor.Direction) error {
	return c.handle(w, rel, pov, defaultDir, c.DecrementDegree)
}

func (c *DegreeCache) handle(w store.Writer, rel graph.Relationship, pov string, defaultDir descriptor.Direction,
	apply func(node string, d descriptor.Descriptor, weight int64) error) error {
	if !defaultDir.Concrete() {
		return fmt.Errorf("%w: default direction must be concrete, got %s", descriptor.ErrInvalidDirection, defaultDir)
	}
	if !c.strategies.Includes(rel) {
		return nil
	}
	if n, ok, err := graph.NewReader(w).Node(pov); err != nil {
		return err
	} else if ok && !c.strategies.IncludesNode(n) {
		return nil
	}
	d, err := c.strategies.Describe(rel, pov, defaultDir)
	if err != nil {
		return err
	}
	weight := c.strategies.Weigh(rel, pov)

	return c.withSession(w, pov, func() error {
		return apply(pov, d, weight)
	})
}

// withSession runs fn against the session of node. In batch mode the
// session stays open until EndBatch; otherwise, unless a caller already
// opened one, it is started and ended around fn.
func (c *DegreeCache) withSession(w store.Writer, node string, fn func() error) error {
	c.mu.Lock()
	s, open := c.sessions[node]
	batch := c.batch
	c.mu.Unlock()

	if open && s != nil {
		return fn()
	}
	if err := c.StartCaching(w, node); err != nil {
		return err
	}
	if batch {
		return fn()
	}
	if err := fn(); err != nil {
		c.Discard(node)
		return err
	}
	return c.EndCaching(w, node)
}

// StartBatch keeps sessions open across relationship events until EndBatch.
func (c *DegreeCache) StartBatch() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.batch {
		return fmt.Errorf("%w: batch already started", ErrSessionMisuse)
	}
	c.batch = true
	return nil
}

// InBatch reports whether a batch is running.
func (c *DegreeCache) InBatch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batch
}

// EndBatch ends every open session, in node order, and leaves batch mode.
// On error the remaining sessions are discarded.
func (c *DegreeCache) EndBatch(w store.Writer) error {
	c.mu.Lock()
	if !c.batch {
		c.mu.Unlock()
		return fmt.Errorf("%w: no batch started", ErrSessionMisuse)
	}
	c.batch = false
	nodes := make([]string, 0, len(c.sessions))
	for n, s := range c.sessions {
		if s != nil {
			nodes = append(nodes, n)
		}
	}
	c.mu.Unlock()
	sort.Strings(nodes)

	for i, n := range nodes {
		if err := c.EndCaching(w, n); err != nil {
			for _, rest := range nodes[i+1:] {
				c.Discard(rest)
			}
			return err
		}
	}
	return nil
}

// AbortBatch leaves batch mode and drops every open session unpersisted.
func (c *DegreeCache) AbortBatch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batch = false
	for n, s := range c.sessions {
		if s != nil {
			delete(c.sessions, n)
		}
	}
}
