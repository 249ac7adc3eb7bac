// Package engine provides the embedded interface of relcount.
//
// It wires a node property store, the property graph living in it, the
// degree cache kept in step with every unit of work, and the counters that
// answer degree queries.
//
// Basic usage:
//
//	opts := engine.DefaultOptions("./data")
//	db, err := engine.Open(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	n, err := db.Count("alice", count.NewQuery("FRIEND", descriptor.Outgoing))
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sanonone/relcount/pkg/cache"
	"github.com/sanonone/relcount/pkg/config"
	"github.com/sanonone/relcount/pkg/count"
	"github.com/sanonone/relcount/pkg/graph"
	"github.com/sanonone/relcount/pkg/module"
	"github.com/sanonone/relcount/pkg/store"
	"github.com/sanonone/relcount/pkg/strategy"
)

// Mode selects the counter answering a query.
type Mode string

const (
	// ModeFallback reads the cache and traverses when it cannot certify
	// the answer.
	ModeFallback Mode = "fallback"
	// ModeCached reads the cache only and may fail with
	// count.ErrUnableToCount.
	ModeCached Mode = "cached"
	// ModeNaive always traverses.
	ModeNaive Mode = "naive"
)

// ParseMode accepts the mode names, empty meaning ModeFallback.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(s)); m {
	case "":
		return ModeFallback, nil
	case ModeFallback, ModeCached, ModeNaive:
		return m, nil
	}
	return "", fmt.Errorf("unknown count mode %q", s)
}

// Options configures the Engine.
type Options struct {
	// DataDir holds the log of the file backend or the badger directory.
	// It is created automatically if it does not exist.
	DataDir string
	// Backend is config.BackendMemory, config.BackendFile or
	// config.BackendBadger.
	Backend string

	// AofFilename is the log of the file backend (default: "relcount.aof").
	AofFilename string
	// LazyAOF batches log writes, see persistence.LazyAOFWriter.
	LazyAOF          bool
	AOFFlushInterval time.Duration
	AOFSyncInterval  time.Duration
	AOFMaxBuffer     int
	// AofRewritePercentage triggers an automatic log rewrite when the log
	// exceeds its size after the last rewrite by this percentage.
	// E.g., 100 means rewrite when size doubles. Set to 0 to disable.
	AofRewritePercentage int
	// MaintenanceInterval is how often the rewrite policy is checked.
	MaintenanceInterval time.Duration

	BadgerSyncWrites     bool
	BadgerGCInterval     time.Duration
	BadgerGCDiscardRatio float64

	// Namespace is the ID of the degree cache namespace.
	Namespace string
	// DegreeStorage is config.StorageNodeProperties or
	// config.StorageSingleProperty.
	DegreeStorage      string
	ParsedKeyCacheSize int
	Strategies         strategy.Strategies
	OnOutOfSync        cache.OutOfSyncHandler

	BatchThreshold   int
	RebuildChunkSize int
	RebuildWorkers   int

	Logger *slog.Logger
}

// DefaultOptions returns a file-backed configuration in dataDir.
//
// Defaults:
//   - Backend: file, lazily flushed "relcount.aof"
//   - AofRewrite: At 100% growth, checked every second
//   - Cache: namespace "main", one node property per entry, threshold 20
//   - Batch threshold 50, rebuild chunks of 100 nodes
func DefaultOptions(dataDir string) Options {
	cfg := config.DefaultConfig()
	cfg.DataDir = dataDir
	return OptionsFromConfig(cfg)
}

// OptionsFromConfig translates a loaded configuration.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		DataDir:              cfg.DataDir,
		Backend:              cfg.Backend,
		AofFilename:          cfg.AOF.Filename,
		LazyAOF:              cfg.AOF.Lazy,
		AOFFlushInterval:     cfg.AOF.FlushInterval,
		AOFSyncInterval:      cfg.AOF.SyncInterval,
		AOFMaxBuffer:         cfg.AOF.MaxBuffer,
		AofRewritePercentage: cfg.AOF.RewritePercentage,
		MaintenanceInterval:  time.Second,
		BadgerSyncWrites:     cfg.Badger.SyncWrites,
		BadgerGCInterval:     cfg.Badger.GCInterval,
		BadgerGCDiscardRatio: cfg.Badger.GCDiscardRatio,
		Namespace:            cfg.Cache.Namespace,
		DegreeStorage:        cfg.Cache.DegreeStorage,
		ParsedKeyCacheSize:   cfg.Cache.ParsedKeyCacheSize,
		Strategies:           StrategiesFromConfig(cfg.Cache),
		BatchThreshold:       cfg.Cache.BatchThreshold,
		RebuildChunkSize:     cfg.Rebuild.ChunkSize,
		RebuildWorkers:       cfg.Rebuild.Workers,
	}
}

// StrategiesFromConfig builds the strategies described by the cache
// section.
func StrategiesFromConfig(c config.CacheConfig) strategy.Strategies {
	s := strategy.Default()
	if c.CompactionThreshold != 0 {
		s = s.WithCompactionThreshold(c.CompactionThreshold)
	}
	if len(c.IncludeTypes) > 0 {
		s = s.WithRelationshipInclusion("IncludeTypes("+strings.Join(c.IncludeTypes, ",")+")", strategy.IncludeTypes(c.IncludeTypes...))
	}
	if len(c.ExcludeProperties) > 0 {
		s = s.WithPropertyInclusion("ExcludeProperties("+strings.Join(c.ExcludeProperties, ",")+")", strategy.ExcludeProperties(c.ExcludeProperties...))
	}
	if len(c.ExcludeNodesWith) > 0 {
		s = s.WithNodeInclusion("ExcludeNodesWith("+strings.Join(c.ExcludeNodesWith, ",")+")", strategy.ExcludeNodesWith(c.ExcludeNodesWith...))
	}
	if c.WeightProperty != "" {
		s = s.WithWeighing("PropertyWeight("+c.WeightProperty+")", strategy.PropertyWeight(c.WeightProperty))
	}
	return s
}

// Engine is the main entry point of relcount.
//
// Use Open() to initialize an Engine and Close() to shut it down gracefully.
type Engine struct {
	store  store.Store
	graph  *graph.Graph
	cache  *cache.DegreeCache
	module *module.Module

	cached   *count.Cached
	naive    *count.Naive
	fallback *count.Fallback

	opts   Options
	logger *slog.Logger

	// Mutex for administrative tasks (rebuild, log rewrite).
	adminMu    sync.Mutex
	logBaseLen int64

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open initializes a new Engine instance using the provided options.
//
// It performs the following actions:
// 1. Opens the store, replaying the log of the file backend.
// 2. Builds the degree cache and registers it on the graph.
// 3. Starts the background log maintenance of the file backend.
func Open(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// 1. Store
	st, err := openStore(opts, logger)
	if err != nil {
		return nil, err
	}

	// 2. Cache, graph and counters
	var persistence cache.Persistence
	switch opts.DegreeStorage {
	case "", config.StorageNodeProperties:
		persistence = cache.NewNodeProperties(opts.ParsedKeyCacheSize, logger)
	case config.StorageSingleProperty:
		persistence = cache.NewSingleProperty(opts.ParsedKeyCacheSize, logger)
	default:
		st.Close()
		return nil, fmt.Errorf("engine: unknown degree storage %q", opts.DegreeStorage)
	}
	dc, err := cache.New(cache.Options{
		Namespace:   cache.NewNamespace(opts.Namespace),
		Persistence: persistence,
		Strategies:  opts.Strategies,
		Logger:      logger,
		OnOutOfSync: opts.OnOutOfSync,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	g := graph.New(st)
	mod := module.New(dc, module.Options{
		BatchThreshold:   opts.BatchThreshold,
		RebuildChunkSize: opts.RebuildChunkSize,
		RebuildWorkers:   opts.RebuildWorkers,
		Logger:           logger,
	})
	mod.Register(g)

	cached := count.NewCached(dc)
	naive := count.NewNaive(dc.Strategies())
	e := &Engine{
		store:    st,
		graph:    g,
		cache:    dc,
		module:   mod,
		cached:   cached,
		naive:    naive,
		fallback: count.NewFallback(cached, naive, logger),
		opts:     opts,
		logger:   logger,
		closed:   make(chan struct{}),
	}

	// 3. Background tasks
	if f, ok := st.(*store.File); ok && opts.AofRewritePercentage > 0 {
		e.logBaseLen, _ = f.LogSize()
		e.wg.Add(1)
		go e.backgroundTasks(f)
	}

	logger.Info("Engine opened", "backend", backendName(opts.Backend), "namespace", dc.Namespace().ID,
		"degree_storage", persistence.Name(), "strategies", dc.Strategies().String())
	return e, nil
}

func backendName(b string) string {
	if b == "" {
		return config.BackendFile
	}
	return b
}

func openStore(opts Options, logger *slog.Logger) (store.Store, error) {
	switch backendName(opts.Backend) {
	case config.BackendMemory:
		return store.NewMemory(), nil

	case config.BackendFile:
		if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		name := opts.AofFilename
		if name == "" {
			name = "relcount.aof"
		}
		return store.OpenFile(store.FileOptions{
			Path:          filepath.Join(opts.DataDir, name),
			Lazy:          opts.LazyAOF,
			FlushInterval: opts.AOFFlushInterval,
			SyncInterval:  opts.AOFSyncInterval,
			MaxBuffer:     opts.AOFMaxBuffer,
			Logger:        logger,
		})

	case config.BackendBadger:
		return store.OpenBadger(store.BadgerConfig{
			Path:           filepath.Join(opts.DataDir, "badger"),
			SyncWrites:     opts.BadgerSyncWrites,
			Logger:         logger,
			GCInterval:     opts.BadgerGCInterval,
			GCDiscardRatio: opts.BadgerGCDiscardRatio,
		})
	}
	return nil, fmt.Errorf("engine: unknown backend %q", opts.Backend)
}

// Close stops background maintenance and closes the store.
func (e *Engine) Close() error {
	var err error

	// Executes the block only once, even if called 100 times
	e.closeOnce.Do(func() {
		close(e.closed)
		e.wg.Wait()
		err = e.store.Close()
	})

	return err
}

// backgroundTasks rewrites the log of the file backend when it has grown
// past the configured percentage.
func (e *Engine) backgroundTasks(f *store.File) {
	defer e.wg.Done()

	// Use the configured value or a safe default if 0
	interval := e.opts.MaintenanceInterval
	if interval <= 0 {
		interval = 1 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.closed:
			return
		case <-ticker.C:
			e.checkMaintenance(f)
		}
	}
}

func (e *Engine) checkMaintenance(f *store.File) {
	size, err := f.LogSize()
	if err != nil {
		e.logger.Error("Background log size check failed", "error", err)
		return
	}
	threshold := e.logBaseLen + e.logBaseLen*int64(e.opts.AofRewritePercentage)/100
	// Min threshold 1MB to avoid rewriting tiny files constantly
	if threshold < 1024*1024 {
		threshold = 1024 * 1024
	}
	if size > threshold {
		if err := e.Compact(); err != nil {
			e.logger.Error("Background log rewrite failed", "error", err)
		}
	}
}

// Compact rewrites the log of the file backend. Other backends have
// nothing to do.
func (e *Engine) Compact() error {
	e.adminMu.Lock()
	defer e.adminMu.Unlock()

	f, ok := e.store.(*store.File)
	if !ok {
		return nil
	}
	if err := f.Rewrite(); err != nil {
		return err
	}
	e.logBaseLen, _ = f.LogSize()
	return nil
}

// Store returns the underlying node property store.
func (e *Engine) Store() store.Store { return e.store }

// Graph returns the graph. Units of work run through it keep the cache up
// to date.
func (e *Engine) Graph() *graph.Graph { return e.graph }

// Cache returns the degree cache.
func (e *Engine) Cache() *cache.DegreeCache { return e.cache }

// Update runs fn as one unit of work.
func (e *Engine) Update(fn func(tx *graph.Tx) error) error {
	return e.graph.Update(fn)
}

// View returns a reader over the committed graph.
func (e *Engine) View() graph.Reader {
	return e.graph.View()
}

// Counter returns the counter of a mode.
func (e *Engine) Counter(mode Mode) (count.Counter, error) {
	switch mode {
	case ModeFallback, "":
		return e.fallback, nil
	case ModeCached:
		return e.cached, nil
	case ModeNaive:
		return e.naive, nil
	}
	return nil, fmt.Errorf("unknown count mode %q", mode)
}

// Count answers q for node from the cache, traversing when needed.
func (e *Engine) Count(node string, q count.Query) (int64, error) {
	return e.CountWith(ModeFallback, node, q, false)
}

// CountLiterally answers the literal query q for node.
func (e *Engine) CountLiterally(node string, q count.Query) (int64, error) {
	return e.CountWith(ModeFallback, node, q, true)
}

// CountWith answers q for node with a chosen counter. The node check, the
// cache read and any traversal see the same committed state.
func (e *Engine) CountWith(mode Mode, node string, q count.Query, literal bool) (int64, error) {
	c, err := e.Counter(mode)
	if err != nil {
		return 0, err
	}
	var n int64
	err = e.store.View(func(r store.Reader) error {
		if _, ok, err := graph.NewReader(r).Node(node); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: %s", graph.ErrNodeNotFound, node)
		}
		if literal {
			n, err = c.CountLiterally(r, node, q)
		} else {
			n, err = c.Count(r, node, q)
		}
		return err
	})
	return n, err
}

// CachedCounts returns the raw cached entries of node, most general first.
func (e *Engine) CachedCounts(node string) (entries []cache.Entry, err error) {
	err = e.store.View(func(r store.Reader) error {
		entries, err = e.cache.CachedCounts(r, node)
		return err
	})
	return entries, err
}

// Snapshot returns the persisted cache state of node, markers included.
func (e *Engine) Snapshot(node string) (snap cache.Snapshot, err error) {
	err = e.store.View(func(r store.Reader) error {
		snap, err = e.cache.Snapshot(r, node)
		return err
	})
	return snap, err
}

// Rebuild recounts the cached degrees of every node.
func (e *Engine) Rebuild(ctx context.Context) (module.RebuildStats, error) {
	e.adminMu.Lock()
	defer e.adminMu.Unlock()

	select {
	case <-e.closed:
		return module.RebuildStats{}, errors.New("engine closed")
	default:
	}
	return e.module.Rebuild(ctx, e.graph)
}
