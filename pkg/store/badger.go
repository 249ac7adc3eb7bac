package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig holds configuration for a Badger store.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string
	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool
	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool
	// Logger receives BadgerDB's own logs. Nil disables them.
	Logger *slog.Logger
	// GCInterval is how often to run value log garbage collection.
	// Zero disables it.
	GCInterval time.Duration
	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns defaults for production use.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns a configuration for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Badger stores node properties in BadgerDB, one badger read-write
// transaction per Update.
type Badger struct {
	db       *badger.DB
	updateMu sync.Mutex
	logger   *slog.Logger

	gcStop chan struct{}
	gcDone chan struct{}
}

// OpenBadger opens a BadgerDB at cfg.Path, or in memory.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger store: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("badger store: create directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger store: open: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Badger{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		b.gcStop = make(chan struct{})
		b.gcDone = make(chan struct{})
		go b.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return b, nil
}

func (b *Badger) runGC(interval time.Duration, ratio float64) {
	defer close(b.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.gcStop:
			return
		case <-ticker.C:
			// ErrNoRewrite means nothing was worth collecting.
			if err := b.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				b.logger.Warn("badger value log GC error", "error", err)
			}
		}
	}
}

// Get reads (node, key) in its own read transaction.
func (b *Badger) Get(node, key string) (value []byte, found bool, err error) {
	err = b.db.View(func(txn *badger.Txn) error {
		value, found, err = badgerGet(txn, node, key)
		return err
	})
	return value, found, err
}

// Keys lists the keys of node starting with prefix.
func (b *Badger) Keys(node, prefix string) (keys []string, err error) {
	err = b.db.View(func(txn *badger.Txn) error {
		keys, err = badgerKeys(txn, node, prefix)
		return err
	})
	return keys, err
}

// Nodes lists every node with at least one key.
func (b *Badger) Nodes() (nodes []string, err error) {
	err = b.db.View(func(txn *badger.Txn) error {
		nodes = badgerNodes(txn)
		return nil
	})
	return nodes, err
}

// View runs fn inside one badger read-only transaction.
func (b *Badger) View(fn func(r Reader) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		return fn(&badgerWriter{txn: txn})
	})
}

// Update runs fn inside a badger read-write transaction, committed when fn
// returns nil.
func (b *Badger) Update(fn func(w Writer) error) error {
	b.updateMu.Lock()
	defer b.updateMu.Unlock()

	err := b.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerWriter{txn: txn})
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		return fmt.Errorf("badger store: transaction too big, use smaller units of work: %w", err)
	}
	return err
}

// Close stops GC and closes the database.
func (b *Badger) Close() error {
	if b.gcStop != nil {
		close(b.gcStop)
		<-b.gcDone
	}
	return b.db.Close()
}

// badgerWriter wraps a transaction, read-only inside View. Badger transactions are not
// safe for concurrent writes, the mutex makes the Writer usable from the
// rebuild worker pool.
type badgerWriter struct {
	mu  sync.Mutex
	txn *badger.Txn
}

func (w *badgerWriter) Get(node, key string) ([]byte, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return badgerGet(w.txn, node, key)
}

func (w *badgerWriter) Keys(node, prefix string) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return badgerKeys(w.txn, node, prefix)
}

func (w *badgerWriter) Nodes() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return badgerNodes(w.txn), nil
}

func (w *badgerWriter) Set(node, key string, value []byte) error {
	if err := validate(node, key); err != nil {
		return err
	}
	v := make([]byte, len(value))
	copy(v, value)

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.txn.Set([]byte(compositeKey(node, key)), v)
}

func (w *badgerWriter) Remove(node, key string) error {
	if err := validate(node, key); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.txn.Delete([]byte(compositeKey(node, key)))
}

func badgerGet(txn *badger.Txn, node, key string) ([]byte, bool, error) {
	if err := validate(node, key); err != nil {
		return nil, false, err
	}
	it, err := txn.Get([]byte(compositeKey(node, key)))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	v, err := it.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func badgerKeys(txn *badger.Txn, node, prefix string) ([]string, error) {
	if err := validate(node, prefix); err != nil {
		return nil, err
	}
	p := []byte(compositeKey(node, prefix))
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = p

	it := txn.NewIterator(opts)
	defer it.Close()

	var keys []string
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		_, k := splitKey(string(it.Item().Key()))
		keys = append(keys, k)
	}
	return keys, nil
}

func badgerNodes(txn *badger.Txn) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	var nodes []string
	for it.Rewind(); it.Valid(); {
		n, _ := splitKey(string(it.Item().Key()))
		nodes = append(nodes, n)
		it.Seek([]byte(n + "\x01"))
	}
	return nodes
}

var _ Store = (*Badger)(nil)
