package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sanonone/relcount/pkg/persistence"
)

// FileOptions configures a File store.
type FileOptions struct {
	// Path of the append-only log. Its directory is created if missing.
	Path string
	// Lazy batches log writes in the background instead of flushing to the
	// OS at every commit.
	Lazy          bool
	FlushInterval time.Duration
	SyncInterval  time.Duration
	MaxBuffer     int
	Logger        *slog.Logger
}

// File keeps all data in memory and makes it durable with an append-only
// log of framed records. Every committed transaction ends with a commit
// marker, replay ignores a trailing transaction without one.
type File struct {
	*Memory
	log    persistence.Log
	path   string
	logger *slog.Logger
}

// OpenFile replays the log at opts.Path, if any, and opens it for appending.
func OpenFile(opts FileOptions) (*File, error) {
	if opts.Path == "" {
		return nil, errors.New("file store: path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("file store: create directory: %w", err)
	}

	mem := NewMemory()
	start := time.Now()
	res, err := replayInto(mem, opts.Path, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("File store loaded", "path", opts.Path, "transactions", res.Transactions, "pairs", mem.Len(), "duration", time.Since(start).String())

	aof, err := persistence.NewAOFWriter(opts.Path)
	if err != nil {
		return nil, err
	}
	var log persistence.Log = aof
	if opts.Lazy {
		log = persistence.NewLazyAOFWriterWithConfig(aof, opts.FlushInterval, opts.SyncInterval, opts.MaxBuffer)
	}

	f := &File{Memory: mem, log: log, path: opts.Path, logger: logger}
	mem.beforeApply = f.appendCommit
	return f, nil
}

func replayInto(mem *Memory, path string, logger *slog.Logger) (persistence.ReplayResult, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return persistence.ReplayResult{}, nil
	}
	if err != nil {
		return persistence.ReplayResult{}, fmt.Errorf("file store: open log: %w", err)
	}
	defer file.Close()

	res, err := persistence.Replay(file, func(batch []persistence.Record) error {
		mem.applyLocked(batch)
		return nil
	})
	if err != nil {
		return res, err
	}

	// New commits must not land behind a torn tail, replay would stop there.
	info, err := file.Stat()
	if err != nil {
		return res, fmt.Errorf("file store: stat log: %w", err)
	}
	if info.Size() > res.ValidBytes {
		logger.Warn("Truncating incomplete log tail", "path", path, "size", info.Size(), "valid_bytes", res.ValidBytes)
		if err := os.Truncate(path, res.ValidBytes); err != nil {
			return res, fmt.Errorf("file store: truncate log: %w", err)
		}
	}
	return res, nil
}

// appendCommit writes one transaction followed by its commit marker.
func (f *File) appendCommit(records []persistence.Record) error {
	if err := f.log.Append(records...); err != nil {
		return fmt.Errorf("file store: append: %w", err)
	}
	if err := f.log.Append(persistence.Record{Op: persistence.OpCommit}); err != nil {
		return fmt.Errorf("file store: append commit: %w", err)
	}
	if _, lazy := f.log.(*persistence.LazyAOFWriter); lazy {
		return nil
	}
	return f.log.Flush()
}

// Rewrite replaces the log with a snapshot of the current state, dropping
// overwritten and removed pairs.
func (f *File) Rewrite() error {
	f.updateMu.Lock()
	defer f.updateMu.Unlock()

	tmpPath := f.path + ".rewrite"
	tmp, err := persistence.NewAOFWriter(tmpPath)
	if err != nil {
		return err
	}
	if err := tmp.Truncate(); err != nil {
		tmp.Close()
		return err
	}

	records := f.snapshot()
	pairs := len(records)
	if pairs > 0 {
		records = append(records, persistence.Record{Op: persistence.OpCommit})
		if err := tmp.Append(records...); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := f.log.ReplaceWith(tmpPath); err != nil {
		return err
	}
	size, _ := f.log.Size()
	f.logger.Info("Log rewrite completed", "path", f.path, "pairs", pairs, "size_bytes", size)
	return nil
}

// LogSize returns the on-disk size of the log. Writes still buffered by a
// lazy log are not included.
func (f *File) LogSize() (int64, error) {
	return f.log.Size()
}

// Sync forces pending log writes to disk.
func (f *File) Sync() error {
	return f.log.Sync()
}

// Close closes the log and the in-memory tree.
func (f *File) Close() error {
	f.updateMu.Lock()
	defer f.updateMu.Unlock()

	logErr := f.log.Close()
	memErr := f.Memory.Close()
	return errors.Join(logErr, memErr)
}

var _ Store = (*File)(nil)
