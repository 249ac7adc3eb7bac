package persistence

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Default batching parameters for LazyAOFWriter.
const (
	DefaultLazyFlushInterval = 100 * time.Millisecond
	DefaultForceSyncInterval = 1 * time.Second
	DefaultMaxBufferSize     = 1000
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("log writer closed")

// LazyAOFWriter buffers records in memory and hands them to the underlying
// AOFWriter periodically or when the buffer fills up. A forced fsync runs
// every ForceSyncInterval, which bounds the data lost on a crash to roughly
// that window. Close flushes and syncs everything still pending.
type LazyAOFWriter struct {
	underlying *AOFWriter

	mu      sync.Mutex
	buffer  []Record
	stopped bool

	flushInterval time.Duration
	syncInterval  time.Duration
	maxBuffer     int

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewLazyAOFWriter wraps underlying with the default intervals.
func NewLazyAOFWriter(underlying *AOFWriter) *LazyAOFWriter {
	return NewLazyAOFWriterWithConfig(underlying, DefaultLazyFlushInterval, DefaultForceSyncInterval, DefaultMaxBufferSize)
}

// NewLazyAOFWriterWithConfig wraps underlying with custom intervals. The
// underlying writer must not be used directly afterwards.
func NewLazyAOFWriterWithConfig(underlying *AOFWriter, flushInterval, syncInterval time.Duration, maxBuffer int) *LazyAOFWriter {
	if flushInterval <= 0 {
		flushInterval = DefaultLazyFlushInterval
	}
	if syncInterval <= 0 {
		syncInterval = DefaultForceSyncInterval
	}
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBufferSize
	}
	lw := &LazyAOFWriter{
		underlying:    underlying,
		buffer:        make([]Record, 0, maxBuffer),
		flushInterval: flushInterval,
		syncInterval:  syncInterval,
		maxBuffer:     maxBuffer,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go lw.run()

	slog.Info("LazyAOFWriter initialized",
		"path", underlying.Path(),
		"flush_interval", flushInterval,
		"sync_interval", syncInterval,
		"max_buffer_size", maxBuffer,
	)
	return lw
}

// Append queues records. When the buffer reaches its limit it is handed to
// the underlying writer synchronously, so memory stays bounded.
func (lw *LazyAOFWriter) Append(records ...Record) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.stopped {
		return ErrClosed
	}
	lw.buffer = append(lw.buffer, records...)
	if len(lw.buffer) >= lw.maxBuffer {
		return lw.flushLocked()
	}
	return nil
}

// Flush writes pending records to the OS (no fsync).
func (lw *LazyAOFWriter) Flush() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.flushLocked()
}

func (lw *LazyAOFWriter) flushLocked() error {
	if len(lw.buffer) > 0 {
		if err := lw.underlying.Append(lw.buffer...); err != nil {
			return err
		}
		lw.buffer = lw.buffer[:0]
	}
	return lw.underlying.Flush()
}

// Sync flushes pending records and fsyncs.
func (lw *LazyAOFWriter) Sync() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if err := lw.flushLocked(); err != nil {
		return err
	}
	return lw.underlying.Sync()
}

// Truncate drops pending records and clears the file.
func (lw *LazyAOFWriter) Truncate() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	lw.buffer = lw.buffer[:0]
	return lw.underlying.Truncate()
}

// ReplaceWith flushes pending records, then swaps the file.
func (lw *LazyAOFWriter) ReplaceWith(path string) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if err := lw.flushLocked(); err != nil {
		return err
	}
	return lw.underlying.ReplaceWith(path)
}

// Size reports the on-disk size of the underlying file.
func (lw *LazyAOFWriter) Size() (int64, error) {
	return lw.underlying.Size()
}

// Path returns the file path.
func (lw *LazyAOFWriter) Path() string {
	return lw.underlying.Path()
}

// Close stops the background loop, flushes, syncs and closes the file.
func (lw *LazyAOFWriter) Close() error {
	lw.mu.Lock()
	if lw.stopped {
		lw.mu.Unlock()
		return ErrClosed
	}
	lw.stopped = true
	lw.mu.Unlock()

	close(lw.stopCh)
	<-lw.doneCh

	lw.mu.Lock()
	defer lw.mu.Unlock()
	if err := lw.flushLocked(); err != nil {
		slog.Error("Failed to flush during Close", "path", lw.underlying.Path(), "error", err)
	}
	if err := lw.underlying.Sync(); err != nil {
		slog.Error("Failed to sync during Close", "path", lw.underlying.Path(), "error", err)
	}
	return lw.underlying.Close()
}

func (lw *LazyAOFWriter) run() {
	defer close(lw.doneCh)

	flushTicker := time.NewTicker(lw.flushInterval)
	defer flushTicker.Stop()
	syncTicker := time.NewTicker(lw.syncInterval)
	defer syncTicker.Stop()

	for {
		select {
		case <-lw.stopCh:
			return
		case <-flushTicker.C:
			if err := lw.Flush(); err != nil {
				slog.Error("Periodic flush failed", "error", err)
			}
		case <-syncTicker.C:
			if err := lw.Sync(); err != nil {
				slog.Error("Periodic sync failed", "error", err)
			}
		}
	}
}

var (
	_ Log = (*AOFWriter)(nil)
	_ Log = (*LazyAOFWriter)(nil)
)
