package persistence

import (
	"bufio"
	"fmt"
	"os"
	"sync"
)

// Log is the append-only sink used by the file store. AOFWriter writes
// through on Flush, LazyAOFWriter batches in the background.
type Log interface {
	Append(records ...Record) error
	Flush() error
	Sync() error
	Truncate() error
	ReplaceWith(path string) error
	Size() (int64, error)
	Path() string
	Close() error
}

// AOFWriter manages writing framed records to the append-only file.
type AOFWriter struct {
	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	frames *FrameWriter
	path   string
}

// NewAOFWriter opens or creates an AOF file at the given path.
func NewAOFWriter(path string) (*AOFWriter, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open AOF file: %w", err)
	}
	a := &AOFWriter{file: file, path: path}
	a.reset(file)
	return a, nil
}

func (a *AOFWriter) reset(file *os.File) {
	if a.buf == nil {
		a.buf = bufio.NewWriter(file)
	} else {
		a.buf.Reset(file)
	}
	a.frames = NewFrameWriter(a.buf)
}

// Append frames every record into the write buffer.
func (a *AOFWriter) Append(records ...Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, rec := range records {
		if err := a.frames.WriteFrame(rec.Encode()); err != nil {
			return err
		}
	}
	return nil
}

// Flush forces the buffer contents to the OS file descriptor.
func (a *AOFWriter) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.Flush()
}

// Sync flushes and fsyncs.
func (a *AOFWriter) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.buf.Flush(); err != nil {
		return err
	}
	return a.file.Sync()
}

// Close flushes and closes the underlying file.
func (a *AOFWriter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.buf.Flush(); err != nil {
		_ = a.file.Close()
		return err
	}
	return a.file.Close()
}

// Truncate clears the file content.
func (a *AOFWriter) Truncate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buf.Reset(a.file)
	if err := a.file.Truncate(0); err != nil {
		return err
	}
	_, err := a.file.Seek(0, 0)
	return err
}

// Size returns the current on-disk size, buffered bytes excluded.
func (a *AOFWriter) Size() (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	info, err := a.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Path returns the file path.
func (a *AOFWriter) Path() string {
	return a.path
}

// ReplaceWith atomically renames newFilePath over the AOF and reopens it.
// Used at the end of a rewrite.
func (a *AOFWriter) ReplaceWith(newFilePath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	_ = a.buf.Flush()
	_ = a.file.Close()

	if err := os.Rename(newFilePath, a.path); err != nil {
		return fmt.Errorf("failed to replace AOF file: %w", err)
	}

	file, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen AOF file after replace: %w", err)
	}
	a.file = file
	a.reset(file)
	return nil
}
