// Package store is the node property storage used by the graph and the degree
// cache.
//
// Every value lives under a (node, key) pair. Keys of one node are kept in
// lexicographic order so that a namespace can be listed with a prefix scan.
// All mutations go through Store.Update, which runs a function against a
// Writer and applies its changes atomically when the function returns nil.
// A non-nil return discards every staged change. Reads spanning several
// keys go through Store.View to see a single committed state.
package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
	// ErrInvalidID is returned for empty node IDs or IDs or keys containing
	// the internal key separator.
	ErrInvalidID = errors.New("invalid node id or key")
)

// Reader is the read side of a store or of an open transaction.
type Reader interface {
	// Get returns the value stored under (node, key).
	Get(node, key string) ([]byte, bool, error)
	// Keys lists, in ascending order, the keys of node starting with prefix.
	Keys(node, prefix string) ([]string, error)
	// Nodes lists, in ascending order, every node holding at least one key.
	Nodes() ([]string, error)
}

// Writer stages changes inside Store.Update.
type Writer interface {
	Reader
	Set(node, key string, value []byte) error
	Remove(node, key string) error
}

// Store is a transactional node property store.
type Store interface {
	Reader
	// Update runs fn in a read-write transaction. Updates are serialized.
	Update(fn func(w Writer) error) error
	// View runs fn against one consistent state of the store. Reads made
	// through r never observe a commit partially.
	View(fn func(r Reader) error) error
	Close() error
}

// sep splits node and key inside composite keys. It cannot appear in either.
const sep = "\x00"

func compositeKey(node, key string) string {
	return node + sep + key
}

func splitKey(composite string) (node, key string) {
	node, key, _ = strings.Cut(composite, sep)
	return node, key
}

func validate(node, key string) error {
	if node == "" || strings.Contains(node, sep) || strings.Contains(key, sep) {
		return fmt.Errorf("%w: node=%q key=%q", ErrInvalidID, node, key)
	}
	return nil
}

// RemovePrefix deletes every key of node that starts with prefix and returns
// how many were removed.
func RemovePrefix(w Writer, node, prefix string) (int, error) {
	keys, err := w.Keys(node, prefix)
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := w.Remove(node, k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
