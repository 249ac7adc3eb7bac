package store

import (
	"strings"
	"sync"

	"github.com/tidwall/btree"

	"github.com/sanonone/relcount/pkg/persistence"
)

// item is a committed (node, key) -> value pair.
type item struct {
	key   string
	value []byte
}

func itemLess(a, b item) bool { return a.key < b.key }

// Memory is an in-memory store backed by an ordered B-tree.
// It uses a sync.RWMutex so that many readers can run next to the single
// writer applying a commit.
type Memory struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[item]
	closed bool

	// updateMu serializes Update calls.
	updateMu sync.Mutex

	// beforeApply, when set, receives the records of every successful
	// transaction before they become visible. An error aborts the commit.
	beforeApply func(records []persistence.Record) error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tree: btree.NewBTreeG[item](itemLess)}
}

// Get returns the value for (node, key).
func (m *Memory) Get(node, key string) ([]byte, bool, error) {
	if err := validate(node, key); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := treeGet(m.tree, node, key)
	return v, ok, nil
}

// Keys lists the keys of node that start with prefix.
func (m *Memory) Keys(node, prefix string) ([]string, error) {
	if err := validate(node, prefix); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return treeKeys(m.tree, node, prefix), nil
}

// Nodes lists every node with at least one key.
func (m *Memory) Nodes() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return treeNodes(m.tree), nil
}

// View runs fn against a copy-on-write snapshot of the committed state.
// Commits applied while fn runs are not visible to it.
func (m *Memory) View(fn func(r Reader) error) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	snap := m.tree.Copy()
	m.mu.Unlock()

	return fn(frozen{tree: snap})
}

// frozen is a read-only snapshot of a Memory tree.
type frozen struct {
	tree *btree.BTreeG[item]
}

func (f frozen) Get(node, key string) ([]byte, bool, error) {
	if err := validate(node, key); err != nil {
		return nil, false, err
	}
	v, ok := treeGet(f.tree, node, key)
	return v, ok, nil
}

func (f frozen) Keys(node, prefix string) ([]string, error) {
	if err := validate(node, prefix); err != nil {
		return nil, err
	}
	return treeKeys(f.tree, node, prefix), nil
}

func (f frozen) Nodes() ([]string, error) {
	return treeNodes(f.tree), nil
}

func treeGet(tree *btree.BTreeG[item], node, key string) ([]byte, bool) {
	it, ok := tree.Get(item{key: compositeKey(node, key)})
	if !ok {
		return nil, false
	}
	return it.value, true
}

func treeKeys(tree *btree.BTreeG[item], node, prefix string) []string {
	var keys []string
	pivot := compositeKey(node, prefix)
	tree.Ascend(item{key: pivot}, func(it item) bool {
		if !strings.HasPrefix(it.key, pivot) {
			return false
		}
		_, k := splitKey(it.key)
		keys = append(keys, k)
		return true
	})
	return keys
}

func treeNodes(tree *btree.BTreeG[item]) []string {
	var nodes []string
	pivot := ""
	for {
		found := false
		tree.Ascend(item{key: pivot}, func(it item) bool {
			n, _ := splitKey(it.key)
			nodes = append(nodes, n)
			// Jump past every key of n: "\x01" sorts right after the separator.
			pivot = n + "\x01"
			found = true
			return false
		})
		if !found {
			return nodes
		}
	}
}

// Update runs fn against a staging overlay and applies its changes when fn
// returns nil.
func (m *Memory) Update(fn func(w Writer) error) error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	tx := newOverlay(m)
	if err := fn(tx); err != nil {
		return err
	}
	records := tx.records()
	if len(records) == 0 {
		return nil
	}
	if m.beforeApply != nil {
		if err := m.beforeApply(records); err != nil {
			return err
		}
	}
	m.apply(records)
	return nil
}

func (m *Memory) apply(records []persistence.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyLocked(records)
}

func (m *Memory) applyLocked(records []persistence.Record) {
	for _, rec := range records {
		k := compositeKey(rec.Node, rec.Key)
		switch rec.Op {
		case persistence.OpSet:
			m.tree.Set(item{key: k, value: rec.Value})
		case persistence.OpRemove:
			m.tree.Delete(item{key: k})
		}
	}
}

// snapshot returns every committed pair as Set records, in key order.
func (m *Memory) snapshot() []persistence.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]persistence.Record, 0, m.tree.Len())
	m.tree.Scan(func(it item) bool {
		node, key := splitKey(it.key)
		out = append(out, persistence.Record{Op: persistence.OpSet, Node: node, Key: key, Value: it.value})
		return true
	})
	return out
}

// Len returns the number of stored pairs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// Close releases the tree. Further calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	m.tree = btree.NewBTreeG[item](itemLess)
	return nil
}

var _ Store = (*Memory)(nil)
