package store

import (
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/btree"

	"github.com/sanonone/relcount/pkg/persistence"
)

// staged is one pending change. A nil value with removed set is a delete.
type staged struct {
	key     string
	value   []byte
	removed bool
}

func stagedLess(a, b staged) bool { return a.key < b.key }

// overlay is the Writer handed to Update by the ordered backends. Reads fall
// through to base for keys without a pending change. It is safe for use by
// several goroutines of the same transaction.
type overlay struct {
	mu      sync.RWMutex
	base    Reader
	changes *btree.BTreeG[staged]
}

func newOverlay(base Reader) *overlay {
	return &overlay{base: base, changes: btree.NewBTreeG[staged](stagedLess)}
}

func (o *overlay) Get(node, key string) ([]byte, bool, error) {
	if err := validate(node, key); err != nil {
		return nil, false, err
	}
	o.mu.RLock()
	c, ok := o.changes.Get(staged{key: compositeKey(node, key)})
	o.mu.RUnlock()
	if ok {
		if c.removed {
			return nil, false, nil
		}
		return c.value, true, nil
	}
	return o.base.Get(node, key)
}

func (o *overlay) Keys(node, prefix string) ([]string, error) {
	if err := validate(node, prefix); err != nil {
		return nil, err
	}
	keys, err := o.base.Keys(node, prefix)
	if err != nil {
		return nil, err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.changes.Len() == 0 {
		return keys, nil
	}
	present := make(map[string]bool, len(keys))
	for _, k := range keys {
		present[k] = true
	}
	pivot := compositeKey(node, prefix)
	changed := false
	o.changes.Ascend(staged{key: pivot}, func(c staged) bool {
		if !strings.HasPrefix(c.key, pivot) {
			return false
		}
		_, k := splitKey(c.key)
		if present[k] == !c.removed {
			return true
		}
		present[k] = !c.removed
		changed = true
		return true
	})
	if !changed {
		return keys, nil
	}
	out := make([]string, 0, len(present))
	for k, ok := range present {
		if ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (o *overlay) Nodes() ([]string, error) {
	nodes, err := o.base.Nodes()
	if err != nil {
		return nil, err
	}

	o.mu.RLock()
	touched := make(map[string]bool)
	o.changes.Scan(func(c staged) bool {
		n, _ := splitKey(c.key)
		touched[n] = true
		return true
	})
	o.mu.RUnlock()

	if len(touched) == 0 {
		return nodes, nil
	}
	set := make(map[string]bool, len(nodes)+len(touched))
	for _, n := range nodes {
		set[n] = true
	}
	// Touched nodes may have gained their first key or lost their last one.
	for n := range touched {
		keys, err := o.Keys(n, "")
		if err != nil {
			return nil, err
		}
		set[n] = len(keys) > 0
	}
	out := make([]string, 0, len(set))
	for n, ok := range set {
		if ok {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (o *overlay) Set(node, key string, value []byte) error {
	if err := validate(node, key); err != nil {
		return err
	}
	v := make([]byte, len(value))
	copy(v, value)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes.Set(staged{key: compositeKey(node, key), value: v})
	return nil
}

func (o *overlay) Remove(node, key string) error {
	if err := validate(node, key); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes.Set(staged{key: compositeKey(node, key), removed: true})
	return nil
}

// records returns the pending changes in key order.
func (o *overlay) records() []persistence.Record {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]persistence.Record, 0, o.changes.Len())
	o.changes.Scan(func(c staged) bool {
		node, key := splitKey(c.key)
		rec := persistence.Record{Op: persistence.OpSet, Node: node, Key: key, Value: c.value}
		if c.removed {
			rec.Op = persistence.OpRemove
			rec.Value = nil
		}
		out = append(out, rec)
		return true
	})
	return out
}
