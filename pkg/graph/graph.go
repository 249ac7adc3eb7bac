package graph

import (
	"fmt"
	"sync"

	"github.com/sanonone/relcount/pkg/store"
)

// CommitHook observes a unit of work right before it commits. It runs inside
// the same store transaction, so its writes commit or roll back together
// with the graph changes, and an error aborts the whole unit.
type CommitHook func(w store.Writer, data *TxData) error

// Graph runs units of work against a store.
type Graph struct {
	st store.Store

	mu    sync.RWMutex
	hooks []CommitHook
}

// New creates a graph over st.
func New(st store.Store) *Graph {
	return &Graph{st: st}
}

// Store returns the underlying store.
func (g *Graph) Store() store.Store {
	return g.st
}

// OnCommit registers a hook called for every unit of work touching at least
// one relationship.
func (g *Graph) OnCommit(hook CommitHook) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, hook)
}

// Update runs fn as one unit of work.
func (g *Graph) Update(fn func(tx *Tx) error) error {
	g.mu.RLock()
	hooks := append([]CommitHook(nil), g.hooks...)
	g.mu.RUnlock()

	return g.st.Update(func(w store.Writer) error {
		tx := newTx(w)
		if err := fn(tx); err != nil {
			return err
		}
		data := tx.data()
		if data.Empty() {
			return nil
		}
		for i, hook := range hooks {
			if err := hook(w, data); err != nil {
				return fmt.Errorf("graph: commit hook %d: %w", i, err)
			}
		}
		return nil
	})
}

// View returns a reader over the committed state.
func (g *Graph) View() Reader {
	return NewReader(g.st)
}
