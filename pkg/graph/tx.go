package graph

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/google/uuid"

	"github.com/sanonone/relcount/pkg/store"
)

// Change is a relationship whose properties changed in a unit of work.
type Change struct {
	Previous Relationship
	Current  Relationship
}

// TxData is what a unit of work did to the graph, as seen at commit time.
// Relationships created and deleted in the same unit do not appear at all.
// Deleted relationships carry the state they had before the unit started.
type TxData struct {
	Created      []Relationship
	Deleted      []Relationship
	Changed      []Change
	DeletedNodes map[string]struct{}
}

// HasBeenDeleted reports whether node was deleted in this unit of work. A
// node created again afterwards still counts as deleted: its properties
// were wiped and none of its old relationships survive.
func (d *TxData) HasBeenDeleted(node string) bool {
	_, ok := d.DeletedNodes[node]
	return ok
}

// Empty reports whether no relationship was touched.
func (d *TxData) Empty() bool {
	return len(d.Created) == 0 && len(d.Deleted) == 0 && len(d.Changed) == 0
}

// Tx is one unit of work against the graph.
type Tx struct {
	Reader
	w store.Writer

	// order keeps relationship IDs in first-touch order for deterministic
	// TxData.
	order    []string
	created  map[string]bool
	original map[string]Relationship // state before the unit, pre-existing only
	current  map[string]Relationship // latest state, absent when deleted
	deleted  map[string]bool
	nodes    map[string]struct{} // deleted nodes, recreated or not
}

func newTx(w store.Writer) *Tx {
	return &Tx{
		Reader:   NewReader(w),
		w:        w,
		created:  make(map[string]bool),
		original: make(map[string]Relationship),
		current:  make(map[string]Relationship),
		deleted:  make(map[string]bool),
		nodes:    make(map[string]struct{}),
	}
}

// Writer exposes the underlying store transaction.
func (tx *Tx) Writer() store.Writer {
	return tx.w
}

// CreateNode creates a node. It fails if the node already exists.
func (tx *Tx) CreateNode(id string, props map[string]any) (Node, error) {
	if id == IndexNode {
		return Node{}, fmt.Errorf("%w: %s", ErrReservedID, id)
	}
	if _, ok, err := tx.Node(id); err != nil {
		return Node{}, err
	} else if ok {
		return Node{}, fmt.Errorf("%w: %s", ErrNodeExists, id)
	}
	props, err := normalize(props)
	if err != nil {
		return Node{}, fmt.Errorf("graph: node properties: %w", err)
	}
	if err := tx.writeNode(id, props); err != nil {
		return Node{}, err
	}
	return Node{ID: id, Props: props}, nil
}

// SetNodeProperty sets one property of an existing node.
func (tx *Tx) SetNodeProperty(id, key string, value any) error {
	n, ok, err := tx.Node(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.Props == nil {
		n.Props = make(map[string]any)
	}
	n.Props[key] = value
	props, err := normalize(n.Props)
	if err != nil {
		return fmt.Errorf("graph: node properties: %w", err)
	}
	return tx.writeNode(id, props)
}

func (tx *Tx) writeNode(id string, props map[string]any) error {
	raw, err := json.Marshal(props)
	if err != nil {
		return err
	}
	return tx.w.Set(id, nodeKey, raw)
}

// DeleteNode deletes a node, every relationship touching it and every
// property it holds, cached degrees included.
func (tx *Tx) DeleteNode(id string) error {
	if _, ok, err := tx.Node(id); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	rels, err := tx.Relationships(id)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		if err := tx.DeleteRelationship(rel.ID); err != nil {
			return err
		}
	}
	if _, err := store.RemovePrefix(tx.w, id, ""); err != nil {
		return err
	}
	tx.nodes[id] = struct{}{}
	return nil
}

// CreateRelationship creates a relationship between two existing nodes.
func (tx *Tx) CreateRelationship(relType, start, end string, props map[string]any) (Relationship, error) {
	for _, id := range []string{start, end} {
		if _, ok, err := tx.Node(id); err != nil {
			return Relationship{}, err
		} else if !ok {
			return Relationship{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
	}
	props, err := normalize(props)
	if err != nil {
		return Relationship{}, fmt.Errorf("graph: relationship properties: %w", err)
	}

	rel := Relationship{
		ID:    uuid.NewString(),
		Type:  relType,
		Start: start,
		End:   end,
		Props: props,
	}
	if err := tx.writeRelationship(rel); err != nil {
		return Relationship{}, err
	}
	if err := tx.w.Set(IndexNode, rel.ID, []byte(start)); err != nil {
		return Relationship{}, err
	}

	tx.touch(rel.ID)
	tx.created[rel.ID] = true
	tx.current[rel.ID] = rel.Clone()
	return rel, nil
}

// DeleteRelationship deletes a relationship by ID.
func (tx *Tx) DeleteRelationship(id string) error {
	rel, ok, err := tx.Relationship(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRelationshipNotFound, id)
	}
	tx.remember(rel)

	if err := tx.w.Remove(rel.Start, relPrefix+id); err != nil {
		return err
	}
	if !rel.IsSelfLoop() {
		if err := tx.w.Remove(rel.End, relPrefix+id); err != nil {
			return err
		}
	}
	if err := tx.w.Remove(IndexNode, id); err != nil {
		return err
	}

	delete(tx.current, id)
	tx.deleted[id] = true
	return nil
}

// SetRelationshipProperty sets one property of a relationship.
func (tx *Tx) SetRelationshipProperty(id, key string, value any) error {
	return tx.mutate(id, func(props map[string]any) { props[key] = value })
}

// RemoveRelationshipProperty removes one property of a relationship.
func (tx *Tx) RemoveRelationshipProperty(id, key string) error {
	return tx.mutate(id, func(props map[string]any) { delete(props, key) })
}

func (tx *Tx) mutate(id string, fn func(props map[string]any)) error {
	rel, ok, err := tx.Relationship(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRelationshipNotFound, id)
	}
	tx.remember(rel)

	updated := rel.Clone()
	if updated.Props == nil {
		updated.Props = make(map[string]any)
	}
	fn(updated.Props)
	if updated.Props, err = normalize(updated.Props); err != nil {
		return fmt.Errorf("graph: relationship properties: %w", err)
	}
	if err := tx.writeRelationship(updated); err != nil {
		return err
	}
	tx.current[id] = updated
	return nil
}

func (tx *Tx) writeRelationship(rel Relationship) error {
	raw, err := json.Marshal(rel)
	if err != nil {
		return err
	}
	if err := tx.w.Set(rel.Start, relPrefix+rel.ID, raw); err != nil {
		return err
	}
	if rel.IsSelfLoop() {
		return nil
	}
	return tx.w.Set(rel.End, relPrefix+rel.ID, raw)
}

func (tx *Tx) touch(id string) {
	if _, seen := tx.current[id]; seen || tx.deleted[id] {
		return
	}
	if _, seen := tx.original[id]; seen {
		return
	}
	tx.order = append(tx.order, id)
}

// remember records the pre-unit state of a relationship the first time a
// pre-existing relationship is touched.
func (tx *Tx) remember(rel Relationship) {
	tx.touch(rel.ID)
	if tx.created[rel.ID] {
		return
	}
	if _, ok := tx.original[rel.ID]; !ok {
		tx.original[rel.ID] = rel.Clone()
	}
}

// data builds the commit-time view of the unit of work.
func (tx *Tx) data() *TxData {
	d := &TxData{DeletedNodes: make(map[string]struct{}, len(tx.nodes))}
	for id := range tx.nodes {
		d.DeletedNodes[id] = struct{}{}
	}
	for _, id := range tx.order {
		cur, alive := tx.current[id]
		switch {
		case tx.created[id]:
			if alive {
				d.Created = append(d.Created, cur)
			}
		case !alive:
			d.Deleted = append(d.Deleted, tx.original[id])
		default:
			prev := tx.original[id]
			if !reflect.DeepEqual(prev.Props, cur.Props) {
				d.Changed = append(d.Changed, Change{Previous: prev, Current: cur})
			}
		}
	}
	return d
}
