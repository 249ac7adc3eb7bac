package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sanonone/relcount/pkg/descriptor"
	"github.com/sanonone/relcount/pkg/store"
)

// DefaultParsedKeyCacheSize bounds the LRU of parsed entry keys.
const DefaultParsedKeyCacheSize = 8192

// Persistence loads and stores the cached degrees of a node.
type Persistence interface {
	Load(r store.Reader, ns Namespace, node string) (Snapshot, error)
	// Write persists after, given that before is what Load returned. Zero
	// counts are removed, unchanged entries are not rewritten.
	Write(w store.Writer, ns Namespace, node string, before, after Snapshot) error
	// Clear removes every trace of the namespace from the node.
	Clear(w store.Writer, ns Namespace, node string) error
	Name() string
}

// parsedKey is a decoded key: an entry descriptor or a group marker.
type parsedKey struct {
	d      descriptor.Descriptor
	group  descriptor.Group
	marker bool
}

// keyParser caches decoded keys. Keys repeat across every session of every
// node, parsing them once saves most of the load cost.
type keyParser struct {
	cache *lru.Cache[string, parsedKey]
}

func newKeyParser(size int) *keyParser {
	if size <= 0 {
		size = DefaultParsedKeyCacheSize
	}
	c, err := lru.New[string, parsedKey](size)
	if err != nil {
		// Only returned for a non-positive size, which is ruled out above.
		panic(err)
	}
	return &keyParser{cache: c}
}

func (p *keyParser) parse(key, prefix, sep string) (parsedKey, error) {
	cacheKey := prefix + "\x00" + sep + "\x00" + key
	if pk, ok := p.cache.Get(cacheKey); ok {
		return pk, nil
	}

	var pk parsedKey
	tokens := descriptor.Split(strings.TrimPrefix(key, prefix), sep)
	if strings.HasPrefix(key, prefix) && len(tokens) == 3 && tokens[2] == CompactedSuffix {
		dir, err := descriptor.ParseDirection(tokens[1])
		if err != nil || !dir.Concrete() {
			return parsedKey{}, fmt.Errorf("%w: marker %q", descriptor.ErrMalformed, key)
		}
		pk = parsedKey{group: descriptor.Group{Type: tokens[0], Direction: dir}, marker: true}
	} else {
		d, err := descriptor.Parse(key, prefix, sep)
		if err != nil {
			return parsedKey{}, err
		}
		pk = parsedKey{d: d, group: d.Group()}
	}
	p.cache.Add(cacheKey, pk)
	return pk, nil
}

// NodeProperties stores one node property per entry, holding the decimal
// count, plus one "1" property per compacted group.
type NodeProperties struct {
	keys   *keyParser
	logger *slog.Logger
}

// NewNodeProperties returns the one-property-per-entry persistence.
func NewNodeProperties(parsedKeyCacheSize int, logger *slog.Logger) *NodeProperties {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeProperties{keys: newKeyParser(parsedKeyCacheSize), logger: logger}
}

func (p *NodeProperties) Name() string { return "node_properties" }

func (p *NodeProperties) Load(r store.Reader, ns Namespace, node string) (Snapshot, error) {
	snap := newSnapshot()
	keys, err := r.Keys(node, ns.Prefix)
	if err != nil {
		return snap, err
	}
	for _, k := range keys {
		pk, err := p.keys.parse(k, ns.Prefix, ns.Separator)
		if err != nil {
			p.logger.Debug("Skipping foreign key in cache namespace", "node", node, "key", k, "error", err)
			continue
		}
		if pk.marker {
			snap.Compacted[pk.group] = true
			continue
		}
		raw, ok, err := r.Get(node, k)
		if err != nil {
			return snap, err
		}
		if !ok {
			continue
		}
		count, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			p.logger.Warn("Ignoring unreadable cached count", "node", node, "key", k, "value", string(raw))
			continue
		}
		snap.Entries[pk.d.String()] = Entry{Descriptor: pk.d, Count: count}
	}
	return snap, nil
}

func (p *NodeProperties) Write(w store.Writer, ns Namespace, node string, before, after Snapshot) error {
	for k, old := range before.Entries {
		if e, ok := after.Entries[k]; ok && e.Count > 0 {
			continue
		}
		if err := w.Remove(node, ns.EntryKey(old.Descriptor)); err != nil {
			return err
		}
	}
	for k, e := range after.Entries {
		if e.Count <= 0 {
			continue
		}
		if old, ok := before.Entries[k]; ok && old.Count == e.Count {
			continue
		}
		if err := w.Set(node, ns.EntryKey(e.Descriptor), []byte(strconv.FormatInt(e.Count, 10))); err != nil {
			return err
		}
	}
	for g, set := range after.Compacted {
		if !set || before.Compacted[g] {
			continue
		}
		if err := w.Set(node, ns.MarkerKey(g), []byte("1")); err != nil {
			return err
		}
	}
	return nil
}

func (p *NodeProperties) Clear(w store.Writer, ns Namespace, node string) error {
	_, err := store.RemovePrefix(w, node, ns.Prefix)
	return err
}

// singlePropertyKey is the property holding the whole document.
const singlePropertyKey = "degrees"

// degreeDocument is the JSON layout of SingleProperty. Entry keys and marker
// keys are serialized without the namespace prefix.
type degreeDocument struct {
	Entries   map[string]int64 `json:"entries"`
	Compacted []string         `json:"compacted,omitempty"`
}

// SingleProperty stores all entries and markers of a node in one JSON node
// property. It trades larger writes for a single read per load.
type SingleProperty struct {
	keys   *keyParser
	logger *slog.Logger
}

// NewSingleProperty returns the single-property persistence.
func NewSingleProperty(parsedKeyCacheSize int, logger *slog.Logger) *SingleProperty {
	if logger == nil {
		logger = slog.Default()
	}
	return &SingleProperty{keys: newKeyParser(parsedKeyCacheSize), logger: logger}
}

func (p *SingleProperty) Name() string { return "single_property" }

func (p *SingleProperty) Load(r store.Reader, ns Namespace, node string) (Snapshot, error) {
	snap := newSnapshot()
	raw, ok, err := r.Get(node, ns.Prefix+singlePropertyKey)
	if err != nil || !ok {
		return snap, err
	}
	var doc degreeDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return snap, fmt.Errorf("cache: decode degree document of %s: %w", node, err)
	}
	for k, count := range doc.Entries {
		pk, err := p.keys.parse(k, "", ns.Separator)
		if err != nil || pk.marker {
			p.logger.Warn("Ignoring malformed entry in degree document", "node", node, "key", k)
			continue
		}
		snap.Entries[pk.d.String()] = Entry{Descriptor: pk.d, Count: count}
	}
	for _, k := range doc.Compacted {
		pk, err := p.keys.parse(k, "", ns.Separator)
		if err != nil || !pk.marker {
			p.logger.Warn("Ignoring malformed marker in degree document", "node", node, "key", k)
			continue
		}
		snap.Compacted[pk.group] = true
	}
	return snap, nil
}

func (p *SingleProperty) Write(w store.Writer, ns Namespace, node string, before, after Snapshot) error {
	if sameSnapshot(before, after) {
		return nil
	}
	doc := degreeDocument{Entries: make(map[string]int64, len(after.Entries))}
	for _, e := range after.Entries {
		if e.Count > 0 {
			doc.Entries[e.Descriptor.Serialize("", ns.Separator)] = e.Count
		}
	}
	for g, set := range after.Compacted {
		if set {
			doc.Compacted = append(doc.Compacted, descriptor.GroupKey(g, "", ns.Separator, CompactedSuffix))
		}
	}
	key := ns.Prefix + singlePropertyKey
	if len(doc.Entries) == 0 && len(doc.Compacted) == 0 {
		return w.Remove(node, key)
	}
	// Sorted output keeps the stored bytes stable across writes.
	sort.Strings(doc.Compacted)
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return w.Set(node, key, raw)
}

func (p *SingleProperty) Clear(w store.Writer, ns Namespace, node string) error {
	_, err := store.RemovePrefix(w, node, ns.Prefix)
	return err
}

// sameSnapshot compares the persisted meaning of two snapshots: positive
// entries and set markers.
func sameSnapshot(a, b Snapshot) bool {
	positive := func(s Snapshot) map[string]int64 {
		m := make(map[string]int64, len(s.Entries))
		for k, e := range s.Entries {
			if e.Count > 0 {
				m[k] = e.Count
			}
		}
		return m
	}
	pa, pb := positive(a), positive(b)
	if len(pa) != len(pb) {
		return false
	}
	for k, v := range pa {
		if pb[k] != v {
			return false
		}
	}
	for g, set := range a.Compacted {
		if set != b.Compacted[g] {
			return false
		}
	}
	for g, set := range b.Compacted {
		if set != a.Compacted[g] {
			return false
		}
	}
	return true
}

var (
	_ Persistence = (*NodeProperties)(nil)
	_ Persistence = (*SingleProperty)(nil)
)
