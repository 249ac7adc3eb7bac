package server

import (
	"sort"

	"github.com/sanonone/relcount/pkg/cache"
)

// NodeCreateRequest defines the body for node creation.
type NodeCreateRequest struct {
	ID    string         `json:"id"`
	Props map[string]any `json:"props,omitempty"`
}

// RelationshipCreateRequest defines the body for relationship creation.
type RelationshipCreateRequest struct {
	Type  string         `json:"type"`
	Start string         `json:"start"`
	End   string         `json:"end"`
	Props map[string]any `json:"props,omitempty"`
}

// RelationshipUpdateRequest sets and removes relationship properties in one
// unit of work.
type RelationshipUpdateRequest struct {
	Set    map[string]any `json:"set,omitempty"`
	Remove []string       `json:"remove,omitempty"`
}

// DegreeResponse is the answer to a degree query.
type DegreeResponse struct {
	Node    string `json:"node"`
	Query   string `json:"query"`
	Mode    string `json:"mode"`
	Literal bool   `json:"literal"`
	Count   int64  `json:"count"`
}

// CacheEntry is one cached count as exposed over HTTP.
type CacheEntry struct {
	Descriptor string            `json:"descriptor"`
	Type       string            `json:"type"`
	Direction  string            `json:"direction"`
	Properties map[string]string `json:"properties,omitempty"`
	Count      int64             `json:"count"`
}

// CacheResponse is the cached state of a node.
type CacheResponse struct {
	Node      string       `json:"node"`
	Entries   []CacheEntry `json:"entries"`
	Compacted []string     `json:"compacted"`
}

func newCacheResponse(node string, snap cache.Snapshot) CacheResponse {
	resp := CacheResponse{Node: node, Entries: []CacheEntry{}, Compacted: []string{}}
	for _, e := range snap.Sorted() {
		resp.Entries = append(resp.Entries, CacheEntry{
			Descriptor: e.Descriptor.String(),
			Type:       e.Descriptor.Type(),
			Direction:  e.Descriptor.Direction().String(),
			Properties: e.Descriptor.Properties().Map(),
			Count:      e.Count,
		})
	}
	for g, ok := range snap.Compacted {
		if ok {
			resp.Compacted = append(resp.Compacted, g.String())
		}
	}
	sort.Strings(resp.Compacted)
	return resp
}
