// Package client provides a Go client for the relcount HTTP API.
//
// It covers the graph write operations (nodes, relationships), degree
// queries against the cache and the administration endpoints (rebuild,
// log rewrite). Errors returned by the server are surfaced as *APIError.
package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// --- Custom Errors ---

// APIError represents an error returned by the relcount API (status >= 400).
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an API error with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// --- JSON Response Structs ---

// Node is a graph node.
type Node struct {
	ID    string         `json:"id"`
	Props map[string]any `json:"props,omitempty"`
}

// Relationship is a typed relationship from Start to End.
type Relationship struct {
	ID    string         `json:"id"`
	Type  string         `json:"type"`
	Start string         `json:"start"`
	End   string         `json:"end"`
	Props map[string]any `json:"props,omitempty"`
}

// Degree is the answer to a degree query.
type Degree struct {
	Node    string `json:"node"`
	Query   string `json:"query"`
	Mode    string `json:"mode"`
	Literal bool   `json:"literal"`
	Count   int64  `json:"count"`
}

// CacheEntry is one cached count of a node.
type CacheEntry struct {
	Descriptor string            `json:"descriptor"`
	Type       string            `json:"type"`
	Direction  string            `json:"direction"`
	Properties map[string]string `json:"properties,omitempty"`
	Count      int64             `json:"count"`
}

// CacheState is the cached state of a node.
type CacheState struct {
	Node      string       `json:"node"`
	Entries   []CacheEntry `json:"entries"`
	Compacted []string     `json:"compacted"`
}

// RebuildStats summarizes a full cache rebuild.
type RebuildStats struct {
	Nodes         int           `json:"nodes"`
	Relationships int64         `json:"relationships"`
	Chunks        int           `json:"chunks"`
	Duration      time.Duration `json:"duration"`
}

// DegreeQuery selects the relationships to count. Direction is "out", "in"
// or "both" (the default). Mode is "fallback" (the default), "cached" or
// "naive".
type DegreeQuery struct {
	Type       string
	Direction  string
	Mode       string
	Literal    bool
	Properties map[string]any
}

func (q DegreeQuery) values() url.Values {
	v := url.Values{}
	v.Set("type", q.Type)
	if q.Direction != "" {
		v.Set("direction", q.Direction)
	}
	if q.Mode != "" {
		v.Set("mode", q.Mode)
	}
	if q.Literal {
		v.Set("literal", strconv.FormatBool(q.Literal))
	}
	for k, val := range q.Properties {
		v.Set("p."+k, fmt.Sprint(val))
	}
	return v
}

// --- Client ---

// Client is the Go client for interacting with relcount.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// New creates a client for the server at baseURL, e.g.
// "http://localhost:9191". An empty authToken sends no Authorization
// header.
func New(baseURL string, authToken string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// jsonRequest executes a request against the API and decodes the JSON
// answer into out when out is not nil.
func (c *Client) jsonRequest(method, endpoint string, payload, out any) error {
	var reqBody io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal JSON payload: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp map[string]string
		if json.Unmarshal(respBody, &errResp) == nil {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp["error"]}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// --- Graph Methods ---

// CreateNode creates a node with optional properties.
func (c *Client) CreateNode(id string, props map[string]any) (Node, error) {
	var node Node
	err := c.jsonRequest(http.MethodPost, "/nodes", Node{ID: id, Props: props}, &node)
	return node, err
}

// GetNode retrieves a node by ID.
func (c *Client) GetNode(id string) (Node, error) {
	var node Node
	err := c.jsonRequest(http.MethodGet, "/nodes/"+url.PathEscape(id), nil, &node)
	return node, err
}

// DeleteNode deletes a node and every relationship touching it.
func (c *Client) DeleteNode(id string) error {
	return c.jsonRequest(http.MethodDelete, "/nodes/"+url.PathEscape(id), nil, nil)
}

// CreateRelationship creates a relationship between two existing nodes.
func (c *Client) CreateRelationship(relType, start, end string, props map[string]any) (Relationship, error) {
	payload := Relationship{Type: relType, Start: start, End: end, Props: props}
	var rel Relationship
	err := c.jsonRequest(http.MethodPost, "/relationships", payload, &rel)
	return rel, err
}

// GetRelationship retrieves a relationship by ID.
func (c *Client) GetRelationship(id string) (Relationship, error) {
	var rel Relationship
	err := c.jsonRequest(http.MethodGet, "/relationships/"+url.PathEscape(id), nil, &rel)
	return rel, err
}

// UpdateRelationship sets and removes properties of a relationship in one
// unit of work and returns its new state.
func (c *Client) UpdateRelationship(id string, set map[string]any, remove ...string) (Relationship, error) {
	payload := struct {
		Set    map[string]any `json:"set,omitempty"`
		Remove []string       `json:"remove,omitempty"`
	}{Set: set, Remove: remove}
	var rel Relationship
	err := c.jsonRequest(http.MethodPatch, "/relationships/"+url.PathEscape(id), payload, &rel)
	return rel, err
}

// DeleteRelationship deletes a relationship by ID.
func (c *Client) DeleteRelationship(id string) error {
	return c.jsonRequest(http.MethodDelete, "/relationships/"+url.PathEscape(id), nil, nil)
}

// --- Degree Methods ---

// Degree counts the relationships of node matching q.
func (c *Client) Degree(node string, q DegreeQuery) (Degree, error) {
	var d Degree
	endpoint := "/nodes/" + url.PathEscape(node) + "/degree?" + q.values().Encode()
	err := c.jsonRequest(http.MethodGet, endpoint, nil, &d)
	return d, err
}

// Cache returns the cached degree state of node.
func (c *Client) Cache(node string) (CacheState, error) {
	var st CacheState
	err := c.jsonRequest(http.MethodGet, "/nodes/"+url.PathEscape(node)+"/cache", nil, &st)
	return st, err
}

// --- System Methods ---

// Rebuild recounts the cached degrees of every node on the server.
func (c *Client) Rebuild() (RebuildStats, error) {
	var stats RebuildStats
	err := c.jsonRequest(http.MethodPost, "/system/rebuild", nil, &stats)
	return stats, err
}

// Compact asks the server to rewrite its log.
func (c *Client) Compact() error {
	return c.jsonRequest(http.MethodPost, "/system/compact", nil, nil)
}

// Healthz checks that the server is up.
func (c *Client) Healthz() error {
	return c.jsonRequest(http.MethodGet, "/healthz", nil, nil)
}
