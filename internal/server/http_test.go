package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/relcount/pkg/config"
	"github.com/sanonone/relcount/pkg/engine"
	"github.com/sanonone/relcount/pkg/graph"
	"github.com/sanonone/relcount/pkg/module"
)

type testServer struct {
	eng   *engine.Engine
	http  *httptest.Server
	token string
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	opts := engine.DefaultOptions(t.TempDir())
	opts.Backend = config.BackendMemory
	eng, err := engine.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	ts := httptest.NewServer(NewServer(eng, "", token).Handler())
	t.Cleanup(ts.Close)
	return &testServer{eng: eng, http: ts, token: token}
}

// do sends a request and decodes the JSON answer into out when it is not nil.
func (s *testServer) do(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.http.URL+path, reader)
	require.NoError(t, err)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) degree(t *testing.T, node, query string) (int, DegreeResponse) {
	t.Helper()
	var resp DegreeResponse
	status := s.do(t, http.MethodGet, "/nodes/"+node+"/degree?"+query, nil, &resp)
	return status, resp
}

func TestHealthzAndAuth(t *testing.T) {
	s := newTestServer(t, "test-secret-token")

	resp, err := http.Get(s.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(s.http.URL + "/nodes/a")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/nodes/a", nil, nil))
}

func TestNodeEndpoints(t *testing.T) {
	s := newTestServer(t, "")

	var node graph.Node
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/nodes", NodeCreateRequest{ID: "a", Props: map[string]any{"name": "Ada"}}, &node))
	assert.Equal(t, "a", node.ID)

	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/nodes", NodeCreateRequest{ID: "a"}, nil))
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/nodes", NodeCreateRequest{}, nil))
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/nodes", NodeCreateRequest{ID: graph.IndexNode}, nil))
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/nodes", NodeCreateRequest{ID: "a\x00b"}, nil))

	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/nodes/a", nil, &node))
	assert.Equal(t, "Ada", node.Props["name"])

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodDelete, "/nodes/a", nil, nil))
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/nodes/a", nil, nil))
}

func TestRelationshipLifecycle(t *testing.T) {
	s := newTestServer(t, "")
	for _, id := range []string{"a", "b"} {
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/nodes", NodeCreateRequest{ID: id}, nil))
	}

	var rel graph.Relationship
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/relationships",
		RelationshipCreateRequest{Type: "FRIEND", Start: "a", End: "b", Props: map[string]any{"level": 1}}, &rel))
	assert.NotEmpty(t, rel.ID)

	_, d := s.degree(t, "a", "type=FRIEND&direction=out&literal=true&p.level=1")
	assert.Equal(t, int64(1), d.Count)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPatch, "/relationships/"+rel.ID,
		RelationshipUpdateRequest{Set: map[string]any{"level": 2}}, &rel))
	assert.EqualValues(t, 2, rel.Props["level"])

	_, d = s.degree(t, "b", "type=FRIEND&direction=in&p.level=1")
	assert.Zero(t, d.Count)
	_, d = s.degree(t, "b", "type=FRIEND&direction=in&p.level=2")
	assert.Equal(t, int64(1), d.Count)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/relationships/"+rel.ID, nil, nil))
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodDelete, "/relationships/"+rel.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/relationships/"+rel.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/relationships/"+rel.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/relationships",
		RelationshipCreateRequest{Type: "FRIEND", Start: "a", End: "nobody"}, nil))

	_, d = s.degree(t, "a", "type=FRIEND")
	assert.Zero(t, d.Count)
}

func TestDegreeEndpoint(t *testing.T) {
	s := newTestServer(t, "")
	require.NoError(t, s.eng.Update(func(tx *graph.Tx) error {
		if _, err := tx.CreateNode("n", nil); err != nil {
			return err
		}
		for i := 1; i <= 25; i++ {
			id := fmt.Sprint("f", i)
			if _, err := tx.CreateNode(id, nil); err != nil {
				return err
			}
			if _, err := tx.CreateRelationship("FRIEND", "n", id, map[string]any{"level": i}); err != nil {
				return err
			}
		}
		return nil
	}))

	status, d := s.degree(t, "n", "type=FRIEND&direction=out")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, DegreeResponse{Node: "n", Query: "FRIEND#OUTGOING", Mode: "fallback", Count: 25}, d)

	_, d = s.degree(t, "n", "type=FRIEND&direction=out&literal=true&p.level=3")
	assert.Equal(t, int64(1), d.Count)

	_, d = s.degree(t, "n", "type=FRIEND&mode=naive&p.level=3")
	assert.Equal(t, int64(1), d.Count)
	assert.Equal(t, "naive", d.Mode)

	status, _ = s.degree(t, "n", "type=FRIEND&direction=out&mode=cached&p.level=3")
	assert.Equal(t, http.StatusConflict, status)

	status, _ = s.degree(t, "missing", "type=FRIEND")
	assert.Equal(t, http.StatusNotFound, status)

	for _, bad := range []string{"", "type=FRIEND&direction=sideways", "type=FRIEND&mode=guess", "type=FRIEND&literal=maybe"} {
		status, _ = s.degree(t, "n", bad)
		assert.Equal(t, http.StatusBadRequest, status, bad)
	}

	var cached CacheResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/nodes/n/cache", nil, &cached))
	assert.Equal(t, []string{"FRIEND#OUTGOING"}, cached.Compacted)
	// Compaction ran when the 21st level arrived, later levels are cached
	// exactly next to the merged entry.
	require.Len(t, cached.Entries, 5)
	assert.Equal(t, CacheEntry{Descriptor: "FRIEND#OUTGOING", Type: "FRIEND", Direction: "OUTGOING", Count: 21}, cached.Entries[0])
	assert.Equal(t, map[string]string{"level": "22"}, cached.Entries[1].Properties)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/nodes/missing/cache", nil, nil))
}

func TestSystemEndpoints(t *testing.T) {
	s := newTestServer(t, "")
	for _, id := range []string{"a", "b"} {
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/nodes", NodeCreateRequest{ID: id}, nil))
	}
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/relationships",
		RelationshipCreateRequest{Type: "FRIEND", Start: "a", End: "b"}, nil))

	var stats module.RebuildStats
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/system/rebuild", nil, &stats))
	assert.Equal(t, 2, stats.Nodes)
	assert.Equal(t, int64(2), stats.Relationships)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/system/compact", nil, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, s.do(t, http.MethodGet, "/system/rebuild", nil, nil))

	resp, err := http.Get(s.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `relcount_http_requests_total{method="POST",path="POST /nodes",status="201"}`)
}

func TestRecoveryMiddleware(t *testing.T) {
	s := &Server{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	h := s.RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nodes/a", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal Server Error"}`, rec.Body.String())
}

func TestRunAndShutdown(t *testing.T) {
	opts := engine.DefaultOptions(t.TempDir())
	opts.Backend = config.BackendMemory
	eng, err := engine.Open(opts)
	require.NoError(t, err)
	defer eng.Close()

	s := NewServer(eng, "127.0.0.1:0", "")
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run() }()

	time.Sleep(100 * time.Millisecond)
	s.Shutdown()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}
