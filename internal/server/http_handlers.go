package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/sanonone/relcount/pkg/count"
	"github.com/sanonone/relcount/pkg/descriptor"
	"github.com/sanonone/relcount/pkg/engine"
	"github.com/sanonone/relcount/pkg/graph"
	"github.com/sanonone/relcount/pkg/store"
)

// propertyParamPrefix marks the query parameters that constrain the
// properties of a degree query: ?p.level=2
const propertyParamPrefix = "p."

// registerHTTPHandlers sets up the routes of the REST API.
func (s *Server) registerHTTPHandlers(mux *http.ServeMux) {
	// --- Graph ---
	mux.HandleFunc("POST /nodes", s.handleNodeCreate)
	mux.HandleFunc("GET /nodes/{id}", s.handleNodeGet)
	mux.HandleFunc("DELETE /nodes/{id}", s.handleNodeDelete)
	mux.HandleFunc("POST /relationships", s.handleRelationshipCreate)
	mux.HandleFunc("GET /relationships/{id}", s.handleRelationshipGet)
	mux.HandleFunc("PATCH /relationships/{id}", s.handleRelationshipUpdate)
	mux.HandleFunc("DELETE /relationships/{id}", s.handleRelationshipDelete)

	// --- Degrees ---
	mux.HandleFunc("GET /nodes/{id}/degree", s.handleDegree)
	mux.HandleFunc("GET /nodes/{id}/cache", s.handleNodeCache)

	// --- System ---
	mux.HandleFunc("POST /system/rebuild", s.handleRebuild)
	mux.HandleFunc("POST /system/compact", s.handleCompact)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNodeCreate(w http.ResponseWriter, r *http.Request) {
	var req NodeCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" {
		s.writeHTTPError(w, http.StatusBadRequest, "'id' is required")
		return
	}

	var node graph.Node
	err := s.Engine.Update(func(tx *graph.Tx) error {
		var err error
		node, err = tx.CreateNode(req.ID, req.Props)
		return err
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusCreated, node)
}

func (s *Server) handleNodeGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	node, ok, err := s.Engine.View().Node(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if !ok {
		s.writeHTTPError(w, http.StatusNotFound, "node not found: "+id)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, node)
}

func (s *Server) handleNodeDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.Engine.Update(func(tx *graph.Tx) error { return tx.DeleteNode(id) }); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "OK", "message": "node deleted"})
}

func (s *Server) handleRelationshipCreate(w http.ResponseWriter, r *http.Request) {
	var req RelationshipCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Type == "" || req.Start == "" || req.End == "" {
		s.writeHTTPError(w, http.StatusBadRequest, "'type', 'start' and 'end' are required")
		return
	}

	var rel graph.Relationship
	err := s.Engine.Update(func(tx *graph.Tx) error {
		var err error
		rel, err = tx.CreateRelationship(req.Type, req.Start, req.End, req.Props)
		return err
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusCreated, rel)
}

func (s *Server) handleRelationshipGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rel, ok, err := s.Engine.View().Relationship(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if !ok {
		s.writeHTTPError(w, http.StatusNotFound, "relationship not found: "+id)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, rel)
}

func (s *Server) handleRelationshipUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req RelationshipUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var rel graph.Relationship
	err := s.Engine.Update(func(tx *graph.Tx) error {
		for k, v := range req.Set {
			if err := tx.SetRelationshipProperty(id, k, v); err != nil {
				return err
			}
		}
		for _, k := range req.Remove {
			if err := tx.RemoveRelationshipProperty(id, k); err != nil {
				return err
			}
		}
		got, ok, err := tx.Relationship(id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", graph.ErrRelationshipNotFound, id)
		}
		rel = got
		return nil
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, rel)
}

func (s *Server) handleRelationshipDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.Engine.Update(func(tx *graph.Tx) error { return tx.DeleteRelationship(id) }); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "OK", "message": "relationship deleted"})
}

// handleDegree answers
// GET /nodes/{id}/degree?type=FRIEND&direction=out&mode=fallback&literal=false&p.level=2
func (s *Server) handleDegree(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	params := r.URL.Query()

	relType := params.Get("type")
	if relType == "" {
		s.writeHTTPError(w, http.StatusBadRequest, "'type' is required")
		return
	}
	dir, err := descriptor.ParseDirection(params.Get("direction"))
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode, err := engine.ParseMode(params.Get("mode"))
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, err.Error())
		return
	}
	literal := false
	if raw := params.Get("literal"); raw != "" {
		if literal, err = strconv.ParseBool(raw); err != nil {
			s.writeHTTPError(w, http.StatusBadRequest, "'literal' must be a boolean")
			return
		}
	}

	q := count.NewQuery(relType, dir)
	for key, values := range params {
		if name, ok := strings.CutPrefix(key, propertyParamPrefix); ok && name != "" && len(values) > 0 {
			q = q.With(name, values[0])
		}
	}

	n, err := s.Engine.CountWith(mode, id, q, literal)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, DegreeResponse{
		Node:    id,
		Query:   q.String(),
		Mode:    string(mode),
		Literal: literal,
		Count:   n,
	})
}

func (s *Server) handleNodeCache(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok, err := s.Engine.View().Node(id); err != nil {
		s.writeEngineError(w, err)
		return
	} else if !ok {
		s.writeHTTPError(w, http.StatusNotFound, "node not found: "+id)
		return
	}

	snap, err := s.Engine.Snapshot(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, newCacheResponse(id, snap))
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Engine.Rebuild(r.Context())
	if err != nil {
		s.logger.Error("Degree cache rebuild failed", "error", err)
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, stats)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Compact(); err != nil {
		s.logger.Error("Log rewrite failed", "error", err)
		s.writeHTTPError(w, http.StatusInternalServerError, "log rewrite failed: "+err.Error())
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "OK", "message": "log rewritten"})
}

// --- Helpers for HTTP responses ---

func (s *Server) writeHTTPResponse(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeHTTPError(w http.ResponseWriter, statusCode int, message string) {
	s.writeHTTPResponse(w, statusCode, map[string]string{"error": message})
}

// writeEngineError maps graph and count errors to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, graph.ErrNodeNotFound), errors.Is(err, graph.ErrRelationshipNotFound):
		status = http.StatusNotFound
	case errors.Is(err, graph.ErrNodeExists), errors.Is(err, count.ErrUnableToCount):
		status = http.StatusConflict
	case errors.Is(err, graph.ErrReservedID), errors.Is(err, descriptor.ErrInvalidDirection),
		errors.Is(err, store.ErrInvalidID):
		status = http.StatusBadRequest
	}
	s.writeHTTPError(w, status, err.Error())
}
