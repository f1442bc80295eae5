// Package httpapi exposes the engine, ingestion pipeline, and chunk
// store over HTTP: ingest/documents/query/system endpoints per the
// documented external interface.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"hybridrag/internal/cache"
	"hybridrag/internal/engine"
	"hybridrag/internal/graph"
	"hybridrag/internal/ingest"
	"hybridrag/internal/store"
	"hybridrag/internal/vectorindex"
)

// lmHealth is the subset of the LM Client the health endpoint depends on.
type lmHealth interface {
	CheckConnection(ctx context.Context) error
}

// Server wires the Hybrid Engine, ingestion pipeline, chunk store,
// knowledge graph, and cache to a stdlib ServeMux.
type Server struct {
	engine  *engine.Engine
	ingest  *ingest.Pipeline
	store   store.Store
	index   vectorindex.Index
	graph   *graph.Graph
	cache   *cache.Cache
	lm      lmHealth
	startAt time.Time
	mux     *http.ServeMux
}

// NewServer constructs the HTTP surface. cache may be nil (disabled).
func NewServer(eng *engine.Engine, pipeline *ingest.Pipeline, st store.Store, idx vectorindex.Index, g *graph.Graph, c *cache.Cache, lm lmHealth) *Server {
	s := &Server{
		engine:  eng,
		ingest:  pipeline,
		store:   st,
		index:   idx,
		graph:   g,
		cache:   c,
		lm:      lm,
		startAt: time.Now(),
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/ingest", s.handleIngest)

	s.mux.HandleFunc("GET /api/documents", s.handleListDocuments)
	s.mux.HandleFunc("GET /api/documents/{docID}", s.handleGetDocument)
	s.mux.HandleFunc("DELETE /api/documents/{docID}", s.handleDeleteDocument)

	s.mux.HandleFunc("POST /api/query", s.handleQuery)
	s.mux.HandleFunc("POST /api/query/stream", s.handleQueryStream)
	s.mux.HandleFunc("GET /api/query/history", s.handleQueryHistory)

	s.mux.HandleFunc("GET /api/system/status", s.handleSystemStatus)
	s.mux.HandleFunc("GET /api/system/metrics", s.handleSystemMetrics)
	s.mux.HandleFunc("GET /api/system/health", s.handleSystemHealth)
}
