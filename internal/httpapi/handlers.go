package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hybridrag/internal/apperr"
	"hybridrag/internal/engine"
	"hybridrag/internal/ids"
	"hybridrag/internal/ingest"
	"hybridrag/internal/model"
	"hybridrag/internal/store"
)

const provenanceChunkContentLimit = 500
const maxProvenanceChunks = 10
const maxProvenancePaths = 5

// --- /api/ingest ---

type ingestResponse struct {
	DocID             string `json:"doc_id"`
	Status            string `json:"status"`
	Message           string `json:"message"`
	ChunksCreated     int    `json:"chunks_created"`
	EntitiesExtracted int    `json:"entities_extracted"`
	ProcessingTimeMs  int64  `json:"processing_time_ms"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx := r.Context()

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("parse multipart form: %w", err))
		return
	}

	content := r.FormValue("content")
	sourceURL := r.FormValue("url")
	docType := r.FormValue("doc_type")
	title := r.FormValue("title")
	var tags []string
	if raw := r.FormValue("tags"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}

	if docType == "" {
		respondError(w, http.StatusBadRequest, errors.New("doc_type is required"))
		return
	}

	req := ingest.Request{
		Title:     title,
		DocType:   model.DocType(docType),
		Tags:      tags,
		Content:   content,
		SourceURL: sourceURL,
	}

	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		req.File = file
		req.OriginalFilename = header.Filename
	case content == "" && sourceURL == "":
		respondError(w, http.StatusBadRequest, errors.New("one of file, url, or content is required"))
		return
	}

	result, err := s.ingest.Ingest(ctx, req)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, ingestResponse{
		DocID:             result.DocID.String(),
		Status:            string(result.Status),
		Message:           "ingest complete",
		ChunksCreated:     result.ChunksCreated,
		EntitiesExtracted: result.EntitiesExtracted,
		ProcessingTimeMs:  time.Since(started).Milliseconds(),
	})
}

// --- /api/documents ---

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := atoiDefault(r.URL.Query().Get("limit"), 50)
	offset := atoiDefault(r.URL.Query().Get("offset"), 0)
	status := model.DocStatus(r.URL.Query().Get("status"))

	docs, err := s.store.ListDocuments(ctx, limit, offset, status)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docID := ids.ID(r.PathValue("docID"))

	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	chunks, err := s.store.GetChunksByDoc(ctx, docID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"document":    doc,
		"chunk_count": len(chunks),
	})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docID := ids.ID(r.PathValue("docID"))

	if _, err := s.store.GetDocument(ctx, docID); err != nil {
		respondError(w, statusFromError(err), err)
		return
	}

	chunks, err := s.store.GetChunksByDoc(ctx, docID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	chunkIDs := make([]ids.ID, len(chunks))
	for i, c := range chunks {
		chunkIDs[i] = c.ID
	}
	if len(chunkIDs) > 0 {
		if err := s.index.RemoveChunks(ctx, chunkIDs); err != nil {
			respondError(w, http.StatusInternalServerError, fmt.Errorf("remove vectors: %w", err))
			return
		}
	}
	if err := s.store.DeleteDocument(ctx, docID); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// --- /api/query ---

type queryRequest struct {
	Question          string `json:"question"`
	Mode              string `json:"mode"`
	TopK              *int   `json:"top_k"`
	MaxHops           *int   `json:"max_hops"`
	IncludeProvenance bool   `json:"include_provenance"`
	IncludeReasoning  bool   `json:"include_reasoning"`
	SessionID         string `json:"session_id"`
}

type provenanceChunkPayload struct {
	ChunkID string  `json:"chunk_id"`
	DocID   string  `json:"doc_id"`
	Content string  `json:"content"`
	Score   float32 `json:"score"`
}

type provenancePayload struct {
	Chunks     []provenanceChunkPayload `json:"chunks"`
	GraphPaths []string                 `json:"graph_paths,omitempty"`
}

type queryResponse struct {
	Answer           string             `json:"answer"`
	Confidence       float64            `json:"confidence"`
	ModeUsed         string             `json:"mode_used"`
	Provenance       *provenancePayload `json:"provenance,omitempty"`
	ReasoningSteps   []string           `json:"reasoning_steps,omitempty"`
	ProcessingTimeMs int64              `json:"processing_time_ms"`
	Cached           bool               `json:"cached"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		respondError(w, http.StatusBadRequest, errors.New("question is required"))
		return
	}

	mode := req.Mode
	if mode == "" {
		mode = "auto"
	}

	resp, err := s.engine.Query(ctx, req.Question, engine.QueryOptions{Mode: mode, TopK: req.TopK, MaxHops: req.MaxHops, SessionID: req.SessionID})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	payload := queryResponse{
		Answer:           resp.Answer,
		Confidence:       resp.Confidence,
		ModeUsed:         resp.ModeUsed,
		ProcessingTimeMs: resp.ProcessingTimeMs,
		Cached:           resp.Cached,
	}
	if req.IncludeProvenance {
		payload.Provenance = buildProvenance(resp)
	}
	if req.IncludeReasoning {
		payload.ReasoningSteps = buildReasoningSteps(resp)
	}
	respondJSON(w, http.StatusOK, payload)
}

func buildProvenance(resp engine.Response) *provenancePayload {
	chunks := resp.Retrieval.Chunks
	if len(chunks) > maxProvenanceChunks {
		chunks = chunks[:maxProvenanceChunks]
	}
	out := make([]provenanceChunkPayload, len(chunks))
	for i, c := range chunks {
		content := c.Chunk.Content
		if len(content) > provenanceChunkContentLimit {
			content = content[:provenanceChunkContentLimit]
		}
		out[i] = provenanceChunkPayload{
			ChunkID: c.Chunk.ID.String(),
			DocID:   c.Chunk.DocID.String(),
			Content: content,
			Score:   c.Score,
		}
	}

	paths := resp.Retrieval.GraphPaths
	if len(paths) > maxProvenancePaths {
		paths = paths[:maxProvenancePaths]
	}
	rendered := make([]string, len(paths))
	for i, p := range paths {
		rendered[i] = strings.Join(p, " -> ")
	}

	return &provenancePayload{Chunks: out, GraphPaths: rendered}
}

// buildReasoningSteps narrates the retrieval shape behind an answer; the
// spec leaves the exact contents of reasoning_steps unspecified, so this
// reports what actually happened rather than a synthesized chain of
// thought.
func buildReasoningSteps(resp engine.Response) []string {
	meta := resp.Retrieval.Metadata
	steps := []string{
		fmt.Sprintf("mode used: %s", resp.ModeUsed),
		fmt.Sprintf("retrieved %d chunks across %d documents", meta.ChunksRetrieved, meta.DocumentsUsed),
	}
	if resp.ModeUsed == "deep" {
		steps = append(steps, fmt.Sprintf("graph expansion found %d paths covering %d entities", meta.GraphPathsFound, meta.EntitiesExpanded))
	}
	return steps
}

// --- /api/query/stream ---

type streamDelta struct {
	w http.ResponseWriter
	f http.Flusher
}

func (d streamDelta) OnDelta(text string) {
	_, _ = d.w.Write([]byte(text))
	if d.f != nil {
		d.f.Flush()
	}
}

func (s *Server) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		respondError(w, http.StatusBadRequest, errors.New("question is required"))
		return
	}
	mode := req.Mode
	if mode == "" {
		mode = "auto"
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	handler := streamDelta{w: w, f: flusher}
	if err := s.engine.QueryStream(ctx, req.Question, engine.QueryOptions{Mode: mode, TopK: req.TopK, MaxHops: req.MaxHops, SessionID: req.SessionID}, handler); err != nil {
		// Headers are already flushed by the time streaming can fail
		// partway; best we can do is stop writing.
		return
	}
}

// --- /api/query/history ---

func (s *Server) handleQueryHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := atoiDefault(r.URL.Query().Get("limit"), 50)
	sessionID := r.URL.Query().Get("session_id")

	logs, err := s.store.ListProvenanceLogs(ctx, limit, sessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"history": logs})
}

// --- /api/system/* ---

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docs, err := s.store.ListDocuments(ctx, 10000, 0, model.DocStatus(""))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	stats := s.index.GetStats()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"documents_indexed": len(docs),
		"vectors_indexed":   stats.VectorCount,
		"entities_in_graph": s.graph.NodeCount(),
		"cache_available":   s.cache.Available(ctx),
	})
}

func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	respondJSON(w, http.StatusOK, map[string]any{
		"vector_index":    s.index.GetStats(),
		"graph_nodes":     s.graph.NodeCount(),
		"uptime_seconds":  time.Since(s.startAt).Seconds(),
		"cache_available": s.cache.Available(ctx),
		// Reserved fields the spec documents as always 0/false: no hit-rate
		// accounting or Redis introspection is implemented.
		"cache_hit_rate": 0,
		"redis_present":  false,
	})
}

func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "ok"
	lmReachable := true
	if err := s.lm.CheckConnection(ctx); err != nil {
		status = "degraded"
		lmReachable = false
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       status,
		"lm_reachable": lmReachable,
	})
}

// --- shared helpers ---

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]any{"error": http.StatusText(status), "message": err.Error()})
}

// statusFromError maps an engine.Error's Kind (§7) to a status code; a
// bare store.ErrNotFound (returned directly by document/chunk lookups
// that never pass through the engine) still maps to 404 too.
func statusFromError(err error) int {
	if kind, ok := apperr.KindOf(err); ok {
		switch kind {
		case apperr.InputInvalid:
			return http.StatusBadRequest
		case apperr.NotFound:
			return http.StatusNotFound
		case apperr.UpstreamTransient:
			return http.StatusServiceUnavailable
		case apperr.UpstreamFatal:
			return http.StatusBadGateway
		case apperr.Storage:
			return http.StatusInternalServerError
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
